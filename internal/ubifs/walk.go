package ubifs

import (
	"fmt"
	"path"
)

// WalkFunc is called once per tree entry visited by Walk, with its path
// (the root argument given to Walk joined with each name below it via
// path.Join, so a root of "/" yields "/etc/passwd") and resolved inode.
// If a directory cannot be read, WalkFunc is called with that directory's
// own path, a nil inode and a non-nil walkErr. Returning an error from
// WalkFunc stops the walk and that error is returned from Walk; returning
// nil continues it even if this entry itself could not be fully resolved
// (walkErr will be non-nil in that case).
type WalkFunc func(p string, ino *Inode, walkErr error) error

// Walk visits every inode reachable from dirInum's directory entries,
// depth-first, in on-disk order. It does not follow symlinks and visits
// each directory entry exactly once; it does not protect against a
// directory tree modified concurrently with the walk, which cannot happen
// against this package's read-only, non-journal-replaying view.
func (fs *FS) Walk(root string, dirInum uint32, fn WalkFunc) error {
	entries, err := fs.Readdir(dirInum)
	if err != nil {
		return fn(root, nil, fmt.Errorf("reading directory: %v", err))
	}
	for _, d := range entries {
		childPath := path.Join(root, d.Name)
		ino, err := fs.Stat(uint32(d.Inum))
		if err != nil {
			if ferr := fn(childPath, nil, fmt.Errorf("stat inode %d: %v", d.Inum, err)); ferr != nil {
				return ferr
			}
			continue
		}
		if err := fn(childPath, ino, nil); err != nil {
			return err
		}
		if d.Type == TypeDir {
			if err := fs.Walk(childPath, uint32(d.Inum), fn); err != nil {
				return err
			}
		}
	}
	return nil
}
