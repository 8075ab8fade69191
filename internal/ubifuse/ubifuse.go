// Package ubifuse mounts a ubifs.FS read-only via FUSE, so its contents can
// be browsed with ordinary filesystem tools instead of only with ubidump's
// own -l/-c/-s flags. It is a deliberately small read-only filesystem: one
// ubifs.FS per mount, no writes, no hard-link tracking beyond what the
// inode's own Nlink field reports.
package ubifuse

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/ubidump/ubidump/internal/ubifs"
)

// never is used for FUSE expiration timestamps. The volume this mounts is
// read-only for the lifetime of the mount, so there is nothing to
// invalidate.
var never = time.Now().Add(365 * 24 * time.Hour)

type fs struct {
	fuseutil.NotImplementedFileSystem

	mu  sync.Mutex
	ufs *ubifs.FS

	// dircache memoizes Readdir results, keyed by inode number; entries
	// never go stale since the underlying volume cannot change mid-mount.
	dircache map[uint32][]ubifs.Dirent
}

// Mount mounts ufs read-only at mountpoint and blocks until it is
// unmounted (by a signal, or by fusermount -u / umount). name is used as
// the FUSE filesystem name reported to the kernel (visible in mount(8)
// output).
func Mount(ctx context.Context, ufs *ubifs.FS, mountpoint, name string) error {
	fs := &fs{ufs: ufs, dircache: make(map[uint32][]ubifs.Dirent)}
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   name,
		ReadOnly: true,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		syscall.Unmount(mountpoint, 0)
	}()

	return mfs.Join(context.Background())
}

func (f *fs) readdir(inum uint32) ([]ubifs.Dirent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entries, ok := f.dircache[inum]; ok {
		return entries, nil
	}
	entries, err := f.ufs.Readdir(inum)
	if err != nil {
		return nil, err
	}
	f.dircache[inum] = entries
	return entries, nil
}

func attributesFor(ino *ubifs.Inode) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  ino.Size,
		Nlink: ino.Nlink,
		Mode:  os.FileMode(ino.Mode & 0777) | typeBits(ino.Mode),
		Uid:   ino.UID,
		Gid:   ino.GID,
		Atime: time.Unix(int64(ino.AtimeSec), int64(ino.AtimeNsec)).UTC(),
		Mtime: time.Unix(int64(ino.MtimeSec), int64(ino.MtimeNsec)).UTC(),
		Ctime: time.Unix(int64(ino.CtimeSec), int64(ino.CtimeNsec)).UTC(),
	}
}

func typeBits(mode uint32) os.FileMode {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return os.ModeDir
	case unix.S_IFLNK:
		return os.ModeSymlink
	case unix.S_IFBLK:
		return os.ModeDevice
	case unix.S_IFCHR:
		return os.ModeDevice | os.ModeCharDevice
	case unix.S_IFIFO:
		return os.ModeNamedPipe
	case unix.S_IFSOCK:
		return os.ModeSocket
	default:
		return 0
	}
}

func direntType(t uint8) fuseutil.DirentType {
	switch t {
	case ubifs.TypeDir:
		return fuseutil.DT_Directory
	case ubifs.TypeSymlink:
		return fuseutil.DT_Link
	case ubifs.TypeBlkDev, ubifs.TypeChrDev:
		return fuseutil.DT_Block
	default:
		return fuseutil.DT_File
	}
}

func (f *fs) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = ubifs.BlockSize
	op.IoSize = ubifs.BlockSize
	return nil
}

func (f *fs) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never

	entries, err := f.readdir(uint32(op.Parent))
	if err != nil {
		return fuse.EIO
	}
	for _, d := range entries {
		if d.Name != op.Name {
			continue
		}
		ino, err := f.ufs.Stat(uint32(d.Inum))
		if err != nil {
			return fuse.EIO
		}
		op.Entry.Child = fuseops.InodeID(d.Inum)
		op.Entry.Attributes = attributesFor(ino)
		return nil
	}
	return fuse.ENOENT
}

func (f *fs) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.AttributesExpiration = never
	ino, err := f.ufs.Stat(uint32(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}
	op.Attributes = attributesFor(ino)
	return nil
}

func (f *fs) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	_, err := f.readdir(uint32(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}
	return nil
}

func (f *fs) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := f.readdir(uint32(op.Inode))
	if err != nil {
		return fuse.EIO
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for idx, d := range entries[op.Offset:] {
		dirent := fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(idx) + 1,
			Inode:  fuseops.InodeID(d.Inum),
			Name:   d.Name,
			Type:   direntType(d.Type),
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (f *fs) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	op.KeepPageCache = true // the mounted volume never changes underneath us
	return nil
}

func (f *fs) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	ino, err := f.ufs.Stat(uint32(op.Inode))
	if err != nil {
		return fuse.EIO
	}
	for i := range op.Dst {
		op.Dst[i] = 0
	}
	sink := &sectionWriter{dst: op.Dst, base: op.Offset}
	if err := f.ufs.SaveFile(ino, sink); err != nil {
		return err
	}
	n := int64(len(op.Dst))
	if rem := int64(ino.Size) - op.Offset; rem < n {
		n = rem
	}
	if n < 0 {
		n = 0
	}
	op.BytesRead = int(n)
	return nil
}

func (f *fs) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	ino, err := f.ufs.Stat(uint32(op.Inode))
	if err != nil {
		return fuse.EIO
	}
	op.Target = string(ino.Data)
	return nil
}

// sectionWriter adapts a single ReadFile request's fixed destination
// buffer, starting at a given file offset, to the ubifs.Sink SaveFile
// wants. It is deliberately not reusable across requests.
type sectionWriter struct {
	dst  []byte
	base int64
	pos  int64
	n    int
}

func (w *sectionWriter) Write(p []byte) (int, error) {
	if w.pos < w.base {
		skip := w.base - w.pos
		if int64(len(p)) <= skip {
			w.pos += int64(len(p))
			return len(p), nil
		}
		p = p[skip:]
		w.pos += skip
	}
	remaining := int64(len(w.dst)) - (w.pos - w.base)
	if remaining <= 0 {
		w.pos += int64(len(p))
		return len(p), nil
	}
	n := int64(len(p))
	if n > remaining {
		n = remaining
	}
	copy(w.dst[w.pos-w.base:], p[:n])
	w.n += int(n)
	w.pos += int64(len(p))
	return len(p), nil
}

func (w *sectionWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		w.pos = offset
	case 1:
		w.pos += offset
	default:
		return 0, os.ErrInvalid
	}
	return w.pos, nil
}

// Truncate is a no-op: ReadFile zeroes op.Dst before SaveFile runs and
// reports every byte of the window that lies inside the inode's size as
// read, so any part of that fixed window SaveFile never writes (a hole, or
// the tail once the last data node ends) reads back zero.
func (w *sectionWriter) Truncate(size int64) error { return nil }
