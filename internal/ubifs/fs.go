package ubifs

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// masterNodeSize is the total on-disk size of one master node: common
// header, fixed fields and padding.
const masterNodeSize = commonHeaderSize + masterFixedSize + masterPadding

// masterSlotStride is the fixed offset between successive master-node
// slots in LEB 1: 0, 0x1000, 0x2000, … per spec.md §4.4. This is not
// derived from the superblock's min_io_size: real UBIFS instead aligns
// each slot to ALIGN(512, min_io_size), so deriving the stride from
// min_io_size directly (as an earlier version of this probe did) finds the
// wrong offsets on any image whose min_io_size isn't already 4096.
const masterSlotStride = 0x1000

// RootInum is the inode number of the filesystem root directory.
const RootInum = 1

// FS is a read-only handle onto one UBIFS instance: a superblock, the most
// recently committed master record, and the B+-tree root they point to.
// Everything FS exposes is derived by walking that tree; nothing here
// replays the journal, so changes committed after the on-flash master node
// was last written are invisible, exactly like a crash-consistent read of
// the image would be.
type FS struct {
	vol    nodeSource
	Super  *Superblock
	Master *Master
	root   *IndexNode
}

// Load reads vol's superblock and most recent master node and opens its
// B+-tree root, returning a ready-to-walk FS.
func Load(vol nodeSource) (*FS, error) {
	n, err := readNode(vol, 0, 0)
	if err != nil {
		return nil, xerrors.Errorf("reading superblock: %w", err)
	}
	sb, ok := n.(*Superblock)
	if !ok {
		return nil, fmt.Errorf("node at 0:0 is a %T, not a superblock", n)
	}

	var master *Master
	for offs := int64(0); offs+masterNodeSize <= int64(sb.LebSize); offs += masterSlotStride {
		n, err := readNode(vol, 1, offs)
		if err != nil {
			break // first unreadable slot ends the master area; earlier copies already seen win
		}
		m, ok := n.(*Master)
		if !ok {
			break
		}
		if master == nil || m.CmtNo >= master.CmtNo {
			master = m
		}
	}
	if master == nil {
		return nil, fmt.Errorf("no readable master node found")
	}

	n, err = readNode(vol, master.RootLnum, int64(master.RootOffs))
	if err != nil {
		return nil, xerrors.Errorf("reading index root: %w", err)
	}
	root, ok := n.(*IndexNode)
	if !ok {
		return nil, fmt.Errorf("master root at %d:%#x is a %T, not an index node", master.RootLnum, master.RootOffs, n)
	}

	return &FS{vol: vol, Super: sb, Master: master, root: root}, nil
}

// Stat returns the inode for inum.
func (fs *FS) Stat(inum uint32) (*Inode, error) {
	c, err := fs.Find(RelEQ, Key{Inum: inum, Type: KeyInode})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("inode %d not found", inum)
	}
	ino, ok := c.Node().(*Inode)
	if !ok {
		return nil, fmt.Errorf("key for inode %d resolved to a %T, not an inode", inum, c.Node())
	}
	return ino, nil
}

// Dirent is one resolved entry inside a directory: its name, the inode it
// references, and that inode's type.
type Dirent struct {
	Name string
	Inum uint64
	Type uint8
}

// Readdir returns the entries of the directory with inode number dirInum,
// in on-disk (hash) order, which is not the same as name order.
func (fs *FS) Readdir(dirInum uint32) ([]Dirent, error) {
	var out []Dirent
	c, err := fs.Find(RelGE, Key{Inum: dirInum, Type: KeyDent})
	if err != nil {
		return nil, err
	}
	for c != nil {
		d, ok := c.Node().(*DirEntry)
		if !ok || c.Key().Inum != dirInum || c.Key().Type != KeyDent {
			break
		}
		out = append(out, Dirent{Name: d.Name, Inum: d.Inum, Type: d.Type})
		c, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lookup resolves one path component name inside directory dirInum,
// handling the (rare) case of two names hashing to the same 29-bit value by
// scanning every dirent at that hash and comparing names in full, per this
// reader's resolution of the source's Open Question on hash collisions.
func (fs *FS) lookup(dirInum uint32, name string) (*DirEntry, error) {
	hash := NameHash(name)
	c, err := fs.Find(RelGE, Key{Inum: dirInum, Type: KeyDent, Value: hash})
	if err != nil {
		return nil, err
	}
	for c != nil {
		k := c.Key()
		if k.Inum != dirInum || k.Type != KeyDent || k.Value != hash {
			break
		}
		d, ok := c.Node().(*DirEntry)
		if ok && d.Name == name {
			return d, nil
		}
		c, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%q not found", name)
}

// FindPath resolves a slash-separated path (relative to the filesystem
// root) to an inode, following each component through lookup in turn and
// requiring every inode it descends from to be a directory. An empty path,
// or "/", resolves to the root inode.
func (fs *FS) FindPath(p string) (*Inode, error) {
	inum := uint32(RootInum)
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return fs.Stat(inum)
	}
	for _, comp := range strings.Split(p, "/") {
		dirIno, err := fs.Stat(inum)
		if err != nil {
			return nil, xerrors.Errorf("resolving %q: %w", p, err)
		}
		if dirIno.Mode&unix.S_IFMT != unix.S_IFDIR {
			return nil, fmt.Errorf("resolving %q: %q is not a directory", p, comp)
		}
		d, err := fs.lookup(inum, comp)
		if err != nil {
			return nil, xerrors.Errorf("resolving %q: %w", p, err)
		}
		inum = uint32(d.Inum)
	}
	return fs.Stat(inum)
}
