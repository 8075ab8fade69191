package ubifs

import (
	"fmt"
	"io"
	"log"
)

// BlockSize is the fixed size UBIFS divides file content into; each data
// node's key value is the zero-based index of the block it holds.
const BlockSize = 4096

// Sink is the destination SaveFile writes a file's content to. Seek places
// each data node at its block offset directly, so holes between blocks
// never need to be written out by hand; Truncate then resizes the result
// to exactly the inode's declared size once every data node has been
// written, whether that means extending it (padding with zeros) or
// cutting off data blocks that ran past the declared size.
type Sink interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// SaveFile writes the content of a regular file's inode to dst, seeking to
// each data node's block offset before writing it. emitted tracks only the
// bytes actually present in data nodes, not the holes Seek skips over; per
// spec, if that total falls short of the inode's declared size the sink is
// resized to exactly that size (extending with zeros or cutting off
// trailing data, whichever the writes left it needing), and if it runs
// past the declared size SaveFile logs a warning and leaves the extra data
// in place. The UBIFS images this reader has seen never produce the
// latter, but a corrupt or adversarial image could.
func (fs *FS) SaveFile(ino *Inode, dst Sink) error {
	var emitted int64
	c, err := fs.Find(RelGE, Key{Inum: ino.Key.Inum, Type: KeyData})
	if err != nil {
		return fmt.Errorf("locating data blocks: %v", err)
	}
	for c != nil {
		k := c.Key()
		if k.Inum != ino.Key.Inum || k.Type != KeyData {
			break
		}
		d, ok := c.Node().(*DataNode)
		if !ok {
			return fmt.Errorf("key %s resolved to a %T, not a data node", k, c.Node())
		}
		if _, err := dst.Seek(int64(k.Value)*BlockSize, io.SeekStart); err != nil {
			return fmt.Errorf("seeking to block %d: %v", k.Value, err)
		}
		n, err := dst.Write(d.Data)
		if err != nil {
			return fmt.Errorf("writing block %d: %v", k.Value, err)
		}
		emitted += int64(n)

		c, err = c.Next()
		if err != nil {
			return err
		}
	}

	switch {
	case emitted < int64(ino.Size):
		if err := dst.Truncate(int64(ino.Size)); err != nil {
			return fmt.Errorf("resizing to declared size %d: %v", ino.Size, err)
		}
	case emitted > int64(ino.Size):
		log.Printf("inode %d: wrote %d bytes of data, past declared size %d; keeping the extra data", ino.Key.Inum, emitted, ino.Size)
	}
	return nil
}
