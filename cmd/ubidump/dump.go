package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ubidump/ubidump/internal/listing"
	"github.com/ubidump/ubidump/internal/ubifs"
	"github.com/ubidump/ubidump/internal/ubifuse"
	"github.com/ubidump/ubidump/internal/ubiimage"
)

func openImage(f *os.File, size int64) (*ubiimage.Blocks, error) {
	blocks, err := ubiimage.Open(f, size)
	if err != nil {
		return nil, xerrors.Errorf("opening UBI image: %w", err)
	}
	return blocks, nil
}

func loadVolume(blocks *ubiimage.Blocks, nv ubiimage.NamedVolume) (*ubifs.FS, error) {
	vol := blocks.Volume(uint32(nv.ID))
	return ubifs.Load(vol)
}

func printBlockSummary(image string, blocks *ubiimage.Blocks) {
	fmt.Printf("%s: LEB size %d, %d physical volumes, %d named volumes\n",
		image, blocks.LebSize(), blocks.NumPhysicalVolumes(), blocks.NumVolumes())
}

func printFSSummary(volName string, ufs *ubifs.FS) {
	fmt.Printf("  volume %q: UBIFS, %d bytes/LEB, %d LEBs, fanout %d, highest inode %d\n",
		volName, ufs.Super.LebSize, ufs.Super.LebCnt, ufs.Super.Fanout, ufs.Master.HighestInum)
}

// dumpTree prints the B+-tree structure, level by level, exactly as laid
// out on flash: each index node's branches with their child address and
// key, down to the leaf nodes.
func dumpTree(volName string, ufs *ubifs.FS) error {
	fmt.Printf("volume %q: B+-tree\n", volName)
	return ufs.DumpTree(os.Stdout)
}

// listTree prints an ls -l style directory listing of the entire tree
// reachable from the root inode.
func listTree(volName string, ufs *ubifs.FS) error {
	fmt.Printf("volume %q:\n", volName)
	root, err := ufs.Stat(ubifs.RootInum)
	if err != nil {
		return err
	}
	fmt.Println(listing.Line(root.Mode, root.Nlink, root.UID, root.GID, fmt.Sprint(root.Size), root.MtimeSec, listing.Colorize(os.Stdout, "/", root.Mode)))
	return ufs.Walk("/", ubifs.RootInum, func(p string, ino *ubifs.Inode, walkErr error) error {
		if walkErr != nil {
			fmt.Printf("  %s: %v\n", p, walkErr)
			return nil
		}
		name := listing.Colorize(os.Stdout, p, ino.Mode)
		size := fmt.Sprint(ino.Size)
		switch ino.Mode & unix.S_IFMT {
		case unix.S_IFLNK:
			name = fmt.Sprintf("%s -> %s", name, string(ino.Data))
		case unix.S_IFBLK, unix.S_IFCHR:
			size = listing.DeviceNumbers(ino.Data)
		}
		fmt.Println(listing.Line(ino.Mode, ino.Nlink, ino.UID, ino.GID, size, ino.MtimeSec, name))
		return nil
	})
}

// extractVolume writes every regular file and symlink reachable from the
// root into dir/volName, preserving the tree structure. Directory creation
// failures because a directory already exists are not fatal, matching the
// behavior of tools built to run repeatedly against an output tree.
func extractVolume(dir, volName string, ufs *ubifs.FS) error {
	base := filepath.Join(dir, volName)
	if err := os.MkdirAll(base, 0755); err != nil && !os.IsExist(err) {
		return err
	}
	return ufs.Walk("/", ubifs.RootInum, func(p string, ino *ubifs.Inode, walkErr error) error {
		if walkErr != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, walkErr)
			return nil
		}
		dest := filepath.Join(base, p)
		switch ino.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			if err := os.MkdirAll(dest, os.FileMode(ino.Mode&0777)); err != nil && !os.IsExist(err) {
				return err
			}
		case unix.S_IFLNK:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil && !os.IsExist(err) {
				return err
			}
			_ = os.Remove(dest)
			if err := os.Symlink(string(ino.Data), dest); err != nil {
				return err
			}
		case unix.S_IFREG: // regular file
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil && !os.IsExist(err) {
				return err
			}
			out, err := renameio.TempFile("", dest)
			if err != nil {
				return err
			}
			defer out.Cleanup()
			if err := ufs.SaveFile(ino, out); err != nil {
				return err
			}
			if err := out.Chmod(os.FileMode(ino.Mode & 0777)); err != nil {
				return err
			}
			if err := out.CloseAtomicallyReplace(); err != nil {
				return err
			}
		default:
			// device nodes, fifos and sockets: not reproducible in a plain
			// output directory without root, so they are noted and skipped.
			fmt.Fprintf(os.Stderr, "%s: skipping non-regular node (mode %#o)\n", p, ino.Mode)
		}
		return nil
	})
}

// catFile looks up path in ufs and, if found, writes its content to
// stdout. It reports (false, nil) rather than an error when the path is
// simply absent from this volume, so callers can keep searching later
// volumes or images.
func catFile(ufs *ubifs.FS, path string) (bool, error) {
	ino, err := ufs.FindPath(path)
	if err != nil {
		return false, nil
	}
	if ino.Mode&unix.S_IFMT != unix.S_IFREG {
		return false, fmt.Errorf("%s is not a regular file", path)
	}

	sink := &stdoutSink{ws: &writerseeker.WriterSeeker{}}
	if err := ufs.SaveFile(ino, sink); err != nil {
		return true, err
	}
	if _, err := io.Copy(os.Stdout, sink.ws.Reader()); err != nil {
		return true, err
	}
	return true, nil
}

// stdoutSink buffers an extraction in memory before it is copied to
// stdout (which is not seekable, so ufs.SaveFile cannot write to it
// directly). writerseeker.WriterSeeker has no Truncate method of its own;
// Truncate here rebuilds the buffer from whatever bytes are already in
// it, trimmed or zero-padded to the requested size, the same resize
// ufs.SaveFile expects from any sink.
type stdoutSink struct {
	ws *writerseeker.WriterSeeker
}

func (s *stdoutSink) Write(p []byte) (int, error) { return s.ws.Write(p) }

func (s *stdoutSink) Seek(offset int64, whence int) (int64, error) {
	return s.ws.Seek(offset, whence)
}

func (s *stdoutSink) Truncate(size int64) error {
	data, err := io.ReadAll(s.ws.Reader())
	if err != nil {
		return err
	}
	switch {
	case int64(len(data)) > size:
		data = data[:size]
	case int64(len(data)) < size:
		data = append(data, make([]byte, size-int64(len(data)))...)
	}
	ws := &writerseeker.WriterSeeker{}
	if _, err := ws.Write(data); err != nil {
		return err
	}
	s.ws = ws
	return nil
}

func mountVolume(ufs *ubifs.FS, mountpoint, volName string) error {
	name := "ubidump"
	if volName != "" {
		name = "ubidump:" + strings.TrimSpace(volName)
	}
	return ubifuse.Mount(signalContext(), ufs, mountpoint, name)
}
