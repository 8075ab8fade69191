package ubifs

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fataler struct{ t *testing.T }

func (f fataler) Fatalf(format string, args ...interface{}) { f.t.Helper(); f.t.Fatalf(format, args...) }

func TestLoadAndStat(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})
	root, err := fs.Stat(RootInum)
	if err != nil {
		t.Fatal(err)
	}
	if root.Nlink != 2 {
		t.Errorf("root.Nlink = %d, want 2", root.Nlink)
	}
}

func TestReaddir(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})
	entries, err := fs.Readdir(RootInum)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Readdir(/) = %d entries, want 2", len(entries))
	}
	byName := make(map[string]Dirent)
	for _, e := range entries {
		byName[e.Name] = e
	}
	want := map[string]Dirent{
		"hello.txt": {Name: "hello.txt", Inum: 2, Type: TypeRegular},
		"link":      {Name: "link", Inum: 3, Type: TypeSymlink},
	}
	if diff := cmp.Diff(want, byName); diff != "" {
		t.Errorf("Readdir(/) mismatch (-want +got):\n%s", diff)
	}
}

func TestFindPath(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})

	tests := []struct {
		path string
		inum uint32
	}{
		{"/", 1},
		{"", 1},
		{"hello.txt", 2},
		{"/hello.txt", 2},
		{"link", 3},
	}
	for _, tt := range tests {
		ino, err := fs.FindPath(tt.path)
		if err != nil {
			t.Errorf("FindPath(%q): %v", tt.path, err)
			continue
		}
		if ino.Key.Inum != tt.inum {
			t.Errorf("FindPath(%q).Key.Inum = %d, want %d", tt.path, ino.Key.Inum, tt.inum)
		}
	}

	if _, err := fs.FindPath("nonexistent"); err == nil {
		t.Error("FindPath(nonexistent) succeeded, want error")
	}
}

func TestSaveFile(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})
	ino, err := fs.FindPath("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytesSink
	if err := fs.SaveFile(ino, &buf); err != nil {
		t.Fatal(err)
	}
	if got, want := string(buf.buf), "hello"; got != want {
		t.Errorf("SaveFile content = %q, want %q", got, want)
	}
}

func TestSaveFileSparse(t *testing.T) {
	t.Parallel()

	fs, block0, block3, size := buildSparseFixture(fataler{t})
	ino, err := fs.FindPath("sparse")
	if err != nil {
		t.Fatal(err)
	}
	if ino.Size != size {
		t.Fatalf("inode size = %d, want %d", ino.Size, size)
	}

	var buf bytesSink
	if err := fs.SaveFile(ino, &buf); err != nil {
		t.Fatal(err)
	}
	got := buf.buf
	if uint64(len(got)) != size {
		t.Fatalf("extracted %d bytes, want %d", len(got), size)
	}
	if !bytes.Equal(got[:BlockSize], block0) {
		t.Errorf("block 0 mismatch")
	}
	hole := got[BlockSize : 3*BlockSize]
	for i, b := range hole {
		if b != 0 {
			t.Fatalf("hole byte %d = %#x, want 0", i, b)
		}
	}
	if !bytes.Equal(got[3*BlockSize:], block3) {
		t.Errorf("block 3 mismatch")
	}
}

// TestSaveFileOversizedBlock covers spec's literal S2 numbers: block 0 and
// block 100 present, inode size one byte into block 100. The data nodes'
// natural block offsets leave the sink holding more bytes than the
// declared size once the last one is written (emitted stays 8192 — well
// under size — but the write cursor reaches 413696); SaveFile must shrink
// the result back down to exactly size rather than keep the oversized
// write, which is what a sink that only ever appends (as opposed to
// seeking to each block's real offset) would otherwise produce.
func TestSaveFileOversizedBlock(t *testing.T) {
	t.Parallel()

	fs, block0, block100, size := buildOversizedSparseFixture(fataler{t})
	ino, err := fs.FindPath("sparse")
	if err != nil {
		t.Fatal(err)
	}
	if ino.Size != size {
		t.Fatalf("inode size = %d, want %d", ino.Size, size)
	}

	var buf bytesSink
	if err := fs.SaveFile(ino, &buf); err != nil {
		t.Fatal(err)
	}
	got := buf.buf
	if uint64(len(got)) != size {
		t.Fatalf("extracted %d bytes, want %d", len(got), size)
	}
	if !bytes.Equal(got[:BlockSize], block0) {
		t.Errorf("block 0 mismatch")
	}
	hole := got[BlockSize : 100*BlockSize]
	for i, b := range hole {
		if b != 0 {
			t.Fatalf("hole byte %d = %#x, want 0", i, b)
		}
	}
	want := block100[:1]
	if !bytes.Equal(got[100*BlockSize:], want) {
		t.Errorf("truncated block 100 byte = %#x, want %#x", got[100*BlockSize:], want)
	}
}

func TestSymlinkTarget(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})
	ino, err := fs.FindPath("link")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(ino.Data), "hello.txt"; got != want {
		t.Errorf("symlink target = %q, want %q", got, want)
	}
}

func TestCursorOrdering(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})
	c, err := fs.Find(RelGE, Key{})
	if err != nil {
		t.Fatal(err)
	}
	var keys []Key
	for c != nil {
		keys = append(keys, c.Key())
		c, err = c.Next()
		if err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i < len(keys); i++ {
		if !keys[i-1].Less(keys[i]) {
			t.Errorf("keys not strictly increasing at %d: %s >= %s", i, keys[i-1], keys[i])
		}
	}
	if len(keys) != 6 {
		t.Errorf("got %d leaves, want 6", len(keys))
	}
}

func TestCursorForwardReverseSymmetry(t *testing.T) {
	t.Parallel()

	fs := buildFixture(fataler{t})
	c, err := fs.Find(RelGE, Key{})
	if err != nil {
		t.Fatal(err)
	}
	var forward []Key
	for c != nil {
		forward = append(forward, c.Key())
		c, err = c.Next()
		if err != nil {
			t.Fatal(err)
		}
	}

	c, err = fs.Find(RelLE, Key{Inum: 1 << 31})
	if err != nil {
		t.Fatal(err)
	}
	var backward []Key
	for c != nil {
		backward = append(backward, c.Key())
		c, err = c.Prev()
		if err != nil {
			t.Fatal(err)
		}
	}

	if len(forward) != len(backward) {
		t.Fatalf("forward has %d keys, backward has %d", len(forward), len(backward))
	}
	for i := range forward {
		if forward[i] != backward[len(backward)-1-i] {
			t.Errorf("forward[%d] = %s, reverse counterpart = %s", i, forward[i], backward[len(backward)-1-i])
		}
	}
}

// bytesSink is a Sink backed by an in-memory byte slice: Write places bytes
// at the current position (zero-filling any gap first, the same thing a
// real file's hole gets from a Seek past its end), Seek actually honors
// offset and whence against that slice, and Truncate resizes it exactly,
// trimming trailing bytes or zero-padding new ones.
type bytesSink struct {
	buf []byte
	pos int64
}

func (w *bytesSink) Write(p []byte) (int, error) {
	if gap := w.pos - int64(len(w.buf)); gap > 0 {
		w.buf = append(w.buf, make([]byte, gap)...)
	}
	end := w.pos + int64(len(p))
	if end > int64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-int64(len(w.buf)))...)
	}
	n := copy(w.buf[w.pos:end], p)
	w.pos += int64(n)
	return n, nil
}

func (w *bytesSink) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = w.pos + offset
	case io.SeekEnd:
		newPos = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("bytesSink: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("bytesSink: negative position %d", newPos)
	}
	w.pos = newPos
	return newPos, nil
}

func (w *bytesSink) Truncate(size int64) error {
	switch {
	case int64(len(w.buf)) > size:
		w.buf = w.buf[:size]
	case int64(len(w.buf)) < size:
		w.buf = append(w.buf, make([]byte, size-int64(len(w.buf)))...)
	}
	return nil
}
