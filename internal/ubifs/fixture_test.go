package ubifs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// memVol is a tiny in-memory nodeSource: one fixed-size buffer per logical
// erase block, used to synthesize small UBIFS images for tests without
// needing a real UBI container or golden fixture files.
type memVol struct {
	lebSize int64
	lebs    map[uint32][]byte
}

func newMemVol(lebSize int64) *memVol {
	return &memVol{lebSize: lebSize, lebs: make(map[uint32][]byte)}
}

func (v *memVol) Read(lnum uint32, offs int64, size int) ([]byte, error) {
	buf, ok := v.lebs[lnum]
	if !ok {
		return nil, fmt.Errorf("leb %d not present", lnum)
	}
	if offs < 0 || offs+int64(size) > int64(len(buf)) {
		return nil, fmt.Errorf("leb %d: read [%d:%d] out of range (len %d)", lnum, offs, offs+int64(size), len(buf))
	}
	return buf[offs : offs+int64(size)], nil
}

// put writes a node's raw bytes into lnum at offs, zero-filling the rest of
// the LEB on first use.
func (v *memVol) put(lnum uint32, offs int64, raw []byte) {
	buf, ok := v.lebs[lnum]
	if !ok {
		buf = make([]byte, v.lebSize)
		v.lebs[lnum] = buf
	}
	copy(buf[offs:], raw)
}

// encodeNode builds one complete node: common header (with a correct CRC
// over header[8:]+body) followed by body.
func encodeNode(nodeType uint8, body []byte) []byte {
	total := commonHeaderSize + len(body)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], nodeMagic)
	// buf[4:8] (crc) filled in below
	binary.LittleEndian.PutUint64(buf[8:16], 0) // sqnum, unused by this reader
	binary.LittleEndian.PutUint32(buf[16:20], uint32(total))
	buf[20] = nodeType
	buf[21] = 0 // group type
	copy(buf[commonHeaderSize:], body)
	crc := jamcrc(buf[8:])
	binary.LittleEndian.PutUint32(buf[4:8], crc)
	return buf
}

func encodeRawKey(k Key) []byte {
	raw := packKey(k)
	var out [16]byte
	copy(out[:8], raw[:])
	return out[:]
}

func encodeInodeBody(key Key, size uint64, mode uint32, nlink uint32, data []byte) []byte {
	body := make([]byte, 136+len(data))
	copy(body[0:16], encodeRawKey(key))
	binary.LittleEndian.PutUint64(body[16:24], 0) // creat_sqnum
	binary.LittleEndian.PutUint64(body[24:32], size)
	binary.LittleEndian.PutUint64(body[32:40], 0) // atime
	binary.LittleEndian.PutUint64(body[40:48], 0) // ctime
	binary.LittleEndian.PutUint64(body[48:56], 0) // mtime
	// atime_nsec, ctime_nsec, mtime_nsec left zero at [56:68]
	binary.LittleEndian.PutUint32(body[68:72], nlink)
	// uid, gid left zero at [72:80]
	binary.LittleEndian.PutUint32(body[80:84], mode)
	// flags left zero at [84:88]
	binary.LittleEndian.PutUint32(body[88:92], uint32(len(data)))
	// xattr_cnt, xattr_size left zero at [92:100], 4 bytes padding at [100:104]
	// xattr_names left zero at [104:108]
	// compr_type (none) left zero at [108:110]
	copy(body[136:], data)
	return body
}

func encodeDataBody(key Key, payload []byte) []byte {
	body := make([]byte, 24+len(payload))
	copy(body[0:16], encodeRawKey(key))
	binary.LittleEndian.PutUint32(body[16:20], uint32(len(payload)))
	// compr_type (none) left zero at [20:22]
	copy(body[24:], payload)
	return body
}

func encodeDirEntryBody(key Key, inum uint64, typ uint8, name string) []byte {
	nameBytes := append([]byte(name), 0) // trailing NUL
	body := make([]byte, 32+len(nameBytes))
	copy(body[0:16], encodeRawKey(key))
	binary.LittleEndian.PutUint64(body[16:24], inum)
	body[25] = typ
	binary.LittleEndian.PutUint16(body[26:28], uint16(len(name)))
	copy(body[32:], nameBytes)
	return body
}

func encodeSuperblockBody(lebSize uint32) []byte {
	body := make([]byte, superblockFixedSize+superblockPadding)
	body[2] = 0 // key_hash
	body[3] = 0 // key_fmt
	// flags, min_io_size at [4:8],[8:12]
	binary.LittleEndian.PutUint32(body[8:12], 1024) // min_io_size
	binary.LittleEndian.PutUint32(body[12:16], lebSize)
	binary.LittleEndian.PutUint32(body[16:20], 32) // leb_cnt
	binary.LittleEndian.PutUint32(body[20:24], 32) // max_leb_cnt
	// max_bud_bytes at [24:32]
	// log_lebs..fmt_version at [32:60]
	binary.LittleEndian.PutUint32(body[48:52], 8) // fanout
	return body
}

func encodeMasterBody(rootLnum, rootOffs uint32, cmtNo uint64) []byte {
	body := make([]byte, masterFixedSize+masterPadding)
	binary.LittleEndian.PutUint64(body[0:8], 100) // highest_inum
	binary.LittleEndian.PutUint64(body[8:16], cmtNo)
	// flags, log_lnum at [16:20],[20:24]
	binary.LittleEndian.PutUint32(body[24:28], rootLnum)
	binary.LittleEndian.PutUint32(body[28:32], rootOffs)
	binary.LittleEndian.PutUint32(body[32:36], 0) // root_len (unused by this reader)
	return body
}

func encodeIndexBody(level uint16, branches []Branch) []byte {
	sorted := append([]Branch(nil), branches...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	body := make([]byte, 4+len(sorted)*branchSize)
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(sorted)))
	binary.LittleEndian.PutUint16(body[2:4], level)
	o := 4
	for _, b := range sorted {
		binary.LittleEndian.PutUint32(body[o:o+4], b.Lnum)
		binary.LittleEndian.PutUint32(body[o+4:o+8], b.Offs)
		binary.LittleEndian.PutUint32(body[o+8:o+12], b.Len)
		raw := packKey(b.Key)
		copy(body[o+12:o+20], raw[:])
		o += branchSize
	}
	return body
}

// buildFixture assembles a minimal but complete UBIFS image in memory:
//
//	/            (inode 1, directory)
//	/hello.txt   (inode 2, regular file, content "hello")
//	/link        (inode 3, symlink to hello.txt)
func buildFixture(t interface{ Fatalf(string, ...interface{}) }) *FS {
	const lebSize = 16384
	v := newMemVol(lebSize)

	v.put(0, 0, encodeNode(NodeSuperblock, encodeSuperblockBody(lebSize)))
	v.put(1, 0, encodeNode(NodeMaster, encodeMasterBody(2, 0, 1)))

	rootKey := Key{Inum: 1, Type: KeyInode}
	v.put(3, 0, encodeNode(NodeInode, encodeInodeBody(rootKey, 0, 0040755, 2, nil)))

	helloHash := NameHash("hello.txt")
	linkHash := NameHash("link")
	helloDentKey := Key{Inum: 1, Type: KeyDent, Value: helloHash}
	linkDentKey := Key{Inum: 1, Type: KeyDent, Value: linkHash}
	v.put(4, 0, encodeNode(NodeDirEntry, encodeDirEntryBody(helloDentKey, 2, TypeRegular, "hello.txt")))
	v.put(5, 0, encodeNode(NodeDirEntry, encodeDirEntryBody(linkDentKey, 3, TypeSymlink, "link")))

	fileInodeKey := Key{Inum: 2, Type: KeyInode}
	v.put(6, 0, encodeNode(NodeInode, encodeInodeBody(fileInodeKey, 5, 0100644, 1, nil)))

	dataKey := Key{Inum: 2, Type: KeyData, Value: 0}
	v.put(7, 0, encodeNode(NodeData, encodeDataBody(dataKey, []byte("hello"))))

	linkInodeKey := Key{Inum: 3, Type: KeyInode}
	v.put(8, 0, encodeNode(NodeInode, encodeInodeBody(linkInodeKey, uint64(len("hello.txt")), 0120777, 1, []byte("hello.txt"))))

	branches := []Branch{
		{Lnum: 3, Offs: 0, Len: 0, Key: rootKey},
		{Lnum: 4, Offs: 0, Len: 0, Key: helloDentKey},
		{Lnum: 5, Offs: 0, Len: 0, Key: linkDentKey},
		{Lnum: 6, Offs: 0, Len: 0, Key: fileInodeKey},
		{Lnum: 7, Offs: 0, Len: 0, Key: dataKey},
		{Lnum: 8, Offs: 0, Len: 0, Key: linkInodeKey},
	}
	v.put(2, 0, encodeNode(NodeIndex, encodeIndexBody(0, branches)))

	fs, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return fs
}

// buildSparseFixture assembles a UBIFS image with one sparse regular file,
// /sparse (inode 2), whose data nodes cover only blocks 0 and 3 of a
// declared size spanning partway into block 3; blocks 1 and 2 are holes
// that must read back as zero.
func buildSparseFixture(t interface{ Fatalf(string, ...interface{}) }) (*FS, []byte, []byte, uint64) {
	const lebSize = 16384
	v := newMemVol(lebSize)

	const size = 3*BlockSize + 10
	block0 := bytes.Repeat([]byte{0xAA}, BlockSize)
	block3 := bytes.Repeat([]byte{0xBB}, 10)

	v.put(0, 0, encodeNode(NodeSuperblock, encodeSuperblockBody(lebSize)))
	v.put(1, 0, encodeNode(NodeMaster, encodeMasterBody(2, 0, 1)))

	rootKey := Key{Inum: 1, Type: KeyInode}
	v.put(3, 0, encodeNode(NodeInode, encodeInodeBody(rootKey, 0, 0040755, 2, nil)))

	sparseHash := NameHash("sparse")
	dentKey := Key{Inum: 1, Type: KeyDent, Value: sparseHash}
	v.put(4, 0, encodeNode(NodeDirEntry, encodeDirEntryBody(dentKey, 2, TypeRegular, "sparse")))

	fileInodeKey := Key{Inum: 2, Type: KeyInode}
	v.put(5, 0, encodeNode(NodeInode, encodeInodeBody(fileInodeKey, size, 0100644, 1, nil)))

	data0Key := Key{Inum: 2, Type: KeyData, Value: 0}
	v.put(6, 0, encodeNode(NodeData, encodeDataBody(data0Key, block0)))

	data3Key := Key{Inum: 2, Type: KeyData, Value: 3}
	v.put(7, 0, encodeNode(NodeData, encodeDataBody(data3Key, block3)))

	branches := []Branch{
		{Lnum: 3, Offs: 0, Len: 0, Key: rootKey},
		{Lnum: 4, Offs: 0, Len: 0, Key: dentKey},
		{Lnum: 5, Offs: 0, Len: 0, Key: fileInodeKey},
		{Lnum: 6, Offs: 0, Len: 0, Key: data0Key},
		{Lnum: 7, Offs: 0, Len: 0, Key: data3Key},
	}
	v.put(2, 0, encodeNode(NodeIndex, encodeIndexBody(0, branches)))

	fs, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return fs, block0, block3, uint64(size)
}

// buildOversizedSparseFixture mirrors spec's literal S2 numbers: block 0
// and block 100 present (4096 bytes each), inode size 409601 — one byte
// into block 100. Since block 100's data node is written at its natural
// offset (409600), a sink that only ever seeks forward ends up holding
// 413696 bytes after the last write, 4095 bytes past the declared size;
// SaveFile must shrink that back down to exactly size, keeping only the
// first byte of block 100's data.
func buildOversizedSparseFixture(t interface{ Fatalf(string, ...interface{}) }) (*FS, []byte, []byte, uint64) {
	const lebSize = 16384
	v := newMemVol(lebSize)

	const size = 100*BlockSize + 1
	block0 := bytes.Repeat([]byte{0xAA}, BlockSize)
	block100 := bytes.Repeat([]byte{0xBB}, BlockSize)

	v.put(0, 0, encodeNode(NodeSuperblock, encodeSuperblockBody(lebSize)))
	v.put(1, 0, encodeNode(NodeMaster, encodeMasterBody(2, 0, 1)))

	rootKey := Key{Inum: 1, Type: KeyInode}
	v.put(3, 0, encodeNode(NodeInode, encodeInodeBody(rootKey, 0, 0040755, 2, nil)))

	sparseHash := NameHash("sparse")
	dentKey := Key{Inum: 1, Type: KeyDent, Value: sparseHash}
	v.put(4, 0, encodeNode(NodeDirEntry, encodeDirEntryBody(dentKey, 2, TypeRegular, "sparse")))

	fileInodeKey := Key{Inum: 2, Type: KeyInode}
	v.put(5, 0, encodeNode(NodeInode, encodeInodeBody(fileInodeKey, size, 0100644, 1, nil)))

	data0Key := Key{Inum: 2, Type: KeyData, Value: 0}
	v.put(6, 0, encodeNode(NodeData, encodeDataBody(data0Key, block0)))

	data100Key := Key{Inum: 2, Type: KeyData, Value: 100}
	v.put(7, 0, encodeNode(NodeData, encodeDataBody(data100Key, block100)))

	branches := []Branch{
		{Lnum: 3, Offs: 0, Len: 0, Key: rootKey},
		{Lnum: 4, Offs: 0, Len: 0, Key: dentKey},
		{Lnum: 5, Offs: 0, Len: 0, Key: fileInodeKey},
		{Lnum: 6, Offs: 0, Len: 0, Key: data0Key},
		{Lnum: 7, Offs: 0, Len: 0, Key: data100Key},
	}
	v.put(2, 0, encodeNode(NodeIndex, encodeIndexBody(0, branches)))

	fs, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return fs, block0, block100, uint64(size)
}
