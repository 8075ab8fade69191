package ubifs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// commonHeaderSize is the size, in bytes, of the header shared by every
// UBIFS node.
const commonHeaderSize = 24

// nodeMagic is the magic value every node's common header must carry.
const nodeMagic = 0x06101831

// Node type identifiers, used both on disk (the common header's node_type
// byte) and to discriminate the tagged variant returned by readNode.
const (
	NodeInode       = 0
	NodeData        = 1
	NodeDirEntry    = 2
	NodeXattr       = 3
	NodeTruncation  = 4
	NodePadding     = 5
	NodeSuperblock  = 6
	NodeMaster      = 7
	NodeLEBRef      = 8
	NodeIndex       = 9
	NodeCommitStart = 10
	NodeOrphan      = 11
)

// commonHeader is the 24-byte header shared by every node.
type commonHeader struct {
	Magic     uint32
	CRC       uint32
	Sqnum     uint64
	Len       uint32
	NodeType  uint8
	GroupType uint8
	_         [2]byte
}

// Source records where a node was read from, for diagnostics.
type Source struct {
	Lnum uint32
	Offs int64
}

// rawKey16 is the fixed 16-byte key field embedded in inode, data and
// dirent node bodies; only the first 8 bytes are decoded, and the high 8
// bytes are ignored without being checked.
type rawKey16 [16]byte

func (k rawKey16) key() Key { return unpackKey(k[:8]) }

// Inode is node type 0: a file, directory, symlink or device's metadata,
// plus (for symlinks and devices) its small inline payload.
type Inode struct {
	Source
	Key         Key
	CreatSqnum  uint64
	Size        uint64
	AtimeSec    uint64
	CtimeSec    uint64
	MtimeSec    uint64
	AtimeNsec   uint32
	CtimeNsec   uint32
	MtimeNsec   uint32
	Nlink       uint32
	UID         uint32
	GID         uint32
	Mode        uint32
	Flags       uint32
	DataLen     uint32
	XattrCnt    uint32
	XattrSize   uint32
	XattrNames  uint32
	ComprType   uint16
	Data        []byte // symlink target, or 4 bytes of major/minor for devices
}

type inodeFixed struct {
	KeyRaw     rawKey16
	CreatSqnum uint64
	Size       uint64
	AtimeSec   uint64
	CtimeSec   uint64
	MtimeSec   uint64
	AtimeNsec  uint32
	CtimeNsec  uint32
	MtimeNsec  uint32
	Nlink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	Flags      uint32
	DataLen    uint32
	XattrCnt   uint32
	XattrSize  uint32
	_          [4]byte
	XattrNames uint32
	ComprType  uint16
	_          [26]byte
}

func parseInode(data []byte) (*Inode, error) {
	const fixedSize = 136
	if len(data) < fixedSize {
		return nil, fmt.Errorf("inode: short body (%d bytes)", len(data))
	}
	var f inodeFixed
	if err := binary.Read(bytes.NewReader(data[:fixedSize]), binary.LittleEndian, &f); err != nil {
		return nil, fmt.Errorf("inode: %v", err)
	}
	tail := data[fixedSize:]
	if uint32(len(tail)) != f.DataLen {
		return nil, fmt.Errorf("inode: data size mismatch: got %d, want %d", len(tail), f.DataLen)
	}
	return &Inode{
		Key:        f.KeyRaw.key(),
		CreatSqnum: f.CreatSqnum,
		Size:       f.Size,
		AtimeSec:   f.AtimeSec,
		CtimeSec:   f.CtimeSec,
		MtimeSec:   f.MtimeSec,
		AtimeNsec:  f.AtimeNsec,
		CtimeNsec:  f.CtimeNsec,
		MtimeNsec:  f.MtimeNsec,
		Nlink:      f.Nlink,
		UID:        f.UID,
		GID:        f.GID,
		Mode:       f.Mode,
		Flags:      f.Flags,
		DataLen:    f.DataLen,
		XattrCnt:   f.XattrCnt,
		XattrSize:  f.XattrSize,
		XattrNames: f.XattrNames,
		ComprType:  f.ComprType,
		Data:       tail,
	}, nil
}

// DataNode is node type 1: one 4096-byte-aligned block of file content.
type DataNode struct {
	Source
	Key       Key
	Size      uint32
	ComprType uint16
	Data      []byte // decompressed payload, always len(Data) == Size
}

type dataFixed struct {
	KeyRaw    rawKey16
	Size      uint32
	ComprType uint16
	_         [2]byte
}

func parseDataNode(data []byte) (*DataNode, error) {
	const fixedSize = 24
	if len(data) < fixedSize {
		return nil, fmt.Errorf("data node: short body (%d bytes)", len(data))
	}
	var f dataFixed
	if err := binary.Read(bytes.NewReader(data[:fixedSize]), binary.LittleEndian, &f); err != nil {
		return nil, fmt.Errorf("data node: %v", err)
	}
	payload, err := decompress(data[fixedSize:], int(f.Size), uint8(f.ComprType))
	if err != nil {
		return nil, fmt.Errorf("data node: %v", err)
	}
	return &DataNode{
		Key:       f.KeyRaw.key(),
		Size:      f.Size,
		ComprType: f.ComprType,
		Data:      payload,
	}, nil
}

// Directory entry types, as stored in a dirent's type byte. These are
// UBIFS's own inode-type numbers, not the S_IFMT nibble of an inode's mode
// (a directory is TypeDir == 1 here, but 04 in its mode's type nibble).
const (
	TypeRegular = 0
	TypeDir     = 1
	TypeSymlink = 2
	TypeBlkDev  = 3
	TypeChrDev  = 4
	TypeFIFO    = 5
	TypeSocket  = 6

	// TypeFilterAll is a bit mask with the bit 1<<t set for every
	// directory-entry type t above. Walk takes no type filter and does not
	// use it.
	TypeFilterAll = 127
)

// DirEntry is node type 2: one directory entry (or, if reached via the XENT
// key range, one extended-attribute entry — the fields are identical).
type DirEntry struct {
	Source
	Key  Key
	Inum uint64
	Type uint8
	Name string
}

type dirEntryFixed struct {
	KeyRaw rawKey16
	Inum   uint64
	_      [1]byte
	Type   uint8
	Nlen   uint16
	_      [4]byte
}

func parseDirEntry(data []byte) (*DirEntry, error) {
	const fixedSize = 32
	if len(data) < fixedSize {
		return nil, fmt.Errorf("dirent: short body (%d bytes)", len(data))
	}
	var f dirEntryFixed
	if err := binary.Read(bytes.NewReader(data[:fixedSize]), binary.LittleEndian, &f); err != nil {
		return nil, fmt.Errorf("dirent: %v", err)
	}
	tail := data[fixedSize:]
	if len(tail) == 0 {
		return nil, fmt.Errorf("dirent: missing name")
	}
	name := tail[:len(tail)-1] // trailing NUL
	if uint16(len(name)) != f.Nlen {
		return nil, fmt.Errorf("dirent: name length mismatch: got %d, want %d", len(name), f.Nlen)
	}
	return &DirEntry{
		Key:  f.KeyRaw.key(),
		Inum: f.Inum,
		Type: f.Type,
		Name: string(name),
	}, nil
}

// Xattr is node type 3: an extended attribute's own inode. The on-disk
// layout is the same struct the kernel uses for regular inodes; only the
// attribute's value (carried in Data, like a symlink target) is ever
// consulted here, since listing, dumping and extraction never need the
// attribute's name (that lives in the owning inode's XENT dirent).
type Xattr struct {
	Source
	Key  Key
	Size uint64
	Data []byte
}

func parseXattr(data []byte) (*Xattr, error) {
	ino, err := parseInode(data)
	if err != nil {
		return nil, fmt.Errorf("xattr: %v", err)
	}
	return &Xattr{Key: ino.Key, Size: ino.Size, Data: ino.Data}, nil
}

// Truncation is node type 4.
type Truncation struct {
	Source
	Inum    uint32
	OldSize uint64
	NewSize uint64
}

type truncationFixed struct {
	Inum    uint32
	_       [12]byte
	OldSize uint64
	NewSize uint64
}

func parseTruncation(data []byte) (*Truncation, error) {
	var f truncationFixed
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &f); err != nil {
		return nil, fmt.Errorf("truncation: %v", err)
	}
	return &Truncation{Inum: f.Inum, OldSize: f.OldSize, NewSize: f.NewSize}, nil
}

// Padding is node type 5.
type Padding struct {
	Source
	PadLen uint32
}

func parsePadding(data []byte) (*Padding, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("padding: short body (%d bytes)", len(data))
	}
	return &Padding{PadLen: binary.LittleEndian.Uint32(data[:4])}, nil
}

// Superblock is node type 6.
type Superblock struct {
	Source
	KeyHash          uint8
	KeyFmt           uint8
	Flags            uint32
	MinIOSize        uint32
	LebSize          uint32
	LebCnt           uint32
	MaxLebCnt        uint32
	MaxBudBytes      uint64
	LogLebs          uint32
	LptLebs          uint32
	OrphLebs         uint32
	JheadCnt         uint32
	Fanout           uint32
	LsaveCnt         uint32
	FmtVersion       uint32
	DefaultCompr     uint16
	RpUID            uint32
	RpGID            uint32
	RpSize           uint64
	TimeGran         uint32
	UUID             [16]byte
	RoCompatVersion  uint32
}

type superblockFixed struct {
	_               [2]byte
	KeyHash         uint8
	KeyFmt          uint8
	Flags           uint32
	MinIOSize       uint32
	LebSize         uint32
	LebCnt          uint32
	MaxLebCnt       uint32
	MaxBudBytes     uint64
	LogLebs         uint32
	LptLebs         uint32
	OrphLebs        uint32
	JheadCnt        uint32
	Fanout          uint32
	LsaveCnt        uint32
	FmtVersion      uint32
	DefaultCompr    uint16
	_               [2]byte
	RpUID           uint32
	RpGID           uint32
	RpSize          uint64
	TimeGran        uint32
	UUID            [16]byte
	RoCompatVersion uint32
}

const superblockFixedSize = 104
const superblockPadding = 3968

func parseSuperblock(data []byte) (*Superblock, error) {
	if len(data) != superblockFixedSize+superblockPadding {
		return nil, fmt.Errorf("superblock: invalid padding size: got %d bytes, want %d", len(data), superblockFixedSize+superblockPadding)
	}
	var f superblockFixed
	if err := binary.Read(bytes.NewReader(data[:superblockFixedSize]), binary.LittleEndian, &f); err != nil {
		return nil, fmt.Errorf("superblock: %v", err)
	}
	return &Superblock{
		KeyHash:         f.KeyHash,
		KeyFmt:          f.KeyFmt,
		Flags:           f.Flags,
		MinIOSize:       f.MinIOSize,
		LebSize:         f.LebSize,
		LebCnt:          f.LebCnt,
		MaxLebCnt:       f.MaxLebCnt,
		MaxBudBytes:     f.MaxBudBytes,
		LogLebs:         f.LogLebs,
		LptLebs:         f.LptLebs,
		OrphLebs:        f.OrphLebs,
		JheadCnt:        f.JheadCnt,
		Fanout:          f.Fanout,
		LsaveCnt:        f.LsaveCnt,
		FmtVersion:      f.FmtVersion,
		DefaultCompr:    f.DefaultCompr,
		RpUID:           f.RpUID,
		RpGID:           f.RpGID,
		RpSize:          f.RpSize,
		TimeGran:        f.TimeGran,
		UUID:            f.UUID,
		RoCompatVersion: f.RoCompatVersion,
	}, nil
}

// Master is node type 7: the filesystem's current commit state, including
// the root index node's address.
type Master struct {
	Source
	HighestInum uint64
	CmtNo       uint64
	Flags       uint32
	LogLnum     uint32
	RootLnum    uint32
	RootOffs    uint32
	RootLen     uint32
	GcLnum      uint32
	IheadLnum   uint32
	IheadOffs   uint32
	IndexSize   uint64
	TotalFree   uint64
	TotalDirty  uint64
	TotalUsed   uint64
	TotalDead   uint64
	TotalDark   uint64
	LptLnum     uint32
	LptOffs     uint32
	NheadLnum   uint32
	NheadOffs   uint32
	LtabLnum    uint32
	LtabOffs    uint32
	LsaveLnum   uint32
	LsaveOffs   uint32
	LscanLnum   uint32
	EmptyLebs   uint32
	IdxLebs     uint32
	LebCnt      uint32
}

const masterFixedSize = 144
const masterPadding = 344

func parseMaster(data []byte) (*Master, error) {
	if len(data) != masterFixedSize+masterPadding {
		return nil, fmt.Errorf("master: invalid padding size: got %d bytes, want %d", len(data), masterFixedSize+masterPadding)
	}
	r := bytes.NewReader(data[:masterFixedSize])
	var m Master
	fields := []interface{}{
		&m.HighestInum, &m.CmtNo,
		&m.Flags, &m.LogLnum, &m.RootLnum, &m.RootOffs, &m.RootLen, &m.GcLnum, &m.IheadLnum, &m.IheadOffs,
		&m.IndexSize, &m.TotalFree, &m.TotalDirty, &m.TotalUsed, &m.TotalDead, &m.TotalDark,
		&m.LptLnum, &m.LptOffs, &m.NheadLnum, &m.NheadOffs, &m.LtabLnum, &m.LtabOffs,
		&m.LsaveLnum, &m.LsaveOffs, &m.LscanLnum, &m.EmptyLebs, &m.IdxLebs, &m.LebCnt,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("master: %v", err)
		}
	}
	return &m, nil
}

// LEBReference is node type 8.
type LEBReference struct {
	Source
	Lnum  uint32
	Offs  uint32
	Jhead uint32
}

func parseLEBReference(data []byte) (*LEBReference, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("leb reference: short body (%d bytes)", len(data))
	}
	return &LEBReference{
		Lnum:  binary.LittleEndian.Uint32(data[0:4]),
		Offs:  binary.LittleEndian.Uint32(data[4:8]),
		Jhead: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// Branch is one 12-byte child reference plus its 8-byte key inside an
// index node (20 bytes total, unlike the 16-byte padded key field used in
// leaf node bodies).
type Branch struct {
	Lnum uint32
	Offs uint32
	Len  uint32
	Key  Key
}

// IndexNode is node type 9: one level of the B+-tree.
type IndexNode struct {
	Source
	Level    uint16
	Branches []Branch
}

const branchSize = 12 + 8

func parseIndexNode(data []byte) (*IndexNode, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("index: short body (%d bytes)", len(data))
	}
	childCnt := binary.LittleEndian.Uint16(data[0:2])
	level := binary.LittleEndian.Uint16(data[2:4])
	idx := &IndexNode{Level: level, Branches: make([]Branch, 0, childCnt)}
	o := 4
	for i := uint16(0); i < childCnt; i++ {
		if o+branchSize > len(data) {
			return nil, fmt.Errorf("index: truncated branch %d", i)
		}
		b := Branch{
			Lnum: binary.LittleEndian.Uint32(data[o : o+4]),
			Offs: binary.LittleEndian.Uint32(data[o+4 : o+8]),
			Len:  binary.LittleEndian.Uint32(data[o+8 : o+12]),
			Key:  unpackKey(data[o+12 : o+20]),
		}
		idx.Branches = append(idx.Branches, b)
		o += branchSize
	}
	return idx, nil
}

// CommitStart is node type 10.
type CommitStart struct {
	Source
	CmtNo uint64
}

func parseCommitStart(data []byte) (*CommitStart, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("commit start: short body (%d bytes)", len(data))
	}
	return &CommitStart{CmtNo: binary.LittleEndian.Uint64(data[:8])}, nil
}

// Orphan is node type 11. The trailing list of orphaned inode numbers is
// not interpreted, since nothing in this reader's scope (a read-only,
// non-journal-replaying view) ever needs to unlink them.
type Orphan struct {
	Source
	CmtNo uint64
}

func parseOrphan(data []byte) (*Orphan, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("orphan: short body (%d bytes)", len(data))
	}
	return &Orphan{CmtNo: binary.LittleEndian.Uint64(data[:8])}, nil
}
