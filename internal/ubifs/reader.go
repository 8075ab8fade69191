package ubifs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/xerrors"
)

// nodeSource is the minimal I/O surface readNode needs: volume-relative
// reads by logical erase block and offset. *ubiimage.Volume satisfies it.
type nodeSource interface {
	Read(lnum uint32, offs int64, size int) ([]byte, error)
}

// readNode reads and CRC-verifies the node at (lnum, offs), then dispatches
// on its node_type to return one of *Inode, *DataNode, *DirEntry, *Xattr,
// *Truncation, *Padding, *Superblock, *Master, *LEBReference, *IndexNode,
// *CommitStart or *Orphan. Downstream code type-switches on the result; this
// reader never needs an open-ended node interface.
func readNode(v nodeSource, lnum uint32, offs int64) (interface{}, error) {
	hdrBuf, err := v.Read(lnum, offs, commonHeaderSize)
	if err != nil {
		return nil, xerrors.Errorf("reading node header at %d:%#x: %w", lnum, offs, err)
	}
	var ch commonHeader
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &ch); err != nil {
		return nil, xerrors.Errorf("decoding node header at %d:%#x: %w", lnum, offs, err)
	}
	if ch.Magic != nodeMagic {
		return nil, fmt.Errorf("node at %d:%#x: bad magic %#08x", lnum, offs, ch.Magic)
	}
	if ch.Len < commonHeaderSize {
		return nil, fmt.Errorf("node at %d:%#x: implausible length %d", lnum, offs, ch.Len)
	}

	body, err := v.Read(lnum, offs+commonHeaderSize, int(ch.Len)-commonHeaderSize)
	if err != nil {
		return nil, xerrors.Errorf("reading node body at %d:%#x: %w", lnum, offs, err)
	}
	if got, want := jamcrc(append(hdrBuf[8:commonHeaderSize:commonHeaderSize], body...)), ch.CRC; got != want {
		return nil, fmt.Errorf("node at %d:%#x: crc mismatch: got %#08x, want %#08x", lnum, offs, got, want)
	}

	src := Source{Lnum: lnum, Offs: offs}
	var (
		node interface{}
		perr error
	)
	switch ch.NodeType {
	case NodeInode:
		node, perr = parseInode(body)
	case NodeData:
		node, perr = parseDataNode(body)
	case NodeDirEntry:
		node, perr = parseDirEntry(body)
	case NodeXattr:
		node, perr = parseXattr(body)
	case NodeTruncation:
		node, perr = parseTruncation(body)
	case NodePadding:
		node, perr = parsePadding(body)
	case NodeSuperblock:
		node, perr = parseSuperblock(body)
	case NodeMaster:
		node, perr = parseMaster(body)
	case NodeLEBRef:
		node, perr = parseLEBReference(body)
	case NodeIndex:
		node, perr = parseIndexNode(body)
	case NodeCommitStart:
		node, perr = parseCommitStart(body)
	case NodeOrphan:
		node, perr = parseOrphan(body)
	default:
		return nil, fmt.Errorf("node at %d:%#x: unknown node type %d", lnum, offs, ch.NodeType)
	}
	if perr != nil {
		return nil, xerrors.Errorf("node at %d:%#x: %w", lnum, offs, perr)
	}
	setSource(node, src)
	return node, nil
}

// setSource fills in the Source field embedded in every node variant, so
// callers can report where a node that later turns out to be invalid came
// from without threading lnum/offs through every parse function.
func setSource(node interface{}, src Source) {
	switch n := node.(type) {
	case *Inode:
		n.Source = src
	case *DataNode:
		n.Source = src
	case *DirEntry:
		n.Source = src
	case *Xattr:
		n.Source = src
	case *Truncation:
		n.Source = src
	case *Padding:
		n.Source = src
	case *Superblock:
		n.Source = src
	case *Master:
		n.Source = src
	case *LEBReference:
		n.Source = src
	case *IndexNode:
		n.Source = src
	case *CommitStart:
		n.Source = src
	case *Orphan:
		n.Source = src
	}
}
