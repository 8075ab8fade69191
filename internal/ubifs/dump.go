package ubifs

import (
	"fmt"
	"io"
	"strings"
)

// DumpTree writes a recursive, level-by-level dump of the B+-tree to w:
// each index node's branches with their child (lnum, offs) and key, printed
// before recursing into that child, down to the leaf nodes. This mirrors
// the tool this reader is ported from, which walks the same structure
// (its own printrecursive) for the same debug purpose; unlike the ordered,
// leaf-only Cursor traversal Readdir/Walk use, DumpTree exposes the actual
// on-flash tree shape, fan-out included.
func (fs *FS) DumpTree(w io.Writer) error {
	return dumpIndexNode(fs.vol, w, fs.root, 0)
}

func dumpIndexNode(vol nodeSource, w io.Writer, idx *IndexNode, depth int) error {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s[%d:%#x] level %d, %d branches\n", indent, idx.Lnum, idx.Offs, idx.Level, len(idx.Branches))
	for i, b := range idx.Branches {
		fmt.Fprintf(w, "%s  %d: %s -> %d:%#x\n", indent, i, b.Key, b.Lnum, b.Offs)
		child, err := readNode(vol, b.Lnum, int64(b.Offs))
		if err != nil {
			fmt.Fprintf(w, "%s    ERROR reading child: %v\n", indent, err)
			continue
		}
		if childIdx, ok := child.(*IndexNode); ok {
			if err := dumpIndexNode(vol, w, childIdx, depth+1); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "%s    %T %+v\n", indent, child, child)
	}
	return nil
}
