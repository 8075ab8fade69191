package ubifs

import "fmt"

// Relation selects which neighbor of a search key Find returns, matching
// the five comparisons SQL-style tree searches need: the exact key, or the
// nearest key strictly or non-strictly on one side of it.
type Relation int

const (
	RelLT Relation = iota // greatest key strictly less than the search key
	RelLE                 // greatest key less than or equal to the search key
	RelEQ                 // exactly the search key
	RelGE                 // smallest key greater than or equal to the search key
	RelGT                 // smallest key strictly greater than the search key
)

// maxCursorDepth bounds the index-node stack a Cursor will build while
// descending. UBIFS's own fanout limits mean a real tree never approaches
// this; it exists so a corrupt image with a cyclic or malformed index
// cannot make traversal loop forever.
const maxCursorDepth = 32

// frame is one level of a Cursor's descent: the index node at that level
// and the branch currently selected within it.
type frame struct {
	node *IndexNode
	idx  int
}

// Cursor walks the leaf nodes of a FS's B+-tree (its inode, data and
// directory-entry nodes) in key order. It is positioned at a leaf, or past
// either end, and advances one leaf at a time in either direction.
type Cursor struct {
	fs    *FS
	stack []frame
	leaf  interface{}
	key   Key
	atEnd bool // true once Next has stepped past the last leaf
}

// leafKey extracts the ordering key from any of the node variants a Cursor
// can be positioned on.
func leafKey(n interface{}) (Key, error) {
	switch v := n.(type) {
	case *Inode:
		return v.Key, nil
	case *DataNode:
		return v.Key, nil
	case *DirEntry:
		return v.Key, nil
	case *Xattr:
		return v.Key, nil
	default:
		return Key{}, fmt.Errorf("node type %T has no tree key", n)
	}
}

// descend builds a stack from the tree root down to the leaf whose branch
// key is the greatest key <= target (or, if target orders before every key
// in the tree, the very first leaf), and reads that leaf.
func (fs *FS) descend(target Key) (*Cursor, error) {
	c := &Cursor{fs: fs}
	node := fs.root
	for {
		if len(c.stack) >= maxCursorDepth {
			return nil, fmt.Errorf("index tree exceeds maximum depth %d (corrupt image?)", maxCursorDepth)
		}
		if len(node.Branches) == 0 {
			return nil, fmt.Errorf("empty index node at %d:%#x", node.Lnum, node.Offs)
		}
		i := searchBranches(node.Branches, target)
		c.stack = append(c.stack, frame{node: node, idx: i})
		branch := node.Branches[i]
		if node.Level == 0 {
			leaf, err := readNode(fs.vol, branch.Lnum, int64(branch.Offs))
			if err != nil {
				return nil, err
			}
			key, err := leafKey(leaf)
			if err != nil {
				return nil, err
			}
			c.leaf = leaf
			c.key = key
			return c, nil
		}
		child, err := readNode(fs.vol, branch.Lnum, int64(branch.Offs))
		if err != nil {
			return nil, err
		}
		idx, ok := child.(*IndexNode)
		if !ok {
			return nil, fmt.Errorf("branch at %d:%#x: expected index node, got %T", branch.Lnum, branch.Offs, child)
		}
		node = idx
	}
}

// searchBranches returns the index of the last branch whose key is <=
// target, or 0 if every branch's key orders after target.
func searchBranches(branches []Branch, target Key) int {
	best := 0
	for i, b := range branches {
		if !target.Less(b.Key) {
			best = i
		} else if i == 0 {
			best = 0
		} else {
			break
		}
	}
	return best
}

// Find descends the tree and positions on the leaf satisfying rel relative
// to key, stepping to a neighboring leaf if the initial descent landed on
// one that does not satisfy it. It returns (nil, nil) if no leaf in the
// tree satisfies the relation (e.g. RelGT on the maximum key).
func (fs *FS) Find(rel Relation, key Key) (*Cursor, error) {
	c, err := fs.descend(key)
	if err != nil {
		return nil, err
	}
	cmp := c.key.Compare(key) // -1, 0, 1 as c.key is <, ==, > key
	switch rel {
	case RelEQ:
		if cmp == 0 {
			return c, nil
		}
		return nil, nil
	case RelLT:
		if cmp < 0 {
			return c, nil
		}
		return c.Prev()
	case RelLE:
		if cmp <= 0 {
			return c, nil
		}
		return c.Prev()
	case RelGE:
		if cmp >= 0 {
			return c, nil
		}
		return c.Next()
	case RelGT:
		if cmp > 0 {
			return c, nil
		}
		return c.Next()
	default:
		return nil, fmt.Errorf("unknown relation %d", rel)
	}
}

// Node returns the leaf the cursor is positioned on.
func (c *Cursor) Node() interface{} { return c.leaf }

// Key returns the ordering key of the leaf the cursor is positioned on.
func (c *Cursor) Key() Key { return c.key }

// Next advances the cursor to the next leaf in key order. It returns
// (nil, nil), leaving c positioned past the end, once the last leaf has
// been passed.
func (c *Cursor) Next() (*Cursor, error) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		if f.idx+1 < len(f.node.Branches) {
			f.idx++
			c.stack = c.stack[:i+1]
			return c.descendFirst(i)
		}
	}
	c.atEnd = true
	return nil, nil
}

// Prev advances the cursor to the previous leaf in key order. It returns
// (nil, nil), leaving c positioned before the start, once the first leaf
// has been passed.
func (c *Cursor) Prev() (*Cursor, error) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		if f.idx > 0 {
			f.idx--
			c.stack = c.stack[:i+1]
			return c.descendLast(i)
		}
	}
	return nil, nil
}

// descendFirst re-reads the branch selected at stack level i, descending
// via its first child at every level below until a leaf is reached.
func (c *Cursor) descendFirst(i int) (*Cursor, error) {
	return c.descendVia(i, 0)
}

// descendLast is descendFirst's mirror: it always takes the last child.
func (c *Cursor) descendLast(i int) (*Cursor, error) {
	return c.descendVia(i, -1)
}

// descendVia continues a traversal from stack level i, choosing at every
// level below either the first branch (childIdx == 0) or the last branch
// (childIdx == -1) of the node it reads.
func (c *Cursor) descendVia(i int, childIdx int) (*Cursor, error) {
	node := c.stack[i].node
	for {
		branch := node.Branches[c.stack[len(c.stack)-1].idx]
		if node.Level == 0 {
			leaf, err := readNode(c.fs.vol, branch.Lnum, int64(branch.Offs))
			if err != nil {
				return nil, err
			}
			key, err := leafKey(leaf)
			if err != nil {
				return nil, err
			}
			c.leaf = leaf
			c.key = key
			return c, nil
		}
		child, err := readNode(c.fs.vol, branch.Lnum, int64(branch.Offs))
		if err != nil {
			return nil, err
		}
		idx, ok := child.(*IndexNode)
		if !ok {
			return nil, fmt.Errorf("branch at %d:%#x: expected index node, got %T", branch.Lnum, branch.Offs, child)
		}
		if len(idx.Branches) == 0 {
			return nil, fmt.Errorf("empty index node at %d:%#x", idx.Lnum, idx.Offs)
		}
		sel := childIdx
		if sel < 0 {
			sel = len(idx.Branches) - 1
		}
		if len(c.stack) >= maxCursorDepth {
			return nil, fmt.Errorf("index tree exceeds maximum depth %d (corrupt image?)", maxCursorDepth)
		}
		c.stack = append(c.stack, frame{node: idx, idx: sel})
		node = idx
	}
}
