package cape

import (
	"fmt"
)

// MaxTreeDepth bounds the configured depth so leaf positions fit in a uint64.
const MaxTreeDepth = 48

// MerklePath is an authentication path from a leaf to the root.
// Siblings[i] is the sibling at height i; bit i of Position selects the side.
type MerklePath struct {
	Position uint64 `json:"position"`
	Siblings []Root `json:"siblings"`
}

// ComputeRoot folds leaf up the path.
func (p MerklePath) ComputeRoot(leaf Commitment) Root {
	cur := Root(leaf)
	for i, sib := range p.Siblings {
		if (p.Position>>uint(i))&1 == 1 {
			cur = HashPair(sib, cur)
		} else {
			cur = HashPair(cur, sib)
		}
	}
	return cur
}

// frontier is the incremental state needed to extend the tree: the rightmost
// left-child at each height plus the current size and root.
type frontier struct {
	filled []Root
	size   uint64
	root   Root
}

func (f *frontier) clone() frontier {
	filled := make([]Root, len(f.filled))
	copy(filled, f.filled)
	return frontier{filled: filled, size: f.size, root: f.root}
}

func (f *frontier) insert(leaf Commitment, zeros []Root) {
	idx := f.size
	cur := Root(leaf)
	for level := range f.filled {
		if idx%2 == 0 {
			f.filled[level] = cur
			cur = HashPair(cur, zeros[level])
		} else {
			cur = HashPair(f.filled[level], cur)
		}
		idx /= 2
	}
	f.root = cur
	f.size++
}

// Tree is the append-only record commitment accumulator.
// Not safe for concurrent use; the Ledger serializes access.
type Tree struct {
	depth int
	zeros []Root
	front frontier
	// nodes[h][i] is the node at height h covering leaves [i<<h, (i+1)<<h), with absent
	// leaves taken as zero. nodes[0] holds the leaves. The root level is not kept.
	nodes [][]Root
}

// NewTree creates an empty tree of the given depth (capacity 2^depth leaves).
func NewTree(depth int) (*Tree, error) {
	if depth <= 0 || depth > MaxTreeDepth {
		return nil, fmt.Errorf("tree depth %d out of range [1,%d]", depth, MaxTreeDepth)
	}
	zeros := make([]Root, depth+1)
	for i := 1; i <= depth; i++ {
		zeros[i] = HashPair(zeros[i-1], zeros[i-1])
	}
	return &Tree{
		depth: depth,
		zeros: zeros,
		front: frontier{filled: make([]Root, depth), root: zeros[depth]},
		nodes: make([][]Root, depth),
	}, nil
}

func (t *Tree) Depth() int { return t.depth }

func (t *Tree) Capacity() uint64 { return uint64(1) << uint(t.depth) }

func (t *Tree) Size() uint64 { return t.front.size }

// Root returns the current root. Pure read.
func (t *Tree) Root() Root { return t.front.root }

// Append inserts one commitment at the next free position.
func (t *Tree) Append(c Commitment) (Root, error) {
	return t.AppendBatch([]Commitment{c})
}

// AppendBatch inserts the commitments in order. It is all-or-nothing with respect to capacity
// and yields the same root as appending them one by one.
func (t *Tree) AppendBatch(cs []Commitment) (Root, error) {
	if err := t.checkCapacity(len(cs)); err != nil {
		return t.front.root, err
	}
	for _, c := range cs {
		t.cache(t.front.size, c)
		t.front.insert(c, t.zeros)
	}
	return t.front.root, nil
}

// cache stores leaf c at position and refreshes its ancestors below the root.
func (t *Tree) cache(position uint64, c Commitment) {
	t.nodes[0] = append(t.nodes[0], Root(c))
	idx := position
	for h := 1; h < t.depth; h++ {
		idx /= 2
		below := t.nodes[h-1]
		right := t.zeros[h-1]
		if 2*idx+1 < uint64(len(below)) {
			right = below[2*idx+1]
		}
		node := HashPair(below[2*idx], right)
		if idx < uint64(len(t.nodes[h])) {
			t.nodes[h][idx] = node
		} else {
			t.nodes[h] = append(t.nodes[h], node)
		}
	}
}

// RootAfter returns the root the tree would have after appending cs, without mutating it.
func (t *Tree) RootAfter(cs []Commitment) (Root, error) {
	if err := t.checkCapacity(len(cs)); err != nil {
		return Root{}, err
	}
	f := t.front.clone()
	for _, c := range cs {
		f.insert(c, t.zeros)
	}
	return f.root, nil
}

func (t *Tree) checkCapacity(n int) error {
	if t.front.size+uint64(n) > t.Capacity() {
		return fmt.Errorf("%w: size=%d adding=%d capacity=%d",
			ErrTreeCapacityExceeded, t.front.size, n, t.Capacity())
	}
	return nil
}

// Leaf returns the commitment at position.
func (t *Tree) Leaf(position uint64) (Commitment, error) {
	if position >= t.front.size {
		return Commitment{}, fmt.Errorf("leaf position %d out of bounds (size=%d)", position, t.front.size)
	}
	return Commitment(t.nodes[0][position]), nil
}

// Path builds the authentication path for the leaf at position against the current root.
func (t *Tree) Path(position uint64) (MerklePath, error) {
	if position >= t.front.size {
		return MerklePath{}, fmt.Errorf("position %d out of bounds (size=%d)", position, t.front.size)
	}
	path := MerklePath{Position: position, Siblings: make([]Root, t.depth)}
	idx := position
	for h := 0; h < t.depth; h++ {
		if sib := idx ^ 1; sib < uint64(len(t.nodes[h])) {
			path.Siblings[h] = t.nodes[h][sib]
		} else {
			path.Siblings[h] = t.zeros[h]
		}
		idx /= 2
	}
	return path, nil
}

// VerifyPath checks that leaf sits at path.Position under root.
func (t *Tree) VerifyPath(path MerklePath, leaf Commitment, root Root) bool {
	if len(path.Siblings) != t.depth {
		return false
	}
	return path.ComputeRoot(leaf) == root
}
