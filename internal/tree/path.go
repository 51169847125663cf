package tree

import (
	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Path holds the membership proof materials for one leaf
type Path struct {
	// Index is the leaf position
	Index uint64

	// Siblings[l] is the sibling of the path node at level l
	Siblings []types.Hash

	// Right[l] is true when the path node at level l is a right child
	Right []bool
}

// Path returns the siblings and direction bits for the leaf at index.
// Levels with no stored node are filled from the zero-hash table.
func (t *Tree) Path(index uint64) (*Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index >= t.next {
		return nil, ErrInvalidPosition
	}

	p := &Path{
		Index:    index,
		Siblings: make([]types.Hash, t.depth),
		Right:    make([]bool, t.depth),
	}

	current := index
	for level := 0; level < t.depth; level++ {
		sibling, ok, err := t.nodes.GetNode(uint8(level), current^1)
		if err != nil {
			return nil, err
		}
		if !ok {
			sibling = t.zeros[level]
		}
		p.Siblings[level] = sibling
		p.Right[level] = current&1 == 1
		current >>= 1
	}
	return p, nil
}

// Compute folds leaf up the path and returns the implied root
func (p *Path) Compute(h hashing.Hasher, leaf types.Hash) types.Hash {
	current := leaf
	for i, sibling := range p.Siblings {
		if p.Right[i] {
			current = h.HashPair(sibling, current)
		} else {
			current = h.HashPair(current, sibling)
		}
	}
	return current
}

// VerifyPath reports whether leaf and path reproduce root
func VerifyPath(h hashing.Hasher, leaf types.Hash, path *Path, root types.Hash) bool {
	if path == nil || len(path.Siblings) != len(path.Right) {
		return false
	}
	return path.Compute(h, leaf) == root
}

// VerifyPath checks path against this tree's depth and hasher
func (t *Tree) VerifyPath(leaf types.Hash, path *Path, root types.Hash) bool {
	if path == nil || len(path.Siblings) != t.depth {
		return false
	}
	return VerifyPath(t.hasher, leaf, path, root)
}
