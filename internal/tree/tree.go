// Package tree implements the incremental append-only commitment tree and
// the bounded history of roots that proofs may reference.
package tree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Merkle tree errors
var (
	ErrTreeFull        = errors.New("commitment tree is full")
	ErrInvalidPosition = errors.New("leaf position not yet filled")
	ErrInvalidDepth    = errors.New("invalid tree depth")
	ErrStaleUpdate     = errors.New("tree update prepared against a different size")
	ErrNonCanonical    = errors.New("commitment is not a canonical encoding")
)

// DefaultDepth is the depth used when none is configured
const DefaultDepth = 20

// Tree is an incremental Merkle accumulator. Inserting a leaf costs depth
// hashes regardless of how many leaves are already present.
type Tree struct {
	mu sync.RWMutex

	depth  int
	hasher hashing.Hasher
	zeros  []types.Hash

	// filled[l] is the most recent left child seen at level l
	filled []types.Hash
	next   uint64
	root   types.Hash

	nodes NodeStore
}

// NodeWrite is one node assignment produced by an insertion
type NodeWrite struct {
	Level uint8
	Index uint64
	Hash  types.Hash
}

// Update is the fully computed effect of appending commitments. It is
// produced without touching the tree and installed with Apply.
type Update struct {
	// Base is the leaf index of the first commitment
	Base        uint64
	Commitments []types.Hash

	// Roots[i] is the root after Commitments[i] has been appended
	Roots  []types.Hash
	Filled []types.Hash
	Nodes  []NodeWrite
}

// Root returns the root after the whole update
func (u *Update) Root() types.Hash {
	return u.Roots[len(u.Roots)-1]
}

// New creates an empty tree. A nil store keeps nodes in memory.
func New(depth int, hasher hashing.Hasher, nodes NodeStore) (*Tree, error) {
	if depth <= 0 || depth > hashing.MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	if hasher == nil {
		hasher = hashing.MustNew(hashing.MiMC)
	}
	if nodes == nil {
		nodes = NewMemoryNodeStore()
	}
	zeros := hashing.ZeroHashes(hasher)
	filled := make([]types.Hash, depth)
	copy(filled, zeros[:depth])
	return &Tree{
		depth:  depth,
		hasher: hasher,
		zeros:  zeros,
		filled: filled,
		root:   zeros[depth],
		nodes:  nodes,
	}, nil
}

// Depth returns the fixed depth
func (t *Tree) Depth() int {
	return t.depth
}

// Capacity returns 2^depth
func (t *Tree) Capacity() uint64 {
	return uint64(1) << t.depth
}

// Hasher returns the hash function nodes are combined with
func (t *Tree) Hasher() hashing.Hasher {
	return t.hasher
}

// Root returns the current root
func (t *Tree) Root() types.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Size returns next_index, the number of leaves appended so far
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.next
}

// EmptyRoot returns the root of this tree with no leaves
func (t *Tree) EmptyRoot() types.Hash {
	return t.zeros[t.depth]
}

// Insert appends one commitment and returns its leaf index and the new root
func (t *Tree) Insert(commitment types.Hash) (uint64, types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, err := t.prepareLocked([]types.Hash{commitment})
	if err != nil {
		return 0, types.Hash{}, err
	}
	if err := t.applyLocked(u); err != nil {
		return 0, types.Hash{}, err
	}
	return u.Base, t.root, nil
}

// InsertBatch appends commitments in order. Either all are appended or none.
func (t *Tree) InsertBatch(commitments []types.Hash) (*Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, err := t.prepareLocked(commitments)
	if err != nil {
		return nil, err
	}
	if err := t.applyLocked(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Prepare computes the update that appending commitments would produce
// without mutating the tree.
func (t *Tree) Prepare(commitments []types.Hash) (*Update, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prepareLocked(commitments)
}

// Apply installs an update produced by Prepare. It fails with ErrStaleUpdate
// if the tree has grown since the update was prepared.
func (t *Tree) Apply(u *Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(u)
}

func (t *Tree) prepareLocked(commitments []types.Hash) (*Update, error) {
	if len(commitments) == 0 {
		return nil, errors.New("no commitments to insert")
	}
	if t.next+uint64(len(commitments)) > t.Capacity() {
		return nil, fmt.Errorf("%w: %d leaves, capacity %d", ErrTreeFull, t.next, t.Capacity())
	}

	u := &Update{
		Base:        t.next,
		Commitments: append([]types.Hash(nil), commitments...),
		Roots:       make([]types.Hash, 0, len(commitments)),
		Filled:      append([]types.Hash(nil), t.filled...),
		Nodes:       make([]NodeWrite, 0, len(commitments)*(t.depth+1)),
	}

	for i, c := range commitments {
		if !t.hasher.Canonical(c) {
			return nil, fmt.Errorf("%w: %s", ErrNonCanonical, c)
		}
		index := u.Base + uint64(i)
		current := c
		for level := 0; level < t.depth; level++ {
			u.Nodes = append(u.Nodes, NodeWrite{Level: uint8(level), Index: index, Hash: current})

			var left, right types.Hash
			if index&1 == 0 {
				u.Filled[level] = current
				left, right = current, t.zeros[level]
			} else {
				left, right = u.Filled[level], current
			}
			current = t.hasher.HashPair(left, right)
			index >>= 1
		}
		u.Nodes = append(u.Nodes, NodeWrite{Level: uint8(t.depth), Index: 0, Hash: current})
		u.Roots = append(u.Roots, current)
	}
	return u, nil
}

func (t *Tree) applyLocked(u *Update) error {
	if u.Base != t.next {
		return fmt.Errorf("%w: prepared at %d, tree at %d", ErrStaleUpdate, u.Base, t.next)
	}
	if err := t.nodes.PutNodes(u.Nodes); err != nil {
		return fmt.Errorf("persist tree nodes: %w", err)
	}
	copy(t.filled, u.Filled)
	t.next += uint64(len(u.Commitments))
	t.root = u.Root()
	return nil
}

// Leaf returns the commitment stored at index
func (t *Tree) Leaf(index uint64) (types.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index >= t.next {
		return types.Hash{}, ErrInvalidPosition
	}
	h, ok, err := t.nodes.GetNode(0, index)
	if err != nil {
		return types.Hash{}, err
	}
	if !ok {
		return types.Hash{}, fmt.Errorf("leaf %d missing from node store", index)
	}
	return h, nil
}
