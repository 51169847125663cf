package tree

import (
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// DefaultHistorySize is the number of recent roots accepted by default
const DefaultHistorySize = 100

// RootHistory is a fixed-capacity ring buffer of recent roots. Once full,
// each push evicts the oldest root.
type RootHistory struct {
	mu     sync.RWMutex
	roots  []types.Hash
	cursor int
	count  int

	// refs counts occurrences of each root currently in the buffer
	refs map[types.Hash]int
}

// NewRootHistory creates a history holding at most capacity roots
func NewRootHistory(capacity int) *RootHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &RootHistory{
		roots: make([]types.Hash, capacity),
		refs:  make(map[types.Hash]int, capacity),
	}
}

// Capacity returns the fixed size of the buffer
func (h *RootHistory) Capacity() int {
	return len(h.roots)
}

// Len returns the number of roots currently held
func (h *RootHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Push records root, evicting the oldest entry when the buffer is full
func (h *RootHistory) Push(root types.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == len(h.roots) {
		old := h.roots[h.cursor]
		if h.refs[old] <= 1 {
			delete(h.refs, old)
		} else {
			h.refs[old]--
		}
	} else {
		h.count++
	}
	h.roots[h.cursor] = root
	h.refs[root]++
	h.cursor = (h.cursor + 1) % len(h.roots)
}

// Contains reports whether root is one of the retained roots
func (h *RootHistory) Contains(root types.Hash) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refs[root] > 0
}

// Latest returns the most recently pushed root
func (h *RootHistory) Latest() (types.Hash, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return types.Hash{}, false
	}
	i := (h.cursor - 1 + len(h.roots)) % len(h.roots)
	return h.roots[i], true
}

// Roots returns the retained roots from oldest to newest
func (h *RootHistory) Roots() []types.Hash {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.Hash, 0, h.count)
	start := h.cursor - h.count
	if start < 0 {
		start += len(h.roots)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.roots[(start+i)%len(h.roots)])
	}
	return out
}
