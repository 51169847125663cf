package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/pkg/types"
)

func TestRootHistoryEvictsOldest(t *testing.T) {
	h := NewRootHistory(3)
	roots := []types.Hash{hashing.Uint64(1), hashing.Uint64(2), hashing.Uint64(3), hashing.Uint64(4)}

	for _, r := range roots[:3] {
		h.Push(r)
	}
	assert.Equal(t, 3, h.Len())
	assert.True(t, h.Contains(roots[0]))

	h.Push(roots[3])
	assert.Equal(t, 3, h.Len())
	assert.False(t, h.Contains(roots[0]))
	assert.Equal(t, roots[1:], h.Roots())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, roots[3], latest)
}

func TestRootHistoryDuplicateRootsRefcounted(t *testing.T) {
	h := NewRootHistory(2)
	a, b := hashing.Uint64(1), hashing.Uint64(2)
	h.Push(a)
	h.Push(a)
	h.Push(b) // evicts one copy of a
	assert.True(t, h.Contains(a))
	h.Push(b) // evicts the other
	assert.False(t, h.Contains(a))
}

// A window of 100 roots: after 101 further mutations the first root is gone.
func TestRootWindowAgainstTree(t *testing.T) {
	hasher := hashing.MustNew(hashing.SHA256)
	tr, err := New(8, hasher, nil)
	require.NoError(t, err)
	hist := NewRootHistory(100)
	hist.Push(tr.Root())

	_, first, err := tr.Insert(hashing.Uint64(1000))
	require.NoError(t, err)
	hist.Push(first)

	for i := 0; i < 101; i++ {
		_, root, err := tr.Insert(hashing.Uint64(uint64(i)))
		require.NoError(t, err)
		hist.Push(root)
		if i < 98 {
			require.True(t, hist.Contains(first), "evicted early at %d", i)
		}
	}
	assert.False(t, hist.Contains(first))
	assert.True(t, hist.Contains(tr.Root()))
}

func TestRootHistoryEmpty(t *testing.T) {
	h := NewRootHistory(0)
	assert.Equal(t, DefaultHistorySize, h.Capacity())
	_, ok := h.Latest()
	assert.False(t, ok)
	assert.Empty(t, h.Roots())
}
