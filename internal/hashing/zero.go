package hashing

import (
	"fmt"
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// MaxDepth is the deepest tree a zero table covers
const MaxDepth = 32

type zeroTable struct {
	once   sync.Once
	hashes [MaxDepth + 1]types.Hash
}

var zeroTables = map[Family]*zeroTable{
	MiMC:     {},
	Poseidon: {},
	SHA256:   {},
}

// ZeroHashes returns zero[0..MaxDepth] for h's family where zero[0] is the
// empty leaf and zero[i] = HashPair(zero[i-1], zero[i-1]). The table is built
// on first use and never mutated afterwards.
func ZeroHashes(h Hasher) []types.Hash {
	t, ok := zeroTables[h.Family()]
	if !ok {
		panic(fmt.Sprintf("no zero table for family %q", h.Family()))
	}
	t.once.Do(func() {
		for i := 1; i <= MaxDepth; i++ {
			t.hashes[i] = h.HashPair(t.hashes[i-1], t.hashes[i-1])
		}
	})
	return t.hashes[:]
}

// EmptyRoot returns the root of an empty tree of the given depth
func EmptyRoot(h Hasher, depth int) types.Hash {
	return ZeroHashes(h)[depth]
}
