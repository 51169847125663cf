package hashing

import (
	"crypto/sha256"

	"github.com/ccoin/shieldpool/pkg/types"
)

var (
	sha256LeafDomain = []byte("shieldpool/sha256/hash")
	sha256NodeDomain = []byte("shieldpool/sha256/node")
)

type sha256Hasher struct{}

func (sha256Hasher) Family() Family { return SHA256 }

func (sha256Hasher) Hash(inputs ...types.Hash) types.Hash {
	h := sha256.New()
	h.Write(sha256LeafDomain)
	for _, in := range inputs {
		h.Write(in[:])
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashPair uses a separate domain so a node can never collide with a
// two-input Hash.
func (sha256Hasher) HashPair(left, right types.Hash) types.Hash {
	h := sha256.New()
	h.Write(sha256NodeDomain)
	h.Write(left[:])
	h.Write(right[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (sha256Hasher) Canonical(types.Hash) bool { return true }
