// Package hashing provides the single hash function an engine instance uses
// for note commitments, nullifiers and Merkle tree nodes.
package hashing

import (
	"fmt"
	"strings"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Family names a hash construction
type Family string

const (
	// MiMC is MiMC-Miyaguchi-Preneel over the BN254 scalar field. It is the
	// only family the spend circuits can prove.
	MiMC Family = "mimc"

	// Poseidon is the iden3 Poseidon permutation over the BN254 scalar field
	Poseidon Family = "poseidon"

	// SHA256 is domain-separated SHA-256
	SHA256 Family = "sha256"
)

// Hasher hashes 32-byte values into a 32-byte value
type Hasher interface {
	// Family reports which construction this is
	Family() Family

	// Hash absorbs inputs in order and returns the digest
	Hash(inputs ...types.Hash) types.Hash

	// HashPair combines two Merkle tree children
	HashPair(left, right types.Hash) types.Hash

	// Canonical reports whether h is a valid encoding for this family.
	// Field-based families require h to be a reduced scalar.
	Canonical(h types.Hash) bool
}

// ParseFamily parses a family name
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case MiMC, Poseidon, SHA256:
		return f, nil
	default:
		return "", fmt.Errorf("unknown hash family %q", s)
	}
}

// New returns the hasher for family
func New(family Family) (Hasher, error) {
	switch family {
	case MiMC, "":
		return mimcHasher{}, nil
	case Poseidon:
		return poseidonHasher{}, nil
	case SHA256:
		return sha256Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hash family %q", family)
	}
}

// MustNew is New for statically known families
func MustNew(family Family) Hasher {
	h, err := New(family)
	if err != nil {
		panic(err)
	}
	return h
}

// Uint64 encodes v as a big-endian 32-byte value
func Uint64(v uint64) types.Hash {
	var h types.Hash
	for i := 0; i < 8; i++ {
		h[types.HashSize-1-i] = byte(v >> (8 * i))
	}
	return h
}
