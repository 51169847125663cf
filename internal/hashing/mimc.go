package hashing

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/ccoin/shieldpool/pkg/types"
)

type mimcHasher struct{}

func (mimcHasher) Family() Family { return MiMC }

// Hash writes each input as one reduced field element, matching the
// in-circuit gnark std/hash/mimc absorption of one variable per input.
func (mimcHasher) Hash(inputs ...types.Hash) types.Hash {
	h := mimc.NewMiMC()
	for _, in := range inputs {
		e := ToElement(in)
		b := e.Bytes()
		// reduced elements never fail the field check
		_, _ = h.Write(b[:])
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (m mimcHasher) HashPair(left, right types.Hash) types.Hash {
	return m.Hash(left, right)
}

func (mimcHasher) Canonical(h types.Hash) bool {
	return InField(h)
}

// ToElement interprets h as a big-endian integer reduced into the BN254
// scalar field.
func ToElement(h types.Hash) fr.Element {
	var e fr.Element
	e.SetBytes(h[:])
	return e
}

// FromElement encodes e as a big-endian 32-byte value
func FromElement(e *fr.Element) types.Hash {
	return types.Hash(e.Bytes())
}

// ToBigInt returns h as a non-negative integer without reduction
func ToBigInt(h types.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// InField reports whether h is strictly below the BN254 scalar modulus
func InField(h types.Hash) bool {
	return ToBigInt(h).Cmp(fr.Modulus()) < 0
}
