package hashing

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/iden3/go-iden3-crypto/poseidon"

	"github.com/ccoin/shieldpool/pkg/types"
)

// poseidonWidth is the largest input count the iden3 permutation accepts
const poseidonWidth = 16

type poseidonHasher struct{}

func (poseidonHasher) Family() Family { return Poseidon }

// Hash absorbs up to 16 inputs in one permutation; longer inputs are chained
// as H(H(first 16), rest...).
func (p poseidonHasher) Hash(inputs ...types.Hash) types.Hash {
	if len(inputs) > poseidonWidth {
		head := p.Hash(inputs[:poseidonWidth]...)
		return p.Hash(append([]types.Hash{head}, inputs[poseidonWidth:]...)...)
	}
	modulus := fr.Modulus()
	ints := make([]*big.Int, len(inputs))
	for i, in := range inputs {
		ints[i] = new(big.Int).Mod(ToBigInt(in), modulus)
	}
	if len(ints) == 0 {
		ints = []*big.Int{new(big.Int)}
	}
	out, err := poseidon.Hash(ints)
	if err != nil {
		// inputs are reduced and bounded, so the permutation cannot reject them
		panic(err)
	}
	var h types.Hash
	out.FillBytes(h[:])
	return h
}

func (p poseidonHasher) HashPair(left, right types.Hash) types.Hash {
	return p.Hash(left, right)
}

func (poseidonHasher) Canonical(h types.Hash) bool {
	return InField(h)
}
