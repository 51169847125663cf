package zkp

import (
	"errors"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Commitment errors
var (
	ErrInvalidValue = errors.New("invalid commitment value")
	ErrInvalidPoint = errors.New("invalid elliptic curve point")
)

const pedersenDST = "SHIELDPOOL-V01-CS01-with-BN254G1_XMD:SHA-256_SVDW_RO_"

// Generator points for Pedersen commitments. H is hashed to the curve so
// nobody knows its discrete log relative to G.
var (
	g1Generator bn254.G1Affine
	generatorH  bn254.G1Affine
	genOnce     sync.Once
)

func init() {
	_, _, g1Generator, _ = bn254.Generators()
}

func pedersenH() *bn254.G1Affine {
	genOnce.Do(func() {
		h, err := bn254.HashToG1([]byte("shieldpool pedersen blinding generator"), []byte(pedersenDST))
		if err != nil {
			panic(err)
		}
		generatorH = h
	})
	return &generatorH
}

// PedersenCommitment is C = v*G + r*H
type PedersenCommitment struct {
	Point bn254.G1Affine
}

// NewPedersenCommitment creates C = value*G + blinder*H
func NewPedersenCommitment(value, blinder *big.Int) (*PedersenCommitment, error) {
	if value == nil || blinder == nil || value.Sign() < 0 {
		return nil, ErrInvalidValue
	}

	var valueG, blinderH bn254.G1Affine
	valueG.ScalarMultiplication(&g1Generator, value)
	blinderH.ScalarMultiplication(pedersenH(), blinder)

	var c PedersenCommitment
	c.Point.Add(&valueG, &blinderH)
	return &c, nil
}

// CommitValue commits to value with a fresh random blinder
func CommitValue(value uint64) (*PedersenCommitment, *big.Int, error) {
	blinder, err := RandomScalar()
	if err != nil {
		return nil, nil, err
	}
	c, err := NewPedersenCommitment(new(big.Int).SetUint64(value), blinder)
	if err != nil {
		return nil, nil, err
	}
	return c, blinder, nil
}

// Verify checks that the commitment opens to value and blinder
func (c *PedersenCommitment) Verify(value, blinder *big.Int) bool {
	expected, err := NewPedersenCommitment(value, blinder)
	if err != nil {
		return false
	}
	return c.Point.Equal(&expected.Point)
}

// Add returns c + other, a commitment to the summed values and blinders
func (c *PedersenCommitment) Add(other *PedersenCommitment) *PedersenCommitment {
	var r PedersenCommitment
	r.Point.Add(&c.Point, &other.Point)
	return &r
}

// Sub returns c - other
func (c *PedersenCommitment) Sub(other *PedersenCommitment) *PedersenCommitment {
	var neg bn254.G1Affine
	neg.Neg(&other.Point)

	var r PedersenCommitment
	r.Point.Add(&c.Point, &neg)
	return &r
}

// Bytes returns the compressed point
func (c *PedersenCommitment) Bytes() []byte {
	b := c.Point.Bytes()
	return b[:]
}

// PedersenFromBytes parses a compressed point
func PedersenFromBytes(data []byte) (*PedersenCommitment, error) {
	var c PedersenCommitment
	if _, err := c.Point.SetBytes(data); err != nil {
		return nil, ErrInvalidPoint
	}
	return &c, nil
}

// RandomScalar generates a random scalar in the field
func RandomScalar() (*big.Int, error) {
	var s fr.Element
	if _, err := s.SetRandom(); err != nil {
		return nil, err
	}
	return s.BigInt(new(big.Int)), nil
}

// BalanceExcess returns sum(inBlinders) - sum(outBlinders) mod r, the value
// a BalanceProof carries so a verifier can cancel the blinding terms.
func BalanceExcess(inBlinders, outBlinders []*big.Int) types.Hash {
	var acc, t fr.Element
	for _, b := range inBlinders {
		t.SetBigInt(b)
		acc.Add(&acc, &t)
	}
	for _, b := range outBlinders {
		t.SetBigInt(b)
		acc.Sub(&acc, &t)
	}
	return hashing.FromElement(&acc)
}

// VerifyValueConservation checks
// sum(inputs) - sum(outputs) - public*G == excess*H
// which holds exactly when the committed values satisfy
// sum(in) = sum(out) + public.
func VerifyValueConservation(inputs, outputs []*PedersenCommitment, public uint64, excess types.Hash) bool {
	var lhs bn254.G1Jac
	for _, c := range inputs {
		lhs.AddMixed(&c.Point)
	}
	for _, c := range outputs {
		var neg bn254.G1Affine
		neg.Neg(&c.Point)
		lhs.AddMixed(&neg)
	}

	var publicG bn254.G1Affine
	publicG.ScalarMultiplication(&g1Generator, new(big.Int).SetUint64(public))
	publicG.Neg(&publicG)
	lhs.AddMixed(&publicG)

	var excessH bn254.G1Affine
	excessH.ScalarMultiplication(pedersenH(), hashing.ToBigInt(excess))

	var got bn254.G1Affine
	got.FromJacobian(&lhs)
	return got.Equal(&excessH)
}

// VerifyBalanceProof decodes and checks a transaction's balance proof
// against its fee plus public amount.
func VerifyBalanceProof(bp *types.BalanceProof, public uint64) bool {
	if bp == nil {
		return false
	}
	decode := func(raw [][]byte) ([]*PedersenCommitment, bool) {
		out := make([]*PedersenCommitment, len(raw))
		for i, b := range raw {
			c, err := PedersenFromBytes(b)
			if err != nil {
				return nil, false
			}
			out[i] = c
		}
		return out, true
	}
	ins, ok := decode(bp.Inputs)
	if !ok {
		return false
	}
	outs, ok := decode(bp.Outputs)
	if !ok {
		return false
	}
	return VerifyValueConservation(ins, outs, public, bp.Excess)
}
