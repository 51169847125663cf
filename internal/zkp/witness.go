package zkp

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/frontend"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/tree"
	"github.com/ccoin/shieldpool/pkg/types"
)

// InputNote is a note being spent together with what proves it may be
type InputNote struct {
	Note *Note
	Key  *SpendingKey
	Path *tree.Path
}

// SpendWitness collects everything a prover needs for one spend
type SpendWitness struct {
	Root         types.Hash
	Inputs       []InputNote
	Outputs      []*Note
	Fee          uint64
	PublicAmount uint64
	Asset        uint64
}

// Nullifiers returns the nullifiers of the real inputs
func (w *SpendWitness) Nullifiers(h hashing.Hasher) []types.Hash {
	out := make([]types.Hash, len(w.Inputs))
	for i, in := range w.Inputs {
		out[i] = in.Note.Nullifier(h, in.Key)
	}
	return out
}

// Commitments returns the commitments of the real outputs
func (w *SpendWitness) Commitments(h hashing.Hasher) []types.Hash {
	out := make([]types.Hash, len(w.Outputs))
	for i, n := range w.Outputs {
		out[i] = n.Commitment(h)
	}
	return out
}

// Assignment fills a circuit of shape s from w, padding unused input and
// output slots with zeros.
func (w *SpendWitness) Assignment(s Shape) (*SpendCircuit, error) {
	if len(w.Inputs) > s.Inputs || len(w.Outputs) > s.Outputs {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs into %+v",
			ErrShapeMismatch, len(w.Inputs), len(w.Outputs), s)
	}
	h := hashing.MustNew(hashing.MiMC)

	a := &SpendCircuit{
		Root:         element(w.Root),
		Nullifiers:   make([]frontend.Variable, s.Inputs),
		Commitments:  make([]frontend.Variable, s.Outputs),
		Fee:          w.Fee,
		PublicAmount: w.PublicAmount,
		Asset:        w.Asset,
		In:           make([]SpendInput, s.Inputs),
		Out:          make([]SpendOutput, s.Outputs),
	}

	for i := range a.In {
		in := &a.In[i]
		in.Path = make([]frontend.Variable, s.Depth)
		if i >= len(w.Inputs) {
			a.Nullifiers[i] = 0
			in.Value, in.Randomness, in.Denomination, in.Timestamp = 0, 0, 0, 0
			in.Secret, in.Index = 0, 0
			for l := range in.Path {
				in.Path[l] = 0
			}
			continue
		}

		src := w.Inputs[i]
		if src.Path == nil || len(src.Path.Siblings) != s.Depth {
			return nil, fmt.Errorf("%w: input %d path depth", ErrShapeMismatch, i)
		}
		if src.Note.Asset != w.Asset {
			return nil, fmt.Errorf("%w: input %d asset %d, spend asset %d", ErrInvalidNote, i, src.Note.Asset, w.Asset)
		}
		a.Nullifiers[i] = element(src.Note.Nullifier(h, src.Key))
		in.Value = src.Note.Value
		in.Randomness = element(src.Note.Randomness)
		in.Denomination = src.Note.Denomination
		in.Timestamp = src.Note.Timestamp
		in.Secret = element(src.Key.Secret)
		in.Index = src.Path.Index
		for l, sib := range src.Path.Siblings {
			in.Path[l] = element(sib)
		}
	}

	for j := range a.Out {
		out := &a.Out[j]
		if j >= len(w.Outputs) {
			a.Commitments[j] = 0
			out.Value, out.Owner, out.Randomness, out.Denomination, out.Timestamp = 0, 0, 0, 0, 0
			continue
		}
		n := w.Outputs[j]
		if n.Asset != w.Asset {
			return nil, fmt.Errorf("%w: output %d asset %d, spend asset %d", ErrInvalidNote, j, n.Asset, w.Asset)
		}
		a.Commitments[j] = element(n.Commitment(h))
		out.Value = n.Value
		out.Owner = element(n.Owner)
		out.Randomness = element(n.Randomness)
		out.Denomination = n.Denomination
		out.Timestamp = n.Timestamp
	}
	return a, nil
}

// element reduces h into the scalar field as a witness value
func element(h types.Hash) *big.Int {
	e := hashing.ToElement(h)
	return e.BigInt(new(big.Int))
}

// PublicInputs lays out the public vector for tx in circuit order:
// root, nullifiers, commitments, fee, public amount, asset. Unused slots
// are zero.
func PublicInputs(s Shape, tx *types.Transaction) (fr.Vector, error) {
	if len(tx.Nullifiers) > s.Inputs || len(tx.Outputs) > s.Outputs {
		return nil, fmt.Errorf("%w: %d nullifiers, %d outputs into %+v",
			ErrShapeMismatch, len(tx.Nullifiers), len(tx.Outputs), s)
	}
	vec := make(fr.Vector, s.NumPublic())
	pos := 0
	vec[pos] = hashing.ToElement(tx.Root)
	pos++
	for i := 0; i < s.Inputs; i++ {
		if i < len(tx.Nullifiers) {
			vec[pos] = hashing.ToElement(tx.Nullifiers[i])
		}
		pos++
	}
	for j := 0; j < s.Outputs; j++ {
		if j < len(tx.Outputs) {
			vec[pos] = hashing.ToElement(tx.Outputs[j].Commitment)
		}
		pos++
	}
	vec[pos].SetUint64(tx.Fee)
	pos++
	if tx.Kind == types.TxWithdraw {
		vec[pos].SetUint64(tx.Amount)
	}
	pos++
	vec[pos].SetUint64(tx.Asset)
	return vec, nil
}
