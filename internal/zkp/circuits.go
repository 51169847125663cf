package zkp

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Circuit errors
var (
	ErrCircuitNotCompiled = errors.New("circuit not compiled")
	ErrUnknownShape       = errors.New("no circuit shape for transaction kind")
	ErrShapeMismatch      = errors.New("witness does not fit circuit shape")
)

// valueBits bounds every note value, fee and public amount
const valueBits = 64

// Shape fixes the dimensions of one spend circuit
type Shape struct {
	Inputs  int
	Outputs int
	Depth   int
}

// NumPublic returns the length of the public input vector
func (s Shape) NumPublic() int {
	// root, nullifiers, commitments, fee, public amount, asset
	return 1 + s.Inputs + s.Outputs + 3
}

// Validate rejects shapes no circuit can be built for
func (s Shape) Validate() error {
	if s.Inputs < 1 || s.Outputs < 1 || s.Depth < 1 {
		return fmt.Errorf("invalid circuit shape %+v", s)
	}
	return nil
}

// DefaultShapes returns the per-kind shapes: two-in two-out transfers and
// one-in withdrawals with a single change output.
func DefaultShapes(depth int) map[types.TxKind]Shape {
	return map[types.TxKind]Shape{
		types.TxTransfer: {Inputs: 2, Outputs: 2, Depth: depth},
		types.TxWithdraw: {Inputs: 1, Outputs: 1, Depth: depth},
	}
}

// SpendCircuit proves that the spent notes exist under Root, that the
// revealed nullifiers belong to them, that the new commitments open to
// well-formed notes, and that value is conserved.
//
// A zero public nullifier marks an unused input slot whose value must be
// zero; a zero public commitment marks an unused output slot likewise.
type SpendCircuit struct {
	Root         frontend.Variable   `gnark:",public"`
	Nullifiers   []frontend.Variable `gnark:",public"`
	Commitments  []frontend.Variable `gnark:",public"`
	Fee          frontend.Variable   `gnark:",public"`
	PublicAmount frontend.Variable   `gnark:",public"`
	Asset        frontend.Variable   `gnark:",public"`

	In  []SpendInput
	Out []SpendOutput
}

// SpendInput is the private witness for one spent note
type SpendInput struct {
	Value        frontend.Variable
	Randomness   frontend.Variable
	Denomination frontend.Variable
	Timestamp    frontend.Variable
	Secret       frontend.Variable
	Index        frontend.Variable
	Path         []frontend.Variable
}

// SpendOutput is the private witness for one created note
type SpendOutput struct {
	Value        frontend.Variable
	Owner        frontend.Variable
	Randomness   frontend.Variable
	Denomination frontend.Variable
	Timestamp    frontend.Variable
}

// NewSpendCircuit allocates an empty circuit of the given shape for compilation
func NewSpendCircuit(s Shape) *SpendCircuit {
	c := &SpendCircuit{
		Nullifiers:  make([]frontend.Variable, s.Inputs),
		Commitments: make([]frontend.Variable, s.Outputs),
		In:          make([]SpendInput, s.Inputs),
		Out:         make([]SpendOutput, s.Outputs),
	}
	for i := range c.In {
		c.In[i].Path = make([]frontend.Variable, s.Depth)
	}
	return c
}

// Define implements the circuit constraints
func (c *SpendCircuit) Define(api frontend.API) error {
	if len(c.In) != len(c.Nullifiers) || len(c.Out) != len(c.Commitments) {
		return ErrShapeMismatch
	}

	hash := func(vars ...frontend.Variable) (frontend.Variable, error) {
		h, err := mimc.NewMiMC(api)
		if err != nil {
			return nil, err
		}
		h.Write(vars...)
		return h.Sum(), nil
	}

	api.ToBinary(c.Fee, valueBits)
	api.ToBinary(c.PublicAmount, valueBits)

	var inSum frontend.Variable = 0
	for i, in := range c.In {
		api.ToBinary(in.Value, valueBits)

		owner, err := hash(in.Secret)
		if err != nil {
			return err
		}
		cm, err := hash(in.Value, c.Asset, owner, in.Randomness, in.Denomination, in.Timestamp)
		if err != nil {
			return err
		}
		nf, err := hash(cm, in.Secret)
		if err != nil {
			return err
		}

		unused := api.IsZero(c.Nullifiers[i])
		used := api.Sub(1, unused)

		// unused slots carry no value
		api.AssertIsEqual(api.Mul(unused, in.Value), 0)
		api.AssertIsEqual(api.Mul(used, api.Sub(nf, c.Nullifiers[i])), 0)

		root := cm
		bits := api.ToBinary(in.Index, len(in.Path))
		for level, sibling := range in.Path {
			left := api.Select(bits[level], sibling, root)
			right := api.Select(bits[level], root, sibling)
			if root, err = hash(left, right); err != nil {
				return err
			}
		}
		api.AssertIsEqual(api.Mul(used, api.Sub(root, c.Root)), 0)

		inSum = api.Add(inSum, in.Value)
	}

	var outSum frontend.Variable = 0
	for j, out := range c.Out {
		api.ToBinary(out.Value, valueBits)

		cm, err := hash(out.Value, c.Asset, out.Owner, out.Randomness, out.Denomination, out.Timestamp)
		if err != nil {
			return err
		}
		empty := api.IsZero(c.Commitments[j])
		api.AssertIsEqual(api.Mul(empty, out.Value), 0)
		api.AssertIsEqual(api.Mul(api.Sub(1, empty), api.Sub(cm, c.Commitments[j])), 0)

		outSum = api.Add(outSum, out.Value)
	}

	api.AssertIsEqual(inSum, api.Add(outSum, c.Fee, c.PublicAmount))
	return nil
}
