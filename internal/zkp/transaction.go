package zkp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/tree"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Transaction building errors
var (
	ErrInsufficientFunds = errors.New("inputs do not cover outputs plus fee")
	ErrValueOverflow     = errors.New("value sum overflows 64 bits")
	ErrNoInputs          = errors.New("spend has no inputs")
	ErrNoOutputs         = errors.New("transfer has no outputs")
)

// NoteOutput describes a note to create
type NoteOutput struct {
	Value uint64
	Owner types.Hash

	// Recipient receives the encrypted note; nil leaves the payload empty
	Recipient *PublicKey
}

// BuiltTransaction is a finished transaction with the plaintext notes it
// created, in output order.
type BuiltTransaction struct {
	Tx    *types.Transaction
	Notes []*Note
}

// TransactionBuilder assembles shielded transactions and their proofs
type TransactionBuilder struct {
	hasher   hashing.Hasher
	circuits *CircuitManager

	asset        uint64
	denomination uint64
	timestamp    uint64

	inputs  []InputNote
	outputs []NoteOutput
	fee     uint64
	memo    []byte

	withdraw  bool
	amount    uint64
	recipient types.Address

	balanceProof bool
}

// NewTransactionBuilder creates a builder. circuits may be nil, in which
// case transactions are built without a proof.
func NewTransactionBuilder(h hashing.Hasher, circuits *CircuitManager) *TransactionBuilder {
	if h == nil {
		h = hashing.MustNew(hashing.MiMC)
	}
	return &TransactionBuilder{
		hasher:    h,
		circuits:  circuits,
		timestamp: common.Now(),
	}
}

// SetAsset sets the asset every note of the transaction is denominated in
func (tb *TransactionBuilder) SetAsset(asset uint64) *TransactionBuilder {
	tb.asset = asset
	return tb
}

// SetDenomination sets the denomination tag of created notes
func (tb *TransactionBuilder) SetDenomination(d uint64) *TransactionBuilder {
	tb.denomination = d
	return tb
}

// SetTimestamp overrides the note and transaction timestamp
func (tb *TransactionBuilder) SetTimestamp(ts uint64) *TransactionBuilder {
	tb.timestamp = ts
	return tb
}

// SetFee sets the transaction fee
func (tb *TransactionBuilder) SetFee(fee uint64) *TransactionBuilder {
	tb.fee = fee
	return tb
}

// SetMemo sets the transaction memo
func (tb *TransactionBuilder) SetMemo(memo []byte) *TransactionBuilder {
	tb.memo = memo
	return tb
}

// WithBalanceProof attaches Pedersen value commitments to the transaction
func (tb *TransactionBuilder) WithBalanceProof() *TransactionBuilder {
	tb.balanceProof = true
	return tb
}

// AddInput adds a note to spend with its key and membership path
func (tb *TransactionBuilder) AddInput(note *Note, key *SpendingKey, path *tree.Path) error {
	if note == nil || key == nil || path == nil {
		return ErrInvalidNote
	}
	tb.inputs = append(tb.inputs, InputNote{Note: note, Key: key, Path: path})
	return nil
}

// AddOutput adds a note to create
func (tb *TransactionBuilder) AddOutput(out NoteOutput) *TransactionBuilder {
	tb.outputs = append(tb.outputs, out)
	return tb
}

// Withdraw turns the transaction into a withdrawal paying amount to recipient.
// Outputs added to a withdrawal are change.
func (tb *TransactionBuilder) Withdraw(amount uint64, recipient types.Address) *TransactionBuilder {
	tb.withdraw = true
	tb.amount = amount
	tb.recipient = recipient
	return tb
}

func (tb *TransactionBuilder) kind() types.TxKind {
	if tb.withdraw {
		return types.TxWithdraw
	}
	return types.TxTransfer
}

// checkConservation verifies sum(in) = sum(out) + fee + public amount
// without wrapping.
func (tb *TransactionBuilder) checkConservation() error {
	var in, out uint64
	var carry uint64
	for _, i := range tb.inputs {
		in, carry = bits.Add64(in, i.Note.Value, 0)
		if carry != 0 {
			return ErrValueOverflow
		}
	}
	for _, o := range tb.outputs {
		out, carry = bits.Add64(out, o.Value, 0)
		if carry != 0 {
			return ErrValueOverflow
		}
	}
	for _, v := range []uint64{tb.fee, tb.amount} {
		out, carry = bits.Add64(out, v, 0)
		if carry != 0 {
			return ErrValueOverflow
		}
	}
	if in != out {
		return fmt.Errorf("%w: in %d, out %d", ErrInsufficientFunds, in, out)
	}
	return nil
}

// Build creates the transaction against root, proving it when the builder
// has a circuit manager.
func (tb *TransactionBuilder) Build(ctx context.Context, root types.Hash) (*BuiltTransaction, error) {
	kind := tb.kind()
	if len(tb.inputs) == 0 {
		return nil, ErrNoInputs
	}
	if kind == types.TxTransfer && len(tb.outputs) == 0 {
		return nil, ErrNoOutputs
	}
	if kind == types.TxWithdraw && (len(tb.inputs) != 1 || len(tb.outputs) > 1) {
		return nil, fmt.Errorf("%w: withdraw takes one input and at most one change output", ErrShapeMismatch)
	}
	for i, in := range tb.inputs {
		if in.Note.Asset != tb.asset {
			return nil, fmt.Errorf("%w: input %d asset %d", ErrInvalidNote, i, in.Note.Asset)
		}
	}
	if err := tb.checkConservation(); err != nil {
		return nil, err
	}

	notes := make([]*Note, len(tb.outputs))
	outputs := make([]types.Output, len(tb.outputs))
	for i, o := range tb.outputs {
		n, err := NewNote(o.Value, tb.asset, o.Owner, tb.denomination, tb.timestamp)
		if err != nil {
			return nil, err
		}
		notes[i] = n
		outputs[i].Commitment = n.Commitment(tb.hasher)
		if o.Recipient != nil {
			ct, err := EncryptNote(o.Recipient, n)
			if err != nil {
				return nil, fmt.Errorf("encrypt output %d: %w", i, err)
			}
			outputs[i].EncryptedNote = ct
		}
	}

	w := &SpendWitness{
		Root:    root,
		Inputs:  tb.inputs,
		Outputs: notes,
		Fee:     tb.fee,
		Asset:   tb.asset,
	}
	if kind == types.TxWithdraw {
		w.PublicAmount = tb.amount
	}

	tx := &types.Transaction{
		Kind:       kind,
		Root:       root,
		Nullifiers: w.Nullifiers(tb.hasher),
		Outputs:    outputs,
		Fee:        tb.fee,
		Asset:      tb.asset,
		Memo:       tb.memo,
		Timestamp:  tb.timestamp,
	}
	if kind == types.TxWithdraw {
		tx.Amount = tb.amount
		tx.Recipient = tb.recipient
	}

	if tb.balanceProof {
		bp, err := tb.buildBalanceProof(notes)
		if err != nil {
			return nil, err
		}
		tx.Balance = bp
	}

	if tb.circuits != nil {
		proof, err := tb.circuits.Prove(ctx, kind, w)
		if err != nil {
			return nil, err
		}
		tx.Proof = proof
	}

	return &BuiltTransaction{Tx: tx, Notes: notes}, nil
}

func (tb *TransactionBuilder) buildBalanceProof(outNotes []*Note) (*types.BalanceProof, error) {
	bp := &types.BalanceProof{
		Inputs:  make([][]byte, len(tb.inputs)),
		Outputs: make([][]byte, len(outNotes)),
	}
	inBlinders := make([]*big.Int, len(tb.inputs))
	outBlinders := make([]*big.Int, len(outNotes))

	for i, in := range tb.inputs {
		c, r, err := CommitValue(in.Note.Value)
		if err != nil {
			return nil, err
		}
		bp.Inputs[i] = c.Bytes()
		inBlinders[i] = r
	}
	for j, n := range outNotes {
		c, r, err := CommitValue(n.Value)
		if err != nil {
			return nil, err
		}
		bp.Outputs[j] = c.Bytes()
		outBlinders[j] = r
	}
	bp.Excess = BalanceExcess(inBlinders, outBlinders)
	return bp, nil
}

// DepositNote creates the note and commitment for depositing amount with
// fee. The note holds amount - fee.
func DepositNote(h hashing.Hasher, amount, fee, asset uint64, owner types.Hash, ts uint64) (*Note, *types.Transaction, error) {
	if fee > amount {
		return nil, nil, fmt.Errorf("%w: fee %d exceeds amount %d", ErrInsufficientFunds, fee, amount)
	}
	n, err := NewNote(amount-fee, asset, owner, 0, ts)
	if err != nil {
		return nil, nil, err
	}
	tx := types.NewDeposit(n.Commitment(h), amount, fee)
	tx.Asset = asset
	tx.Timestamp = ts
	return n, tx, nil
}
