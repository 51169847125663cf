package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// TxKind discriminates the three shielded transaction variants
type TxKind uint8

const (
	// TxDeposit moves public funds into a new private note
	TxDeposit TxKind = iota + 1

	// TxTransfer spends private notes into new private notes
	TxTransfer

	// TxWithdraw spends one private note into a public payout plus optional change
	TxWithdraw
)

// String returns the variant name
func (k TxKind) String() string {
	switch k {
	case TxDeposit:
		return "deposit"
	case TxTransfer:
		return "transfer"
	case TxWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known variants
func (k TxKind) Valid() bool {
	return k >= TxDeposit && k <= TxWithdraw
}

// Output is a new note commitment together with the payload its
// recipient needs to recover the note.
type Output struct {
	// Commitment is the tree leaf binding the note contents
	Commitment Hash

	// EncryptedNote is the ECDH-encrypted note payload for the recipient
	EncryptedNote []byte
}

// BalanceProof carries additively homomorphic value commitments that let a
// verifier check sum(inputs) = sum(outputs) + fee + public amount without
// learning any individual value.
type BalanceProof struct {
	// Inputs are compressed Pedersen commitments to the spent values
	Inputs [][]byte

	// Outputs are compressed Pedersen commitments to the created values
	Outputs [][]byte

	// Excess is the blinding-factor difference sum(r_in) - sum(r_out)
	Excess Hash
}

// Transaction is the tagged union of Deposit, Transfer and Withdraw.
// Fields that do not apply to a variant must be left zero.
type Transaction struct {
	// Kind selects the variant
	Kind TxKind

	// Root is the Merkle root the proof was generated against (Transfer/Withdraw)
	Root Hash

	// Nullifiers are the revealed nullifiers of the spent notes
	Nullifiers []Hash

	// Outputs are the commitments created by this transaction
	Outputs []Output

	// Amount is the public value: deposited for Deposit, paid out for Withdraw
	Amount uint64

	// Fee is the transaction fee in base units
	Fee uint64

	// Asset identifies the asset the notes are denominated in
	Asset uint64

	// Recipient receives the public payout of a Withdraw
	Recipient Address

	// Proof is the serialized Groth16 proof (Transfer/Withdraw)
	Proof []byte

	// Balance is an optional homomorphic conservation proof
	Balance *BalanceProof

	// Memo is an optional opaque memo
	Memo []byte

	// Timestamp is the submission time in Unix seconds
	Timestamp uint64
}

// NewDeposit creates a deposit of amount with the given fee into commitment
func NewDeposit(commitment Hash, amount, fee uint64) *Transaction {
	return &Transaction{
		Kind:    TxDeposit,
		Outputs: []Output{{Commitment: commitment}},
		Amount:  amount,
		Fee:     fee,
	}
}

// Commitments returns the output commitments in order
func (tx *Transaction) Commitments() []Hash {
	out := make([]Hash, len(tx.Outputs))
	for i, o := range tx.Outputs {
		out[i] = o.Commitment
	}
	return out
}

// ComputeHash calculates the transaction identifier
func (tx *Transaction) ComputeHash() Hash {
	return sha256.Sum256(tx.serializeForHash())
}

// serializeForHash serializes transaction fields for hashing
func (tx *Transaction) serializeForHash() []byte {
	buf := make([]byte, 0, 256+len(tx.Proof)+len(tx.Memo))

	buf = append(buf, byte(tx.Kind))
	buf = append(buf, tx.Root[:]...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Nullifiers)))
	for _, n := range tx.Nullifiers {
		buf = append(buf, n[:]...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, o := range tx.Outputs {
		buf = append(buf, o.Commitment[:]...)
	}

	buf = binary.BigEndian.AppendUint64(buf, tx.Amount)
	buf = binary.BigEndian.AppendUint64(buf, tx.Fee)
	buf = binary.BigEndian.AppendUint64(buf, tx.Asset)
	buf = append(buf, tx.Recipient[:]...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Proof)))
	buf = append(buf, tx.Proof...)
	buf = binary.BigEndian.AppendUint64(buf, tx.Timestamp)

	return buf
}

// Size returns the approximate wire size in bytes, used for fee-rate ordering
func (tx *Transaction) Size() int {
	size := 1 + HashSize
	size += 4 + len(tx.Nullifiers)*HashSize
	size += 4
	for _, o := range tx.Outputs {
		size += HashSize + len(o.EncryptedNote)
	}
	size += 8 + 8 + 8 + AddressSize
	size += 4 + len(tx.Proof)
	size += len(tx.Memo) + 8
	if tx.Balance != nil {
		for _, c := range tx.Balance.Inputs {
			size += len(c)
		}
		for _, c := range tx.Balance.Outputs {
			size += len(c)
		}
		size += HashSize
	}
	return size
}
