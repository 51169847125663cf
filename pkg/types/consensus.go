package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Verdict is a validator's opinion on a pending request
type Verdict uint8

const (
	// VerdictValid means the validator's re-verification accepted the request
	VerdictValid Verdict = iota + 1

	// VerdictInvalid means the validator rejected the request
	VerdictInvalid
)

// String returns the verdict name
func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// RequestID identifies one consensus round
type RequestID [16]byte

// String returns the hex form of the id
func (id RequestID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ConsensusRequest asks a validator committee to re-verify a withdrawal
type ConsensusRequest struct {
	RequestID RequestID
	Nullifier Hash
	Amount    uint64
	Recipient Address
	Proof     []byte
	Fee       uint64
	Timestamp uint64

	// Root and Change complete the public inputs a validator needs to
	// re-run the withdrawal checks against its own state.
	Root   Hash
	Change Hash
	Asset  uint64

	// Balance is the withdrawal's Pedersen balance proof, if it has one
	Balance *BalanceProof
}

// Digest returns the payload digest all votes refer to
func (r *ConsensusRequest) Digest() Hash {
	buf := make([]byte, 0, 160+len(r.Proof))
	buf = append(buf, r.RequestID[:]...)
	buf = append(buf, r.Nullifier[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.Amount)
	buf = append(buf, r.Recipient[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Proof)))
	buf = append(buf, r.Proof...)
	buf = binary.BigEndian.AppendUint64(buf, r.Fee)
	buf = binary.BigEndian.AppendUint64(buf, r.Timestamp)
	buf = append(buf, r.Root[:]...)
	buf = append(buf, r.Change[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.Asset)
	buf = appendBalance(buf, r.Balance)
	return sha256.Sum256(buf)
}

// Transaction reconstructs the withdrawal the request describes
func (r *ConsensusRequest) Transaction() *Transaction {
	tx := &Transaction{
		Kind:       TxWithdraw,
		Root:       r.Root,
		Nullifiers: []Hash{r.Nullifier},
		Amount:     r.Amount,
		Fee:        r.Fee,
		Asset:      r.Asset,
		Recipient:  r.Recipient,
		Proof:      r.Proof,
		Balance:    r.Balance,
		Timestamp:  r.Timestamp,
	}
	if !r.Change.IsEmpty() {
		tx.Outputs = []Output{{Commitment: r.Change}}
	}
	return tx
}

// RequestFromWithdraw builds the consensus request for a withdrawal
func RequestFromWithdraw(id RequestID, tx *Transaction) (*ConsensusRequest, error) {
	if tx.Kind != TxWithdraw {
		return nil, fmt.Errorf("consensus request from %s transaction", tx.Kind)
	}
	if len(tx.Nullifiers) != 1 {
		return nil, fmt.Errorf("withdraw carries %d nullifiers", len(tx.Nullifiers))
	}
	if len(tx.Outputs) > 1 {
		return nil, fmt.Errorf("withdraw carries %d outputs", len(tx.Outputs))
	}
	req := &ConsensusRequest{
		RequestID: id,
		Nullifier: tx.Nullifiers[0],
		Amount:    tx.Amount,
		Recipient: tx.Recipient,
		Proof:     tx.Proof,
		Fee:       tx.Fee,
		Timestamp: tx.Timestamp,
		Root:      tx.Root,
		Asset:     tx.Asset,
		Balance:   tx.Balance,
	}
	if len(tx.Outputs) == 1 {
		req.Change = tx.Outputs[0].Commitment
	}
	return req, nil
}

// Vote is one validator's verdict on one request
type Vote struct {
	RequestID   RequestID
	ValidatorID string
	Verdict     Verdict
	Reason      string
	Timestamp   uint64
}
