package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWithdraw() *Transaction {
	return &Transaction{
		Kind:       TxWithdraw,
		Root:       Hash{1},
		Nullifiers: []Hash{{2}},
		Outputs:    []Output{{Commitment: Hash{3}, EncryptedNote: []byte("ciphertext")}},
		Amount:     90,
		Fee:        10,
		Asset:      4,
		Recipient:  Address{5},
		Proof:      []byte{6, 7, 8},
		Balance: &BalanceProof{
			Inputs:  [][]byte{{9}},
			Outputs: [][]byte{{10}, {11}},
			Excess:  Hash{12},
		},
		Memo:      []byte("memo"),
		Timestamp: 1700000000,
	}
}

func TestTransactionEncoding(t *testing.T) {
	tx := sampleWithdraw()
	data, err := tx.MarshalBinary()
	require.NoError(t, err)

	var got Transaction
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *tx, got)
	assert.Equal(t, tx.ComputeHash(), got.ComputeHash())

	// every strict prefix is rejected
	for i := 0; i < len(data); i++ {
		assert.Error(t, new(Transaction).UnmarshalBinary(data[:i]), "prefix %d", i)
	}
	assert.ErrorIs(t, new(Transaction).UnmarshalBinary(append(data, 0)), ErrTrailingBytes)
}

func TestDepositEncodingKeepsNilSlices(t *testing.T) {
	tx := NewDeposit(Hash{1}, 100, 1)
	data, err := tx.MarshalBinary()
	require.NoError(t, err)

	var got Transaction
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *tx, got)
	assert.Nil(t, got.Nullifiers)
	assert.Nil(t, got.Balance)
}

func TestTransactionHashIgnoresEncryptedNotes(t *testing.T) {
	a := sampleWithdraw()
	b := sampleWithdraw()
	b.Outputs[0].EncryptedNote = []byte("other")
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())

	b.Fee++
	assert.NotEqual(t, a.ComputeHash(), b.ComputeHash())
}

func TestConsensusRequestEncoding(t *testing.T) {
	req, err := RequestFromWithdraw(RequestID{0xab}, sampleWithdraw())
	require.NoError(t, err)

	data, err := req.MarshalBinary()
	require.NoError(t, err)
	var got ConsensusRequest
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *req, got)
	assert.Equal(t, req.Digest(), got.Digest())

	back := got.Transaction()
	assert.Equal(t, TxWithdraw, back.Kind)
	assert.Equal(t, []Hash{{3}}, back.Commitments())

	// validators re-check the same balance proof the proposer checked
	require.NotNil(t, back.Balance)
	assert.Equal(t, sampleWithdraw().Balance, back.Balance)

	stripped := got
	stripped.Balance = nil
	assert.NotEqual(t, got.Digest(), stripped.Digest())
	data, err = stripped.MarshalBinary()
	require.NoError(t, err)
	var plain ConsensusRequest
	require.NoError(t, plain.UnmarshalBinary(data))
	assert.Nil(t, plain.Balance)
	assert.Nil(t, plain.Transaction().Balance)

	_, err = RequestFromWithdraw(RequestID{}, NewDeposit(Hash{1}, 1, 0))
	assert.Error(t, err)
}

func TestVoteEncoding(t *testing.T) {
	v := &Vote{RequestID: RequestID{1}, ValidatorID: "validator-3", Verdict: VerdictInvalid, Reason: "UnknownRoot", Timestamp: 7}
	data, err := v.MarshalBinary()
	require.NoError(t, err)

	var got Vote
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *v, got)
	assert.Equal(t, "invalid", got.Verdict.String())
}
