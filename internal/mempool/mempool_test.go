package mempool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

func spend(nullifier byte, fee uint64) *types.Transaction {
	return &types.Transaction{
		Kind:       types.TxTransfer,
		Nullifiers: []types.Hash{{nullifier}},
		Outputs:    []types.Output{{Commitment: types.Hash{0x10, nullifier}}},
		Fee:        fee,
	}
}

func TestAddRejectsConflictsAndDuplicates(t *testing.T) {
	m := New(nil)
	tx := spend(1, 10)
	hash, err := m.Add(tx)
	require.NoError(t, err)
	assert.True(t, m.Has(hash))
	assert.True(t, m.HasNullifier(types.Hash{1}))

	_, err = m.Add(tx)
	assert.ErrorIs(t, err, ErrTxAlreadyExists)

	_, err = m.Add(spend(1, 20))
	assert.ErrorIs(t, err, ErrNullifierConflict)

	m.Remove(hash)
	assert.False(t, m.HasNullifier(types.Hash{1}))
	_, err = m.Add(spend(1, 20))
	assert.NoError(t, err)
}

func TestSelectOrdersByFeeRate(t *testing.T) {
	m := New(nil)
	for i, fee := range []uint64{5, 50, 20} {
		_, err := m.Add(spend(byte(i+1), fee))
		require.NoError(t, err)
	}
	got := m.Select(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(50), got[0].Fee)
	assert.Equal(t, uint64(20), got[1].Fee)
	assert.Len(t, m.Select(0), 3)
	assert.Equal(t, uint64(75), m.TotalFees())
}

func TestRemoveConfirmedDropsConflicts(t *testing.T) {
	m := New(nil)
	pending := spend(1, 10)
	_, err := m.Add(pending)
	require.NoError(t, err)
	_, err = m.Add(spend(2, 10))
	require.NoError(t, err)

	// another node applied a different transaction revealing nullifier 1
	confirmed := spend(1, 99)
	m.RemoveConfirmed([]*types.Transaction{confirmed})
	assert.False(t, m.Has(pending.ComputeHash()))
	assert.Equal(t, 1, m.Size())
}

func TestFullPoolEvictsOnlyForBetterFee(t *testing.T) {
	m := New(&Config{MaxSize: 2})
	_, err := m.Add(spend(1, 10))
	require.NoError(t, err)
	_, err = m.Add(spend(2, 20))
	require.NoError(t, err)

	_, err = m.Add(spend(3, 5))
	assert.ErrorIs(t, err, ErrPoolFull)

	_, err = m.Add(spend(4, 30))
	require.NoError(t, err)
	assert.False(t, m.HasNullifier(types.Hash{1}))
	assert.Equal(t, 2, m.Size())
}

func TestFeeFloorAndExpiry(t *testing.T) {
	m := New(&Config{MaxSize: 10, MinFee: 2, TTL: 60})
	_, err := m.Add(spend(1, 1))
	assert.ErrorIs(t, err, ErrInsufficientFee)

	old := spend(2, 5)
	old.Timestamp = common.Now() - 3600
	_, err = m.Add(old)
	assert.ErrorIs(t, err, ErrTxExpired)

	_, err = m.Add(spend(3, 5))
	require.NoError(t, err)
	assert.Zero(t, m.Expire())
}

type checkerFunc func(context.Context, *types.Transaction) error

func (f checkerFunc) Check(ctx context.Context, tx *types.Transaction) error { return f(ctx, tx) }

func TestValidateDropsFailures(t *testing.T) {
	ctx := context.Background()
	m := New(nil)
	good, err := m.Add(spend(1, 1))
	require.NoError(t, err)
	bad, err := m.Add(spend(2, 1))
	require.NoError(t, err)

	check := checkerFunc(func(_ context.Context, tx *types.Transaction) error {
		if tx.Nullifiers[0] == (types.Hash{2}) {
			return errors.New("already spent")
		}
		return nil
	})
	assert.NoError(t, m.Validate(ctx, good, check))
	assert.Error(t, m.Validate(ctx, bad, check))
	assert.True(t, m.Has(good))
	assert.False(t, m.Has(bad))
	assert.Error(t, m.Validate(ctx, bad, check))
}
