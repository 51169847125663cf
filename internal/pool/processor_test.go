package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/mempool"
	"github.com/ccoin/shieldpool/internal/metrics"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

func TestProcessOnceDrainsMempool(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(), Deps{Verifier: &stubVerifier{}})
	mp := mempool.New(nil)
	m := metrics.New()
	p := NewProcessor(e, mp, &ProcessorConfig{Workers: 3, BatchSize: 16}, m)

	for i := 0; i < 10; i++ {
		_, err := mp.Add(types.NewDeposit(hashing.Uint64(uint64(100+i)), 50, uint64(i)))
		require.NoError(t, err)
	}
	// rejected by the engine: above the deposit limit
	_, err := mp.Add(types.NewDeposit(hashing.Uint64(1), 1<<50, 0))
	require.NoError(t, err)

	applied, dropped := p.ProcessOnce(ctx)
	assert.Equal(t, 10, applied)
	assert.Equal(t, 1, dropped)
	assert.Zero(t, mp.Size())
	assert.Equal(t, uint64(10), e.Size())

	applied, dropped = p.ProcessOnce(ctx)
	assert.Zero(t, applied+dropped)
}

func TestProcessorRunsUntilStopped(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{Verifier: &stubVerifier{}})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 30, 0)
	mp := mempool.New(nil)
	p := NewProcessor(e, mp, &ProcessorConfig{Workers: 2, BatchSize: 4, Interval: 5 * time.Millisecond}, nil)

	p.Start(context.Background())
	defer p.Stop()

	tx := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.AddOutput(zkp.NoteOutput{Value: 29, Owner: w.owner}).SetFee(1)
	})
	_, err := mp.Add(tx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.IsSpent(tx.Nullifiers[0])
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return mp.Size() == 0 }, time.Second, 5*time.Millisecond)

	p.Stop()
	applied, _ := p.Stats()
	assert.Equal(t, uint64(1), applied)
}
