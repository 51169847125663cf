package pool

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/internal/custody"
	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

var validProof = []byte("valid-proof")

// stubVerifier accepts exactly validProof
type stubVerifier struct {
	calls atomic.Int32
}

func (v *stubVerifier) VerifyTransaction(_ context.Context, tx *types.Transaction) error {
	v.calls.Add(1)
	if !bytes.Equal(tx.Proof, validProof) {
		return common.Errorf(common.KindProofInvalid, "proof does not verify")
	}
	return nil
}

type stubApprover struct {
	err  error
	reqs []*types.ConsensusRequest
	mu   sync.Mutex
}

func (a *stubApprover) Approve(_ context.Context, req *types.ConsensusRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.err
}

type failingStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Commit(ctx context.Context, cs *Changeset) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Commit(ctx, cs)
}

func testConfig(mutate ...func(*Config)) *Config {
	cfg := DefaultConfig()
	cfg.Depth = 10
	cfg.RequireProofs = false
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

func newEngine(t *testing.T, cfg *Config, deps Deps) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	return e
}

// wallet owns notes deposited into one engine
type wallet struct {
	key   *zkp.SpendingKey
	owner types.Hash
}

func newWallet(t *testing.T, e *Engine) *wallet {
	t.Helper()
	key, err := zkp.NewSpendingKey()
	require.NoError(t, err)
	return &wallet{key: key, owner: key.Owner(e.Hasher())}
}

func (w *wallet) deposit(t *testing.T, e *Engine, amount, fee uint64) (*zkp.Note, *Receipt) {
	t.Helper()
	note, tx, err := zkp.DepositNote(e.Hasher(), amount, fee, 0, w.owner, common.Now())
	require.NoError(t, err)
	r, err := e.Apply(context.Background(), tx)
	require.NoError(t, err)
	return note, r
}

func (w *wallet) spend(t *testing.T, e *Engine, note *zkp.Note, leaf uint32, root types.Hash, build func(*zkp.TransactionBuilder)) *types.Transaction {
	t.Helper()
	path, err := e.Path(uint64(leaf))
	require.NoError(t, err)
	b := zkp.NewTransactionBuilder(e.Hasher(), nil).WithBalanceProof()
	require.NoError(t, b.AddInput(note, w.key, path))
	build(b)
	built, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	built.Tx.Proof = validProof
	return built.Tx
}

func TestNewEngineConfigErrors(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), Deps{})
	assert.Error(t, err, "proofs required without a verifier")

	_, err = NewEngine(testConfig(func(c *Config) { c.Hash = hashing.Poseidon }), Deps{Verifier: &stubVerifier{}})
	assert.Error(t, err, "verifier with a non-circuit hash family")

	_, err = NewEngine(testConfig(func(c *Config) { c.RequireConsensus = true }), Deps{})
	assert.Error(t, err)

	_, err = NewEngine(testConfig(func(c *Config) { c.MinDeposit = 10; c.MaxDeposit = 1 }), Deps{})
	assert.Error(t, err)

	e := newEngine(t, testConfig(func(c *Config) { c.Hash = hashing.SHA256 }), Deps{})
	assert.Equal(t, hashing.SHA256, e.Hasher().Family())
	assert.True(t, e.IsKnownRoot(e.Root()))
}

func TestDepositSupplyIsSumOfNetDeposits(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{})
	w := newWallet(t, e)
	rng := rand.New(rand.NewSource(7))

	var want uint64
	prevRoot := e.Root()
	for i := 0; i < 40; i++ {
		amount := uint64(rng.Int63n(1_000_000)) + 1
		fee := uint64(rng.Int63n(int64(amount) + 1))
		note, r := w.deposit(t, e, amount, fee)
		want += amount - fee

		assert.Equal(t, uint32(i), r.LeafIndex)
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.NotEqual(t, prevRoot, r.Root)
		assert.True(t, e.IsKnownRoot(r.Root))
		prevRoot = r.Root

		path, err := e.Path(uint64(r.LeafIndex))
		require.NoError(t, err)
		assert.Equal(t, e.Root(), path.Compute(e.Hasher(), note.Commitment(e.Hasher())))
	}

	supply := e.Supply()
	assert.Equal(t, want, supply.ShieldedUint64())
	assert.True(t, supply.Conserved())
}

func TestDepositRejections(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(func(c *Config) { c.MinDeposit = 10; c.MaxDeposit = 1000 }), Deps{})
	cm := hashing.Uint64(42)

	cases := []struct {
		name string
		tx   *types.Transaction
		kind common.Kind
	}{
		{"below minimum", types.NewDeposit(cm, 9, 0), common.KindStructural},
		{"above maximum", types.NewDeposit(cm, 1001, 0), common.KindStructural},
		{"fee above amount", types.NewDeposit(cm, 100, 101), common.KindArithmeticUnderflow},
		{"empty commitment", types.NewDeposit(types.Hash{}, 100, 0), common.KindStructural},
		{"non-canonical commitment", types.NewDeposit(types.Hash{0xff, 0xff}, 100, 0), common.KindStructural},
		{"spend fields", &types.Transaction{Kind: types.TxDeposit, Outputs: []types.Output{{Commitment: cm}}, Amount: 100, Proof: []byte{1}}, common.KindStructural},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Apply(ctx, tc.tx)
			require.Error(t, err)
			assert.Equal(t, tc.kind, common.KindOf(err), err.Error())
		})
	}

	assert.Zero(t, e.Size())
	assert.Zero(t, e.Seq())
}

func TestTransferAppliesAtomically(t *testing.T) {
	ctx := context.Background()
	verifier := &stubVerifier{}
	e := newEngine(t, testConfig(), Deps{Verifier: verifier})
	alice, bob := newWallet(t, e), newWallet(t, e)

	n1, r1 := alice.deposit(t, e, 60, 0)
	n2, r2 := alice.deposit(t, e, 40, 0)
	root := e.Root()

	path, err := e.Path(uint64(r1.LeafIndex))
	require.NoError(t, err)
	b := zkp.NewTransactionBuilder(e.Hasher(), nil).WithBalanceProof()
	require.NoError(t, b.AddInput(n1, alice.key, path))
	path, err = e.Path(uint64(r2.LeafIndex))
	require.NoError(t, err)
	require.NoError(t, b.AddInput(n2, alice.key, path))
	b.AddOutput(zkp.NoteOutput{Value: 70, Owner: bob.owner}).
		AddOutput(zkp.NoteOutput{Value: 25, Owner: alice.owner}).
		SetFee(5)
	built, err := b.Build(ctx, root)
	require.NoError(t, err)
	built.Tx.Proof = validProof

	r, err := e.Transfer(ctx, built.Tx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), r.LeafIndex)
	assert.Equal(t, uint64(4), e.Size())
	for _, n := range built.Tx.Nullifiers {
		assert.True(t, e.IsSpent(n))
	}
	assert.Equal(t, int32(1), verifier.calls.Load())

	supply := e.Supply()
	assert.Equal(t, uint64(95), supply.ShieldedUint64())
	assert.Equal(t, uint64(5), supply.Fees.Uint64())
	assert.True(t, supply.Conserved())

	// the new note is spendable by its owner at the new root
	bobNote := built.Notes[0]
	path, err = e.Path(uint64(r.LeafIndex))
	require.NoError(t, err)
	assert.Equal(t, e.Root(), path.Compute(e.Hasher(), bobNote.Commitment(e.Hasher())))

	_, err = e.Withdraw(ctx, built.Tx)
	assert.True(t, errors.Is(err, common.ErrStructural))
}

func TestDoubleSpendRejectedDespiteValidProof(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(), Deps{Verifier: &stubVerifier{}})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 100, 0)

	t1 := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.AddOutput(zkp.NoteOutput{Value: 100, Owner: w.owner})
	})
	t2 := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.AddOutput(zkp.NoteOutput{Value: 90, Owner: w.owner}).SetFee(10)
	})
	require.Equal(t, t1.Nullifiers, t2.Nullifiers)
	require.NoError(t, e.Check(ctx, t2), "t2 is valid on its own")

	_, err := e.Apply(ctx, t1)
	require.NoError(t, err)
	size, seq, supply := e.Size(), e.Seq(), e.Supply()

	_, err = e.Apply(ctx, t2)
	assert.True(t, errors.Is(err, common.ErrDoubleSpend), "got %v", err)
	assert.Equal(t, size, e.Size())
	assert.Equal(t, seq, e.Seq())
	assert.Equal(t, supply, e.Supply())
}

func TestConcurrentDoubleSpendAcceptsOne(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(), Deps{Verifier: &stubVerifier{}})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 100, 0)

	const attempts = 8
	txs := make([]*types.Transaction, attempts)
	for i := range txs {
		fee := uint64(i)
		txs[i] = w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
			b.AddOutput(zkp.NoteOutput{Value: 100 - fee, Owner: w.owner}).SetFee(fee)
		})
	}

	var wg sync.WaitGroup
	var accepted, doubleSpends atomic.Int32
	for _, tx := range txs {
		wg.Add(1)
		go func(tx *types.Transaction) {
			defer wg.Done()
			_, err := e.Apply(ctx, tx)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, common.ErrDoubleSpend):
				doubleSpends.Add(1)
			}
		}(tx)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(attempts-1), doubleSpends.Load())
	assert.Equal(t, uint64(2), e.Size())
	assert.True(t, e.Supply().Conserved())
}

func TestEvictedRootRejected(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(func(c *Config) { c.HistorySize = 100 }), Deps{Verifier: &stubVerifier{}})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 50, 0)
	oldRoot := e.Root()

	tx := w.spend(t, e, note, r.LeafIndex, oldRoot, func(b *zkp.TransactionBuilder) {
		b.AddOutput(zkp.NoteOutput{Value: 50, Owner: w.owner})
	})
	require.NoError(t, e.Check(ctx, tx))

	for i := 0; i < 101; i++ {
		w.deposit(t, e, 1, 0)
	}
	assert.False(t, e.IsKnownRoot(oldRoot))

	_, err := e.Apply(ctx, tx)
	assert.True(t, errors.Is(err, common.ErrUnknownRoot), "got %v", err)
	assert.False(t, e.IsSpent(tx.Nullifiers[0]))
}

func TestProofAndBalanceChecks(t *testing.T) {
	ctx := context.Background()
	verifier := &stubVerifier{}
	e := newEngine(t, testConfig(func(c *Config) { c.RequireProofs = true }), Deps{Verifier: verifier})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 100, 0)

	valid := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.AddOutput(zkp.NoteOutput{Value: 97, Owner: w.owner}).SetFee(3)
	})

	missing := *valid
	missing.Proof = nil
	_, err := e.Apply(ctx, &missing)
	assert.True(t, errors.Is(err, common.ErrProofInvalid))
	assert.Zero(t, verifier.calls.Load(), "missing proof is caught before verification")

	forged := *valid
	forged.Proof = []byte("forged")
	_, err = e.Apply(ctx, &forged)
	assert.True(t, errors.Is(err, common.ErrProofInvalid))

	// a fee that the committed values do not cover fails the balance proof
	// before the proof is verified
	calls := verifier.calls.Load()
	greedy := *valid
	greedy.Fee = 4
	_, err = e.Apply(ctx, &greedy)
	assert.True(t, errors.Is(err, common.ErrProofInvalid))
	assert.Equal(t, calls, verifier.calls.Load())

	unknown := *valid
	unknown.Root = hashing.Uint64(99)
	_, err = e.Apply(ctx, &unknown)
	assert.True(t, errors.Is(err, common.ErrUnknownRoot))

	_, err = e.Apply(ctx, valid)
	assert.NoError(t, err)
}

func TestTransferStructure(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(), Deps{})
	w := newWallet(t, e)
	w.deposit(t, e, 10, 0)
	root := e.Root()
	n := hashing.Uint64(1)
	cm := hashing.Uint64(2)

	cases := []struct {
		name string
		tx   *types.Transaction
	}{
		{"no inputs", &types.Transaction{Kind: types.TxTransfer, Root: root, Outputs: []types.Output{{Commitment: cm}}}},
		{"no outputs", &types.Transaction{Kind: types.TxTransfer, Root: root, Nullifiers: []types.Hash{n}}},
		{"too many inputs", &types.Transaction{Kind: types.TxTransfer, Root: root, Nullifiers: []types.Hash{n, hashing.Uint64(3), hashing.Uint64(4)}, Outputs: []types.Output{{Commitment: cm}}}},
		{"public amount", &types.Transaction{Kind: types.TxTransfer, Root: root, Nullifiers: []types.Hash{n}, Outputs: []types.Output{{Commitment: cm}}, Amount: 1}},
		{"repeated output", &types.Transaction{Kind: types.TxTransfer, Root: root, Nullifiers: []types.Hash{n}, Outputs: []types.Output{{Commitment: cm}, {Commitment: cm}}}},
		{"withdraw without recipient", &types.Transaction{Kind: types.TxWithdraw, Root: root, Nullifiers: []types.Hash{n}, Amount: 1}},
		{"withdraw with two inputs", &types.Transaction{Kind: types.TxWithdraw, Root: root, Nullifiers: []types.Hash{n, cm}, Amount: 1, Recipient: types.Address{1}}},
		{"unknown kind", &types.Transaction{Kind: 7}},
		{"nil", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Apply(ctx, tc.tx)
			assert.True(t, errors.Is(err, common.ErrStructural), "got %v", err)
		})
	}

	dup := &types.Transaction{Kind: types.TxTransfer, Root: root, Nullifiers: []types.Hash{n, n}, Outputs: []types.Output{{Commitment: cm}}}
	_, err := e.Apply(ctx, dup)
	assert.True(t, errors.Is(err, common.ErrDoubleSpend))
}

func TestWithdrawPaysOutThroughCustody(t *testing.T) {
	ctx := context.Background()
	vault := custody.NewVault()
	cfg := testConfig(func(c *Config) {
		c.Custody = &custody.Config{Split: custody.DefaultFeeSplit(), Treasury: types.Address{0x77}, Validators: types.Address{0x88}}
	})
	e := newEngine(t, cfg, Deps{Verifier: &stubVerifier{}, Custody: vault})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 110, 10)
	assert.Equal(t, uint64(100), vault.PoolBalance(0).Uint64())

	recipient := types.Address{0x01}
	tx := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.Withdraw(60, recipient).AddOutput(zkp.NoteOutput{Value: 36, Owner: w.owner}).SetFee(4)
	})
	_, err := e.Withdraw(ctx, tx)
	require.NoError(t, err)

	supply := e.Supply()
	assert.Equal(t, uint64(36), supply.ShieldedUint64())
	assert.Equal(t, uint64(60), supply.Withdrawn.Uint64())
	assert.Equal(t, uint64(14), supply.Fees.Uint64())
	assert.True(t, supply.Conserved())

	assert.Equal(t, supply.ShieldedUint64(), vault.PoolBalance(0).Uint64())
	assert.Equal(t, uint64(60), vault.Balance(recipient, 0).Uint64())
	assert.Equal(t, uint64(7), vault.Balance(cfg.Custody.Validators, 0).Uint64())
}

func TestWithdrawBeyondPoolRejected(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(), Deps{})
	w := newWallet(t, e)
	w.deposit(t, e, 100, 0)

	tx := &types.Transaction{
		Kind:       types.TxWithdraw,
		Root:       e.Root(),
		Nullifiers: []types.Hash{hashing.Uint64(5)},
		Amount:     101,
		Recipient:  types.Address{1},
	}
	_, err := e.Apply(ctx, tx)
	assert.True(t, errors.Is(err, common.ErrInsufficientBalance), "got %v", err)

	tx.Amount = ^uint64(0)
	tx.Fee = 1
	_, err = e.Apply(ctx, tx)
	assert.True(t, errors.Is(err, common.ErrArithmeticOverflow), "got %v", err)
}

func TestWithdrawWaitsForConsensus(t *testing.T) {
	ctx := context.Background()
	approver := &stubApprover{err: common.Errorf(common.KindConsensusRejected, "4 invalid votes")}
	e := newEngine(t, testConfig(func(c *Config) { c.RequireConsensus = true }), Deps{Verifier: &stubVerifier{}, Approver: approver})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 100, 0)

	tx := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.Withdraw(100, types.Address{9})
	})
	_, err := e.Apply(ctx, tx)
	assert.True(t, errors.Is(err, common.ErrConsensusRejected))
	assert.False(t, e.IsSpent(tx.Nullifiers[0]))

	approver.err = errors.New("deadline")
	_, err = e.Apply(ctx, tx)
	assert.True(t, errors.Is(err, common.ErrConsensusTimeout))

	approver.err = nil
	_, err = e.Apply(ctx, tx)
	require.NoError(t, err)
	assert.True(t, e.IsSpent(tx.Nullifiers[0]))

	require.Len(t, approver.reqs, 3)
	req := approver.reqs[2]
	assert.Equal(t, tx.Nullifiers[0], req.Nullifier)
	assert.Equal(t, uint64(100), req.Amount)
	assert.NotEqual(t, approver.reqs[0].RequestID, req.RequestID)
}

func TestStoreFailureHaltsEngine(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	e := newEngine(t, testConfig(), Deps{Store: store})
	w := newWallet(t, e)
	w.deposit(t, e, 10, 0)
	root, size := e.Root(), e.Size()

	store.fail.Store(true)
	_, err := e.Deposit(ctx, hashing.Uint64(77), 10, 0)
	assert.True(t, errors.Is(err, common.ErrHalted))
	assert.True(t, e.Halted())
	assert.Equal(t, root, e.Root())
	assert.Equal(t, size, e.Size())

	store.fail.Store(false)
	_, err = e.Deposit(ctx, hashing.Uint64(78), 10, 0)
	assert.True(t, errors.Is(err, common.ErrHalted))
	assert.True(t, errors.Is(e.Check(ctx, types.NewDeposit(hashing.Uint64(79), 10, 0)), common.ErrHalted))
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, types.Hash, []custody.Action) error {
	return errors.New("vault offline")
}

func TestCustodyFailureHaltsAfterCommit(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{Custody: failingExecutor{}})
	r, err := e.Deposit(context.Background(), hashing.Uint64(1), 10, 0)
	assert.True(t, errors.Is(err, common.ErrHalted))
	require.NotNil(t, r)
	assert.Equal(t, uint64(1), e.Seq())
	assert.True(t, e.Halted())
}

func TestRestoreRebuildsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newEngine(t, testConfig(), Deps{Store: store, Verifier: &stubVerifier{}})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 80, 2)
	w.deposit(t, e, 20, 0)
	tx := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.Withdraw(50, types.Address{3}).AddOutput(zkp.NoteOutput{Value: 27, Owner: w.owner}).SetFee(1)
	})
	_, err := e.Apply(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, 3, store.Len())

	restored := newEngine(t, testConfig(), Deps{Store: store})
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, e.Root(), restored.Root())
	assert.Equal(t, e.Size(), restored.Size())
	assert.Equal(t, e.Seq(), restored.Seq())
	assert.Equal(t, e.Supply(), restored.Supply())
	assert.True(t, restored.IsSpent(tx.Nullifiers[0]))
	for _, root := range []types.Hash{r.Root, e.Root()} {
		assert.True(t, restored.IsKnownRoot(root))
	}

	assert.ErrorIs(t, restored.Restore(ctx), ErrRestoreNotFresh)

	// the restored engine keeps accepting from where the ledger ends
	_, err = restored.Deposit(ctx, hashing.Uint64(123), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, store.Len())
}

func TestConcurrentDeposits(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Deposit(context.Background(), hashing.Uint64(uint64(i+1)), 100, 1)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(32), e.Size())
	assert.Equal(t, uint64(32), e.Seq())
	supply := e.Supply()
	assert.Equal(t, uint64(32*99), supply.ShieldedUint64())
	assert.True(t, supply.Conserved())
}

func TestWithdrawWithoutChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	vault := custody.NewVault()
	e := newEngine(t, testConfig(), Deps{Store: store, Verifier: &stubVerifier{}, Custody: vault})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 100, 0)
	root, size := e.Root(), e.Size()

	recipient := types.Address{0x42}
	tx := w.spend(t, e, note, r.LeafIndex, root, func(b *zkp.TransactionBuilder) {
		b.Withdraw(98, recipient).SetFee(2)
	})
	require.Empty(t, tx.Outputs)

	receipt, err := e.Withdraw(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, root, receipt.Root)
	assert.Equal(t, uint32(size), receipt.LeafIndex)
	assert.Equal(t, root, e.Root())
	assert.Equal(t, size, e.Size())
	assert.True(t, e.IsSpent(tx.Nullifiers[0]))
	assert.Equal(t, uint64(98), vault.Balance(recipient, 0).Uint64())

	supply := e.Supply()
	assert.Zero(t, supply.ShieldedUint64())
	assert.True(t, supply.Conserved())

	// replay checks the unchanged root without inserting anything
	restored := newEngine(t, testConfig(), Deps{Store: store})
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, root, restored.Root())
	assert.Equal(t, size, restored.Size())
	assert.Equal(t, uint64(2), restored.Seq())
	assert.Equal(t, supply, restored.Supply())
	assert.True(t, restored.IsSpent(tx.Nullifiers[0]))
	assert.True(t, restored.IsKnownRoot(root))
}

func TestRestoreRejectsUnbalancedTotals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := types.NewDeposit(hashing.Uint64(1), 10, 0)
	cs := &Changeset{Seq: 1, TxHash: tx.ComputeHash(), Tx: tx}
	cs.Supply.Deposited.SetUint64(10)
	require.NoError(t, store.Commit(ctx, cs))

	e := newEngine(t, testConfig(), Deps{Store: store})
	assert.ErrorIs(t, e.Restore(ctx), ErrMalformedRecord)
	assert.Zero(t, e.Seq())
	assert.Zero(t, e.Size())
	supply := e.Supply()
	assert.True(t, supply.Deposited.IsZero())
}

func TestCheckWithdrawalKeepsBalanceProof(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(func(c *Config) { c.RequireBalanceProof = true }), Deps{Verifier: &stubVerifier{}})
	w := newWallet(t, e)
	note, r := w.deposit(t, e, 100, 0)

	tx := w.spend(t, e, note, r.LeafIndex, e.Root(), func(b *zkp.TransactionBuilder) {
		b.Withdraw(70, types.Address{7}).AddOutput(zkp.NoteOutput{Value: 29, Owner: w.owner}).SetFee(1)
	})
	require.NotNil(t, tx.Balance)
	req, err := types.RequestFromWithdraw(types.RequestID{1}, tx)
	require.NoError(t, err)

	require.NoError(t, e.CheckWithdrawal(ctx, req))

	stripped := *req
	stripped.Balance = nil
	err = e.CheckWithdrawal(ctx, &stripped)
	assert.True(t, errors.Is(err, common.ErrProofInvalid), "got %v", err)
}
