package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/custody"
	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/logging"
	"github.com/ccoin/shieldpool/internal/metrics"
	"github.com/ccoin/shieldpool/internal/nullifier"
	"github.com/ccoin/shieldpool/internal/telemetry"
	"github.com/ccoin/shieldpool/internal/tree"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Verifier checks the zero-knowledge proof attached to a transfer or
// withdrawal. *zkp.Gate implements it.
type Verifier interface {
	VerifyTransaction(ctx context.Context, tx *types.Transaction) error
}

// Approver gates a withdrawal on an external agreement, typically a
// validator committee. Approve blocks until the request is decided and
// returns nil only if it was approved.
type Approver interface {
	Approve(ctx context.Context, req *types.ConsensusRequest) error
}

// Deps are the collaborators of an Engine. Only Verifier is needed when
// proofs are required and only Approver when consensus is required.
type Deps struct {
	// Store is the durable ledger; nil keeps the ledger in memory
	Store StateStore

	// Nodes holds tree nodes; nil keeps them in memory
	Nodes tree.NodeStore

	Verifier Verifier
	Approver Approver

	// Custody executes fund movements after a transaction is committed
	Custody custody.Executor

	Metrics *metrics.Collectors
	Logger  *zap.Logger
}

// Receipt describes an applied transaction
type Receipt struct {
	TxHash types.Hash
	Seq    uint64

	// Root is the tree root after the transaction
	Root types.Hash

	// LeafIndex is the index of the first output commitment, or the tree
	// size when the transaction has no outputs
	LeafIndex uint32
}

// Engine owns the pool state: the commitment tree, the root history, the
// nullifier registry and the supply totals. Checks run concurrently; the
// mutations of one transaction are applied under commitMu so that no two
// transactions interleave.
type Engine struct {
	cfg    *Config
	hasher hashing.Hasher

	tree     *tree.Tree
	history  *tree.RootHistory
	registry *nullifier.Registry

	store    StateStore
	verifier Verifier
	approver Approver
	executor custody.Executor
	metrics  *metrics.Collectors
	logger   *zap.Logger

	commitMu sync.Mutex

	// mu guards supply, seq and haltErr
	mu      sync.RWMutex
	supply  Totals
	seq     uint64
	haltErr error
	halted  atomic.Bool
}

// NewEngine creates an engine with an empty tree
func NewEngine(cfg *Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	hasher, err := hashing.New(cfg.Hash)
	if err != nil {
		return nil, err
	}
	if deps.Verifier != nil && hasher.Family() != hashing.MiMC {
		return nil, fmt.Errorf("proof verification requires the %s hash family, configured %s", hashing.MiMC, hasher.Family())
	}
	if cfg.RequireProofs && deps.Verifier == nil {
		return nil, errors.New("proofs are required but no verifier is configured")
	}
	if cfg.RequireConsensus && deps.Approver == nil {
		return nil, errors.New("consensus is required but no approver is configured")
	}

	t, err := tree.New(cfg.Depth, hasher, deps.Nodes)
	if err != nil {
		return nil, err
	}
	history := tree.NewRootHistory(cfg.HistorySize)
	history.Push(t.Root())

	store := deps.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Engine{
		cfg:      cfg,
		hasher:   hasher,
		tree:     t,
		history:  history,
		registry: nullifier.NewRegistry(),
		store:    store,
		verifier: deps.Verifier,
		approver: deps.Approver,
		executor: deps.Custody,
		metrics:  deps.Metrics,
		logger:   logging.OrNop(deps.Logger).Named("pool"),
	}, nil
}

// Hasher returns the hash family of this pool
func (e *Engine) Hasher() hashing.Hasher {
	return e.hasher
}

// Root returns the current tree root
func (e *Engine) Root() types.Hash {
	return e.tree.Root()
}

// Size returns the number of commitments in the tree
func (e *Engine) Size() uint64 {
	return e.tree.Size()
}

// Path returns the membership path of the leaf at index
func (e *Engine) Path(index uint64) (*tree.Path, error) {
	return e.tree.Path(index)
}

// IsKnownRoot reports whether root is in the root history
func (e *Engine) IsKnownRoot(root types.Hash) bool {
	return e.history.Contains(root)
}

// IsSpent reports whether nullifier n has been revealed
func (e *Engine) IsSpent(n types.Hash) bool {
	return e.registry.Contains(n)
}

// Supply returns the current totals
func (e *Engine) Supply() Totals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.supply
}

// Seq returns the sequence number of the last applied transaction
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// Halted reports whether the engine stopped accepting transactions
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// Deposit moves amount into the pool as the note behind commitment
func (e *Engine) Deposit(ctx context.Context, commitment types.Hash, amount, fee uint64) (*Receipt, error) {
	tx := types.NewDeposit(commitment, amount, fee)
	tx.Timestamp = common.Now()
	return e.Apply(ctx, tx)
}

// Transfer applies a private transfer
func (e *Engine) Transfer(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	if tx == nil || tx.Kind != types.TxTransfer {
		return nil, common.Errorf(common.KindStructural, "not a transfer")
	}
	return e.Apply(ctx, tx)
}

// Withdraw applies a withdrawal, waiting for consensus when required
func (e *Engine) Withdraw(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	if tx == nil || tx.Kind != types.TxWithdraw {
		return nil, common.Errorf(common.KindStructural, "not a withdrawal")
	}
	return e.Apply(ctx, tx)
}

// Apply validates tx and, only if every check passes, commits it. A
// rejection leaves the pool unchanged. If fund movement fails after the
// commit, the receipt is returned together with a Halted error.
func (e *Engine) Apply(ctx context.Context, tx *types.Transaction) (receipt *Receipt, err error) {
	kind := "invalid"
	if tx != nil {
		kind = tx.Kind.String()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "pool.Apply", trace.WithAttributes(attribute.String("tx.kind", kind)))
	defer span.End()

	defer func() {
		if err != nil {
			reason := common.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
			e.metrics.TxRejected(kind, reason)
			e.logger.Debug("transaction rejected", zap.String("kind", kind), zap.String("reason", reason), zap.Error(err))
			return
		}
		span.SetAttributes(attribute.Int64("pool.seq", int64(receipt.Seq)))
		e.metrics.TxAccepted(kind)
	}()

	if e.halted.Load() {
		return nil, e.haltedError()
	}
	if err := e.validate(ctx, tx); err != nil {
		return nil, err
	}
	if tx.Kind == types.TxWithdraw && e.cfg.RequireConsensus {
		if err := e.approve(ctx, tx); err != nil {
			return nil, err
		}
	}
	return e.commit(ctx, tx)
}

// Check runs every read-only check Apply would run, including proof
// verification, without changing state.
func (e *Engine) Check(ctx context.Context, tx *types.Transaction) error {
	if e.halted.Load() {
		return e.haltedError()
	}
	return e.validate(ctx, tx)
}

// CheckWithdrawal re-verifies the withdrawal a consensus request describes
// against this engine's own state.
func (e *Engine) CheckWithdrawal(ctx context.Context, req *types.ConsensusRequest) error {
	if req == nil {
		return common.Errorf(common.KindStructural, "nil request")
	}
	return e.Check(ctx, req.Transaction())
}

// validate runs the cheap checks before the proof so that an invalid
// transaction is usually rejected without pairing work.
func (e *Engine) validate(ctx context.Context, tx *types.Transaction) error {
	if err := e.structural(tx); err != nil {
		return err
	}
	if tx.Kind != types.TxDeposit {
		if err := e.registry.CheckBatch(tx.Nullifiers); err != nil {
			return spendError(err)
		}
		if !e.history.Contains(tx.Root) {
			return common.Errorf(common.KindUnknownRoot, "root %s is not in the last %d roots", tx.Root.Short(), e.history.Capacity())
		}
	}
	if e.tree.Size()+uint64(len(tx.Outputs)) > e.tree.Capacity() {
		return common.Errorf(common.KindCapacityExceeded, "tree holds %d of %d leaves", e.tree.Size(), e.tree.Capacity())
	}
	if _, err := e.Supply().apply(tx); err != nil {
		return err
	}
	if tx.Kind == types.TxDeposit {
		return nil
	}

	if tx.Balance != nil || e.cfg.RequireBalanceProof {
		public := tx.Fee + tx.Amount
		if !zkp.VerifyBalanceProof(tx.Balance, public) {
			return common.Errorf(common.KindProofInvalid, "balance proof does not conserve value")
		}
	}
	return e.verifyProof(ctx, tx)
}

func (e *Engine) verifyProof(ctx context.Context, tx *types.Transaction) error {
	if e.verifier == nil {
		return nil
	}
	if len(tx.Proof) == 0 && !e.cfg.RequireProofs {
		return nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "pool.VerifyProof")
	defer span.End()

	start := time.Now()
	err := e.verifier.VerifyTransaction(ctx, tx)
	e.metrics.ObserveVerify(tx.Kind.String(), time.Since(start))
	if err != nil {
		span.RecordError(err)
		if common.KindOf(err) == common.KindInternal {
			return common.Wrap(common.KindProofInvalid, err, "")
		}
		return err
	}
	return nil
}

func (e *Engine) structural(tx *types.Transaction) error {
	if tx == nil {
		return common.Errorf(common.KindStructural, "nil transaction")
	}

	seen := make(map[types.Hash]struct{}, len(tx.Outputs))
	for i, o := range tx.Outputs {
		if o.Commitment.IsEmpty() {
			return common.Errorf(common.KindStructural, "output %d has an empty commitment", i)
		}
		if !e.hasher.Canonical(o.Commitment) {
			return common.Errorf(common.KindStructural, "output %d commitment is not canonical", i)
		}
		if _, dup := seen[o.Commitment]; dup {
			return common.Errorf(common.KindStructural, "output %d repeats a commitment", i)
		}
		seen[o.Commitment] = struct{}{}
	}
	for i, n := range tx.Nullifiers {
		if n.IsEmpty() || !e.hasher.Canonical(n) {
			return common.Errorf(common.KindStructural, "nullifier %d is empty or not canonical", i)
		}
	}

	switch tx.Kind {
	case types.TxDeposit:
		if len(tx.Nullifiers) != 0 || len(tx.Outputs) != 1 {
			return common.Errorf(common.KindStructural, "deposit needs no inputs and one output, got %d and %d", len(tx.Nullifiers), len(tx.Outputs))
		}
		if tx.Amount < e.cfg.MinDeposit || tx.Amount > e.cfg.MaxDeposit {
			return common.Errorf(common.KindStructural, "deposit %d outside [%d, %d]", tx.Amount, e.cfg.MinDeposit, e.cfg.MaxDeposit)
		}
		if !tx.Root.IsEmpty() || !tx.Recipient.IsEmpty() || len(tx.Proof) != 0 {
			return common.Errorf(common.KindStructural, "deposit carries spend fields")
		}
		return nil

	case types.TxTransfer:
		if len(tx.Nullifiers) < 1 || len(tx.Nullifiers) > e.cfg.MaxInputs {
			return common.Errorf(common.KindStructural, "transfer has %d inputs, allowed 1..%d", len(tx.Nullifiers), e.cfg.MaxInputs)
		}
		if len(tx.Outputs) < 1 || len(tx.Outputs) > e.cfg.MaxOutputs {
			return common.Errorf(common.KindStructural, "transfer has %d outputs, allowed 1..%d", len(tx.Outputs), e.cfg.MaxOutputs)
		}
		if tx.Amount != 0 || !tx.Recipient.IsEmpty() {
			return common.Errorf(common.KindStructural, "transfer carries a public payout")
		}

	case types.TxWithdraw:
		if len(tx.Nullifiers) != 1 || len(tx.Outputs) > 1 {
			return common.Errorf(common.KindStructural, "withdrawal needs one input and at most one change output, got %d and %d", len(tx.Nullifiers), len(tx.Outputs))
		}
		if tx.Amount == 0 || tx.Recipient.IsEmpty() {
			return common.Errorf(common.KindStructural, "withdrawal needs an amount and a recipient")
		}

	default:
		return common.Errorf(common.KindStructural, "unknown transaction kind %s", tx.Kind)
	}

	if e.cfg.RequireProofs && len(tx.Proof) == 0 {
		return common.Errorf(common.KindProofInvalid, "missing proof")
	}
	if e.cfg.RequireBalanceProof && tx.Balance == nil {
		return common.Errorf(common.KindProofInvalid, "missing balance proof")
	}
	return nil
}

func (e *Engine) approve(ctx context.Context, tx *types.Transaction) error {
	req, err := types.RequestFromWithdraw(types.RequestID(uuid.New()), tx)
	if err != nil {
		return common.Wrap(common.KindStructural, err, "")
	}
	ctx, span := telemetry.Tracer().Start(ctx, "pool.Approve", trace.WithAttributes(attribute.String("request.id", req.RequestID.String())))
	defer span.End()

	if err := e.approver.Approve(ctx, req); err != nil {
		span.RecordError(err)
		if common.KindOf(err) == common.KindInternal {
			return common.Wrap(common.KindConsensusTimeout, err, "request "+req.RequestID.String())
		}
		return err
	}
	return nil
}

// commit re-checks the state-dependent conditions under commitMu, makes
// the transaction durable and then applies it in memory: registry first,
// then tree, then history.
func (e *Engine) commit(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.halted.Load() {
		return nil, e.haltedError()
	}

	if tx.Kind != types.TxDeposit {
		if err := e.registry.CheckBatch(tx.Nullifiers); err != nil {
			return nil, spendError(err)
		}
		if !e.history.Contains(tx.Root) {
			return nil, common.Errorf(common.KindUnknownRoot, "root %s left the history while the proof was checked", tx.Root.Short())
		}
	}
	e.mu.RLock()
	current, seq := e.supply, e.seq
	e.mu.RUnlock()
	next, err := current.apply(tx)
	if err != nil {
		return nil, err
	}

	// a withdrawal without change leaves the tree as it is
	var u *tree.Update
	root, leaf := e.tree.Root(), e.tree.Size()
	if commitments := tx.Commitments(); len(commitments) > 0 {
		u, err = e.tree.Prepare(commitments)
		if err != nil {
			if errors.Is(err, tree.ErrTreeFull) {
				return nil, common.Wrap(common.KindCapacityExceeded, err, "")
			}
			return nil, common.Wrap(common.KindStructural, err, "")
		}
		root, leaf = u.Root(), u.Base
	}

	txHash := tx.ComputeHash()
	cs := &Changeset{
		Seq:       seq + 1,
		TxHash:    txHash,
		Tx:        tx,
		Root:      root,
		LeafIndex: leaf,
		Supply:    next,
	}
	if err := e.store.Commit(context.WithoutCancel(ctx), cs); err != nil {
		return nil, e.halt(fmt.Errorf("persist changeset %d: %w", cs.Seq, err))
	}

	if err := e.registry.InsertBatch(tx.Nullifiers, txHash, cs.Seq); err != nil {
		return nil, e.halt(fmt.Errorf("insert nullifiers of %s: %w", txHash, err))
	}
	if u != nil {
		if err := e.tree.Apply(u); err != nil {
			return nil, e.halt(fmt.Errorf("append commitments of %s: %w", txHash, err))
		}
		e.history.Push(cs.Root)
	}

	e.mu.Lock()
	e.supply = next
	e.seq = cs.Seq
	e.mu.Unlock()

	receipt := &Receipt{
		TxHash:    txHash,
		Seq:       cs.Seq,
		Root:      cs.Root,
		LeafIndex: uint32(cs.LeafIndex),
	}
	e.metrics.SetPoolState(e.tree.Size(), e.registry.Size(), float64(next.ShieldedUint64()))
	e.logger.Info("transaction applied",
		zap.String("kind", tx.Kind.String()),
		zap.String("hash", txHash.Short()),
		zap.Uint64("seq", cs.Seq),
		zap.Uint64("leaf", cs.LeafIndex),
		zap.String("root", cs.Root.Short()),
	)

	if e.executor != nil {
		actions, err := custody.Plan(e.cfg.Custody, tx)
		if err == nil {
			err = e.executor.Execute(context.WithoutCancel(ctx), txHash, actions)
		}
		if err != nil {
			return receipt, e.halt(fmt.Errorf("custody for %s: %w", txHash, err))
		}
	}
	return receipt, nil
}

// Restore replays the ledger into a fresh engine
func (e *Engine) Restore(ctx context.Context) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.Seq() != 0 || e.tree.Size() != 0 {
		return ErrRestoreNotFresh
	}

	err := e.store.Load(ctx, func(cs *Changeset) error {
		if cs.Tx == nil {
			return fmt.Errorf("%w: changeset %d has no transaction", ErrMalformedRecord, cs.Seq)
		}
		if want := e.Seq() + 1; cs.Seq != want {
			return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, cs.Seq, want)
		}
		if !cs.Supply.Conserved() {
			return fmt.Errorf("%w: changeset %d totals do not balance", ErrMalformedRecord, cs.Seq)
		}
		if err := e.registry.InsertBatch(cs.Tx.Nullifiers, cs.TxHash, cs.Seq); err != nil {
			return fmt.Errorf("replay %d: %w", cs.Seq, err)
		}
		if commitments := cs.Tx.Commitments(); len(commitments) > 0 {
			u, err := e.tree.InsertBatch(commitments)
			if err != nil {
				return fmt.Errorf("replay %d: %w", cs.Seq, err)
			}
			e.history.Push(u.Root())
		}
		if e.tree.Root() != cs.Root {
			return fmt.Errorf("%w at %d", ErrReplayedRootDiff, cs.Seq)
		}

		e.mu.Lock()
		e.supply = cs.Supply
		e.seq = cs.Seq
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		if e.Seq() > 0 {
			e.halt(err)
		}
		return err
	}

	supply := e.Supply()
	e.metrics.SetPoolState(e.tree.Size(), e.registry.Size(), float64(supply.ShieldedUint64()))
	e.logger.Info("ledger restored",
		zap.Uint64("seq", e.Seq()),
		zap.Uint64("leaves", e.tree.Size()),
		zap.Int("nullifiers", e.registry.Size()),
	)
	return nil
}

// halt stops the engine and returns the error callers see
func (e *Engine) halt(cause error) error {
	e.mu.Lock()
	if e.haltErr == nil {
		e.haltErr = cause
	}
	e.mu.Unlock()
	if e.halted.CompareAndSwap(false, true) {
		e.logger.Error("engine halted", zap.Error(cause))
	}
	return e.haltedError()
}

func (e *Engine) haltedError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return common.Wrap(common.KindHalted, e.haltErr, "engine no longer accepts transactions")
}

func spendError(err error) error {
	switch {
	case errors.Is(err, nullifier.ErrAlreadySpent), errors.Is(err, nullifier.ErrDuplicateInput):
		return common.Wrap(common.KindDoubleSpend, err, "")
	default:
		return common.Wrap(common.KindStructural, err, "")
	}
}
