// Package consensus collects validator votes on withdrawal requests and
// decides each request once a quorum is reached or becomes unreachable.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/logging"
	"github.com/ccoin/shieldpool/internal/metrics"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Consensus errors
var (
	ErrCommitteeTooSmall = errors.New("not enough validators for a committee")
	ErrRoundExists       = errors.New("request already has a round")
	ErrUnknownRequest    = errors.New("no open round for request")
	ErrNotInCommittee    = errors.New("validator is not in the committee")
	ErrInvalidVote       = errors.New("vote has no valid verdict")
)

// Config holds consensus configuration
type Config struct {
	// Committee is the number of validators asked per request (T)
	Committee int

	// Quorum is the number of valid votes that approves a request (Q > T/2)
	Quorum int

	// Deadline bounds how long a round stays open
	Deadline time.Duration

	// Validators are the candidate validator ids
	Validators []string

	// Retain is the number of decided rounds kept for Status queries
	Retain int
}

// DefaultConfig returns default consensus configuration
func DefaultConfig() *Config {
	return &Config{
		Committee: 10,
		Quorum:    7,
		Deadline:  30 * time.Second,
		Retain:    1024,
	}
}

// Validate rejects thresholds that would not tolerate faulty validators
func (c *Config) Validate() error {
	if c.Committee < 1 {
		return fmt.Errorf("committee size %d must be positive", c.Committee)
	}
	if c.Quorum > c.Committee || 2*c.Quorum <= c.Committee {
		return fmt.Errorf("quorum %d must be a majority of %d", c.Quorum, c.Committee)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("deadline %s must be positive", c.Deadline)
	}
	return nil
}

// Options are the optional collaborators of an Aggregator
type Options struct {
	// Policy selects committees; nil rotates round-robin
	Policy SelectionPolicy

	// Broadcaster delivers requests to the committee; nil leaves delivery
	// to the caller
	Broadcaster Broadcaster

	// Reputation is updated after every decided round
	Reputation *Reputation

	Metrics *metrics.Collectors
	Logger  *zap.Logger
}

// Aggregator runs one round per consensus request. Votes are fanned in
// through SubmitVote and each one re-evaluates its round.
type Aggregator struct {
	cfg         Config
	policy      SelectionPolicy
	broadcaster Broadcaster
	reputation  *Reputation
	metrics     *metrics.Collectors
	logger      *zap.Logger

	mu       sync.Mutex
	rounds   map[types.RequestID]*round
	finished *lru.Cache
}

// NewAggregator creates an aggregator
func NewAggregator(cfg *Config, opts Options) (*Aggregator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	retain := cfg.Retain
	if retain <= 0 {
		retain = DefaultConfig().Retain
	}
	finished, err := lru.New(retain)
	if err != nil {
		return nil, err
	}
	if opts.Policy == nil {
		opts.Policy = &RoundRobin{}
	}
	if opts.Reputation == nil {
		opts.Reputation = NewReputation()
	}
	return &Aggregator{
		cfg:         *cfg,
		policy:      opts.Policy,
		broadcaster: opts.Broadcaster,
		reputation:  opts.Reputation,
		metrics:     opts.Metrics,
		logger:      logging.OrNop(opts.Logger).Named("consensus"),
		rounds:      make(map[types.RequestID]*round),
		finished:    finished,
	}, nil
}

// Reputation returns the reputation table updated by this aggregator
func (a *Aggregator) Reputation() *Reputation {
	return a.reputation
}

// Open starts a round for req, selects its committee and broadcasts the
// request to it. The round is decided by votes or by the deadline.
func (a *Aggregator) Open(ctx context.Context, req *types.ConsensusRequest) ([]string, error) {
	digest := req.Digest()
	committee, err := a.policy.Select(digest, a.cfg.Validators, a.cfg.Committee)
	if err != nil {
		return nil, err
	}
	r := newRound(req, digest, committee, a.cfg.Quorum)

	a.mu.Lock()
	if _, exists := a.rounds[req.RequestID]; exists || a.finished.Contains(req.RequestID) {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoundExists, req.RequestID)
	}
	a.rounds[req.RequestID] = r
	id := req.RequestID
	r.timer = time.AfterFunc(a.cfg.Deadline, func() { a.expire(id) })
	a.mu.Unlock()

	a.logger.Debug("round opened",
		zap.String("request", id.String()),
		zap.Strings("committee", committee),
		zap.Int("quorum", a.cfg.Quorum),
	)

	if a.broadcaster != nil {
		if err := a.broadcaster.BroadcastRequest(ctx, req, committee); err != nil {
			a.mu.Lock()
			if cur, ok := a.rounds[id]; ok && cur == r {
				a.finalizeLocked(r, StatusInconclusive)
			}
			a.mu.Unlock()
			return nil, fmt.Errorf("broadcast request %s: %w", id, err)
		}
	}
	return committee, nil
}

// SubmitVote adds v to its round and returns the round status afterwards.
// Repeated votes from one validator are ignored. Votes for a request that
// is not open return ErrUnknownRequest and change nothing.
func (a *Aggregator) SubmitVote(v *types.Vote) (Status, error) {
	if v == nil || (v.Verdict != types.VerdictValid && v.Verdict != types.VerdictInvalid) {
		return StatusOpen, ErrInvalidVote
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rounds[v.RequestID]
	if !ok {
		if res, ok := a.finished.Get(v.RequestID); ok {
			return res.(*Result).Status, ErrUnknownRequest
		}
		return StatusOpen, ErrUnknownRequest
	}
	if _, member := r.committee[v.ValidatorID]; !member {
		return r.status, fmt.Errorf("%w: %s", ErrNotInCommittee, v.ValidatorID)
	}
	if !r.record(v) {
		a.logger.Debug("duplicate vote ignored", zap.String("request", v.RequestID.String()), zap.String("validator", v.ValidatorID))
		return r.status, nil
	}

	if status := r.evaluate(); status.Terminal() {
		a.finalizeLocked(r, status)
	}
	return r.status, nil
}

// Wait blocks until the round of id is decided or ctx is done
func (a *Aggregator) Wait(ctx context.Context, id types.RequestID) (*Result, error) {
	a.mu.Lock()
	r, ok := a.rounds[id]
	if !ok {
		res, ok := a.finished.Get(id)
		a.mu.Unlock()
		if ok {
			return res.(*Result), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	a.mu.Unlock()

	select {
	case <-r.done:
		return r.final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Approve opens a round for req and waits for its decision. Rejected and
// inconclusive rounds are reported as ConsensusRejected and
// ConsensusTimeout.
func (a *Aggregator) Approve(ctx context.Context, req *types.ConsensusRequest) error {
	if _, err := a.Open(ctx, req); err != nil {
		return common.Wrap(common.KindConsensusTimeout, err, "round not started")
	}
	res, err := a.Wait(ctx, req.RequestID)
	if err != nil {
		return common.Wrap(common.KindConsensusTimeout, err, "request "+req.RequestID.String())
	}

	switch res.Status {
	case StatusApproved:
		return nil
	case StatusRejected:
		return common.Errorf(common.KindConsensusRejected, "%d of %d validators found request %s invalid",
			res.Invalid, len(res.Committee), req.RequestID)
	default:
		return common.Errorf(common.KindConsensusTimeout, "request %s had %d valid and %d invalid votes at the deadline",
			req.RequestID, res.Valid, res.Invalid)
	}
}

// Status returns the current tally of id
func (a *Aggregator) Status(id types.RequestID) (*Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.rounds[id]; ok {
		return r.snapshot(r.status), true
	}
	if res, ok := a.finished.Get(id); ok {
		return res.(*Result), true
	}
	return nil, false
}

// Pending returns the number of open rounds
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rounds)
}

// Close decides every open round as inconclusive
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.rounds {
		a.finalizeLocked(r, StatusInconclusive)
	}
}

func (a *Aggregator) expire(id types.RequestID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.rounds[id]; ok {
		a.finalizeLocked(r, StatusInconclusive)
	}
}

// finalizeLocked moves r to a terminal status and stops tracking it, so
// later votes for it are dropped.
func (a *Aggregator) finalizeLocked(r *round, status Status) {
	if r.status.Terminal() {
		return
	}
	r.status = status
	if r.timer != nil {
		r.timer.Stop()
	}
	r.final = r.snapshot(status)
	delete(a.rounds, r.req.RequestID)
	a.finished.Add(r.req.RequestID, r.final)
	close(r.done)

	a.reputation.Observe(r.members, r.votes, status)
	a.metrics.RoundFinished(status.String())

	log := a.logger.Info
	if status != StatusApproved {
		log = a.logger.Warn
	}
	log("round decided",
		zap.String("request", r.req.RequestID.String()),
		zap.String("status", status.String()),
		zap.Int("valid", r.valid),
		zap.Int("invalid", r.invalid),
		zap.Duration("elapsed", time.Since(r.opened)),
	)
}
