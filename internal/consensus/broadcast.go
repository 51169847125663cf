package consensus

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Broadcaster carries requests to committee members and their votes back
type Broadcaster interface {
	BroadcastRequest(ctx context.Context, req *types.ConsensusRequest, committee []string) error
	BroadcastVote(ctx context.Context, vote *types.Vote) error
}

// RequestHandler answers a consensus request with a vote
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *types.ConsensusRequest) (*types.Vote, error)
}

// VoteSink receives votes; *Aggregator implements it
type VoteSink interface {
	SubmitVote(v *types.Vote) (Status, error)
}

// LocalBroadcaster delivers requests to in-process validators and their
// votes to in-process sinks.
type LocalBroadcaster struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
	sinks    []VoteSink
}

// NewLocalBroadcaster creates a broadcaster with no validators
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{handlers: make(map[string]RequestHandler)}
}

// Register makes h reachable as validator id
func (b *LocalBroadcaster) Register(id string, h RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// Unregister takes validator id offline
func (b *LocalBroadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Connect adds a sink for votes
func (b *LocalBroadcaster) Connect(sink VoteSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// BroadcastRequest asks every reachable committee member for its vote and
// forwards the votes. Unreachable members simply do not vote.
func (b *LocalBroadcaster) BroadcastRequest(ctx context.Context, req *types.ConsensusRequest, committee []string) error {
	b.mu.RLock()
	handlers := make([]RequestHandler, 0, len(committee))
	for _, id := range committee {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		g.Go(func() error {
			vote, err := h.HandleRequest(gctx, req)
			if err != nil {
				return err
			}
			return b.BroadcastVote(gctx, vote)
		})
	}
	return g.Wait()
}

// BroadcastVote delivers vote to every sink. Votes that arrive after their
// round was decided are dropped.
func (b *LocalBroadcaster) BroadcastVote(ctx context.Context, vote *types.Vote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	sinks := append([]VoteSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		if _, err := s.SubmitVote(vote); err != nil && !errors.Is(err, ErrUnknownRequest) {
			return err
		}
	}
	return nil
}
