package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/pool"
)

// Sync errors
var (
	ErrNoSyncPeers     = errors.New("no peers available for sync")
	ErrUnexpectedReply = errors.New("unexpected ledger reply")
)

// SyncConfig holds ledger synchronization configuration
type SyncConfig struct {
	RequestTimeout time.Duration
}

// DefaultSyncConfig returns default sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		RequestTimeout: 2 * time.Minute,
	}
}

// SyncManager serves the local ledger to peers and copies a peer's ledger
// into a local store. A node that is behind syncs first and then restores
// its engine from the store.
type SyncManager struct {
	node    *Node
	store   pool.StateStore
	timeout time.Duration

	mu       sync.RWMutex
	syncing  bool
	received uint64
}

// NewSyncManager creates a sync manager over store
func NewSyncManager(node *Node, store pool.StateStore, cfg *SyncConfig) *SyncManager {
	if cfg == nil {
		cfg = DefaultSyncConfig()
	}
	return &SyncManager{
		node:    node,
		store:   store,
		timeout: cfg.RequestTimeout,
	}
}

// Serve answers ledger requests from peers
func (sm *SyncManager) Serve() {
	sm.node.host.SetStreamHandler(LedgerProtocolID, sm.handleStream)
}

func (sm *SyncManager) handleStream(s network.Stream) {
	defer s.Close()
	log := sm.node.logger.With(zap.Stringer("peer", s.Conn().RemotePeer()))

	var req Message
	if err := req.Decode(s); err != nil {
		log.Debug("bad ledger request", zap.Error(err))
		s.Reset()
		return
	}
	if req.Type != MsgTypeGetLedger {
		s.Reset()
		return
	}
	from, err := DecodeGetLedger(req.Payload)
	if err != nil {
		s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(sm.node.ctx, sm.timeout)
	defer cancel()

	w := bufio.NewWriter(s)
	var sent uint64
	err = sm.store.Load(ctx, func(cs *pool.Changeset) error {
		if cs.Seq < from {
			return nil
		}
		data, err := cs.MarshalBinary()
		if err != nil {
			return err
		}
		sent++
		return (&Message{Type: MsgTypeChangeset, Payload: data}).Encode(w)
	})
	if err == nil {
		err = (&Message{Type: MsgTypeLedgerEnd, Payload: EncodeGetLedger(sent)}).Encode(w)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		log.Warn("serving ledger failed", zap.Error(err))
		s.Reset()
		return
	}
	log.Debug("ledger served", zap.Uint64("from", from), zap.Uint64("changesets", sent))
}

// SyncFrom copies every changeset from seq from onwards out of peer p
// into the local store and returns how many were committed.
func (sm *SyncManager) SyncFrom(ctx context.Context, p peer.ID, from uint64) (uint64, error) {
	sm.mu.Lock()
	sm.syncing = true
	sm.received = 0
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		sm.syncing = false
		sm.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	s, err := sm.node.host.NewStream(ctx, p, LedgerProtocolID)
	if err != nil {
		return 0, fmt.Errorf("open ledger stream: %w", err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	req := &Message{Type: MsgTypeGetLedger, Payload: EncodeGetLedger(from)}
	if err := req.Encode(s); err != nil {
		s.Reset()
		return 0, err
	}
	s.CloseWrite()

	r := bufio.NewReader(s)
	var committed uint64
	for {
		var msg Message
		if err := msg.Decode(r); err != nil {
			s.Reset()
			return committed, fmt.Errorf("read ledger: %w", err)
		}
		switch msg.Type {
		case MsgTypeChangeset:
			cs, err := decodeChangeset(msg.Payload)
			if err != nil {
				s.Reset()
				return committed, err
			}
			if err := sm.store.Commit(ctx, cs); err != nil {
				s.Reset()
				return committed, fmt.Errorf("commit changeset %d: %w", cs.Seq, err)
			}
			committed++
			sm.mu.Lock()
			sm.received = committed
			sm.mu.Unlock()
		case MsgTypeLedgerEnd:
			total, err := DecodeGetLedger(msg.Payload)
			if err != nil || total != committed {
				return committed, fmt.Errorf("%w: peer sent %d, end says %d", ErrUnexpectedReply, committed, total)
			}
			return committed, nil
		default:
			s.Reset()
			return committed, fmt.Errorf("%w: type %d", ErrUnexpectedReply, msg.Type)
		}
	}
}

// SyncFromAny syncs from the first connected peer that answers
func (sm *SyncManager) SyncFromAny(ctx context.Context, from uint64) (uint64, error) {
	peers := sm.node.Peers()
	if len(peers) == 0 {
		return 0, ErrNoSyncPeers
	}
	var (
		total   uint64
		lastErr error
	)
	for _, p := range peers {
		n, err := sm.SyncFrom(ctx, p.ID, from)
		total += n
		if err == nil {
			return total, nil
		}
		lastErr = err
		sm.node.logger.Warn("ledger sync failed", zap.Stringer("peer", p.ID), zap.Error(err))

		// the store now holds a prefix; later peers continue from it
		from += n
	}
	return total, lastErr
}

// IsSyncing returns whether a sync is in progress
func (sm *SyncManager) IsSyncing() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.syncing
}

// Received returns how many changesets the current or last sync committed
func (sm *SyncManager) Received() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.received
}
