package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/ccoin/shieldpool/internal/consensus"
)

// PeerInfo holds information about a connected peer
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	ConnectedAt time.Time
	LastSeen    time.Time
}

// peerBook tracks connected peers and when each was last heard from
type peerBook struct {
	mu    sync.RWMutex
	peers map[peer.ID]*PeerInfo
	max   int
	ttl   time.Duration
}

func newPeerBook(maxPeers int, ttl time.Duration) *peerBook {
	return &peerBook{peers: make(map[peer.ID]*PeerInfo), max: maxPeers, ttl: ttl}
}

func (b *peerBook) add(id peer.ID, addrs []multiaddr.Multiaddr) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[id]; ok {
		p.LastSeen = now
		return
	}
	b.peers[id] = &PeerInfo{ID: id, Addrs: addrs, ConnectedAt: now, LastSeen: now}
}

func (b *peerBook) remove(id peer.ID) {
	b.mu.Lock()
	delete(b.peers, id)
	b.mu.Unlock()
}

func (b *peerBook) touch(id peer.ID) {
	b.mu.Lock()
	if p, ok := b.peers[id]; ok {
		p.LastSeen = time.Now()
	}
	b.mu.Unlock()
}

func (b *peerBook) known(id peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[id]
	return ok
}

func (b *peerBook) full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.max > 0 && len(b.peers) >= b.max
}

func (b *peerBook) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// stale forgets and returns the peers silent for longer than the TTL
func (b *peerBook) stale(now time.Time) []peer.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []peer.ID
	for id, p := range b.peers {
		if now.Sub(p.LastSeen) > b.ttl {
			out = append(out, id)
			delete(b.peers, id)
		}
	}
	return out
}

func (b *peerBook) snapshot() []*PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(b.peers))
	for _, p := range b.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// handlers are the local consumers of network traffic. Each may be
// installed after Start.
type handlers struct {
	mu        sync.RWMutex
	tx        TransactionHandler
	validator consensus.RequestHandler
	votes     consensus.VoteSink
}

func (h *handlers) set(fn func(*handlers)) {
	h.mu.Lock()
	fn(h)
	h.mu.Unlock()
}

func (h *handlers) transactions() TransactionHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tx
}

func (h *handlers) validatorHandler() consensus.RequestHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.validator
}

func (h *handlers) voteSink() consensus.VoteSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.votes
}
