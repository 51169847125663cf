// Package p2p carries shielded pool traffic between nodes: gossip of
// pending transactions, consensus requests and votes, and a stream
// protocol for replicating the changeset ledger.
package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/consensus"
	"github.com/ccoin/shieldpool/internal/logging"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Protocol IDs
const (
	LedgerProtocolID = "/shieldpool/ledger/1.0.0"
	TransactionTopic = "shieldpool/transactions"
	RequestTopic     = "shieldpool/consensus/requests"
	VoteTopic        = "shieldpool/consensus/votes"
	Rendezvous       = "shieldpool-network"

	mdnsService = "shieldpool-local"
)

// MessageHandler handles one message received on a topic
type MessageHandler func(ctx context.Context, msg *pubsub.Message) error

// TransactionHandler receives transactions gossiped by other nodes
type TransactionHandler func(ctx context.Context, tx *types.Transaction) error

// Config holds P2P node configuration
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey
	MaxPeers       int
	EnableMDNS     bool

	// DiscoveryInterval is how often the DHT is searched for more peers
	DiscoveryInterval time.Duration

	// PeerTTL disconnects peers that sent nothing for this long
	PeerTTL time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns default P2P configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/9000"},
		MaxPeers:          50,
		EnableMDNS:        true,
		DiscoveryInterval: 30 * time.Second,
		PeerTTL:           5 * time.Minute,
	}
}

// channel is one joined gossip topic and what to do with its messages
type channel struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	// includeSelf delivers the node's own publications to handle
	includeSelf bool
	handle      MessageHandler
}

// Node is a shielded pool network participant. It gossips pending
// transactions and carries consensus traffic; as a consensus.Broadcaster
// it lets an aggregator reach validators on other nodes.
type Node struct {
	host      host.Host
	dht       *dht.IpfsDHT
	pubsub    *pubsub.PubSub
	discovery *drouting.RoutingDiscovery
	logger    *zap.Logger

	channels map[string]*channel
	peers    *peerBook
	handlers handlers

	discoveryInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode starts a libp2p host, joins the DHT and subscribes to every
// shielded pool topic. Messages are not processed until Start.
func NewNode(ctx context.Context, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaults.DiscoveryInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = defaults.PeerTTL
	}
	logger := logging.OrNop(cfg.Logger).Named("p2p")

	h, err := newHost(cfg)
	if err != nil {
		return nil, err
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:              h,
		logger:            logger,
		channels:          make(map[string]*channel),
		peers:             newPeerBook(cfg.MaxPeers, cfg.PeerTTL),
		discoveryInterval: cfg.DiscoveryInterval,
		ctx:               nodeCtx,
		cancel:            cancel,
	}

	n.dht, err = dht.New(nodeCtx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("create DHT: %w", err)
	}

	// votes are attributed to the signer of the message that carries them
	n.pubsub, err = pubsub.NewGossipSub(nodeCtx, h, pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	n.discovery = drouting.NewRoutingDiscovery(n.dht)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.peers.add(c.RemotePeer(), []multiaddr.Multiaddr{c.RemoteMultiaddr()})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.peers.remove(c.RemotePeer())
		},
	})

	if err := n.dht.Bootstrap(nodeCtx); err != nil {
		n.Close()
		return nil, fmt.Errorf("bootstrap DHT: %w", err)
	}
	for _, addr := range cfg.BootstrapPeers {
		if err := n.Connect(addr); err != nil {
			logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}
	if cfg.EnableMDNS {
		if err := mdns.NewMdnsService(h, mdnsService, n).Start(); err != nil {
			logger.Warn("mDNS disabled", zap.Error(err))
		}
	}

	joins := []struct {
		name        string
		includeSelf bool
		handle      MessageHandler
	}{
		{TransactionTopic, false, n.handleTransaction},
		// a local validator must see requests its own aggregator published
		{RequestTopic, true, n.handleRequest},
		{VoteTopic, true, n.handleVote},
	}
	for _, j := range joins {
		if err := n.join(j.name, j.includeSelf, j.handle); err != nil {
			n.Close()
			return nil, err
		}
	}
	return n, nil
}

func newHost(cfg *Config) (host.Host, error) {
	key := cfg.PrivateKey
	if key == nil {
		var err error
		key, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, s := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", s, err)
		}
		addrs = append(addrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrs(addrs...),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	return h, nil
}

func (n *Node) join(name string, includeSelf bool, handle MessageHandler) error {
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	n.channels[name] = &channel{topic: topic, sub: sub, includeSelf: includeSelf, handle: handle}
	return nil
}

// Start begins processing messages and maintaining peers
func (n *Node) Start() {
	for _, ch := range n.channels {
		go n.consume(ch)
	}
	go n.maintainPeers()
}

func (n *Node) consume(ch *channel) {
	self := n.host.ID()
	for {
		msg, err := ch.sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.ReceivedFrom == self && !ch.includeSelf {
			continue
		}
		n.peers.touch(msg.ReceivedFrom)

		if err := ch.handle(n.ctx, msg); err != nil {
			n.logger.Debug("message dropped",
				zap.String("topic", ch.sub.Topic()),
				zap.Stringer("from", msg.ReceivedFrom),
				zap.Error(err),
			)
		}
	}
}

func (n *Node) publish(ctx context.Context, topic string, data []byte) error {
	ch, ok := n.channels[topic]
	if !ok {
		return fmt.Errorf("not joined to %s", topic)
	}
	return ch.topic.Publish(ctx, data)
}

func (n *Node) handleTransaction(ctx context.Context, msg *pubsub.Message) error {
	handler := n.handlers.transactions()
	if handler == nil {
		return nil
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(msg.Data); err != nil {
		return err
	}
	return handler(ctx, tx)
}

func (n *Node) handleRequest(ctx context.Context, msg *pubsub.Message) error {
	validator := n.handlers.validatorHandler()
	if validator == nil {
		return nil
	}
	rm, err := DecodeRequest(msg.Data)
	if err != nil {
		return err
	}
	self := n.ValidatorID()
	for _, id := range rm.Committee {
		if id != self {
			continue
		}
		vote, err := validator.HandleRequest(ctx, rm.Request)
		if err != nil {
			return err
		}
		return n.BroadcastVote(ctx, vote)
	}
	return nil
}

func (n *Node) handleVote(_ context.Context, msg *pubsub.Message) error {
	sink := n.handlers.voteSink()
	if sink == nil {
		return nil
	}
	vote := new(types.Vote)
	if err := vote.UnmarshalBinary(msg.Data); err != nil {
		return err
	}
	if vote.ValidatorID != msg.GetFrom().String() {
		return fmt.Errorf("vote for %s signed by %s", vote.ValidatorID, msg.GetFrom())
	}
	_, err := sink.SubmitVote(vote)
	if errors.Is(err, consensus.ErrUnknownRequest) {
		return nil
	}
	return err
}

// SetTransactionHandler sets the handler for gossiped transactions
func (n *Node) SetTransactionHandler(handler TransactionHandler) {
	n.handlers.set(func(h *handlers) { h.tx = handler })
}

// ServeValidator makes this node vote with v on requests whose committee
// contains ValidatorID.
func (n *Node) ServeValidator(v consensus.RequestHandler) {
	n.handlers.set(func(h *handlers) { h.validator = v })
}

// ServeVotes forwards votes received from the network to sink
func (n *Node) ServeVotes(sink consensus.VoteSink) {
	n.handlers.set(func(h *handlers) { h.votes = sink })
}

// ValidatorID is the identity this node votes under: its peer ID, so
// that vote origins can be checked against message signatures.
func (n *Node) ValidatorID() string {
	return n.host.ID().String()
}

// BroadcastTransaction gossips a pending transaction
func (n *Node) BroadcastTransaction(ctx context.Context, tx *types.Transaction) error {
	data, err := tx.MarshalBinary()
	if err != nil {
		return err
	}
	return n.publish(ctx, TransactionTopic, data)
}

// BroadcastRequest implements consensus.Broadcaster
func (n *Node) BroadcastRequest(ctx context.Context, req *types.ConsensusRequest, committee []string) error {
	data, err := EncodeRequest(&RequestMessage{Request: req, Committee: committee})
	if err != nil {
		return err
	}
	return n.publish(ctx, RequestTopic, data)
}

// BroadcastVote implements consensus.Broadcaster
func (n *Node) BroadcastVote(ctx context.Context, vote *types.Vote) error {
	data, err := vote.MarshalBinary()
	if err != nil {
		return err
	}
	return n.publish(ctx, VoteTopic, data)
}

func (n *Node) maintainPeers() {
	dutil.Advertise(n.ctx, n.discovery, Rendezvous)

	ticker := time.NewTicker(n.discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverPeers()
			for _, id := range n.peers.stale(time.Now()) {
				n.logger.Debug("pruning silent peer", zap.Stringer("peer", id))
				n.host.Network().ClosePeer(id)
			}
		}
	}
}

func (n *Node) discoverPeers() {
	if n.peers.full() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	found, err := n.discovery.FindPeers(ctx, Rendezvous)
	if err != nil {
		n.logger.Debug("peer discovery failed", zap.Error(err))
		return
	}
	for p := range found {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 || n.peers.known(p.ID) || n.peers.full() {
			continue
		}
		if err := n.host.Connect(ctx, p); err == nil {
			n.peers.add(p.ID, p.Addrs)
		}
	}
}

// Connect dials a peer given its full multiaddress
func (n *Node) Connect(addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return err
	}
	n.peers.add(info.ID, info.Addrs)
	return nil
}

// HandlePeerFound implements mdns.Notifee
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.logger.Debug("mDNS peer unreachable", zap.Stringer("peer", pi.ID), zap.Error(err))
	}
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// FullAddrs returns the listen addresses with the /p2p component
// appended, ready to pass to Connect.
func (n *Node) FullAddrs() []string {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// PeerCount returns the number of connected peers
func (n *Node) PeerCount() int {
	return n.peers.len()
}

// Peers returns copies of the connected peers' records
func (n *Node) Peers() []*PeerInfo {
	return n.peers.snapshot()
}

// TopicPeers returns the peers subscribed to topic
func (n *Node) TopicPeers(topic string) []peer.ID {
	return n.pubsub.ListPeers(topic)
}

// Close unsubscribes from every topic and shuts the host down
func (n *Node) Close() error {
	n.cancel()
	for _, ch := range n.channels {
		ch.sub.Cancel()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}
