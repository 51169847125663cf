// Package mempool implements the pending transaction pool.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Mempool errors
var (
	ErrPoolFull          = errors.New("mempool is full")
	ErrTxAlreadyExists   = errors.New("transaction already in mempool")
	ErrTxExpired         = errors.New("transaction expired")
	ErrInsufficientFee   = errors.New("insufficient transaction fee")
	ErrNullifierConflict = errors.New("nullifier already claimed by a pending transaction")
)

// Mempool manages pending transactions
type Mempool struct {
	mu sync.RWMutex

	// Transactions indexed by hash
	txs map[types.Hash]*Entry

	// Entries ordered by priority, highest first
	queue []*Entry

	// Nullifier index: nullifier -> hash of the pending tx revealing it
	nullifiers map[types.Hash]types.Hash

	cfg Config
}

// Entry wraps a transaction with mempool metadata
type Entry struct {
	Tx     *types.Transaction
	Hash   types.Hash
	Added  uint64
	Size   int
	Checks int

	// Priority is the fee rate, fee per byte
	Priority float64

	// Validated is set once a Checker accepted the transaction
	Validated bool
}

// Config holds mempool configuration
type Config struct {
	MaxSize int
	MinFee  uint64

	// TTL is how long, in seconds, a transaction may wait; 0 keeps it forever
	TTL uint64
}

// DefaultConfig returns default mempool configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSize: 10000,
		MinFee:  0,
		TTL:     3600,
	}
}

// Checker runs read-only validation of a transaction against current state
type Checker interface {
	Check(ctx context.Context, tx *types.Transaction) error
}

// New creates a new transaction mempool
func New(cfg *Config) *Mempool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Mempool{
		txs:        make(map[types.Hash]*Entry),
		queue:      make([]*Entry, 0),
		nullifiers: make(map[types.Hash]types.Hash),
		cfg:        *cfg,
	}
}

// Add adds a transaction to the mempool
func (m *Mempool) Add(tx *types.Transaction) (types.Hash, error) {
	hash := tx.ComputeHash()
	now := common.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[hash]; exists {
		return hash, ErrTxAlreadyExists
	}
	if tx.Fee < m.cfg.MinFee {
		return hash, ErrInsufficientFee
	}
	if m.expired(tx.Timestamp, now) {
		return hash, ErrTxExpired
	}

	for _, n := range tx.Nullifiers {
		if other, exists := m.nullifiers[n]; exists {
			return hash, fmt.Errorf("%w: %s by %s", ErrNullifierConflict, n.Short(), other.Short())
		}
	}

	size := tx.Size()
	entry := &Entry{
		Tx:       tx,
		Hash:     hash,
		Added:    now,
		Size:     size,
		Priority: float64(tx.Fee) / float64(size),
	}

	if len(m.txs) >= m.cfg.MaxSize {
		// make room only for a better paying transaction
		if !m.evictLowestPriority(entry.Priority) {
			return hash, ErrPoolFull
		}
	}

	m.txs[hash] = entry
	for _, n := range tx.Nullifiers {
		m.nullifiers[n] = hash
	}
	m.insertIntoQueue(entry)
	return hash, nil
}

// Remove removes a transaction from the mempool
func (m *Mempool) Remove(hash types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(hash)
}

// Get retrieves a transaction from the mempool
func (m *Mempool) Get(hash types.Hash) *types.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, exists := m.txs[hash]; exists {
		return e.Tx
	}
	return nil
}

// Has checks if a transaction is in the mempool
func (m *Mempool) Has(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.txs[hash]
	return exists
}

// HasNullifier checks if a nullifier is claimed by a pending transaction
func (m *Mempool) HasNullifier(n types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.nullifiers[n]
	return exists
}

// Select returns up to maxCount pending transactions, highest fee rate first
func (m *Mempool) Select(maxCount int) []*types.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if maxCount <= 0 || maxCount > len(m.queue) {
		maxCount = len(m.queue)
	}
	selected := make([]*types.Transaction, 0, maxCount)
	for _, e := range m.queue[:maxCount] {
		selected = append(selected, e.Tx)
	}
	return selected
}

// RemoveConfirmed removes applied transactions together with any pending
// transaction that reveals one of their nullifiers.
func (m *Mempool) RemoveConfirmed(txs []*types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range txs {
		m.removeLocked(tx.ComputeHash())

		// Also remove any conflicting transactions
		for _, n := range tx.Nullifiers {
			if other, exists := m.nullifiers[n]; exists {
				m.removeLocked(other)
			}
		}
	}
}

// Expire drops transactions older than the TTL and returns how many
func (m *Mempool) Expire() int {
	now := common.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []types.Hash
	for hash, e := range m.txs {
		if m.expired(e.Added, now) {
			stale = append(stale, hash)
		}
	}
	for _, hash := range stale {
		m.removeLocked(hash)
	}
	return len(stale)
}

// Validate runs checker against the pending transaction and drops it if
// the check fails.
func (m *Mempool) Validate(ctx context.Context, hash types.Hash, checker Checker) error {
	m.mu.RLock()
	e, exists := m.txs[hash]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("transaction %s not in mempool", hash.Short())
	}

	err := checker.Check(ctx, e.Tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.txs[hash]; ok {
		cur.Checks++
		if err != nil {
			m.removeLocked(hash)
		} else {
			cur.Validated = true
		}
	}
	return err
}

// Size returns the number of transactions in the mempool
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// TotalFees returns the total fees of all transactions
func (m *Mempool) TotalFees() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, e := range m.txs {
		total += e.Tx.Fee
	}
	return total
}

func (m *Mempool) expired(ts, now uint64) bool {
	return m.cfg.TTL > 0 && ts > 0 && ts+m.cfg.TTL < now
}

func (m *Mempool) removeLocked(hash types.Hash) {
	e, exists := m.txs[hash]
	if !exists {
		return
	}
	delete(m.txs, hash)
	for _, n := range e.Tx.Nullifiers {
		if m.nullifiers[n] == hash {
			delete(m.nullifiers, n)
		}
	}
	m.removeFromQueue(hash)
}

// insertIntoQueue keeps the queue sorted by priority descending; equal
// priorities stay in arrival order.
func (m *Mempool) insertIntoQueue(e *Entry) {
	idx := sort.Search(len(m.queue), func(i int) bool {
		return m.queue[i].Priority < e.Priority
	})

	m.queue = append(m.queue, nil)
	copy(m.queue[idx+1:], m.queue[idx:])
	m.queue[idx] = e
}

func (m *Mempool) removeFromQueue(hash types.Hash) {
	for i, e := range m.queue {
		if e.Hash == hash {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// evictLowestPriority evicts the lowest priority transaction if priority beats it
func (m *Mempool) evictLowestPriority(priority float64) bool {
	if len(m.queue) == 0 {
		return false
	}

	lowest := m.queue[len(m.queue)-1]
	if priority > lowest.Priority {
		m.removeLocked(lowest.Hash)
		return true
	}
	return false
}
