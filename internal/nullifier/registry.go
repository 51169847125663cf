// Package nullifier implements the append-only registry of revealed
// nullifiers that enforces at-most-once spend.
package nullifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Registry errors
var (
	ErrAlreadySpent   = errors.New("nullifier already spent")
	ErrDuplicateInput = errors.New("nullifier repeated within batch")
	ErrEmptyNullifier = errors.New("empty nullifier")
)

// Info records where a nullifier was revealed
type Info struct {
	Nullifier types.Hash
	TxHash    types.Hash

	// Seq is the ledger sequence of the revealing transaction
	Seq uint64
}

// Registry is a monotone set: nothing inserted is ever removed.
// Every method is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	spent map[types.Hash]Info
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		spent: make(map[types.Hash]Info),
	}
}

// Contains reports whether n has been revealed
func (r *Registry) Contains(n types.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.spent[n]
	return ok
}

// Lookup returns the spend record of n
func (r *Registry) Lookup(n types.Hash) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.spent[n]
	return info, ok
}

// Size returns the number of revealed nullifiers
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spent)
}

// Insert adds n and returns true, or returns false without change if n
// was already present. The check and the set happen under one lock.
func (r *Registry) Insert(n types.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.spent[n]; ok {
		return false
	}
	r.spent[n] = Info{Nullifier: n}
	return true
}

// CheckBatch returns nil only if every nullifier in ns is absent from the
// registry and ns holds no repeats.
func (r *Registry) CheckBatch(ns []types.Hash) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkLocked(ns)
}

func (r *Registry) checkLocked(ns []types.Hash) error {
	seen := make(map[types.Hash]struct{}, len(ns))
	for _, n := range ns {
		if n.IsEmpty() {
			return ErrEmptyNullifier
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateInput, n)
		}
		seen[n] = struct{}{}
		if _, ok := r.spent[n]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadySpent, n)
		}
	}
	return nil
}

// InsertBatch re-checks ns and inserts all of them in one critical section.
// On error nothing is inserted.
func (r *Registry) InsertBatch(ns []types.Hash, txHash types.Hash, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(ns); err != nil {
		return err
	}
	for _, n := range ns {
		r.spent[n] = Info{Nullifier: n, TxHash: txHash, Seq: seq}
	}
	return nil
}

// Load inserts previously persisted records, skipping ones already present
func (r *Registry) Load(infos []Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, info := range infos {
		if _, ok := r.spent[info.Nullifier]; !ok {
			r.spent[info.Nullifier] = info
		}
	}
}
