package pool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Ledger errors
var (
	ErrSequenceGap      = errors.New("changeset sequence is not contiguous")
	ErrMalformedRecord  = errors.New("malformed changeset record")
	ErrRestoreNotFresh  = errors.New("restore requires an engine with no applied transactions")
	ErrReplayedRootDiff = errors.New("replayed root differs from recorded root")
)

// Changeset is the durable record of one accepted transaction. Replaying
// changesets in sequence order rebuilds the tree, the registry, the root
// history and the supply totals.
type Changeset struct {
	// Seq is the ledger position, starting at 1 and increasing by one
	Seq uint64

	TxHash types.Hash
	Tx     *types.Transaction

	// Root is the tree root after the outputs were appended
	Root types.Hash

	// LeafIndex is the index of the first output commitment, or the tree
	// size when the transaction has no outputs
	LeafIndex uint64

	// Supply is the state of the totals after the transaction
	Supply Totals
}

// MarshalBinary encodes the changeset for key-value backends
func (cs *Changeset) MarshalBinary() ([]byte, error) {
	if cs.Tx == nil {
		return nil, fmt.Errorf("%w: no transaction", ErrMalformedRecord)
	}
	txBytes, err := cs.Tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	supply, err := cs.Supply.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 8+2*types.HashSize+8+len(supply)+4+len(txBytes))
	buf = binary.BigEndian.AppendUint64(buf, cs.Seq)
	buf = append(buf, cs.TxHash[:]...)
	buf = append(buf, cs.Root[:]...)
	buf = binary.BigEndian.AppendUint64(buf, cs.LeafIndex)
	buf = append(buf, supply...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(txBytes)))
	buf = append(buf, txBytes...)
	return buf, nil
}

// UnmarshalBinary decodes a changeset produced by MarshalBinary
func (cs *Changeset) UnmarshalBinary(data []byte) error {
	const fixed = 8 + 2*types.HashSize + 8 + totalsEncodingSize + 4
	if len(data) < fixed {
		return fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(data))
	}
	var out Changeset
	off := 0
	out.Seq = binary.BigEndian.Uint64(data[off:])
	off += 8
	copy(out.TxHash[:], data[off:])
	off += types.HashSize
	copy(out.Root[:], data[off:])
	off += types.HashSize
	out.LeafIndex = binary.BigEndian.Uint64(data[off:])
	off += 8
	if err := out.Supply.UnmarshalBinary(data[off : off+totalsEncodingSize]); err != nil {
		return err
	}
	off += totalsEncodingSize
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data)-off != n {
		return fmt.Errorf("%w: transaction length %d, %d bytes left", ErrMalformedRecord, n, len(data)-off)
	}
	out.Tx = new(types.Transaction)
	if err := out.Tx.UnmarshalBinary(data[off:]); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	*cs = out
	return nil
}

// StateStore is the durable, ordered ledger of accepted transactions
type StateStore interface {
	// Commit durably appends cs. It must be atomic: after an error the
	// store holds either all of cs or none of it.
	Commit(ctx context.Context, cs *Changeset) error

	// Load calls fn for every stored changeset in sequence order
	Load(ctx context.Context, fn func(*Changeset) error) error
}

// MemoryStore is a StateStore kept in memory
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Changeset
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Commit appends cs
func (s *MemoryStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.records)) + 1; cs.Seq != want {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, cs.Seq, want)
	}
	cp := *cs
	s.records = append(s.records, &cp)
	return nil
}

// Load replays the stored changesets
func (s *MemoryStore) Load(ctx context.Context, fn func(*Changeset) error) error {
	s.mu.RLock()
	records := make([]*Changeset, len(s.records))
	copy(records, s.records)
	s.mu.RUnlock()

	for _, cs := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		cp := *cs
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored changesets
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
