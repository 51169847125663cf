package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ccoin/shieldpool/internal/pool"
	"github.com/ccoin/shieldpool/internal/tree"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Key prefixes
var (
	changesetPrefix = []byte("cs_")
	nodePrefix      = []byte("nd_")
)

// LevelStore keeps the changeset ledger and the commitment tree nodes in
// one LevelDB database.
type LevelStore struct {
	db *leveldb.DB

	mu   sync.Mutex
	last uint64
}

// OpenLevel opens or creates a LevelDB store at path
func OpenLevel(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open level store %s", path)
	}
	return newLevelStore(db)
}

// NewMemoryLevel creates a LevelDB store backed by memory
func NewMemoryLevel() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open memory level store")
	}
	return newLevelStore(db)
}

func newLevelStore(db *leveldb.DB) (*LevelStore, error) {
	s := &LevelStore{db: db}

	iter := db.NewIterator(util.BytesPrefix(changesetPrefix), nil)
	if iter.Last() {
		s.last = binary.BigEndian.Uint64(iter.Key()[len(changesetPrefix):])
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "scan changesets")
	}
	return s, nil
}

// Close closes the underlying database
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// Seq returns the sequence number of the last stored changeset
func (s *LevelStore) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Commit writes cs with a synced write
func (s *LevelStore) Commit(ctx context.Context, cs *pool.Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cs.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs.Seq != s.last+1 {
		return fmt.Errorf("%w: got %d, want %d", pool.ErrSequenceGap, cs.Seq, s.last+1)
	}
	if err := s.db.Put(changesetKey(cs.Seq), data, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrapf(err, "write changeset %d", cs.Seq)
	}
	s.last = cs.Seq
	return nil
}

// Load replays the stored changesets in sequence order
func (s *LevelStore) Load(ctx context.Context, fn func(*pool.Changeset) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return errors.Wrap(err, "snapshot")
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix(changesetPrefix), nil)
	defer iter.Release()

	var want uint64 = 1
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs := new(pool.Changeset)
		if err := cs.UnmarshalBinary(iter.Value()); err != nil {
			return errors.Wrapf(err, "changeset key %x", iter.Key())
		}
		if cs.Seq != want {
			return fmt.Errorf("%w: got %d, want %d", pool.ErrSequenceGap, cs.Seq, want)
		}
		want++
		if err := fn(cs); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Error(), "iterate changesets")
}

// GetNode implements tree.NodeStore
func (s *LevelStore) GetNode(level uint8, index uint64) (types.Hash, bool, error) {
	v, err := s.db.Get(nodeKey(level, index), nil)
	if err == leveldb.ErrNotFound {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, errors.Wrapf(err, "read node %d/%d", level, index)
	}
	var h types.Hash
	if len(v) != types.HashSize {
		return h, false, fmt.Errorf("node %d/%d has %d bytes", level, index, len(v))
	}
	copy(h[:], v)
	return h, true, nil
}

// PutNodes implements tree.NodeStore with a single batch
func (s *LevelStore) PutNodes(nodes []tree.NodeWrite) error {
	batch := new(leveldb.Batch)
	for _, n := range nodes {
		batch.Put(nodeKey(n.Level, n.Index), n.Hash[:])
	}
	return errors.Wrap(s.db.Write(batch, nil), "write nodes")
}

func changesetKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), changesetPrefix...), seq)
}

func nodeKey(level uint8, index uint64) []byte {
	key := append(append([]byte(nil), nodePrefix...), level)
	return binary.BigEndian.AppendUint64(key, index)
}
