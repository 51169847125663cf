package tree

import (
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// NodeStore persists tree nodes by (level, index)
type NodeStore interface {
	// GetNode retrieves a node; ok is false if it was never written
	GetNode(level uint8, index uint64) (hash types.Hash, ok bool, err error)

	// PutNodes writes all nodes or none
	PutNodes(nodes []NodeWrite) error
}

// MemoryNodeStore keeps nodes in per-level maps
type MemoryNodeStore struct {
	mu    sync.RWMutex
	nodes map[uint8]map[uint64]types.Hash
}

// NewMemoryNodeStore creates an empty in-memory node store
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{
		nodes: make(map[uint8]map[uint64]types.Hash),
	}
}

// GetNode retrieves a node
func (s *MemoryNodeStore) GetNode(level uint8, index uint64) (types.Hash, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.nodes[level][index]
	return h, ok, nil
}

// PutNodes stores nodes
func (s *MemoryNodeStore) PutNodes(nodes []NodeWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range nodes {
		level := s.nodes[n.Level]
		if level == nil {
			level = make(map[uint64]types.Hash)
			s.nodes[n.Level] = level
		}
		level[n.Index] = n.Hash
	}
	return nil
}
