package consensus

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/ccoin/shieldpool/pkg/types"
)

// SelectionPolicy picks the committee of one round from the candidates.
// seed is the request digest so every node can derive the same committee.
type SelectionPolicy interface {
	Select(seed types.Hash, candidates []string, size int) ([]string, error)
}

func sortedCopy(candidates []string) []string {
	out := append([]string(nil), candidates...)
	sort.Strings(out)
	return out
}

// RoundRobin rotates the committee window over the sorted candidates by
// one position per round.
type RoundRobin struct {
	next atomic.Uint64
}

// Select returns the next size candidates in rotation
func (p *RoundRobin) Select(_ types.Hash, candidates []string, size int) ([]string, error) {
	if size <= 0 || size > len(candidates) {
		return nil, fmt.Errorf("%w: need %d of %d", ErrCommitteeTooSmall, size, len(candidates))
	}
	sorted := sortedCopy(candidates)
	start := p.next.Add(1) - 1

	out := make([]string, size)
	for i := range out {
		out[i] = sorted[(start+uint64(i))%uint64(len(sorted))]
	}
	return out, nil
}

// ReputationWeighted samples the committee without replacement with
// probability proportional to reputation, skipping banned validators.
type ReputationWeighted struct {
	Reputation *Reputation
}

// Select draws size eligible candidates using weighted random keys
// u^(1/w) derived from seed.
func (p *ReputationWeighted) Select(seed types.Hash, candidates []string, size int) ([]string, error) {
	eligible := make([]string, 0, len(candidates))
	for _, id := range sortedCopy(candidates) {
		if p.Reputation.Eligible(id) {
			eligible = append(eligible, id)
		}
	}
	if size <= 0 || size > len(eligible) {
		return nil, fmt.Errorf("%w: need %d of %d eligible", ErrCommitteeTooSmall, size, len(eligible))
	}

	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:8]))))
	type keyed struct {
		id  string
		key float64
	}
	keys := make([]keyed, len(eligible))
	for i, id := range eligible {
		u := rng.Float64()
		keys[i] = keyed{id: id, key: math.Pow(u, 1/p.Reputation.Score(id))}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].key > keys[j].key })

	out := make([]string, size)
	for i := range out {
		out[i] = keys[i].id
	}
	return out, nil
}
