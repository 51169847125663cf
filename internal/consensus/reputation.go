package consensus

import (
	"sort"
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Constants for the reputation system
const (
	// EWMA weight of the newest observation
	EWMAAlpha = 0.1

	// Reputation bounds
	MinReputation     = 0.1
	MaxReputation     = 3.0
	InitialReputation = 1.0

	// OfflinePenalty is subtracted when a committee member does not vote
	OfflinePenalty = 0.05

	// BanThreshold excludes validators below it from weighted selection
	BanThreshold = 0.3

	// agreeQuality and disagreeQuality are the observations fed into the
	// average for a vote that matched, or contradicted, the final outcome
	agreeQuality    = 2.0
	disagreeQuality = 0.0
)

// Record holds the reputation state of one validator
type Record struct {
	ID string

	// Current reputation score (EWMA)
	Score float64

	// Historical data
	Rounds    uint64
	Agreed    uint64
	Disagreed uint64
	Missed    uint64
}

// Reputation tracks how often each validator's vote agrees with the
// decided outcome of a round.
type Reputation struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewReputation creates an empty reputation table
func NewReputation() *Reputation {
	return &Reputation{records: make(map[string]*Record)}
}

func (r *Reputation) getOrCreate(id string) *Record {
	rec, ok := r.records[id]
	if !ok {
		rec = &Record{ID: id, Score: InitialReputation}
		r.records[id] = rec
	}
	return rec
}

// Score returns the reputation of id; unknown validators start at the
// initial reputation.
func (r *Reputation) Score(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return rec.Score
	}
	return InitialReputation
}

// Eligible reports whether id may be selected into a committee
func (r *Reputation) Eligible(id string) bool {
	return r.Score(id) >= BanThreshold
}

// Get returns a copy of the record of id
func (r *Reputation) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Observe updates committee members after a decided round. Inconclusive
// rounds only count missed votes since there is no outcome to agree with.
func (r *Reputation) Observe(committee []string, votes map[string]*types.Vote, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range committee {
		rec := r.getOrCreate(id)
		rec.Rounds++

		v, voted := votes[id]
		if !voted {
			rec.Missed++
			rec.Score = clamp(rec.Score-OfflinePenalty, MinReputation, MaxReputation)
			continue
		}
		if status == StatusInconclusive {
			continue
		}

		agreed := (v.Verdict == types.VerdictValid) == (status == StatusApproved)
		quality := disagreeQuality
		if agreed {
			rec.Agreed++
			quality = agreeQuality
		} else {
			rec.Disagreed++
		}
		rec.Score = clamp(ewma(rec.Score, quality), MinReputation, MaxReputation)
	}
}

// Top returns up to limit records sorted by score, highest first
func (r *Reputation) Top(limit int) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ewma computes the exponentially weighted moving average
func ewma(current, value float64) float64 {
	return EWMAAlpha*value + (1-EWMAAlpha)*current
}

// clamp clamps a value between min and max
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
