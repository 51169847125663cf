package consensus

import (
	"fmt"
	"time"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Status is the state of one consensus round
type Status uint8

const (
	// StatusOpen accepts votes
	StatusOpen Status = iota

	// StatusApproved means valid votes reached the quorum
	StatusApproved

	// StatusRejected means the quorum can no longer be reached
	StatusRejected

	// StatusInconclusive means the deadline passed first; treated as a reject
	StatusInconclusive
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusInconclusive:
		return "inconclusive"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further vote can change s
func (s Status) Terminal() bool {
	return s != StatusOpen
}

// Result summarizes a round
type Result struct {
	RequestID types.RequestID
	Digest    types.Hash
	Status    Status
	Committee []string

	Valid   int
	Invalid int

	// Reasons are the reasons given with invalid votes, by validator
	Reasons map[string]string
}

// round is the mutable state of one open request. It is guarded by the
// aggregator lock.
type round struct {
	req       *types.ConsensusRequest
	digest    types.Hash
	members   []string
	committee map[string]struct{}
	quorum    int

	votes   map[string]*types.Vote
	valid   int
	invalid int

	status Status
	opened time.Time
	timer  *time.Timer
	final  *Result
	done   chan struct{}
}

func newRound(req *types.ConsensusRequest, digest types.Hash, members []string, quorum int) *round {
	committee := make(map[string]struct{}, len(members))
	for _, id := range members {
		committee[id] = struct{}{}
	}
	return &round{
		req:       req,
		digest:    digest,
		members:   members,
		committee: committee,
		quorum:    quorum,
		votes:     make(map[string]*types.Vote, len(members)),
		opened:    time.Now(),
		done:      make(chan struct{}),
	}
}

// record counts v and reports whether it was new
func (r *round) record(v *types.Vote) bool {
	if _, dup := r.votes[v.ValidatorID]; dup {
		return false
	}
	r.votes[v.ValidatorID] = v
	if v.Verdict == types.VerdictValid {
		r.valid++
	} else {
		r.invalid++
	}
	return true
}

// evaluate returns the status implied by the current tally. Approval needs
// quorum valid votes; rejection follows once more than T-Q members have
// voted invalid.
func (r *round) evaluate() Status {
	switch {
	case r.valid >= r.quorum:
		return StatusApproved
	case r.invalid > len(r.members)-r.quorum:
		return StatusRejected
	default:
		return StatusOpen
	}
}

func (r *round) snapshot(status Status) *Result {
	res := &Result{
		RequestID: r.req.RequestID,
		Digest:    r.digest,
		Status:    status,
		Committee: append([]string(nil), r.members...),
		Valid:     r.valid,
		Invalid:   r.invalid,
		Reasons:   make(map[string]string),
	}
	for id, v := range r.votes {
		if v.Verdict == types.VerdictInvalid {
			res.Reasons[id] = v.Reason
		}
	}
	return res
}
