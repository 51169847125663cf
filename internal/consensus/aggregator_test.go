package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

func validatorIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("v%02d", i)
	}
	return ids
}

func testRequest() *types.ConsensusRequest {
	return &types.ConsensusRequest{
		RequestID: types.RequestID(uuid.New()),
		Nullifier: types.Hash{1},
		Amount:    100,
		Recipient: types.Address{9},
		Fee:       1,
		Timestamp: common.Now(),
	}
}

func newAggregator(t *testing.T, mutate ...func(*Config)) *Aggregator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Validators = validatorIDs(10)
	for _, m := range mutate {
		m(cfg)
	}
	a, err := NewAggregator(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func vote(req *types.ConsensusRequest, id string, verdict types.Verdict) *types.Vote {
	return &types.Vote{RequestID: req.RequestID, ValidatorID: id, Verdict: verdict, Timestamp: common.Now()}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for _, c := range []Config{
		{Committee: 0, Quorum: 0, Deadline: time.Second},
		{Committee: 10, Quorum: 5, Deadline: time.Second},
		{Committee: 10, Quorum: 11, Deadline: time.Second},
		{Committee: 10, Quorum: 7},
	} {
		assert.Error(t, c.Validate(), "%+v", c)
	}

	_, err := NewAggregator(&Config{Committee: 4, Quorum: 2, Deadline: time.Second}, Options{})
	assert.Error(t, err)
}

func TestNineValidOneInvalidApproves(t *testing.T) {
	a := newAggregator(t)
	req := testRequest()
	committee, err := a.Open(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, committee, 10)

	_, err = a.SubmitVote(vote(req, committee[0], types.VerdictInvalid))
	require.NoError(t, err)
	for i, id := range committee[1:7] {
		status, err := a.SubmitVote(vote(req, id, types.VerdictValid))
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, status, "vote %d", i)
	}

	// the seventh valid vote decides the round at once
	status, err := a.SubmitVote(vote(req, committee[7], types.VerdictValid))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	// the remaining votes arrive late and are dropped
	status, err = a.SubmitVote(vote(req, committee[8], types.VerdictValid))
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, StatusApproved, status)

	res, err := a.Wait(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 7, res.Valid)
	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, 0, a.Pending())
}

func TestFourInvalidRejects(t *testing.T) {
	a := newAggregator(t)
	req := testRequest()
	committee, err := a.Open(context.Background(), req)
	require.NoError(t, err)

	for _, id := range committee[:3] {
		status, err := a.SubmitVote(&types.Vote{RequestID: req.RequestID, ValidatorID: id, Verdict: types.VerdictInvalid, Reason: "unknown root"})
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, status)
	}
	status, err := a.SubmitVote(vote(req, committee[3], types.VerdictInvalid))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)

	res, ok := a.Status(req.RequestID)
	require.True(t, ok)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "unknown root", res.Reasons[committee[0]])
}

func TestOutcomeIndependentOfVoteOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 20; trial++ {
		a := newAggregator(t)
		req := testRequest()
		committee, err := a.Open(context.Background(), req)
		require.NoError(t, err)

		// 7 valid and 3 invalid, shuffled
		verdicts := make(map[string]types.Verdict, len(committee))
		for i, id := range committee {
			verdicts[id] = types.VerdictValid
			if i >= 7 {
				verdicts[id] = types.VerdictInvalid
			}
		}
		order := append([]string(nil), committee...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		valid := 0
		for _, id := range order {
			status, err := a.SubmitVote(vote(req, id, verdicts[id]))
			if verdicts[id] == types.VerdictValid {
				valid++
			}
			if valid == 7 {
				require.NoError(t, err)
				assert.Equal(t, StatusApproved, status)
				break
			}
			require.NoError(t, err)
			assert.Equal(t, StatusOpen, status)
		}
	}
}

func TestDuplicateAndForeignVotes(t *testing.T) {
	a := newAggregator(t, func(c *Config) {
		c.Validators = validatorIDs(12)
	})
	req := testRequest()
	committee, err := a.Open(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		status, err := a.SubmitVote(vote(req, committee[0], types.VerdictValid))
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, status)
	}
	res, _ := a.Status(req.RequestID)
	assert.Equal(t, 1, res.Valid)

	// a changed verdict from the same validator is still a duplicate
	_, err = a.SubmitVote(vote(req, committee[0], types.VerdictInvalid))
	require.NoError(t, err)
	res, _ = a.Status(req.RequestID)
	assert.Equal(t, 0, res.Invalid)

	inCommittee := make(map[string]bool)
	for _, id := range committee {
		inCommittee[id] = true
	}
	for _, id := range validatorIDs(12) {
		if !inCommittee[id] {
			_, err = a.SubmitVote(vote(req, id, types.VerdictValid))
			assert.ErrorIs(t, err, ErrNotInCommittee)
		}
	}
	_, err = a.SubmitVote(vote(req, "stranger", types.VerdictValid))
	assert.ErrorIs(t, err, ErrNotInCommittee)

	_, err = a.SubmitVote(&types.Vote{RequestID: req.RequestID, ValidatorID: committee[1]})
	assert.ErrorIs(t, err, ErrInvalidVote)

	_, err = a.SubmitVote(vote(testRequest(), committee[1], types.VerdictValid))
	assert.ErrorIs(t, err, ErrUnknownRequest)

	_, err = a.Open(context.Background(), req)
	assert.ErrorIs(t, err, ErrRoundExists)
}

func TestDeadlineIsInconclusive(t *testing.T) {
	a := newAggregator(t, func(c *Config) { c.Deadline = 50 * time.Millisecond })
	req := testRequest()
	committee, err := a.Open(context.Background(), req)
	require.NoError(t, err)

	for _, id := range committee[:6] {
		_, err := a.SubmitVote(vote(req, id, types.VerdictValid))
		require.NoError(t, err)
	}

	res, err := a.Wait(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusInconclusive, res.Status)
	assert.Equal(t, 6, res.Valid)

	_, err = a.SubmitVote(vote(req, committee[6], types.VerdictValid))
	assert.ErrorIs(t, err, ErrUnknownRequest)

	// silent members lose reputation, voters do not
	silent, ok := a.Reputation().Get(committee[9])
	require.True(t, ok)
	assert.Equal(t, uint64(1), silent.Missed)
	assert.InDelta(t, InitialReputation-OfflinePenalty, silent.Score, 1e-9)
	voter, _ := a.Reputation().Get(committee[0])
	assert.InDelta(t, InitialReputation, voter.Score, 1e-9)
}

func TestWaitHonoursContext(t *testing.T) {
	a := newAggregator(t)
	req := testRequest()
	_, err := a.Open(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Wait(ctx, req.RequestID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = a.Wait(context.Background(), testRequest().RequestID)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestCloseDecidesOpenRounds(t *testing.T) {
	a := newAggregator(t)
	req := testRequest()
	_, err := a.Open(context.Background(), req)
	require.NoError(t, err)

	a.Close()
	res, err := a.Wait(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusInconclusive, res.Status)
}

// scriptedValidator votes a fixed verdict
type scriptedValidator struct {
	id      string
	verdict types.Verdict
}

func (v *scriptedValidator) HandleRequest(_ context.Context, req *types.ConsensusRequest) (*types.Vote, error) {
	return &types.Vote{RequestID: req.RequestID, ValidatorID: v.id, Verdict: v.verdict, Reason: "scripted"}, nil
}

func TestApproveMapsOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		invalid int
		offline int
		want    error
	}{
		{"approved", 3, 0, nil},
		{"rejected", 4, 0, common.ErrConsensusRejected},
		{"timeout", 0, 4, common.ErrConsensusTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewLocalBroadcaster()
			cfg := DefaultConfig()
			cfg.Validators = validatorIDs(10)
			cfg.Deadline = 100 * time.Millisecond
			a, err := NewAggregator(cfg, Options{Broadcaster: b})
			require.NoError(t, err)
			defer a.Close()
			b.Connect(a)

			for i, id := range cfg.Validators {
				switch {
				case i < tc.offline:
				case i < tc.offline+tc.invalid:
					b.Register(id, &scriptedValidator{id: id, verdict: types.VerdictInvalid})
				default:
					b.Register(id, &scriptedValidator{id: id, verdict: types.VerdictValid})
				}
			}

			err = a.Approve(context.Background(), testRequest())
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

type failingBroadcaster struct{}

func (failingBroadcaster) BroadcastRequest(context.Context, *types.ConsensusRequest, []string) error {
	return errors.New("no peers")
}

func (failingBroadcaster) BroadcastVote(context.Context, *types.Vote) error { return nil }

func TestBroadcastFailureClosesRound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Validators = validatorIDs(10)
	a, err := NewAggregator(cfg, Options{Broadcaster: failingBroadcaster{}})
	require.NoError(t, err)

	req := testRequest()
	_, err = a.Open(context.Background(), req)
	require.Error(t, err)
	res, ok := a.Status(req.RequestID)
	require.True(t, ok)
	assert.Equal(t, StatusInconclusive, res.Status)
	assert.Equal(t, 0, a.Pending())

	err = a.Approve(context.Background(), testRequest())
	assert.True(t, errors.Is(err, common.ErrConsensusTimeout))
}

func TestCommitteeTooSmall(t *testing.T) {
	a := newAggregator(t, func(c *Config) { c.Validators = validatorIDs(9) })
	_, err := a.Open(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrCommitteeTooSmall)
}
