package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/logging"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// WithdrawalChecker re-runs the withdrawal checks against local state.
// *pool.Engine implements it.
type WithdrawalChecker interface {
	CheckWithdrawal(ctx context.Context, req *types.ConsensusRequest) error
}

// Validator votes on consensus requests by checking them independently
type Validator struct {
	id      string
	checker WithdrawalChecker
	logger  *zap.Logger
}

// NewValidator creates a validator named id
func NewValidator(id string, checker WithdrawalChecker, logger *zap.Logger) *Validator {
	return &Validator{
		id:      id,
		checker: checker,
		logger:  logging.OrNop(logger).Named("validator").With(zap.String("id", id)),
	}
}

// ID returns the validator id
func (v *Validator) ID() string {
	return v.id
}

// HandleRequest checks req and returns the vote. A failed check is an
// invalid vote, not an error; only a cancelled context is an error.
func (v *Validator) HandleRequest(ctx context.Context, req *types.ConsensusRequest) (*types.Vote, error) {
	err := v.checker.CheckWithdrawal(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	vote := &types.Vote{
		RequestID:   req.RequestID,
		ValidatorID: v.id,
		Verdict:     types.VerdictValid,
		Timestamp:   common.Now(),
	}
	if err != nil {
		vote.Verdict = types.VerdictInvalid
		vote.Reason = err.Error()
		v.logger.Debug("voting invalid",
			zap.String("request", req.RequestID.String()),
			zap.Stringer("kind", common.KindOf(err)),
			zap.Error(err),
		)
	}
	return vote, nil
}
