// Package custody turns accepted transactions into ordered fund movements.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Custody errors
var (
	ErrInvalidSplit      = errors.New("fee split does not sum to 10000 basis points")
	ErrUnknownKind       = errors.New("no custody plan for transaction kind")
	ErrInsufficientFunds = errors.New("insufficient vault funds")
	ErrUnknownAction     = errors.New("unknown custody action")
)

// BasisPoints is the denominator of a FeeSplit
const BasisPoints = 10_000

// ActionKind is the kind of one fund movement
type ActionKind uint8

const (
	// ActionCredit moves public funds from the depositor into the vault
	ActionCredit ActionKind = iota + 1

	// ActionPay moves funds out of the vault to an address
	ActionPay

	// ActionBurn removes funds from the vault permanently
	ActionBurn
)

// String returns the action name
func (k ActionKind) String() string {
	switch k {
	case ActionCredit:
		return "credit"
	case ActionPay:
		return "pay"
	case ActionBurn:
		return "burn"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is one fund movement
type Action struct {
	Kind   ActionKind
	Asset  uint64
	Amount uint64
	To     types.Address
}

// FeeSplit divides collected fees, in basis points
type FeeSplit struct {
	ValidatorBps uint32
	BurnBps      uint32
	TreasuryBps  uint32
}

// DefaultFeeSplit sends half of every fee to validators, burns 30% and
// keeps the rest in the treasury.
func DefaultFeeSplit() FeeSplit {
	return FeeSplit{
		ValidatorBps: 5000,
		BurnBps:      3000,
		TreasuryBps:  2000,
	}
}

// Validate checks that the shares cover the whole fee
func (s FeeSplit) Validate() error {
	if s.ValidatorBps+s.BurnBps+s.TreasuryBps != BasisPoints {
		return ErrInvalidSplit
	}
	return nil
}

// Split divides fee; the rounding remainder goes to the treasury
func (s FeeSplit) Split(fee uint64) (validators, burn, treasury uint64) {
	validators = mulBps(fee, s.ValidatorBps)
	burn = mulBps(fee, s.BurnBps)
	treasury = fee - validators - burn
	return
}

// mulBps returns v*bps/10000 without intermediate overflow
func mulBps(v uint64, bps uint32) uint64 {
	return v/BasisPoints*uint64(bps) + v%BasisPoints*uint64(bps)/BasisPoints
}

// Config holds custody configuration
type Config struct {
	Split FeeSplit

	// Treasury receives the treasury share of fees
	Treasury types.Address

	// Validators receives the validator share of fees for later distribution
	Validators types.Address
}

// DefaultConfig returns default custody configuration
func DefaultConfig() *Config {
	return &Config{Split: DefaultFeeSplit()}
}

// Plan lists the fund movements an accepted transaction requires, in the
// order they must execute.
func Plan(cfg *Config, tx *types.Transaction) ([]Action, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Split.Validate(); err != nil {
		return nil, err
	}

	var actions []Action
	switch tx.Kind {
	case types.TxDeposit:
		actions = append(actions, Action{Kind: ActionCredit, Asset: tx.Asset, Amount: tx.Amount})
	case types.TxTransfer:
	case types.TxWithdraw:
		actions = append(actions, Action{Kind: ActionPay, Asset: tx.Asset, Amount: tx.Amount, To: tx.Recipient})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, tx.Kind)
	}

	if tx.Fee == 0 {
		return actions, nil
	}
	validators, burn, treasury := cfg.Split.Split(tx.Fee)
	if validators > 0 {
		actions = append(actions, Action{Kind: ActionPay, Asset: tx.Asset, Amount: validators, To: cfg.Validators})
	}
	if burn > 0 {
		actions = append(actions, Action{Kind: ActionBurn, Asset: tx.Asset, Amount: burn})
	}
	if treasury > 0 {
		actions = append(actions, Action{Kind: ActionPay, Asset: tx.Asset, Amount: treasury, To: cfg.Treasury})
	}
	return actions, nil
}

// Executor performs the fund movements of one accepted transaction. It is
// called only after the transaction is durably committed.
type Executor interface {
	Execute(ctx context.Context, txHash types.Hash, actions []Action) error
}
