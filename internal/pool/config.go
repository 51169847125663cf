// Package pool implements the shielded pool state machine: it validates
// deposits, transfers and withdrawals and applies each accepted one to the
// commitment tree and nullifier registry as a single unit.
package pool

import (
	"errors"
	"fmt"

	"github.com/ccoin/shieldpool/internal/custody"
	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/tree"
)

// Config holds engine configuration
type Config struct {
	// Depth is the commitment tree depth
	Depth int

	// HistorySize is the number of recent roots a spend may reference
	HistorySize int

	// Hash selects the family used for commitments, nullifiers and tree nodes
	Hash hashing.Family

	// Deposit bounds, inclusive
	MinDeposit uint64
	MaxDeposit uint64

	// Per-transaction input and output limits for transfers
	MaxInputs  int
	MaxOutputs int

	// RequireProofs rejects transfers and withdrawals without a verified proof
	RequireProofs bool

	// RequireConsensus holds withdrawals until the committee approves them
	RequireConsensus bool

	// RequireBalanceProof rejects transfers and withdrawals without a
	// homomorphic balance proof. An attached balance proof is always checked.
	RequireBalanceProof bool

	// Custody configures the fund movements of accepted transactions
	Custody *custody.Config
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Depth:         tree.DefaultDepth,
		HistorySize:   tree.DefaultHistorySize,
		Hash:          hashing.MiMC,
		MinDeposit:    1,
		MaxDeposit:    1 << 48,
		MaxInputs:     2,
		MaxOutputs:    2,
		RequireProofs: true,
		Custody:       custody.DefaultConfig(),
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Depth <= 0 || c.Depth > hashing.MaxDepth {
		return fmt.Errorf("depth %d out of range", c.Depth)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history size %d must be positive", c.HistorySize)
	}
	if c.MinDeposit > c.MaxDeposit {
		return fmt.Errorf("min deposit %d above max deposit %d", c.MinDeposit, c.MaxDeposit)
	}
	if c.MaxInputs < 1 || c.MaxOutputs < 1 {
		return errors.New("transfers need at least one input and one output slot")
	}
	if c.Custody != nil {
		if err := c.Custody.Split.Validate(); err != nil {
			return err
		}
	}
	return nil
}
