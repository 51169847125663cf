package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Record is one executed movement
type Record struct {
	TxHash types.Hash
	Action Action
}

// Vault is an in-memory custody executor holding per-asset pool balances
// and the public balances paid out of them.
type Vault struct {
	mu sync.RWMutex

	pool     map[uint64]*uint256.Int
	accounts map[types.Address]map[uint64]*uint256.Int
	burned   map[uint64]*uint256.Int
	history  []Record
}

// NewVault creates an empty vault
func NewVault() *Vault {
	return &Vault{
		pool:     make(map[uint64]*uint256.Int),
		accounts: make(map[types.Address]map[uint64]*uint256.Int),
		burned:   make(map[uint64]*uint256.Int),
	}
}

func balance(m map[uint64]*uint256.Int, asset uint64) *uint256.Int {
	b, ok := m[asset]
	if !ok {
		b = new(uint256.Int)
		m[asset] = b
	}
	return b
}

// Execute applies every action or none of them
func (v *Vault) Execute(ctx context.Context, txHash types.Hash, actions []Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	// dry run against copies of the pool balances
	pending := make(map[uint64]*uint256.Int)
	for _, a := range actions {
		b, ok := pending[a.Asset]
		if !ok {
			b = new(uint256.Int).Set(balance(v.pool, a.Asset))
			pending[a.Asset] = b
		}
		amount := uint256.NewInt(a.Amount)
		switch a.Kind {
		case ActionCredit:
			b.Add(b, amount)
		case ActionPay, ActionBurn:
			if b.Lt(amount) {
				return fmt.Errorf("%w: asset %d needs %d, holds %s", ErrInsufficientFunds, a.Asset, a.Amount, b.Dec())
			}
			b.Sub(b, amount)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownAction, a.Kind)
		}
	}

	for asset, b := range pending {
		v.pool[asset] = b
	}
	for _, a := range actions {
		amount := uint256.NewInt(a.Amount)
		switch a.Kind {
		case ActionPay:
			acct, ok := v.accounts[a.To]
			if !ok {
				acct = make(map[uint64]*uint256.Int)
				v.accounts[a.To] = acct
			}
			b := balance(acct, a.Asset)
			b.Add(b, amount)
		case ActionBurn:
			b := balance(v.burned, a.Asset)
			b.Add(b, amount)
		}
		v.history = append(v.history, Record{TxHash: txHash, Action: a})
	}
	return nil
}

// PoolBalance returns the funds the vault holds for asset
func (v *Vault) PoolBalance(asset uint64) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if b, ok := v.pool[asset]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Balance returns what has been paid to addr in asset
func (v *Vault) Balance(addr types.Address, asset uint64) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if acct, ok := v.accounts[addr]; ok {
		if b, ok := acct[asset]; ok {
			return new(uint256.Int).Set(b)
		}
	}
	return new(uint256.Int)
}

// Burned returns the total burned in asset
func (v *Vault) Burned(asset uint64) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if b, ok := v.burned[asset]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// History returns executed movements in order
func (v *Vault) History() []Record {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Record, len(v.history))
	copy(out, v.history)
	return out
}
