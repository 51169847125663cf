package pool

import (
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"

	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// totalsEncodingSize is four 32-byte big-endian words
const totalsEncodingSize = 4 * 32

var maxShielded = new(uint256.Int).SetUint64(^uint64(0))

// Totals tracks the public value flows of the pool. At every sequence
// number Deposited - Fees - Withdrawn == Shielded.
type Totals struct {
	// Sum of all deposit amounts
	Deposited uint256.Int

	// Sum of all fees charged
	Fees uint256.Int

	// Sum of all public payouts
	Withdrawn uint256.Int

	// Value held in notes not yet spent
	Shielded uint256.Int
}

// Conserved reports whether the totals balance
func (t Totals) Conserved() bool {
	var out, sum uint256.Int
	out.Add(&t.Fees, &t.Withdrawn)
	if _, overflow := sum.AddOverflow(&out, &t.Shielded); overflow {
		return false
	}
	return sum.Eq(&t.Deposited)
}

// ShieldedUint64 returns the shielded supply; it never exceeds MaxUint64
func (t Totals) ShieldedUint64() uint64 {
	return t.Shielded.Uint64()
}

// apply returns the totals after tx without modifying t
func (t Totals) apply(tx *types.Transaction) (Totals, error) {
	next := t
	fee := uint256.NewInt(tx.Fee)

	switch tx.Kind {
	case types.TxDeposit:
		if tx.Fee > tx.Amount {
			return t, common.Errorf(common.KindArithmeticUnderflow, "fee %d exceeds deposit %d", tx.Fee, tx.Amount)
		}
		amount := uint256.NewInt(tx.Amount)
		net := uint256.NewInt(tx.Amount - tx.Fee)
		if _, overflow := next.Shielded.AddOverflow(&next.Shielded, net); overflow || next.Shielded.Gt(maxShielded) {
			return t, common.Errorf(common.KindArithmeticOverflow, "shielded supply would exceed %d", ^uint64(0))
		}
		if _, overflow := next.Deposited.AddOverflow(&next.Deposited, amount); overflow {
			return t, common.Errorf(common.KindArithmeticOverflow, "deposit total overflows")
		}

	case types.TxTransfer:
		if next.Shielded.Lt(fee) {
			return t, common.Errorf(common.KindInsufficientBalance, "fee %d exceeds shielded supply %s", tx.Fee, t.Shielded.Dec())
		}
		next.Shielded.Sub(&next.Shielded, fee)

	case types.TxWithdraw:
		out, carry := bits.Add64(tx.Amount, tx.Fee, 0)
		if carry != 0 {
			return t, common.Errorf(common.KindArithmeticOverflow, "amount %d plus fee %d overflows", tx.Amount, tx.Fee)
		}
		debit := uint256.NewInt(out)
		if next.Shielded.Lt(debit) {
			return t, common.Errorf(common.KindInsufficientBalance, "withdrawal of %d exceeds shielded supply %s", out, t.Shielded.Dec())
		}
		next.Shielded.Sub(&next.Shielded, debit)
		next.Withdrawn.Add(&next.Withdrawn, uint256.NewInt(tx.Amount))

	default:
		return t, common.Errorf(common.KindStructural, "unknown transaction kind %s", tx.Kind)
	}

	if _, overflow := next.Fees.AddOverflow(&next.Fees, fee); overflow {
		return t, common.Errorf(common.KindArithmeticOverflow, "fee total overflows")
	}
	return next, nil
}

// MarshalBinary encodes the totals as four 32-byte words
func (t *Totals) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, totalsEncodingSize)
	for _, v := range []*uint256.Int{&t.Deposited, &t.Fees, &t.Withdrawn, &t.Shielded} {
		word := v.Bytes32()
		buf = append(buf, word[:]...)
	}
	return buf, nil
}

// UnmarshalBinary decodes totals produced by MarshalBinary
func (t *Totals) UnmarshalBinary(data []byte) error {
	if len(data) != totalsEncodingSize {
		return fmt.Errorf("totals encoding is %d bytes, want %d", len(data), totalsEncodingSize)
	}
	var out Totals
	for i, v := range []*uint256.Int{&out.Deposited, &out.Fees, &out.Withdrawn, &out.Shielded} {
		v.SetBytes32(data[i*32 : (i+1)*32])
	}
	*t = out
	return nil
}
