package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec errors
var (
	ErrTruncated     = errors.New("truncated encoding")
	ErrTrailingBytes = errors.New("trailing bytes after encoding")
	ErrFieldTooLarge = errors.New("encoded field exceeds limit")
	ErrBadMarker     = errors.New("invalid balance proof marker")
)

// maxFieldLen bounds any length-prefixed field of a decoded value
const maxFieldLen = 1 << 20

// MarshalBinary encodes the full transaction, including encrypted notes
// and the balance proof that ComputeHash leaves out.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, tx.Size()+64)

	buf = append(buf, byte(tx.Kind))
	buf = append(buf, tx.Root[:]...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Nullifiers)))
	for _, n := range tx.Nullifiers {
		buf = append(buf, n[:]...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, o := range tx.Outputs {
		buf = append(buf, o.Commitment[:]...)
		buf = appendBytes(buf, o.EncryptedNote)
	}

	buf = binary.BigEndian.AppendUint64(buf, tx.Amount)
	buf = binary.BigEndian.AppendUint64(buf, tx.Fee)
	buf = binary.BigEndian.AppendUint64(buf, tx.Asset)
	buf = append(buf, tx.Recipient[:]...)
	buf = appendBytes(buf, tx.Proof)

	buf = appendBalance(buf, tx.Balance)
	buf = appendBytes(buf, tx.Memo)
	buf = binary.BigEndian.AppendUint64(buf, tx.Timestamp)
	return buf, nil
}

// UnmarshalBinary decodes a transaction produced by MarshalBinary
func (tx *Transaction) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	var t Transaction

	t.Kind = TxKind(r.u8())
	t.Root = r.hash()

	n := r.count(HashSize)
	if n > 0 {
		t.Nullifiers = make([]Hash, n)
		for i := range t.Nullifiers {
			t.Nullifiers[i] = r.hash()
		}
	}

	n = r.count(HashSize + 4)
	if n > 0 {
		t.Outputs = make([]Output, n)
		for i := range t.Outputs {
			t.Outputs[i].Commitment = r.hash()
			t.Outputs[i].EncryptedNote = r.bytes()
		}
	}

	t.Amount = r.u64()
	t.Fee = r.u64()
	t.Asset = r.u64()
	copy(t.Recipient[:], r.take(AddressSize))
	t.Proof = r.bytes()

	t.Balance = r.balance()
	t.Memo = r.bytes()
	t.Timestamp = r.u64()

	if err := r.finish(); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	*tx = t
	return nil
}

// MarshalBinary encodes the consensus request for the wire
func (req *ConsensusRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 256+len(req.Proof))
	buf = append(buf, req.RequestID[:]...)
	buf = append(buf, req.Nullifier[:]...)
	buf = binary.BigEndian.AppendUint64(buf, req.Amount)
	buf = append(buf, req.Recipient[:]...)
	buf = appendBytes(buf, req.Proof)
	buf = binary.BigEndian.AppendUint64(buf, req.Fee)
	buf = binary.BigEndian.AppendUint64(buf, req.Timestamp)
	buf = append(buf, req.Root[:]...)
	buf = append(buf, req.Change[:]...)
	buf = binary.BigEndian.AppendUint64(buf, req.Asset)
	buf = appendBalance(buf, req.Balance)
	return buf, nil
}

// UnmarshalBinary decodes a request produced by MarshalBinary
func (req *ConsensusRequest) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	var out ConsensusRequest
	copy(out.RequestID[:], r.take(len(out.RequestID)))
	out.Nullifier = r.hash()
	out.Amount = r.u64()
	copy(out.Recipient[:], r.take(AddressSize))
	out.Proof = r.bytes()
	out.Fee = r.u64()
	out.Timestamp = r.u64()
	out.Root = r.hash()
	out.Change = r.hash()
	out.Asset = r.u64()
	out.Balance = r.balance()
	if err := r.finish(); err != nil {
		return fmt.Errorf("decode consensus request: %w", err)
	}
	*req = out
	return nil
}

// MarshalBinary encodes the vote for the wire
func (v *Vote) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64+len(v.ValidatorID)+len(v.Reason))
	buf = append(buf, v.RequestID[:]...)
	buf = appendBytes(buf, []byte(v.ValidatorID))
	buf = append(buf, byte(v.Verdict))
	buf = appendBytes(buf, []byte(v.Reason))
	buf = binary.BigEndian.AppendUint64(buf, v.Timestamp)
	return buf, nil
}

// UnmarshalBinary decodes a vote produced by MarshalBinary
func (v *Vote) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	var out Vote
	copy(out.RequestID[:], r.take(len(out.RequestID)))
	out.ValidatorID = string(r.bytes())
	out.Verdict = Verdict(r.u8())
	out.Reason = string(r.bytes())
	out.Timestamp = r.u64()
	if err := r.finish(); err != nil {
		return fmt.Errorf("decode vote: %w", err)
	}
	*v = out
	return nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// appendBalance writes a presence marker followed by the proof, if any
func appendBalance(buf []byte, bp *BalanceProof) []byte {
	if bp == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = appendByteSlices(buf, bp.Inputs)
	buf = appendByteSlices(buf, bp.Outputs)
	return append(buf, bp.Excess[:]...)
}

func appendByteSlices(buf []byte, bs [][]byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(bs)))
	for _, b := range bs {
		buf = appendBytes(buf, b)
	}
	return buf
}

// reader consumes a byte slice and remembers the first error
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrTruncated
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	return r.take(1)[0]
}

func (r *reader) u32() uint32 {
	return binary.BigEndian.Uint32(r.take(4))
}

func (r *reader) u64() uint64 {
	return binary.BigEndian.Uint64(r.take(8))
}

func (r *reader) hash() Hash {
	var h Hash
	copy(h[:], r.take(HashSize))
	return h
}

// count reads an element count and rejects one that cannot fit in the
// remaining input given each element's minimum size.
func (r *reader) count(minSize int) int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if n > maxFieldLen || int(n)*minSize > len(r.buf)-r.off {
		r.err = ErrFieldTooLarge
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.count(1)
	if r.err != nil || n == 0 {
		return nil
	}
	b := r.take(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) byteSlices() [][]byte {
	n := r.count(4)
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = r.bytes()
	}
	return out
}

func (r *reader) balance() *BalanceProof {
	switch r.u8() {
	case 0:
		return nil
	case 1:
		return &BalanceProof{
			Inputs:  r.byteSlices(),
			Outputs: r.byteSlices(),
			Excess:  r.hash(),
		}
	default:
		if r.err == nil {
			r.err = ErrBadMarker
		}
		return nil
	}
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}
