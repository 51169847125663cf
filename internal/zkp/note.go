// Package zkp implements the note commitment scheme and the Groth16 proof
// gate for shielded spends.
package zkp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Note errors
var (
	ErrInvalidNote  = errors.New("invalid note")
	ErrNoteEncoding = errors.New("malformed note encoding")
	ErrNotCanonical = errors.New("value is not a canonical field element")
)

// noteEncodingSize is the byte length of an encoded Note
const noteEncodingSize = 8 + 8 + types.HashSize + types.HashSize + 8 + 8

// Note is a private record of value. It never appears on the ledger; only
// its commitment does.
type Note struct {
	Value        uint64
	Asset        uint64
	Owner        types.Hash
	Randomness   types.Hash
	Denomination uint64
	Timestamp    uint64
}

// SpendingKey is the secret whose hash is a note's owner and which, combined
// with a commitment, yields the note's nullifier.
type SpendingKey struct {
	Secret types.Hash
}

// NewSpendingKey draws a random field-element secret
func NewSpendingKey() (*SpendingKey, error) {
	s, err := RandomField()
	if err != nil {
		return nil, err
	}
	return &SpendingKey{Secret: s}, nil
}

// Owner returns H(secret), the owner field of notes this key can spend
func (k *SpendingKey) Owner(h hashing.Hasher) types.Hash {
	return h.Hash(k.Secret)
}

// NewNote creates a note owned by owner with fresh randomness
func NewNote(value, asset uint64, owner types.Hash, denomination, timestamp uint64) (*Note, error) {
	r, err := RandomField()
	if err != nil {
		return nil, err
	}
	return &Note{
		Value:        value,
		Asset:        asset,
		Owner:        owner,
		Randomness:   r,
		Denomination: denomination,
		Timestamp:    timestamp,
	}, nil
}

// Commitment returns H(value, asset, owner, randomness, denomination, timestamp)
func (n *Note) Commitment(h hashing.Hasher) types.Hash {
	return h.Hash(
		hashing.Uint64(n.Value),
		hashing.Uint64(n.Asset),
		n.Owner,
		n.Randomness,
		hashing.Uint64(n.Denomination),
		hashing.Uint64(n.Timestamp),
	)
}

// Nullifier returns H(commitment, secret). The same note and key always
// yield the same nullifier.
func (n *Note) Nullifier(h hashing.Hasher, key *SpendingKey) types.Hash {
	return DeriveNullifier(h, n.Commitment(h), key)
}

// DeriveNullifier returns H(commitment, secret)
func DeriveNullifier(h hashing.Hasher, commitment types.Hash, key *SpendingKey) types.Hash {
	return h.Hash(commitment, key.Secret)
}

// Validate checks the field-element members are canonical for h
func (n *Note) Validate(h hashing.Hasher) error {
	if !h.Canonical(n.Owner) {
		return fmt.Errorf("%w: owner", ErrNotCanonical)
	}
	if !h.Canonical(n.Randomness) {
		return fmt.Errorf("%w: randomness", ErrNotCanonical)
	}
	return nil
}

// MarshalBinary encodes the note for encryption to its recipient
func (n *Note) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, noteEncodingSize)
	buf = binary.BigEndian.AppendUint64(buf, n.Value)
	buf = binary.BigEndian.AppendUint64(buf, n.Asset)
	buf = append(buf, n.Owner[:]...)
	buf = append(buf, n.Randomness[:]...)
	buf = binary.BigEndian.AppendUint64(buf, n.Denomination)
	buf = binary.BigEndian.AppendUint64(buf, n.Timestamp)
	return buf, nil
}

// UnmarshalBinary decodes a note produced by MarshalBinary
func (n *Note) UnmarshalBinary(data []byte) error {
	if len(data) != noteEncodingSize {
		return fmt.Errorf("%w: %d bytes", ErrNoteEncoding, len(data))
	}
	n.Value = binary.BigEndian.Uint64(data[0:8])
	n.Asset = binary.BigEndian.Uint64(data[8:16])
	copy(n.Owner[:], data[16:48])
	copy(n.Randomness[:], data[48:80])
	n.Denomination = binary.BigEndian.Uint64(data[80:88])
	n.Timestamp = binary.BigEndian.Uint64(data[88:96])
	return nil
}

// RandomField returns a uniformly random canonical BN254 scalar
func RandomField() (types.Hash, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return types.Hash{}, err
	}
	return hashing.FromElement(&e), nil
}
