// Package types defines the value types shared by the shielded pool engine,
// its storage backends and its network transport.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// HashSize is the size of a commitment, nullifier or Merkle root in bytes
	HashSize = 32

	// AddressSize is the size of a public payout address in bytes
	AddressSize = 20
)

// Hash is an opaque 32-byte value: a field element encoding for the
// SNARK-friendly hashers, a raw digest for the general-purpose one.
type Hash [HashSize]byte

// Address identifies a public account receiving a withdrawal payout
type Address [AddressSize]byte

// EmptyHash is the zero hash
var EmptyHash = Hash{}

// EmptyAddress is the zero address
var EmptyAddress = Address{}

// IsEmpty returns true if the hash is all zeros
func (h Hash) IsEmpty() bool {
	return h == EmptyHash
}

// Bytes returns the hash as a byte slice
func (h Hash) Bytes() []byte {
	return h[:]
}

// String returns the 0x-prefixed hex representation of the hash
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Short returns an abbreviated hex form for log lines
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// MarshalText implements encoding.TextMarshaler
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromBytes creates a Hash from a byte slice. Shorter input is
// left-padded with zeros; longer input is rejected.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) > HashSize {
		return h, fmt.Errorf("hash: %d bytes exceeds %d", len(b), HashSize)
	}
	copy(h[HashSize-len(b):], b)
	return h, nil
}

// MustHashFromBytes is HashFromBytes for inputs known to fit
func MustHashFromBytes(b []byte) Hash {
	h, err := HashFromBytes(b)
	if err != nil {
		panic(err)
	}
	return h
}

// HashFromHex parses a hex string with or without 0x prefix
func HashFromHex(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash: expected %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// String returns the 0x-prefixed hex representation of the address
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsEmpty returns true if the address is all zeros
func (a Address) IsEmpty() bool {
	return a == EmptyAddress
}

// MarshalText implements encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AddressFromHex parses a 20-byte hex address
func AddressFromHex(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: %w", err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address: expected %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}
