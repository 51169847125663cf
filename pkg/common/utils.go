// Package common provides the rejection taxonomy and small helpers
// shared across the shielded pool.
package common

import (
	"encoding/hex"
	"time"
)

// HexToBytes converts a hex string, with or without 0x prefix, to bytes
func HexToBytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string with 0x prefix
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// Now returns the current Unix timestamp
func Now() uint64 {
	return uint64(time.Now().Unix())
}
