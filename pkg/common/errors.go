package common

import (
	"errors"
	"fmt"
)

// Kind classifies why the engine rejected a request
type Kind uint8

const (
	// KindInternal covers errors outside the rejection taxonomy
	KindInternal Kind = iota
	KindStructural
	KindDoubleSpend
	KindUnknownRoot
	KindProofInvalid
	KindArithmeticOverflow
	KindArithmeticUnderflow
	KindInsufficientBalance
	KindCapacityExceeded
	KindConsensusTimeout
	KindConsensusRejected
	KindHalted
)

var kindNames = map[Kind]string{
	KindInternal:            "Internal",
	KindStructural:          "StructuralError",
	KindDoubleSpend:         "DoubleSpend",
	KindUnknownRoot:         "UnknownRoot",
	KindProofInvalid:        "ProofInvalid",
	KindArithmeticOverflow:  "ArithmeticOverflow",
	KindArithmeticUnderflow: "ArithmeticUnderflow",
	KindInsufficientBalance: "InsufficientBalance",
	KindCapacityExceeded:    "CapacityExceeded",
	KindConsensusTimeout:    "ConsensusTimeout",
	KindConsensusRejected:   "ConsensusRejected",
	KindHalted:              "Halted",
}

// String returns the taxonomy name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Sentinels for errors.Is matching against a kind
var (
	ErrStructural          = &Error{Kind: KindStructural}
	ErrDoubleSpend         = &Error{Kind: KindDoubleSpend}
	ErrUnknownRoot         = &Error{Kind: KindUnknownRoot}
	ErrProofInvalid        = &Error{Kind: KindProofInvalid}
	ErrArithmeticOverflow  = &Error{Kind: KindArithmeticOverflow}
	ErrArithmeticUnderflow = &Error{Kind: KindArithmeticUnderflow}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrCapacityExceeded    = &Error{Kind: KindCapacityExceeded}
	ErrConsensusTimeout    = &Error{Kind: KindConsensusTimeout}
	ErrConsensusRejected   = &Error{Kind: KindConsensusRejected}
	ErrHalted              = &Error{Kind: KindHalted}
)

// Error is a rejection carrying its taxonomy kind and a human-readable reason
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// Errorf creates a rejection of the given kind
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates a rejection of the given kind around a cause
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Reason
	case e.Reason == "":
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String() + ": " + e.Reason + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can compare against
// the package sentinels regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the taxonomy kind of err, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
