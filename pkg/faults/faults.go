// Package faults defines the stable error kinds shared by the payout core.
// Kinds are string-based so API layers can map a rejection to an actionable
// code without parsing free text.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindNotFound           Kind = "NOT_FOUND"
	KindAlreadyFinalized   Kind = "ALREADY_FINALIZED"
	KindNotCommitter       Kind = "NOT_COMMITTER"
	KindNotAuthorized      Kind = "NOT_AUTHORIZED"
	KindExpired            Kind = "EXPIRED"
	KindRevoked            Kind = "REVOKED"
	KindLimitExceeded      Kind = "LIMIT_EXCEEDED"
	KindInsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	KindSettlementFailed   Kind = "SETTLEMENT_FAILED"
	KindDuplicateOperation Kind = "DUPLICATE_OPERATION"
	KindUnknown            Kind = "UNKNOWN"
)

// Error carries a kind plus a human-readable message. All state-machine
// rejections in this repository are *Error values.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
