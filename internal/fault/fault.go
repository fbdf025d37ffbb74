// Package fault defines the bridge error taxonomy. Every surfaced error names
// what failed, why, and (where one exists) a concrete next step for the caller.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind string

const (
	// MalformedFrame: a wire frame failed schema validation. The frame is
	// dropped and logged; the connection stays open.
	MalformedFrame Kind = "malformed_frame"
	// Timeout: a pending request passed its deadline.
	Timeout Kind = "timeout"
	// LinkUnavailable: the extension link is not connected; fail-fast, no queuing.
	LinkUnavailable Kind = "link_unavailable"
	// PeerGone: the owning peer disconnected while the request was in flight.
	PeerGone Kind = "peer_gone"
	// LinkLost: the extension link dropped while the request was in flight.
	LinkLost Kind = "link_lost"
	// Conflict: the tab is owned by a different peer.
	Conflict Kind = "conflict"
	// HandshakeFailed: connect/hello exchange did not complete in time.
	HandshakeFailed Kind = "handshake_failed"
)

// Error is a classified bridge failure.
type Error struct {
	Kind Kind
	Msg  string // what failed and why
	Next string // concrete next step, may be empty
}

func (e *Error) Error() string {
	if e.Next != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Next)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithNext attaches a next-step hint and returns the error.
func (e *Error) WithNext(next string) *Error {
	e.Next = next
	return e
}

// KindOf returns the Kind of err, or "" if err is not a bridge fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is a bridge fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
