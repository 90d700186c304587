// Package kerrors defines the kernel's closed error taxonomy. Components
// convert low-level failures into a *kerrors.Error so callers anywhere in
// the kernel can classify a failure by Kind without importing the
// component that produced it.
package kerrors

import "fmt"

// Kind enumerates the error taxonomy from the kernel's error handling design.
// Kind is a closed set: new kinds require a code change here and a matching
// test, never ad-hoc string errors.
type Kind string

const (
	// Routing kinds.
	NoReadyPage Kind = "no_ready_page"
	StaleRoute  Kind = "stale_route"

	// Action kinds.
	NavTimeout          Kind = "nav_timeout"
	WaitTimeout         Kind = "wait_timeout"
	NotClickable        Kind = "not_clickable"
	NotEnabled          Kind = "not_enabled"
	OptionNotFound      Kind = "option_not_found"
	AnchorNotFound      Kind = "anchor_not_found"
	ScrollTargetInvalid Kind = "scroll_target_invalid"
	Interrupted         Kind = "interrupted"

	// Transport kinds.
	CdpIO         Kind = "cdp_io"
	Protocol      Kind = "protocol"
	TransportDown Kind = "transport_down"

	// Scheduler kinds.
	ServerBusy     Kind = "server_busy"
	DeadlineExceed Kind = "deadline_exceeded"
	Cancelled      Kind = "cancelled"

	// Policy kinds.
	PolicyDenied Kind = "policy_denied"
	RateLimited  Kind = "rate_limited"

	// Locator/Gate kinds.
	LocatorExhausted Kind = "locator_exhausted"
	GateFailed       Kind = "gate_failed"

	// Internal is the bug-class catch-all: always alert.
	Internal Kind = "internal"
)

// retryableByDefault records which kinds are retryable absent an explicit
// override at construction time. Transport hiccups and scheduler admission
// pressure are retryable; everything the caller must act on is not.
var retryableByDefault = map[Kind]bool{
	TransportDown: true,
	ServerBusy:    true,
}

// Error is the kernel's structured error type. It preserves a cause chain
// (for errors.Is/errors.As) while carrying a closed Kind, a retryability
// flag, and an operator/agent-facing hint, matching the propagation rule in
// spec.md §7: primitives convert low-level errors to Action kinds, and
// every kind knows whether retrying makes sense.
type Error struct {
	Kind      Kind
	Retryable bool
	Hint      string
	Cause     error
}

// New constructs an Error of the given kind with a human-facing hint. The
// retryable flag defaults from retryableByDefault unless overridden with
// WithRetryable.
func New(kind Kind, hint string) *Error {
	return &Error{Kind: kind, Hint: hint, Retryable: retryableByDefault[kind]}
}

// Wrap constructs an Error of the given kind that chains cause via Unwrap.
func Wrap(kind Kind, hint string, cause error) *Error {
	e := New(kind, hint)
	e.Cause = cause
	return e
}

// WithRetryable returns e with Retryable overridden. It mutates and returns
// the receiver so call sites can chain construction:
// kerrors.New(kerrors.CdpIO, "retry later").WithRetryable(true).
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Hint, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Hint)
}

// Unwrap supports errors.Is/errors.As against the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *kerrors.Error with the same Kind. This
// lets call sites write errors.Is(err, kerrors.New(kerrors.StaleRoute, ""))
// or, more idiomatically, kerrors.Has(err, kerrors.StaleRoute).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Has reports whether err is, or wraps, a *kerrors.Error of the given kind.
func Has(err error, kind Kind) bool {
	var ke *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ke = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return ke != nil && ke.Kind == kind
}

// KindOf returns the Kind of err if it is, or wraps, a *kerrors.Error, and
// ok=true. Otherwise it returns (Internal, false).
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Internal, false
		}
		err = u.Unwrap()
	}
	return Internal, false
}
