package transport

import (
	"fmt"

	"github.com/soulbrowser/kernel/internal/kerrors"
)

// Error is the structured error every Port implementation must return for a
// failed SendCommand/SubscribeEvents/Health call, mirroring the teacher's
// rpcError-to-public-error conversion in runtime/a2a/httpclient.
type Error struct {
	Kind    Kind
	Method  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s (%s): %s", e.Kind, e.Method, e.Message)
}

// ToKerror converts a transport Error into the kernel's closed taxonomy.
// Only TransportDown is retryable by default, per spec.md §3.
func (e *Error) ToKerror() *kerrors.Error {
	switch e.Kind {
	case KindTimeout:
		return kerrors.New(kerrors.NavTimeout, e.Message)
	case KindStaleTarget:
		return kerrors.New(kerrors.StaleRoute, e.Message)
	case KindTransportDown:
		return kerrors.New(kerrors.TransportDown, e.Message).WithRetryable(true)
	default:
		return kerrors.New(kerrors.Protocol, e.Message)
	}
}

// NewError constructs a classified transport Error.
func NewError(kind Kind, method, message string) *Error {
	return &Error{Kind: kind, Method: method, Message: message}
}
