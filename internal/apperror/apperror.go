// Package apperror defines the harness's error-kind taxonomy, letting
// callers distinguish behavioral categories via errors.Is/errors.As while
// slog retains the full wrapped causal chain for logging.
package apperror

import "fmt"

// Kind is a behavioral error category.
type Kind string

const (
	AuthFailed            Kind = "auth_failed"
	JoinRejected          Kind = "join_rejected"
	RequestTimeout        Kind = "request_timeout"
	TransportFailure      Kind = "transport_failure"
	IntegrityFail         Kind = "integrity_fail"
	UnknownInboundRequest Kind = "unknown_inbound_request"
	NativeException       Kind = "native_exception"
	ParseError            Kind = "parse_error"
)

// Error wraps an underlying cause with a behavioral Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error target of the same Kind, so that
// errors.Is(err, apperror.Sentinel(apperror.RequestTimeout)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a zero-cause Error of kind, usable as an errors.Is target:
// errors.Is(err, apperror.Sentinel(apperror.RequestTimeout)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
