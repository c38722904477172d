package mssql

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Error is a server-originated error or informational message, decoded from
// an ERROR or INFO token. It carries everything SQL Server attaches to the
// token: message number, severity class, state, and the originating server,
// procedure and line when available.
//
// Error never embeds the SQL text that produced it; callers that want that
// context must keep it themselves.
type Error struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

func (e Error) Error() string {
	return fmt.Sprintf("mssql: %s (number=%d, severity=%d, state=%d)", e.Message, e.Number, e.Class, e.State)
}

// SeverityFatal is the class threshold at and above which a server Error
// poisons its connection (§4.4, §7).
const SeverityFatal uint8 = 20

// Fatal reports whether this error's severity is high enough to poison the
// connection that produced it.
func (e Error) Fatal() bool {
	return e.Class >= SeverityFatal
}

// Common SQL Server error numbers. The default transient set includes
// ErrDeadlockVictim and ErrDBNotAvailable; ErrLoginFailed is not in it.
const (
	ErrDeadlockVictim int32 = 1205
	ErrDBNotAvailable int32 = 4060
	ErrLoginFailed    int32 = 18456
)

// defaultTransientErrors seeds Config.TransientErrors. Kept as data (a plain
// map) rather than a hard-coded switch, per §9's open question: the
// transient set for a given server fleet (Azure SQL in particular) is
// empirical and operators are expected to extend it, not patch the driver.
func defaultTransientErrors() map[int32]bool {
	m := map[int32]bool{
		ErrDeadlockVictim: true,
		ErrDBNotAvailable: true,
	}
	// Azure SQL throttling / resource-governance errors, 409xx and 1092x.
	for n := int32(40900); n <= 40999; n++ {
		m[n] = true
	}
	for n := int32(10920); n <= 10929; n++ {
		m[n] = true
	}
	return m
}

// IsTransient reports whether err is a server Error the supplied transient
// set marks retryable at the pool level. A nil transient set falls back to
// the full defaultTransientErrors set, Azure ranges included.
func IsTransient(err error, transient map[int32]bool) bool {
	var sqlErr Error
	if !scanInto(err, &sqlErr) {
		return false
	}
	if transient == nil {
		transient = defaultTransientErrors()
	}
	return transient[sqlErr.Number]
}

// scanInto unwraps trace-wrapped errors looking for an Error value.
func scanInto(err error, out *Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if se, ok := err.(Error); ok {
			*out = se
			return true
		}
		if se, ok := err.(*Error); ok {
			*out = *se
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Protocol errors are non-retryable and poison the connection: malformed
// length, EOF mid-message, unknown token type, mismatched message types.
func protocolError(format string, args ...interface{}) error {
	return trace.Wrap(trace.BadParameter(format, args...), "tds protocol error")
}

// ioError wraps a transport read/write failure. Transient at the pool level.
func ioError(err error, context string) error {
	if err == nil {
		return nil
	}
	return trace.ConnectionProblem(err, "%s", context)
}

// configError signals bad connection configuration or an invalid identifier
// (e.g. a malformed savepoint name) that never reaches the server.
func configError(format string, args ...interface{}) error {
	return trace.BadParameter(format, args...)
}

// TimeoutKind distinguishes the four independently-tunable timeouts (§5).
type TimeoutKind int

const (
	TimeoutConnect TimeoutKind = iota
	TimeoutTLS
	TimeoutLogin
	TimeoutCommand
	TimeoutPoolCheckout
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutConnect:
		return "connect"
	case TimeoutTLS:
		return "tls"
	case TimeoutLogin:
		return "login"
	case TimeoutCommand:
		return "command"
	case TimeoutPoolCheckout:
		return "pool checkout"
	default:
		return "unknown"
	}
}

// TimeoutError is returned when one of the four governing waits in §5 (or
// the pool's independent checkout timeout) elapses.
type TimeoutError struct {
	Kind TimeoutKind
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("mssql: %s timed out", e.Kind)
}

// RoutingError is returned when a login response chains more than two
// consecutive EnvChange(Routing) redirects (§4.3).
type RoutingError struct {
	Hops int
}

func (e RoutingError) Error() string {
	return fmt.Sprintf("mssql: exceeded maximum routing redirects (%d)", e.Hops)
}

// PoolExhaustedError is returned by Acquire when no permit becomes available
// before the checkout timeout or context deadline.
type PoolExhaustedError struct{}

func (PoolExhaustedError) Error() string { return "mssql: connection pool exhausted" }

// poolTimeoutError wraps PoolExhaustedError with a trace message naming the
// pool-checkout timeout kind; it carries no TimeoutError value.
func poolTimeoutError() error {
	return trace.Wrap(PoolExhaustedError{}, "%s", TimeoutKind(TimeoutPoolCheckout))
}

// poolError signals a Pool-level condition that isn't a server error, such
// as Acquire being called after Close.
func poolError(format string, args ...interface{}) error {
	return trace.BadParameter(format, args...)
}

// CancelledError is surfaced to the caller of a request whose stream was
// interrupted by Cancel (§5). The connection is Ready again, not poisoned.
type CancelledError struct{}

func (CancelledError) Error() string { return "mssql: request was cancelled" }

// MisuseError is returned when a caller attempts a second concurrent
// operation on a connection that already has one in flight (§4.5).
type MisuseError struct{ Op string }

func (e MisuseError) Error() string {
	return fmt.Sprintf("mssql: protocol misuse: %s attempted while connection is busy", e.Op)
}

// PoisonedError wraps the cause that poisoned a connection; every later
// operation on that connection fails fast with this error.
type PoisonedError struct{ Cause error }

func (e PoisonedError) Error() string {
	return fmt.Sprintf("mssql: connection is poisoned: %v", e.Cause)
}

func (e PoisonedError) Unwrap() error { return e.Cause }
