package mssql

import (
	"errors"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
)

func TestErrorFatalThreshold(t *testing.T) {
	assert.True(t, Error{Class: SeverityFatal}.Fatal())
	assert.True(t, Error{Class: SeverityFatal + 1}.Fatal())
	assert.False(t, Error{Class: SeverityFatal - 1}.Fatal())
}

func TestErrorErrorStringIncludesNumberAndSeverity(t *testing.T) {
	e := Error{Number: 547, Message: "constraint violation", Class: 16, State: 1}
	assert.Contains(t, e.Error(), "547")
	assert.Contains(t, e.Error(), "constraint violation")
}

func TestDefaultTransientErrorsIncludesKnownNumbers(t *testing.T) {
	m := defaultTransientErrors()
	assert.True(t, m[ErrDeadlockVictim])
	assert.True(t, m[ErrDBNotAvailable])
	assert.True(t, m[40901])
	assert.True(t, m[10925])
	assert.False(t, m[ErrLoginFailed])
}

func TestIsTransientMatchesKnownNumber(t *testing.T) {
	sqlErr := Error{Number: ErrDeadlockVictim}
	assert.True(t, IsTransient(sqlErr, nil))
}

func TestIsTransientFalseForNonSQLError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("boom"), nil))
}

func TestIsTransientRespectsCustomSet(t *testing.T) {
	sqlErr := Error{Number: 999}
	assert.False(t, IsTransient(sqlErr, nil))
	assert.True(t, IsTransient(sqlErr, map[int32]bool{999: true}))
}

func TestScanIntoUnwrapsTraceWrappedError(t *testing.T) {
	sqlErr := Error{Number: 42, Message: "deadlock"}
	wrapped := trace.Wrap(sqlErr, "query failed")

	var out Error
	assert.True(t, scanInto(wrapped, &out))
	assert.Equal(t, sqlErr, out)
}

func TestScanIntoFalseWhenNoErrorPresent(t *testing.T) {
	var out Error
	assert.False(t, scanInto(errors.New("plain"), &out))
}

func TestPoolTimeoutErrorWrapsPoolExhausted(t *testing.T) {
	err := poolTimeoutError()
	var out Error
	assert.False(t, scanInto(err, &out)) // not a server error
	assert.Contains(t, err.Error(), "pool checkout")
}

func TestPoolErrorIsBadParameter(t *testing.T) {
	err := poolError("pool is closed")
	assert.True(t, trace.IsBadParameter(err))
}

func TestPoisonedErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	pe := PoisonedError{Cause: cause}
	assert.Same(t, cause, errors.Unwrap(pe))
	assert.Contains(t, pe.Error(), "connection reset")
}

func TestMisuseErrorMessageNamesOperation(t *testing.T) {
	err := MisuseError{Op: "Query"}
	assert.Contains(t, err.Error(), "Query")
}

func TestTimeoutKindStringValues(t *testing.T) {
	assert.Equal(t, "connect", TimeoutConnect.String())
	assert.Equal(t, "pool checkout", TimeoutPoolCheckout.String())
	assert.Equal(t, "unknown", TimeoutKind(99).String())
}

func TestRoutingErrorReportsHopCount(t *testing.T) {
	err := RoutingError{Hops: 3}
	assert.Contains(t, err.Error(), "3")
}
