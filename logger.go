package mssql

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal sink the driver writes diagnostics to. Any type with
// a Printf method satisfies it, which is deliberately the same shape
// sess.log.Printf(...) calls throughout this package already assume.
type Logger interface {
	Printf(format string, v ...interface{})
}

// logFlags gates which categories of diagnostic the driver emits via a
// bitmask (logErrors, logDebug, logRows, logMessages, logTransaction).
// Most deployments only want logErrors.
type logFlags uint64

const (
	logErrors logFlags = 1 << iota
	logMessages
	logRows
	logSQL
	logParams
	logTransaction
	logDebug
	logRetries
)

// defaultLogger wraps the standard library logger so a Session always has
// somewhere to write even when the caller supplies nothing.
var defaultLogger Logger = log.New(os.Stderr, "mssql: ", log.LstdFlags)

// LogrusLogger adapts a *logrus.Logger (or *logrus.Entry) to the Logger
// interface. logrus is already part of this corpus's dependency stack for
// structured network-tool logging; callers who want leveled/structured
// driver diagnostics instead of the bare stdlib logger can plug this in.
type LogrusLogger struct {
	Entry *logrus.Entry
}

// NewLogrusLogger builds a LogrusLogger from a *logrus.Logger, tagging every
// line with component=mssql so driver output is easy to filter out of a
// larger application's structured logs.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusLogger{Entry: l.WithField("component", "mssql")}
}

func (l *LogrusLogger) Printf(format string, v ...interface{}) {
	l.Entry.Infof(format, v...)
}
