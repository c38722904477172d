package mssql

import (
	"sync"

	"github.com/wang-xuemin/go-tds/internal/aeutil"
)

// ReturnStatus is the integer a stored procedure call returns via RETURN,
// carried on a ReturnStatus token (§3).
type ReturnStatus int32

// Session is per-connection negotiated and mutable state: everything an
// EnvChange token can update, plus the fields the token stream and executor
// need to share across a request (§3 "Session state"). Each Conn owns
// exactly one Session, rather than the process keeping this as shared
// global state.
type Session struct {
	mu sync.Mutex

	buf *tdsBuffer
	log Logger

	logFlags logFlags

	tdsVersion uint32
	packetSize int
	collation  [5]byte

	database string
	language string
	partner  string

	tranid uint64

	routedServer string
	routedPort   uint16

	columns []ColumnMetadata

	returnStatus ReturnStatus

	alwaysEncrypted         bool
	alwaysEncryptedSettings *aeutil.Settings

	lobCap int64

	poisoned         bool
	poisonCause      error
	pendingReset     bool
	attentionPending bool

	stmtCache *stmtCache
}

func newSession(buf *tdsBuffer, log Logger, flags logFlags, lobCap int64) *Session {
	if lobCap <= 0 {
		lobCap = defaultLOBCap
	}
	return &Session{
		buf:       buf,
		log:       log,
		logFlags:  flags,
		lobCap:    lobCap,
		stmtCache: newStmtCache(defaultStmtCacheSize),
	}
}

// poison marks the session unusable; subsequent operations must check
// Poisoned() and fail fast with the stored cause (§5, §7).
func (s *Session) poison(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.poisoned {
		s.poisoned = true
		s.poisonCause = cause
	}
}

func (s *Session) Poisoned() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned, s.poisonCause
}

// markForReset arranges RESET_CONNECTION on the next outbound request and
// clears the statement cache, because the server invalidates every handle
// on reset (§4.5, §4.6, invariant 5).
func (s *Session) markForReset() {
	s.mu.Lock()
	s.pendingReset = true
	s.mu.Unlock()
	s.buf.markResetOnReturn()
	s.stmtCache.clear()
}

func (s *Session) setReturnStatus(rs ReturnStatus) { s.returnStatus = rs }

// setAttentionPending records whether an out-of-band Attention has been
// sent and is awaiting the server's cancellation confirmation (§4.4
// invariant 4, §5); tokenProcessor.handleCancellation sets and clears it
// around the confirmation wait.
func (s *Session) setAttentionPending(v bool) {
	s.mu.Lock()
	s.attentionPending = v
	s.mu.Unlock()
}

// AttentionPending reports whether a cancellation confirmation is
// currently outstanding on this session.
func (s *Session) AttentionPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attentionPending
}
