package mssql

import (
	"context"
	"fmt"
	"sync"
)

// requestState names the per-request lifecycle the spec calls out as a
// testable property (§4.4, §8): Sending, AwaitingResponse,
// ProcessingMetadata, StreamingRows, Draining, Done, Poisoned.
type requestState int

const (
	stateIdle requestState = iota
	stateSending
	stateAwaitingResponse
	stateProcessingMetadata
	stateStreamingRows
	stateDraining
	stateDone
	statePoisoned
)

func (s requestState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateSending:
		return "Sending"
	case stateAwaitingResponse:
		return "AwaitingResponse"
	case stateProcessingMetadata:
		return "ProcessingMetadata"
	case stateStreamingRows:
		return "StreamingRows"
	case stateDraining:
		return "Draining"
	case stateDone:
		return "Done"
	case statePoisoned:
		return "Poisoned"
	default:
		return "Unknown"
	}
}

// Executor drives one connection's request lifecycle: at most one request
// in flight at a time (§4.4, §4.5 busy-marking). The tokenProcessor reading
// the current response calls back into setState (via its notify field) as
// it classifies each token, so Rows pulling directly from that same
// tokenProcessor keeps the state machine accurate without Rows needing any
// state-transition logic of its own.
type Executor struct {
	mu         sync.Mutex
	sess       *Session
	state      requestState
	proc       *tokenProcessor
	cancelFunc context.CancelFunc
}

// NewExecutor wraps a freshly-handshaken Session.
func NewExecutor(sess *Session) *Executor {
	return &Executor{sess: sess, state: stateIdle}
}

func (e *Executor) State() requestState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// begin transitions Idle/Done -> Sending, failing with MisuseError if a
// request is already in flight and with PoisonedError if the session is
// unusable (§4.4, §4.5, §7).
func (e *Executor) begin(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if poisoned, cause := e.sess.Poisoned(); poisoned {
		e.state = statePoisoned
		return PoisonedError{Cause: cause}
	}
	if e.state != stateIdle && e.state != stateDone {
		return MisuseError{Op: op}
	}
	e.state = stateSending
	return nil
}

func (e *Executor) setState(s requestState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// send writes a request message, advancing Sending -> AwaitingResponse, and
// starts the background token reader. The caller's ctx is wrapped in a
// derived, cancelable context so Cancel (§4.4, §5) can interrupt the
// response by cancelling it, the same way an ordinary ctx deadline would,
// instead of reaching into the transport directly.
func (e *Executor) send(ctx context.Context, packType packetType, payload []byte) error {
	e.sess.buf.BeginWrite(packType)
	e.sess.buf.Write(payload)
	if err := e.sess.buf.FinishWrite(); err != nil {
		e.sess.poison(err)
		e.setState(statePoisoned)
		return err
	}
	e.setState(stateAwaitingResponse)
	cancelCtx, cancel := context.WithCancel(ctx)
	proc := startReading(cancelCtx, e.sess)
	proc.notify = e.setState
	e.mu.Lock()
	e.cancelFunc = cancel
	e.proc = proc
	e.mu.Unlock()
	e.setState(stateProcessingMetadata)
	return nil
}

// Query executes sql and returns a row iterator. The caller must exhaust or
// Close the returned Rows before issuing another request on this Executor
// (§4.4, §4.5).
func (e *Executor) Query(ctx context.Context, sql string, args ...interface{}) (*Rows, error) {
	if err := e.begin("Query"); err != nil {
		return nil, err
	}
	payload := buildSpExecuteSQL(e.sess, sql, args)
	if err := e.send(ctx, packRPCRequest, payload); err != nil {
		return nil, err
	}
	e.setState(stateStreamingRows)
	return &Rows{exec: e}, nil
}

// Execute runs sql to completion, discarding any result sets, and returns
// the cumulative row count (§4.4 "Execute").
func (e *Executor) Execute(ctx context.Context, sql string, args ...interface{}) (rowsAffected int64, err error) {
	if err := e.begin("Execute"); err != nil {
		return 0, err
	}
	payload := buildSpExecuteSQL(e.sess, sql, args)
	if err := e.send(ctx, packRPCRequest, payload); err != nil {
		return 0, err
	}
	return e.drain(ctx)
}

// drain consumes the rest of the current response to completion and
// reports the final row count and first error encountered (§4.4). It
// leaves the executor Idle on success and Done when the response carried
// an error.
func (e *Executor) drain(ctx context.Context) (int64, error) {
	e.setState(stateDraining)
	if err := e.proc.iterateResponse(); err != nil {
		e.setState(stateDone)
		return e.proc.rowCount, err
	}
	e.setState(stateDone)
	e.mu.Lock()
	e.state = stateIdle
	e.mu.Unlock()
	return e.proc.rowCount, nil
}

func buildSpExecuteSQL(sess *Session, sql string, args []interface{}) []byte {
	params := make([]rpcParam, 0, len(args)+1)
	params = append(params, rpcParam{Value: sql})
	if len(args) > 0 {
		params = append(params, rpcParam{Value: paramDeclareList(args)})
		for i, a := range args {
			params = append(params, rpcParam{Name: fmt.Sprintf("@p%d", i+1), Value: a})
		}
	}
	return encodeRPCRequest(sess, procIDExecuteSQL, "", params)
}

// paramDeclareList builds the @params DECLARE-style type list sp_executesql
// requires as its second argument when the caller supplies positional args.
func paramDeclareList(args []interface{}) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("@p%d %s", i+1, sqlTypeNameFor(a))
	}
	return s
}

func sqlTypeNameFor(v interface{}) string {
	switch v.(type) {
	case int, int8, int16, int32, int64:
		return "bigint"
	case float32, float64:
		return "float"
	case bool:
		return "bit"
	case []byte:
		return "varbinary(max)"
	case string:
		return "nvarchar(max)"
	default:
		return "nvarchar(max)"
	}
}

// Prepare issues sp_prepare for sql, consulting and populating the
// statement cache, and returns the server handle (§4.5).
func (e *Executor) Prepare(ctx context.Context, sql string) (handle int32, err error) {
	paramTypes := []byte(sql) // Prepare takes no arguments, so the SQL text stands in for the parameter types and the key depends on sql alone
	if h, ok := e.sess.stmtCache.lookup(sql, paramTypes); ok {
		return h, nil
	}
	if err := e.begin("Prepare"); err != nil {
		return 0, err
	}
	params := []rpcParam{
		{Name: "@handle", Output: true, Value: int64(0)},
		{Value: ""},
		{Value: sql},
	}
	payload := encodeRPCRequest(e.sess, procIDPrepare, "", params)
	if err := e.send(ctx, packRPCRequest, payload); err != nil {
		return 0, err
	}
	e.setState(stateDraining)
	var gotHandle int32
	for {
		tok, err := e.proc.nextToken()
		if err != nil {
			e.setState(stateDone)
			return 0, err
		}
		if tok == nil {
			break
		}
		switch v := tok.(type) {
		case returnValue:
			if v.Name == "@handle" {
				if n, ok := v.Value.(int32); ok {
					gotHandle = n
				}
			}
		case doneStruct:
			if v.isError() {
				e.setState(stateDone)
				return 0, v.getError()
			}
		}
	}
	// RETURNVALUE tokens travel on proc.returnValues, not on the token channel.
	for drained := false; !drained; {
		select {
		case rv := <-e.proc.returnValues:
			if n, ok := rv.Value.(int32); ok && rv.Name == "@handle" {
				gotHandle = n
			}
		default:
			drained = true
		}
	}
	e.mu.Lock()
	e.state = stateIdle
	e.mu.Unlock()
	if evicted := e.sess.stmtCache.insert(sql, paramTypes, gotHandle); evicted != nil {
		_ = e.Unprepare(ctx, evicted.handle)
	}
	return gotHandle, nil
}

// ExecutePrepared runs a previously Prepared statement handle (§4.5).
func (e *Executor) ExecutePrepared(ctx context.Context, handle int32, args ...interface{}) (*Rows, error) {
	if err := e.begin("ExecutePrepared"); err != nil {
		return nil, err
	}
	params := make([]rpcParam, 0, len(args)+1)
	params = append(params, rpcParam{Value: int64(handle)})
	for i, a := range args {
		params = append(params, rpcParam{Name: fmt.Sprintf("@p%d", i+1), Value: a})
	}
	payload := encodeRPCRequest(e.sess, procIDExecute, "", params)
	if err := e.send(ctx, packRPCRequest, payload); err != nil {
		return nil, err
	}
	e.setState(stateStreamingRows)
	return &Rows{exec: e}, nil
}

// Unprepare releases a server-side prepared-statement handle with
// sp_unprepare (§4.5).
func (e *Executor) Unprepare(ctx context.Context, handle int32) error {
	if err := e.begin("Unprepare"); err != nil {
		return err
	}
	payload := encodeRPCRequest(e.sess, procIDUnprepare, "", []rpcParam{{Value: int64(handle)}})
	if err := e.send(ctx, packRPCRequest, payload); err != nil {
		return err
	}
	_, err := e.drain(ctx)
	return err
}

// Cancel interrupts the in-flight request by cancelling the context its
// tokenProcessor is reading under, which routes through the same
// ctx.Done case nextToken already uses to race an Attention send/confirm
// against ordinary token consumption (§4.4 invariant 4, §5). Cancel itself
// returns immediately; whichever goroutine is currently reading the
// response (iterateResponse or Rows.Next) observes the interruption and
// settles the executor at Done once the server confirms.
func (e *Executor) Cancel() error {
	e.mu.Lock()
	cancel := e.cancelFunc
	proc := e.proc
	e.mu.Unlock()
	if proc == nil || cancel == nil {
		return nil
	}
	cancel()
	return nil
}

// Begin starts a transaction via BEGIN TRANSACTION (§4.4).
func (e *Executor) Begin(ctx context.Context) error {
	_, err := e.Execute(ctx, "BEGIN TRANSACTION")
	return err
}

// Commit commits the current transaction.
func (e *Executor) Commit(ctx context.Context) error {
	_, err := e.Execute(ctx, "COMMIT TRANSACTION")
	return err
}

// Rollback rolls back the current transaction, or to a named savepoint
// when savepoint is non-empty.
func (e *Executor) Rollback(ctx context.Context, savepoint string) error {
	if savepoint == "" {
		_, err := e.Execute(ctx, "ROLLBACK TRANSACTION")
		return err
	}
	if !validIdentifier(savepoint) {
		return configError("invalid savepoint name %q", savepoint)
	}
	_, err := e.Execute(ctx, "ROLLBACK TRANSACTION "+savepoint)
	return err
}

// Savepoint marks a savepoint inside the current transaction, validating
// the name against the grammar §4.4 requires before it ever reaches the
// server (invariant: malformed names never leave the client).
func (e *Executor) Savepoint(ctx context.Context, name string) error {
	if !validIdentifier(name) {
		return configError("invalid savepoint name %q", name)
	}
	_, err := e.Execute(ctx, "SAVE TRANSACTION "+name)
	return err
}
