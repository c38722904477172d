package mssql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestExecutor wires an Executor to one half of a net.Pipe, handing the
// other half back as a raw tdsBuffer a test can use to play a scripted
// server response (grounded on the pack's net.Pipe mock-server pattern).
func newTestExecutor(t *testing.T) (*Executor, *tdsBuffer) {
	t.Helper()
	client, server := pipeConn(t)
	sess := newSession(newTdsBuffer(client, defaultPacketSize), defaultLogger, 0, 0)
	return NewExecutor(sess), newTdsBuffer(server, defaultPacketSize)
}

// writeScriptedReply drains one client request off serverBuf and replies
// with a REPLY message built from the given already-encoded token bytes.
func writeScriptedReply(t *testing.T, serverBuf *tdsBuffer, tokens []byte) {
	t.Helper()
	_, err := serverBuf.BeginRead()
	require.NoError(t, err)
	serverBuf.BeginWrite(packReply)
	_, _ = serverBuf.Write(tokens)
	require.NoError(t, serverBuf.FinishWrite())
}

func doneTokenBytes(status uint16, rowCount uint64) []byte {
	out := []byte{byte(tokenDone)}
	out = append(out, byte(status), byte(status>>8))
	out = append(out, 0, 0) // CurCmd
	var rc [8]byte
	for i := 0; i < 8; i++ {
		rc[i] = byte(rowCount >> (8 * uint(i)))
	}
	return append(out, rc[:]...)
}

func TestExecutorExecuteReturnsRowCountAndGoesIdle(t *testing.T) {
	exec, serverBuf := newTestExecutor(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		writeScriptedReply(t, serverBuf, doneTokenBytes(doneFinal|doneCount, 3))
	}()

	n, err := exec.Execute(context.Background(), "update t set x = 1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, stateIdle, exec.State())

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestExecutorBeginFailsWhilePreviousRequestInFlight(t *testing.T) {
	exec, _ := newTestExecutor(t)
	exec.state = stateSending

	err := exec.begin("Query")
	assert.IsType(t, MisuseError{}, err)
}

func TestExecutorBeginFailsOnPoisonedSession(t *testing.T) {
	exec, _ := newTestExecutor(t)
	exec.sess.poison(assertError("boom"))

	err := exec.begin("Execute")
	assert.IsType(t, PoisonedError{}, err)
	assert.Equal(t, statePoisoned, exec.State())
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestRequestStateString(t *testing.T) {
	assert.Equal(t, "Idle", stateIdle.String())
	assert.Equal(t, "StreamingRows", stateStreamingRows.String())
	assert.Equal(t, "Unknown", requestState(99).String())
}

func TestExecutorCancelInterruptsDrainWithCancelledError(t *testing.T) {
	exec, serverBuf := newTestExecutor(t)

	gotRequest := make(chan struct{})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		_, err := serverBuf.BeginRead()
		require.NoError(t, err)
		close(gotRequest)

		ptype, err := serverBuf.BeginRead()
		require.NoError(t, err)
		assert.Equal(t, packAttention, ptype)

		serverBuf.BeginWrite(packReply)
		_, _ = serverBuf.Write(doneTokenBytes(doneAttn, 0))
		require.NoError(t, serverBuf.FinishWrite())
	}()

	execDone := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), "waitfor delay '01:00:00'")
		execDone <- err
	}()

	<-gotRequest
	deadline := time.Now().Add(time.Second)
	for exec.State() != stateProcessingMetadata && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, exec.Cancel())

	select {
	case err := <-execDone:
		assert.IsType(t, CancelledError{}, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
	assert.False(t, exec.sess.AttentionPending())

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestExecutorPrepareReturnsServerError(t *testing.T) {
	exec, serverBuf := newTestExecutor(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		writeScriptedReply(t, serverBuf, doneTokenBytes(doneError, 0))
	}()

	handle, err := exec.Prepare(context.Background(), "not valid sql")
	assert.Error(t, err)
	assert.EqualValues(t, 0, handle)
	assert.Equal(t, stateDone, exec.State())

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestConnServerAddrFormatsInstanceAndPort(t *testing.T) {
	assert.Equal(t, `db\SQLEXPRESS`, serverAddr(&Config{Server: "db", Instance: "SQLEXPRESS"}))
	assert.Equal(t, "db:1433", serverAddr(&Config{Server: "db"}))
	assert.Equal(t, "db:1234", serverAddr(&Config{Server: "db", Port: 1234}))
}
