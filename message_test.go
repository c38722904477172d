package mssql

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn wraps one half of a net.Pipe as an io.ReadWriteCloser, the shape
// tdsBuffer expects, for in-process two-sided tests (grounded on the
// net.Pipe-based mock-server pattern used throughout the pack's protocol
// reference implementations).
func pipeConn(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return c, s
}

func TestTdsBufferWriteReadRoundTrip(t *testing.T) {
	client, server := pipeConn(t)
	clientBuf := newTdsBuffer(client, defaultPacketSize)
	serverBuf := newTdsBuffer(server, defaultPacketSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		clientBuf.BeginWrite(packSQLBatch)
		_, _ = clientBuf.Write([]byte("select 1"))
		require.NoError(t, clientBuf.FinishWrite())
	}()

	ptype, err := serverBuf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, packSQLBatch, ptype)

	buf := make([]byte, len("select 1"))
	serverBuf.ReadFull(buf)
	assert.Equal(t, "select 1", string(buf))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer goroutine did not finish")
	}
}

func TestTdsBufferSplitsLargeWriteAcrossPackets(t *testing.T) {
	client, server := pipeConn(t)
	packetSize := headerSize + 16
	clientBuf := newTdsBuffer(client, packetSize)
	serverBuf := newTdsBuffer(server, packetSize)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		clientBuf.BeginWrite(packSQLBatch)
		_, _ = clientBuf.Write(payload)
		done <- clientBuf.FinishWrite()
	}()

	ptype, err := serverBuf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, packSQLBatch, ptype)

	got := make([]byte, len(payload))
	serverBuf.ReadFull(got)
	assert.Equal(t, payload, got)
	require.NoError(t, <-done)
}

func TestTdsBufferMarkResetOnReturnSetsStatusBit(t *testing.T) {
	client, server := pipeConn(t)
	clientBuf := newTdsBuffer(client, defaultPacketSize)
	serverBuf := newTdsBuffer(server, defaultPacketSize)

	clientBuf.markResetOnReturn()

	done := make(chan error, 1)
	go func() {
		clientBuf.BeginWrite(packSQLBatch)
		_, _ = clientBuf.Write([]byte("x"))
		done <- clientBuf.FinishWrite()
	}()

	_, _ = serverBuf.BeginRead()
	assert.NotZero(t, serverBuf.rPacket.Status&statusResetConnection)
	require.NoError(t, <-done)
}

func TestSendAttentionWritesEmptyEOMPacket(t *testing.T) {
	client, server := pipeConn(t)
	clientBuf := newTdsBuffer(client, defaultPacketSize)
	serverBuf := newTdsBuffer(server, defaultPacketSize)

	done := make(chan error, 1)
	go func() { done <- sendAttention(clientBuf) }()

	ptype, err := serverBuf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, packAttention, ptype)
	assert.True(t, serverBuf.rPacket.isEndOfMessage())
	require.NoError(t, <-done)
}
