package mssql

import (
	"container/list"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn builds a Conn with a healthy in-memory Session over a net.Pipe,
// without dialing or handshaking, for exercising Pool bookkeeping in
// isolation. The peer end is left for the garbage collector; nothing in
// these tests reads or writes through it.
func fakeConn() *Conn {
	client, _ := net.Pipe()
	sess := newSession(bufferOf(nil), defaultLogger, 0, 0)
	return &Conn{
		nc:         client,
		sess:       sess,
		exec:       NewExecutor(sess),
		state:      connReady,
		createdAt:  nowFunc(),
		lastUsedAt: nowFunc(),
	}
}

func newTestPool(cfg *Config) *Pool {
	return &Pool{
		cfg:     cfg,
		idle:    list.New(),
		waiters: list.New(),
		closeCh: make(chan struct{}),
	}
}

func TestPoolAcquireReturnsIdleConnectionWithoutDialing(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 5})
	c := fakeConn()
	p.idle.PushFront(c)
	p.size = 1

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, 0, p.idle.Len())
}

func TestPoolReleaseReturnsHealthyConnToIdleList(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 5})
	c := fakeConn()
	p.size = 1

	p.Release(c)
	assert.Equal(t, 1, p.idle.Len())
	assert.Equal(t, connReady, c.State())
}

func TestPoolReleaseDiscardsBrokenConnection(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 5})
	c := fakeConn()
	c.sess.poison(assertError("broken"))
	p.size = 1

	p.Release(c)
	assert.Equal(t, 0, p.idle.Len())
	assert.Equal(t, 0, p.size)
}

func TestPoolPopIdleLockedRemovesFrontEntryAndUpdatesMetrics(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 5})
	c := fakeConn()
	p.idle.PushFront(c)

	got, ok := p.popIdleLocked()
	assert.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 0, p.idle.Len())

	_, ok = p.popIdleLocked()
	assert.False(t, ok)
}

func TestPoolReleaseHandsConnDirectlyToWaitingAcquirer(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 1})
	w := &waiter{ch: make(chan acquireResult, 1)}
	p.waiters.PushBack(w)

	c := fakeConn()
	p.Release(c)

	select {
	case res := <-w.ch:
		require.NoError(t, res.err)
		assert.Same(t, c, res.conn)
	default:
		t.Fatal("waiter did not receive the released connection")
	}
	assert.Equal(t, 0, p.idle.Len())
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	cfg := &Config{MaxPoolSize: 1, PoolTimeout: 30 * time.Millisecond}
	p := newTestPool(cfg)
	p.size = 1 // at capacity, nothing idle

	start := nowFunc()
	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
	assert.True(t, nowFunc().Sub(start) < time.Second)
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	cfg := &Config{MaxPoolSize: 1, PoolTimeout: 5 * time.Second}
	p := newTestPool(cfg)
	p.size = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	assert.Error(t, err)
}

// TestPoolDiscardDoesNotDeliverToAnAbandonedWaiter is a regression test for
// the dial-in-flight race: a waiter that gave up (ctx cancelled or
// PoolTimeout) while discard was redialing on its behalf must never receive
// a send on its buffered channel, since nothing will ever read it again.
func TestPoolDiscardDoesNotDeliverToAnAbandonedWaiter(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 1, Server: "127.0.0.1", Port: 1, ConnectTimeout: 50 * time.Millisecond})
	w := &waiter{ch: make(chan acquireResult, 1)}
	w.setAbandoned()
	p.waiters.PushBack(w)
	p.size = 1

	p.discard(fakeConn())

	select {
	case <-w.ch:
		t.Fatal("abandoned waiter must never receive a delivery")
	default:
	}
}

// TestPoolAbandonWaiterRemovesFromQueueAtomically is a regression test: the
// abandon flag and the queue removal must land under the same lock
// acquisition, otherwise Release can observe the waiter still queued and not
// yet flagged abandoned, and deliver a Conn nobody will ever read.
func TestPoolAbandonWaiterRemovesFromQueueAtomically(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 1})
	w := &waiter{ch: make(chan acquireResult, 1)}
	elem := p.waiters.PushBack(w)

	p.abandonWaiter(elem, w)
	assert.True(t, w.isAbandoned())
	assert.Equal(t, 0, p.waiters.Len())

	c := fakeConn()
	p.Release(c)

	select {
	case <-w.ch:
		t.Fatal("abandoned waiter must never receive a delivery")
	default:
	}
	assert.Equal(t, 1, p.idle.Len())
}

func TestPoolCloseDrainsIdleConnections(t *testing.T) {
	p := newTestPool(&Config{MaxPoolSize: 5})
	p.idle.PushFront(fakeConn())
	p.idle.PushFront(fakeConn())
	p.size = 2

	require.NoError(t, p.Close())
	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}
