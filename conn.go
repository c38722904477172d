package mssql

import (
	"context"
	"net"
	"sync"
	"time"
)

// connState tracks a Conn's place in the §4.5 lifecycle: Disconnected,
// Ready (idle, reusable), InTransaction, Broken (poisoned, must be
// discarded rather than returned to a pool).
type connState int

const (
	connDisconnected connState = iota
	connReady
	connInTransaction
	connBroken
)

func (s connState) String() string {
	switch s {
	case connDisconnected:
		return "Disconnected"
	case connReady:
		return "Ready"
	case connInTransaction:
		return "InTransaction"
	case connBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// Conn is one established, authenticated TDS connection: a Session plus an
// Executor, with the busy/lifecycle bookkeeping a Pool needs to decide
// whether a Conn is safe to hand out again (§4.5, §4.6).
type Conn struct {
	mu    sync.Mutex
	state connState

	cfg  *Config
	nc   net.Conn
	sess *Session
	exec *Executor

	createdAt  time.Time
	lastUsedAt time.Time
}

// Connect dials addr, runs the full PreLogin/Login7 handshake, and returns
// a ready Conn (§4.1-§4.3).
func Connect(ctx context.Context, cfg *Config) (*Conn, error) {
	return connectTo(ctx, cfg, serverAddr(cfg))
}

func serverAddr(cfg *Config) string {
	if cfg.Instance != "" {
		return cfg.Server + "\\" + cfg.Instance
	}
	if cfg.Port != 0 {
		return net.JoinHostPort(cfg.Server, itoa(cfg.Port))
	}
	return net.JoinHostPort(cfg.Server, "1433")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func connectTo(ctx context.Context, cfg *Config, addr string) (*Conn, error) {
	dial := func(a string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.connectTimeout()}
		return d.DialContext(ctx, "tcp", a)
	}

	res, err := connect(cfg, dial, nil, addr)
	if err != nil {
		return nil, err
	}

	sess := newSession(res.buf, cfg.logger(), cfg.LogFlags, cfg.LOBCap)
	sess.tdsVersion = res.tdsVersion
	sess.packetSize = res.packetSize
	sess.database = cfg.Database

	c := &Conn{
		cfg:        cfg,
		nc:         res.conn,
		sess:       sess,
		exec:       NewExecutor(sess),
		state:      connReady,
		createdAt:  nowFunc(),
		lastUsedAt: nowFunc(),
	}
	return c, nil
}

// nowFunc is a seam so reaper/lifetime tests can fake the clock without the
// driver ever calling time.Now() directly in pool accounting (§4.6).
var nowFunc = time.Now

// State reports the connection's current lifecycle state.
func (c *Conn) State() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Executor exposes the request-execution surface (§4.4).
func (c *Conn) Executor() *Executor { return c.exec }

// markBusy / markIdle bracket one request. markBusy refuses a Broken or
// Disconnected Conn; it records no busy flag, so it does not detect a
// request already in flight. markIdle settles the state afterwards (Broken
// if the session was poisoned, else InTransaction or Ready).
func (c *Conn) markBusy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == connBroken || c.state == connDisconnected {
		return MisuseError{Op: "use of broken or disconnected connection"}
	}
	return nil
}

func (c *Conn) markIdle(inTransaction bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == connBroken {
		return
	}
	if poisoned, _ := c.sess.Poisoned(); poisoned {
		c.state = connBroken
		return
	}
	if inTransaction {
		c.state = connInTransaction
	} else {
		c.state = connReady
	}
	c.lastUsedAt = nowFunc()
}

// Reset schedules a deferred RESET_CONNECTION on the next outbound request
// instead of issuing a synchronous sp_reset_connection RPC, clearing the
// local prepared-statement cache at the same time the server clears its
// handles (§4.5, §4.6, invariant 5). It hands the Conn back to Ready via
// markIdle, which also catches a session that was poisoned mid-request.
func (c *Conn) Reset() {
	c.sess.markForReset()
	c.markIdle(false)
}

// Healthy reports whether this Conn may still be checked out (§4.5,
// §4.6 health-check-on-acquire).
func (c *Conn) Healthy() bool {
	if poisoned, _ := c.sess.Poisoned(); poisoned {
		return false
	}
	return c.State() != connBroken && c.State() != connDisconnected
}

// Age and IdleDuration feed the pool reaper's lifetime/idle expiry (§4.6).
func (c *Conn) Age() time.Duration { return nowFunc().Sub(c.createdAt) }
func (c *Conn) IdleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nowFunc().Sub(c.lastUsedAt)
}

// Close marks the Conn Disconnected and closes the underlying transport,
// returning whatever error the transport's Close reports (a second call
// returns the transport's error for an already-closed connection).
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = connDisconnected
	c.mu.Unlock()
	return c.nc.Close()
}
