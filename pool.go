package mssql

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pool bounds concurrent connections to one server: a semaphore of permits
// gates total connections (at most MaxPoolSize; MinPoolSize is not
// consulted, so no connections are opened ahead of demand or kept open to
// a minimum), an idle list holds checked-in
// Conns for reuse, and a FIFO waiter queue serves Acquire callers in order
// once a permit or idle Conn frees up. A background reaper evicts idle- and
// lifetime-expired connections (§4.6).
type Pool struct {
	cfg *Config

	mu      sync.Mutex
	idle    *list.List // of *Conn, front = most recently returned
	waiters *list.List // of *waiter
	size    int        // total live connections (idle + checked out)

	metrics *PoolMetrics

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

type acquireResult struct {
	conn *Conn
	err  error
}

// waiter is one FIFO queue entry. abandoned is set when the Acquire call
// that created it gives up (ctx cancellation or PoolTimeout) so a discard
// or Release that is already mid-flight delivering to it can tell nobody
// will ever read ch, instead of handing a Conn into the void (§4.6).
type waiter struct {
	ch        chan acquireResult
	abandoned int32
}

func (w *waiter) setAbandoned()     { atomic.StoreInt32(&w.abandoned, 1) }
func (w *waiter) isAbandoned() bool { return atomic.LoadInt32(&w.abandoned) != 0 }

// NewPool creates a Pool against cfg, starting its idle/lifetime reaper.
// Pass nil metrics to disable Prometheus reporting.
func NewPool(cfg *Config, metrics *PoolMetrics) *Pool {
	p := &Pool{
		cfg:     cfg,
		idle:    list.New(),
		waiters: list.New(),
		metrics: metrics,
		closeCh: make(chan struct{}),
	}
	p.closedWg.Add(1)
	go p.reapLoop()
	return p
}

func (p *Pool) maxSize() int {
	if p.cfg.MaxPoolSize > 0 {
		return p.cfg.MaxPoolSize
	}
	return 100
}

func (p *Pool) poolTimeout() time.Duration {
	if p.cfg.PoolTimeout > 0 {
		return p.cfg.PoolTimeout
	}
	return 15 * time.Second
}

// Acquire returns a healthy, Ready Conn: an idle one if available, else a
// freshly dialed one if under MaxPoolSize, else it waits in FIFO order for
// either to appear, bounded by ctx and PoolTimeout (§4.6).
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := nowFunc()
	conn, err := p.acquire(ctx)
	if p.metrics != nil {
		p.metrics.AcquisitionTime.Observe(nowFunc().Sub(start).Seconds())
		if err != nil {
			p.metrics.CheckoutsFailed.Inc()
		} else {
			p.metrics.CheckoutsTotal.Inc()
		}
	}
	return conn, err
}

func (p *Pool) acquire(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, poolError("pool is closed")
		}

		if c, ok := p.popIdleLocked(); ok {
			p.mu.Unlock()
			if c.Healthy() {
				if err := c.markBusy(); err != nil {
					p.discard(c)
					continue
				}
				return c, nil
			}
			p.discard(c)
			continue
		}

		if p.size < p.maxSize() {
			p.size++
			p.mu.Unlock()
			c, err := connectTo(ctx, p.cfg, serverAddr(p.cfg))
			if err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				return nil, err
			}
			if err := c.markBusy(); err != nil {
				p.discard(c)
				return nil, err
			}
			if p.metrics != nil {
				p.metrics.ConnectionsCreated.Inc()
			}
			return c, nil
		}

		w := &waiter{ch: make(chan acquireResult, 1)}
		elem := p.waiters.PushBack(w)
		if p.metrics != nil {
			p.metrics.WaitQueueDepth.Set(float64(p.waiters.Len()))
		}
		p.mu.Unlock()

		timeout := time.NewTimer(p.poolTimeout())
		select {
		case res := <-w.ch:
			timeout.Stop()
			if res.err == nil {
				if err := res.conn.markBusy(); err != nil {
					p.discard(res.conn)
					return nil, err
				}
			}
			return res.conn, res.err
		case <-ctx.Done():
			timeout.Stop()
			p.abandonWaiter(elem, w)
			return nil, ctx.Err()
		case <-timeout.C:
			p.abandonWaiter(elem, w)
			return nil, poolTimeoutError()
		}
	}
}

func (p *Pool) popIdleLocked() (*Conn, bool) {
	e := p.idle.Front()
	if e == nil {
		return nil, false
	}
	p.idle.Remove(e)
	if p.metrics != nil {
		p.metrics.IdleConnections.Set(float64(p.idle.Len()))
	}
	return e.Value.(*Conn), true
}

// abandonWaiter marks w abandoned and removes it from the queue in one
// locked step. Marking and removal must be atomic with respect to
// Release's pop-then-check: if they were two separate critical sections,
// Release could pop w, see isAbandoned false, and deliver a Conn into w.ch
// in the gap before the flag was actually set, leaking the connection.
func (p *Pool) abandonWaiter(e *list.Element, w *waiter) {
	p.mu.Lock()
	w.setAbandoned()
	for it := p.waiters.Front(); it != nil; it = it.Next() {
		if it == e {
			p.waiters.Remove(it)
			break
		}
	}
	if p.metrics != nil {
		p.metrics.WaitQueueDepth.Set(float64(p.waiters.Len()))
	}
	p.mu.Unlock()
}

// Release returns c to the pool: an idle waiter (if any) receives it
// directly, otherwise it joins the idle list. A broken Conn is discarded
// and its permit freed instead (§4.5 reset-on-release, §4.6).
func (p *Pool) Release(c *Conn) {
	if !c.Healthy() {
		p.discard(c)
		return
	}
	c.Reset()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(c)
		return
	}
	if w := p.waiters.Front(); w != nil {
		wp := w.Value.(*waiter)
		p.waiters.Remove(w)
		if p.metrics != nil {
			p.metrics.WaitQueueDepth.Set(float64(p.waiters.Len()))
		}
		if wp.isAbandoned() {
			p.idle.PushFront(c)
			if p.metrics != nil {
				p.metrics.IdleConnections.Set(float64(p.idle.Len()))
			}
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		wp.ch <- acquireResult{conn: c}
		return
	}
	p.idle.PushFront(c)
	if p.metrics != nil {
		p.metrics.IdleConnections.Set(float64(p.idle.Len()))
	}
	p.mu.Unlock()
}

// discard closes c and frees its permit, waking one waiter with a freshly
// dialed replacement if anyone is waiting.
func (p *Pool) discard(c *Conn) {
	_ = c.Close()
	if p.metrics != nil {
		p.metrics.ConnectionsClosed.Inc()
	}
	p.mu.Lock()
	p.size--
	e := p.waiters.Front()
	var wp *waiter
	if e != nil {
		wp = e.Value.(*waiter)
		p.waiters.Remove(e)
	}
	p.mu.Unlock()
	if wp == nil {
		return
	}
	nc, err := connectTo(context.Background(), p.cfg, serverAddr(p.cfg))
	p.mu.Lock()
	if err == nil {
		p.size++
	}
	// The waiter may have given up (ctx cancelled, PoolTimeout) while this
	// dial was in flight; wp.ch is buffered but nobody will ever read it, so
	// sending here would silently leak nc and leave p.size permanently
	// inflated. Fold a successful dial into the idle list instead of losing
	// it (§4.6).
	if wp.isAbandoned() {
		if err == nil && !p.closed {
			p.idle.PushFront(nc)
			if p.metrics != nil {
				p.metrics.IdleConnections.Set(float64(p.idle.Len()))
			}
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		if err == nil {
			p.size--
			_ = nc.Close()
		}
		return
	}
	p.mu.Unlock()
	wp.ch <- acquireResult{conn: nc, err: err}
}

// reapLoop runs reapOnce every 30 seconds (§4.6). reapOnce examines idle
// connections only and closes every one that is unhealthy, idle past
// MaxIdleTime or older than MaxLifetime, with no per-sweep limit;
// checked-out connections are not examined.
func (p *Pool) reapLoop() {
	defer p.closedWg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	var toClose []*Conn
	p.mu.Lock()
	var next *list.Element
	for e := p.idle.Front(); e != nil; e = next {
		next = e.Next()
		c := e.Value.(*Conn)
		expired := !c.Healthy()
		if p.cfg.MaxIdleTime > 0 && c.IdleDuration() > p.cfg.MaxIdleTime {
			expired = true
		}
		if p.cfg.MaxLifetime > 0 && c.Age() > p.cfg.MaxLifetime {
			expired = true
		}
		if expired {
			p.idle.Remove(e)
			toClose = append(toClose, c)
		}
	}
	if p.metrics != nil {
		p.metrics.IdleConnections.Set(float64(p.idle.Len()))
	}
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
		if p.metrics != nil {
			p.metrics.ConnectionsClosed.Inc()
		}
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
	}
}

// Close stops the reaper and closes every idle connection. Checked-out
// connections close themselves on Release once they observe p.closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var toClose []*Conn
	for e := p.idle.Front(); e != nil; e = e.Next() {
		toClose = append(toClose, e.Value.(*Conn))
	}
	p.idle.Init()
	p.mu.Unlock()

	close(p.closeCh)
	p.closedWg.Wait()

	for _, c := range toClose {
		_ = c.Close()
	}
	return nil
}
