package mssql

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// defaultStmtCacheSize bounds how many server-side prepared-statement
// handles a single connection keeps alive at once before the least-recently
// used one is evicted with sp_unprepare (§4.5).
const defaultStmtCacheSize = 100

// preparedStmt is one entry of the per-connection statement cache: the
// server handle returned by sp_prepare's @handle OUTPUT parameter, plus
// enough of the original request to detect a cache hit.
type preparedStmt struct {
	key        string
	sql        string
	handle     int32
	paramTypes []byte
}

// stmtCache is an LRU of server-side prepared-statement handles keyed by a
// hash of (sql, parameter types), so two calls with the same statement text
// but different argument types do not collide (§4.5). A connection reset
// invalidates every handle at once, since the server has discarded them
// along with the rest of the session.
type stmtCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

func newStmtCache(capacity int) *stmtCache {
	if capacity <= 0 {
		capacity = defaultStmtCacheSize
	}
	return &stmtCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// stmtCacheKey hashes sql together with the wire-encoded parameter types so
// identical text with different argument shapes never aliases one handle.
func stmtCacheKey(sql string, paramTypes []byte) string {
	h := sha256.New()
	h.Write([]byte(sql))
	h.Write(paramTypes)
	return hex.EncodeToString(h.Sum(nil))
}

// lookup returns the cached handle for (sql, paramTypes) and promotes it to
// most-recently-used, or ok=false on a miss.
func (c *stmtCache) lookup(sql string, paramTypes []byte) (handle int32, ok bool) {
	key := stmtCacheKey(sql, paramTypes)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.entries[key]
	if !found {
		return 0, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*preparedStmt).handle, true
}

// insert adds a newly prepared handle, evicting the least-recently-used
// entry (and reporting it, so the caller can issue its sp_unprepare) if the
// cache is already at capacity.
func (c *stmtCache) insert(sql string, paramTypes []byte, handle int32) (evicted *preparedStmt) {
	key := stmtCacheKey(sql, paramTypes)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.entries[key]; found {
		el.Value.(*preparedStmt).handle = handle
		c.order.MoveToFront(el)
		return nil
	}

	entry := &preparedStmt{key: key, sql: sql, handle: handle, paramTypes: paramTypes}
	el := c.order.PushFront(entry)
	c.entries[key] = el

	if c.order.Len() > c.capacity {
		back := c.order.Back()
		if back != nil {
			evicted = back.Value.(*preparedStmt)
			c.order.Remove(back)
			delete(c.entries, evicted.key)
		}
	}
	return evicted
}

// clear drops every cached handle without issuing sp_unprepare: the server
// has already discarded them as part of whatever invalidated the cache
// (RESET_CONNECTION, a lost connection) (§4.5, §4.6 invariant 5).
func (c *stmtCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *stmtCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
