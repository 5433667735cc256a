package database

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
)

// defaultStatementCacheSize matches the number of prepared statements each
// connection keeps when no size is configured.
const defaultStatementCacheSize = 128

// stmtCache is a small LRU of prepared statements keyed by SQL text.
type stmtCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type stmtEntry struct {
	query string
	stmt  *sql.Stmt
}

func newStmtCache(capacity int) *stmtCache {
	if capacity <= 0 {
		capacity = defaultStatementCacheSize
	}
	return &stmtCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// prepare returns a cached statement for query, preparing it on db if needed.
func (c *stmtCache) prepare(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[query]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*stmtEntry).stmt, nil
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.entries[query] = c.order.PushFront(&stmtEntry{query: query, stmt: stmt})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		entry := c.order.Remove(oldest).(*stmtEntry)
		delete(c.entries, entry.query)
		entry.stmt.Close() //nolint:errcheck // Evicted statement, nothing to report
	}
	return stmt, nil
}

// len returns the number of cached statements.
func (c *stmtCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// close finalises every cached statement.
func (c *stmtCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = el.Next() {
		el.Value.(*stmtEntry).stmt.Close() //nolint:errcheck // Closing the connection anyway
	}
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
