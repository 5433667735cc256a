// Package interrupt provides cancellation scopes for long-running database work.
//
// A Counter belongs to one connection. Every logical operation on that
// connection opens its own Scope, and a Handle obtained from the Counter can be
// passed to another goroutine to cancel whatever scopes are live at the moment
// Interrupt is called. Scopes opened afterwards are unaffected:
//
//	scope := counter.BeginScope(ctx)
//	defer scope.Close()
//	rows, err := db.QueryContext(scope.Context(), query)
//	if err != nil {
//	    return scope.Wrap(err)
//	}
//
// Thread Safety: all types in this package are safe for concurrent use.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrInterrupted is returned when an operation was cancelled through a Handle.
var ErrInterrupted = errors.New("interrupt: operation interrupted")

// Interruptee reports whether the work it guards should stop.
type Interruptee interface {
	Err() error
}

// NeverInterrupts is an Interruptee that never reports an interruption.
var NeverInterrupts Interruptee = never{}

type never struct{}

func (never) Err() error { return nil }

// Counter tracks interrupt generations for a single connection.
type Counter struct {
	generation atomic.Uint64

	mu     sync.Mutex
	active map[*Scope]context.CancelFunc
}

// NewCounter creates a Counter with no live scopes.
func NewCounter() *Counter {
	return &Counter{active: make(map[*Scope]context.CancelFunc)}
}

// Handle returns a Handle that interrupts scopes created from c.
func (c *Counter) Handle() *Handle {
	return &Handle{counter: c}
}

// BeginScope starts a scope for one logical operation.
//
// The scope snapshots the current generation. Its context is derived from ctx
// and is cancelled when the owning Handle is interrupted while the scope is live.
//
// Parameters:
//   - ctx: Parent context for the operation
//
// Returns:
//   - *Scope: Scope that must be closed when the operation finishes
func (c *Counter) BeginScope(ctx context.Context) *Scope {
	scopeCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Scope{
		counter:  c,
		snapshot: c.generation.Load(),
		ctx:      scopeCtx,
		cancel:   cancel,
	}
	c.active[s] = cancel
	return s
}

// Generation returns the number of interrupts issued so far.
func (c *Counter) Generation() uint64 {
	return c.generation.Load()
}

func (c *Counter) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation.Add(1)
	for _, cancel := range c.active {
		cancel()
	}
}

func (c *Counter) release(s *Scope) {
	c.mu.Lock()
	delete(c.active, s)
	c.mu.Unlock()
}

// Handle interrupts the live scopes of one Counter.
// It may be shared freely and used from any goroutine.
type Handle struct {
	counter *Counter
}

// Interrupt cancels every scope that is live at the time of the call.
func (h *Handle) Interrupt() {
	if h == nil || h.counter == nil {
		return
	}
	h.counter.interrupt()
}

// Scope is a cancellation token for one logical operation.
type Scope struct {
	counter  *Counter
	snapshot uint64
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

// Context returns the context that operations in this scope must use.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// WasInterrupted reports whether an interrupt was issued after the scope began.
func (s *Scope) WasInterrupted() bool {
	return s.counter.generation.Load() != s.snapshot
}

// Err returns ErrInterrupted if the scope was interrupted, and nil otherwise.
func (s *Scope) Err() error {
	if s.WasInterrupted() {
		return ErrInterrupted
	}
	return nil
}

// Wrap maps a failure observed inside the scope to ErrInterrupted when the
// scope was interrupted. Other errors are returned unchanged.
func (s *Scope) Wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInterrupted) {
		return err
	}
	if s.WasInterrupted() {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return err
}

// Close releases the scope. It is safe to call more than once.
func (s *Scope) Close() {
	s.once.Do(func() {
		s.counter.release(s)
		s.cancel()
	})
}
