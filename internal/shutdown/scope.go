// Package shutdown implements the nested shutdown fabric shared by the
// ingress and egress processes: a broadcast cancellation signal paired
// with a completion rendezvous, nestable per process/connection/session
// level. Closing a parent scope unconditionally cascades to every
// descendant scope's subscribers.
package shutdown

import (
	"context"
	"sync"
)

// Scope is one level of the shutdown fabric. The zero value is not
// usable; construct with NewRoot or (*Scope).NewChild.
//
// The broadcast signal is a context.Context, cancelled top-down: a
// child scope's context is derived from its parent's, so cancelling
// the parent cancels every descendant automatically — this is the
// "linear" propagation design. Deriving a child with NewChild is the
// only coupling: subscription, nothing shared or mutable besides it.
//
// The completion rendezvous mirrors a multi-producer/single-consumer
// handshake: every worker "holds a send handle" by incrementing a
// sync.WaitGroup on Go/Add, and "drops" it by calling Done (directly or
// via the func passed to Go returning). The scope itself holds one
// implicit handle representing its own ownership stake, dropped in
// Close, so Wait only returns once every worker and the owner have
// both let go — this is the Go-idiomatic rendering of "drop own sender,
// then await receive."
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRoot creates the process-level scope.
func NewRoot(ctx context.Context) *Scope {
	s := &Scope{}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1) // the scope's own ownership stake, released by Close
	return s
}

// NewChild derives a subordinate scope. Closing s (or any ancestor)
// closes the child's Done channel too.
func (s *Scope) NewChild() *Scope {
	c := &Scope{}
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	c.wg.Add(1)
	return c
}

// Done returns the broadcast signal: it closes when this scope, or any
// ancestor, is closed.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Go runs fn in its own goroutine, counted against the scope's
// completion rendezvous. The scope's Close will not return until every
// Go'd function started before it has returned.
func (s *Scope) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close broadcasts cancellation to this scope and every descendant,
// then waits for every outstanding worker (including this scope's own
// ownership stake) to finish. Idempotent.
func (s *Scope) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Done()
	})
	s.wg.Wait()
}
