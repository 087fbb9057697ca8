// Package evloop is the Go rendering of fbzmq::ZmqEventLoop's
// runImmediatelyOrInEventLoop plus folly::Promise/Future: a single
// goroutine drains a queue of closures posted from any goroutine, and
// callers get back a write-once Completion they can wait on. This keeps
// all cache/state mutation in fib single-threaded even though its public
// methods are called concurrently, following the concurrency model
// felix/ifacemonitor gets "for free" from its single select loop.
package evloop

import (
	"context"
	"fmt"
	"sync"
)

// Loop runs posted closures one at a time, in the order they were posted,
// on a single goroutine.
type Loop struct {
	tasks  chan func()
	tickMu sync.Mutex
	onTick []func()

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a Loop with the given closure queue depth.
func New(queueDepth int) *Loop {
	l := &Loop{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn, ok := <-l.tasks:
			if !ok {
				return
			}
			fn()
		case <-l.done:
			// Run whatever was queued before Stop, then exit.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop drains no further tasks after the ones already queued finish.
func (l *Loop) Stop() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// Post enqueues fn to run on the loop goroutine and returns immediately.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// OnOpTick registers a callback invoked after every mutating operation
// fib performs through the loop (add/delete route, add/delete address,
// add/delete MPLS route). This is the named replacement for
// NetlinkSocket's tickEvent() wraparound poll hack: rather than silently
// polling the cache manager every 2^32 operations, callers register an
// explicit callback and fib wires a counter into it.
func (l *Loop) OnOpTick(fn func()) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	l.onTick = append(l.onTick, fn)
}

// fireTick runs every registered OnOpTick callback. Called by PostMutation
// after each mutating closure completes, from the loop goroutine.
func (l *Loop) fireTick() {
	l.tickMu.Lock()
	callbacks := append([]func(){}, l.onTick...)
	l.tickMu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// Completion is a write-once result holder, the Go analogue of
// folly::Future<T>. Post a closure that calls Resolve or Reject exactly
// once; callers get the value back via Wait or Get.
type Completion[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewCompletion returns an unresolved Completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolve completes the Completion successfully. Only the first call has
// an effect.
func (c *Completion[T]) Resolve(v T) {
	c.once.Do(func() {
		c.value = v
		close(c.done)
	})
}

// Reject completes the Completion with an error. Only the first call has
// an effect.
func (c *Completion[T]) Reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the Completion is resolved or ctx is done.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("evloop: waiting for completion: %w", ctx.Err())
	}
}

// Get returns the resolved value immediately, panicking if the Completion
// has not been resolved yet. Intended for use inside the loop goroutine
// itself, where a closure resolves and then reads its own Completion
// synchronously.
func (c *Completion[T]) Get() (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	default:
		panic("evloop: Get called before Completion was resolved")
	}
}

// PostOp runs fn on the loop and resolves the returned Completion with its
// result. This is the shape every fib query method uses to turn a
// synchronous-looking call into a loop-serialized one. PostOp itself
// never ticks OnOpTick callbacks — use PostMutation for operations that
// should count toward the wraparound poll hack.
func PostOp[T any](l *Loop, fn func() (T, error)) *Completion[T] {
	c := NewCompletion[T]()
	l.Post(func() {
		v, err := fn()
		if err != nil {
			c.Reject(err)
		} else {
			c.Resolve(v)
		}
	})
	return c
}

// PostMutation is PostOp plus a tick of every OnOpTick callback once fn
// completes, success or failure. Use this for calls that actually change
// kernel state (add/delete route, add/delete address, add/delete MPLS
// route) so read-only queries never advance the wraparound counter,
// mirroring the original's tickEvent() being called only from
// rtnlRouteAdd/rtnlRouteDelete, not from every NetlinkSocket method.
func PostMutation[T any](l *Loop, fn func() (T, error)) *Completion[T] {
	c := NewCompletion[T]()
	l.Post(func() {
		v, err := fn()
		if err != nil {
			c.Reject(err)
		} else {
			c.Resolve(v)
		}
		l.fireTick()
	})
	return c
}
