// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workqueue implements the per-thread continuation queue: a
// per-thread single-consumer MPMC-style queue of continuations. Completions
// are enqueued (Post) and drained when that thread returns to the kernel
// loop.
//
// Components never block the poster: Post only ever appends and signals.
// The draining side (a thread's "return to the kernel loop") calls Drain,
// which runs every queued continuation on the calling goroutine, in the
// order they were posted: posts are observed in program order by the
// target work queue.
package workqueue

import (
	"context"
	"sync"
)

// Continuation is a unit of deferred work: the completion of some
// previously-suspended operation, completed by posting one of these.
type Continuation func()

// Queue is a single-consumer queue of Continuations belonging to one
// kernel thread.
type Queue struct {
	mu    sync.Mutex
	items []Continuation
	wake  chan struct{}
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Post enqueues c and wakes a blocked Run, if one is waiting. Post is safe
// to call from any goroutine (an interrupt handler, a remote CPU's
// shootdown acknowledgement, a pager reply), which is why the queue is
// documented as MPMC-style on the producer side even though only one
// goroutine (the thread owning the queue) ever calls Drain or Run.
func (q *Queue) Post(c Continuation) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains q whenever something is posted, until ctx is done, making q
// its own dispatcher rather than relying on an external caller to notice
// it needs draining. This is how a Space turns its queue into the sole
// completion dispatcher for the asynchronous operations it owns (Protect,
// Unmap, eviction): they Post their result instead of resolving their
// Future directly, so every completion on that Space is observed by this
// one goroutine in FIFO program order, the same ordering guarantee Drain
// promises a caller that drives its own kernel loop by hand.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.Drain()
		select {
		case <-q.wake:
		case <-ctx.Done():
			q.Drain()
			return
		}
	}
}

// Drain runs every Continuation posted since the last Drain, in FIFO order,
// on the calling goroutine. It must only be called by the thread that owns
// q ("when that thread returns to the kernel loop").
func (q *Queue) Drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, c := range items {
		c()
	}
}

// Pending reports the number of Continuations waiting to be drained. It
// exists for diagnostics and tests; no component should poll
// it to decide whether to suspend.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Future is the generic pending-request object: a suspending operation
// returns a *Future[T] that the caller's goroutine blocks on (the
// Go-idiomatic rendering of "takes a continuation"), while the component
// that will eventually resolve it is free to do so from any goroutine,
// optionally routing the resolution through a Queue so it is observed in
// that queue's program order.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved Future and the resolver function that
// completes it exactly once. Calling the resolver again after the first
// call is a no-op: the first (val, err) pair wins, matching the
// exactly-once completion discipline expected of a pending request object.
func NewFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	var once sync.Once
	resolve := func(val T, err error) {
		once.Do(func() {
			f.val, f.err = val, err
			close(f.done)
		})
	}
	return f, resolve
}

// Wait blocks the calling goroutine until f is resolved and returns its
// result. This is the suspension point: a thread that issues a blocking
// operation like lock_range either completes synchronously or suspends
// with its continuation registered on the view, which Wait expresses
// directly.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Done returns a channel that is closed once f is resolved, for callers
// (e.g. a fault handler waiting on several Futures, or a cancellation path)
// that need to select rather than block outright.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether f has already been resolved, without blocking.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
