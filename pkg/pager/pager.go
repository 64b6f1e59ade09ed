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

// Package pager implements the Cache Pager: the bridge between a
// Backed-by-cache view and the user-space process that supplies and writes
// back its contents, via a manage-request queue of submit_manage_memory /
// complete_load pairs.
package pager

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/UditDey/managarm/internal/memlog"
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
)

// RequestKind distinguishes the two request shapes a Pager issues.
type RequestKind int

const (
	// Initialize asks user space to populate a currently-missing page.
	Initialize RequestKind = iota
	// Writeback asks user space to flush dirty pages.
	Writeback
)

func (k RequestKind) String() string {
	if k == Initialize {
		return "init"
	}
	return "writeback"
}

// Request is one outstanding manage-queue entry: queued until a
// SubmitManage call delivers it to user space, then in-flight until a
// matching CompleteLoad/Complete call resolves it.
type Request struct {
	Kind  RequestKind
	Range hostarch.AddrRange

	done chan error
}

func rangeKey(kind RequestKind, ar hostarch.AddrRange) string {
	return fmt.Sprintf("%s:%d:%d", kind, ar.Start, ar.End)
}

// Pager mediates the Manage queue for a single Backed-by-cache view, as
// the backing half of the (backing handle, frontal handle) pair; view.View
// holds a reference to it as the frontal half.
type Pager struct {
	mu       sync.Mutex
	queued   []*Request          // delivered to no one yet
	inflight map[string]*Request // delivered to user space, awaiting completion
	waiters  []chan *Request     // parked SubmitManage calls
	gone     bool

	// sf coalesces concurrent Initialize/WritebackRequest calls that name
	// the exact same range into a single manage-queue entry: at most one
	// outstanding Initialize per logical page range, and coalesced requests
	// never overlap.
	sf singleflight.Group
}

// New returns a Pager with no outstanding requests.
func New() *Pager {
	return &Pager{inflight: make(map[string]*Request)}
}

// Initialize asks user space to populate ar, which the caller (a view) has
// already marked loading, and blocks until a matching Complete call
// resolves it or the pager is closed. It is a suspension point.
func (p *Pager) Initialize(ctx context.Context, ar hostarch.AddrRange) error {
	return p.request(ctx, Initialize, ar)
}

// WritebackRequest asks user space to flush ar, which the caller has
// already marked evicting (or is flushing explicitly via Flush), and
// blocks until a matching Complete call resolves it or the pager is
// closed.
func (p *Pager) WritebackRequest(ctx context.Context, ar hostarch.AddrRange) error {
	return p.request(ctx, Writeback, ar)
}

// Flush is the synchronous-from-the-caller's-perspective msync-equivalent:
// it issues the same Writeback machinery outside of an eviction.
func (p *Pager) Flush(ctx context.Context, ar hostarch.AddrRange) error {
	return p.WritebackRequest(ctx, ar)
}

func (p *Pager) request(ctx context.Context, kind RequestKind, ar hostarch.AddrRange) error {
	key := rangeKey(kind, ar)
	v, err, _ := p.sf.Do(key, func() (any, error) {
		p.mu.Lock()
		if p.gone {
			p.mu.Unlock()
			return nil, memerr.ErrPagerGone
		}
		req := &Request{Kind: kind, Range: ar, done: make(chan error, 1)}
		p.queued = append(p.queued, req)
		memlog.Debugf("pager: queued %v %v", kind, ar)
		p.wakeOneLocked()
		p.mu.Unlock()

		select {
		case err := <-req.done:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	_ = v
	return err
}

// wakeOneLocked hands the oldest queued request to a parked SubmitManage
// waiter, if both exist, moving it from queued to inflight. p.mu must be
// held.
func (p *Pager) wakeOneLocked() {
	if len(p.waiters) == 0 || len(p.queued) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	req := p.queued[0]
	p.queued = p.queued[1:]
	p.inflight[rangeKey(req.Kind, req.Range)] = req
	w <- req
	close(w)
}

// SubmitManage is the user-space side of the manage queue: it suspends
// until a request is available, then returns it. Preconditions: the pager
// must not have been closed.
func (p *Pager) SubmitManage(ctx context.Context) (*Request, error) {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return nil, memerr.ErrPagerGone
	}
	if len(p.queued) > 0 {
		req := p.queued[0]
		p.queued = p.queued[1:]
		p.inflight[rangeKey(req.Kind, req.Range)] = req
		p.mu.Unlock()
		return req, nil
	}
	ch := make(chan *Request, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case req, ok := <-ch:
		if !ok {
			return nil, memerr.ErrPagerGone
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete resolves the in-flight request matching (kind, ar) exactly,
// unblocking every Initialize/WritebackRequest caller waiting on it. It is
// a no-op if no such request is in-flight (a late or duplicate
// complete_load).
func (p *Pager) Complete(kind RequestKind, ar hostarch.AddrRange, err error) {
	key := rangeKey(kind, ar)
	p.mu.Lock()
	req, ok := p.inflight[key]
	if ok {
		delete(p.inflight, key)
	}
	p.mu.Unlock()
	if !ok {
		memlog.Warningf("pager: complete_load for unknown request %v %v", kind, ar)
		return
	}
	req.done <- err
	p.sf.Forget(key)
}

// CompleteLoad is Complete(kind, ar, nil), the common success path.
func (p *Pager) CompleteLoad(kind RequestKind, ar hostarch.AddrRange) {
	p.Complete(kind, ar, nil)
}

// Close marks the pager gone: every pending Initialize/WritebackRequest
// call and every parked SubmitManage call fails with memerr.ErrPagerGone.
// A pager that disappears this way causes all pending lock/fetch for its
// view to fail the same way.
func (p *Pager) Close() {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return
	}
	p.gone = true
	queued := p.queued
	inflight := p.inflight
	waiters := p.waiters
	p.queued = nil
	p.inflight = make(map[string]*Request)
	p.waiters = nil
	p.mu.Unlock()

	for _, req := range queued {
		req.done <- memerr.ErrPagerGone
	}
	for _, req := range inflight {
		req.done <- memerr.ErrPagerGone
	}
	for _, w := range waiters {
		close(w)
	}
	memlog.Warningf("pager: closed with %d queued, %d in-flight, %d parked requests",
		len(queued), len(inflight), len(waiters))
}

// Gone reports whether the pager has been closed.
func (p *Pager) Gone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gone
}
