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

package view

import (
	"context"

	"github.com/UditDey/managarm/internal/memlog"
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/shootdown"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// evictionTicket names the logical range of one eviction. Nothing
// constructs one: the two-phase handshake (phase one waits for every
// observer to unmap and shoot down its stake in the range, phase two,
// Cached views only, writes back anything left dirty, and only then are
// the underlying frames released) is carried out by runEviction directly.
type evictionTicket struct {
	ar hostarch.AddrRange
}

// RequestEviction asks every live observer to drop the virtual mappings
// covering [offset, offset+size), writes back any dirty Cached pages in
// that range, and then releases the underlying physical frames. A view
// must never free a physical page until every observer has acknowledged
// eviction. It is the shared machinery behind Resize (shrinking) and a
// pager-driven reclaim.
func (v *View) RequestEviction(ctx context.Context, offset, size hostarch.Addr) *workqueue.Future[struct{}] {
	f, resolve := workqueue.NewFuture[struct{}]()
	ar := clampRange(rangeOf(offset, size), v.length)
	if ar.Length() == 0 {
		resolve(struct{}{}, nil)
		return f
	}
	go v.runEviction(ctx, ar, resolve)
	return f
}

func (v *View) runEviction(ctx context.Context, ar hostarch.AddrRange, resolve func(struct{}, error)) {
	v.mu.Lock()
	observers := v.liveObserversLocked()
	v.mu.Unlock()

	// Phase one: every observer unmaps its stake in the range and shoots
	// down the translation before the view may touch the frame.
	if len(observers) > 0 {
		futs := make([]*workqueue.Future[struct{}], 0, len(observers))
		for _, obs := range observers {
			futs = append(futs, obs.Evict(ar.Start, ar.Length()))
		}
		if err := shootdown.WaitAll(ctx, futs); err != nil {
			resolve(struct{}{}, err)
			return
		}
	}

	if v.kind != Cached {
		v.freeRange(ar)
		resolve(struct{}{}, nil)
		return
	}

	// Phase two, Cached only: writeback anything dirty, re-issuing if the
	// range was redirtied while writeback was in flight.
	for {
		v.mu.Lock()
		lo, hi := v.pageIndex(ar.Start), v.pageIndex(ar.End)
		var dirty hostarch.AddrRange
		haveDirty := false
		for i := lo; i < hi; i++ {
			p := &v.pages[i]
			if p.state == stateDirty {
				p.state = stateEvicting
				p.redirtied = false
				if !haveDirty {
					dirty.Start = hostarch.Addr(i) * hostarch.PageSize
					haveDirty = true
				}
				dirty.End = hostarch.Addr(i+1) * hostarch.PageSize
			} else if p.state == statePresent {
				p.state = stateEvicting
			}
		}
		v.cond.Broadcast()
		v.mu.Unlock()

		if haveDirty {
			if err := v.pg.WritebackRequest(ctx, dirty); err != nil {
				resolve(struct{}{}, err)
				return
			}
		}

		v.mu.Lock()
		redirtied := false
		for i := lo; i < hi; i++ {
			if v.pages[i].redirtied {
				v.pages[i].state = stateDirty
				v.pages[i].redirtied = false
				redirtied = true
			}
		}
		if redirtied {
			v.cond.Broadcast()
		}
		v.mu.Unlock()
		if redirtied {
			memlog.Debugf("view %s: range %v redirtied during writeback, re-issuing", v.ID, ar)
			continue
		}
		break
	}

	v.freeRange(ar)
	resolve(struct{}{}, nil)
}

// freeRange releases the frames backing ar back to the allocator and
// resets their state to missing/unallocated. It acquires v.mu itself,
// unlike allocatePageLocked/translationLocked/liveObserversLocked, which
// assume the caller already holds it -- hence the name without a Locked
// suffix.
func (v *View) freeRange(ar hostarch.AddrRange) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End); i++ {
		p := &v.pages[i]
		if p.pa.Valid() && !v.contiguous {
			v.alloc.Free(p.pa, 0)
		}
		p.pa = 0
		p.state = stateMissing
		p.redirtied = false
	}
	v.cond.Broadcast()
}

// Resize changes the length of an Allocated view. Growing extends the
// page table with unallocated entries; shrinking evicts and frees the
// truncated tail outright, discarding it rather than caching it for a
// later grow-back.
func (v *View) Resize(ctx context.Context, newLength hostarch.Addr) error {
	if v.kind != Allocated {
		return memerr.New(memerr.KindIllegalArgs, "resize is only valid for allocated views")
	}
	if !newLength.IsPageAligned() {
		return memerr.ErrIllegalArgs
	}

	v.mu.Lock()
	oldLength := v.length
	v.mu.Unlock()

	if newLength == oldLength {
		return nil
	}

	if newLength > oldLength {
		v.mu.Lock()
		v.pages = append(v.pages, make([]page, pageCount(newLength-oldLength))...)
		v.length = newLength
		v.mu.Unlock()
		return nil
	}

	ef := v.RequestEviction(ctx, newLength, oldLength-newLength)
	if _, err := ef.Wait(); err != nil {
		return err
	}
	v.mu.Lock()
	v.pages = v.pages[:pageCount(newLength)]
	v.length = newLength
	v.mu.Unlock()
	return nil
}
