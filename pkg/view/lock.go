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

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// LockOpts controls LockRange.
type LockOpts struct {
	// DisallowBacking fails the lock with memerr.ErrNoBacking instead of
	// forcing a missing page resident, for callers that would rather fall
	// back to other means of resolving a fault (e.g. the shared zero frame)
	// than trigger a pager request or an allocation they aren't entitled
	// to make.
	DisallowBacking bool
}

// LockRange pins the frames in [offset, offset+size) so that PeekRange
// returns the same pa until a matching UnlockRange. For Cached views, any
// missing page in the range moves to loading, triggering a Manage request,
// unless opts.DisallowBacking is set, in which case a missing page fails
// the lock instead; the returned Future resolves once every page in the
// range has reached present (or dirty).
func (v *View) LockRange(ctx context.Context, offset, size hostarch.Addr, opts LockOpts) *workqueue.Future[struct{}] {
	f, resolve := workqueue.NewFuture[struct{}]()
	ar := clampRange(rangeOf(offset, size), v.length)
	if ar.Length() == 0 {
		resolve(struct{}{}, memerr.ErrIllegalArgs)
		return f
	}

	switch v.kind {
	case Hardware, Mirrored:
		v.mu.Lock()
		for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End); i++ {
			v.pages[i].pins++
		}
		v.mu.Unlock()
		resolve(struct{}{}, nil)
		return f

	case Allocated:
		v.mu.Lock()
		if opts.DisallowBacking {
			for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End); i++ {
				if !v.pages[i].pa.Valid() {
					v.mu.Unlock()
					resolve(struct{}{}, memerr.ErrNoBacking)
					return f
				}
			}
		}
		var err error
		for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End) && err == nil; i++ {
			if v.contiguous {
				err = v.allocateContiguousLocked()
			} else {
				err = v.allocatePageLocked(i)
			}
		}
		if err == nil {
			for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End); i++ {
				v.pages[i].pins++
			}
		}
		v.mu.Unlock()
		resolve(struct{}{}, err)
		return f

	case Cached:
		go v.lockCachedRange(ctx, ar, opts, resolve)
		return f

	default:
		resolve(struct{}{}, memerr.New(memerr.KindIllegalArgs, "unknown view kind"))
		return f
	}
}

// allocateContiguousLocked allocates the view's entire backing run as one
// physical allocation on first touch, for Allocated views created with
// contiguous=true. v.mu must be held.
func (v *View) allocateContiguousLocked() error {
	if v.pages[0].pa.Valid() {
		return nil
	}
	n := len(v.pages)
	order := uint(0)
	for (1 << order) < n {
		order++
	}
	pa, err := v.alloc.Allocate(order, 0)
	if err != nil {
		return err
	}
	base := uint64(pa)
	for i := range v.pages {
		v.pages[i].pa = pgalloc.PhysicalAddr(base + uint64(i)*hostarch.PageSize)
	}
	return nil
}

// lockCachedRange drives the missing->loading->present state machine for a
// Cached view's range, coalescing contiguous missing spans into a single
// Initialize request. If opts.DisallowBacking is set, a missing page fails
// the lock immediately instead of issuing that request.
func (v *View) lockCachedRange(ctx context.Context, ar hostarch.AddrRange, opts LockOpts, resolve func(struct{}, error)) {
	lo, hi := v.pageIndex(ar.Start), v.pageIndex(ar.End)

	for i := lo; i < hi; {
		v.mu.Lock()
		if v.pg != nil && v.pg.Gone() {
			v.mu.Unlock()
			resolve(struct{}{}, memerr.ErrPagerGone)
			return
		}
		p := &v.pages[i]
		switch p.state {
		case stateMissing:
			if opts.DisallowBacking {
				v.mu.Unlock()
				resolve(struct{}{}, memerr.ErrNoBacking)
				return
			}
			j := i
			for j < hi && v.pages[j].state == stateMissing {
				v.pages[j].state = stateLoading
				j++
			}
			span := hostarch.AddrRange{Start: hostarch.Addr(i) * hostarch.PageSize, End: hostarch.Addr(j) * hostarch.PageSize}
			v.mu.Unlock()

			if err := v.pg.Initialize(ctx, span); err != nil {
				v.mu.Lock()
				for k := i; k < j; k++ {
					v.pages[k].state = stateMissing
				}
				v.cond.Broadcast()
				v.mu.Unlock()
				resolve(struct{}{}, err)
				return
			}

			v.mu.Lock()
			for k := i; k < j; k++ {
				if !v.pages[k].pa.Valid() {
					pa, aerr := v.alloc.Allocate(0, 0)
					if aerr != nil {
						v.mu.Unlock()
						resolve(struct{}{}, aerr)
						return
					}
					v.pages[k].pa = pa
				}
				v.pages[k].state = statePresent
			}
			v.cond.Broadcast()
			v.mu.Unlock()
			i = j

		case stateLoading:
			// Another caller's Initialize for this exact page is
			// already in flight and coalesced via the Pager's
			// singleflight, so just wait for it to leave loading and
			// re-check.
			v.cond.Wait()
			v.mu.Unlock()

		case statePresent, stateDirty:
			i++
			v.mu.Unlock()

		case stateEvicting:
			// Wait for the in-progress eviction to settle before
			// re-evaluating this page.
			v.cond.Wait()
			v.mu.Unlock()

		default:
			v.mu.Unlock()
		}
	}

	v.mu.Lock()
	for i := lo; i < hi; i++ {
		v.pages[i].pins++
	}
	v.mu.Unlock()
	resolve(struct{}{}, nil)
}

// UnlockRange releases pins taken by a prior LockRange over the same
// range.
func (v *View) UnlockRange(offset, size hostarch.Addr) {
	ar := clampRange(rangeOf(offset, size), v.length)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End); i++ {
		if v.pages[i].pins > 0 {
			v.pages[i].pins--
		}
	}
}

// PinCount returns the page containing offset's current pin count, for
// diagnostics and tests asserting LockRange/UnlockRange
// balance; it is not consulted by eviction, which gates on the observer
// handshake instead.
func (v *View) PinCount(offset hostarch.Addr) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.pageIndex(offset)
	if i < 0 || i >= len(v.pages) {
		return 0
	}
	return v.pages[i].pins
}
