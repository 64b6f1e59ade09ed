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

// FetchResult is the translation a successful FetchRange produces: the
// physical page backing offset, how many contiguous bytes starting at
// offset share that same translation, and the caching mode to map it with.
type FetchResult struct {
	PA      pgalloc.PhysicalAddr
	Length  hostarch.Addr
	Caching hostarch.MemoryType
}

// FetchOpts controls FetchRange.
type FetchOpts struct {
	// DisallowBacking fails the fetch with memerr.ErrNoBacking instead of
	// populating a missing Cached page, for callers that only want to
	// observe current residency (e.g. a CoW chain's read-side lookup
	// falling through to the base view without forcing it resident).
	DisallowBacking bool
}

// FetchRange resolves the translation for offset, forcing the page
// resident unless opts.DisallowBacking is set. It is a suspension point
// for Cached views backed by a missing page; all other variants resolve
// synchronously.
func (v *View) FetchRange(ctx context.Context, offset hostarch.Addr, opts FetchOpts) *workqueue.Future[FetchResult] {
	f, resolve := workqueue.NewFuture[FetchResult]()
	if offset >= v.length {
		resolve(FetchResult{}, memerr.ErrIllegalArgs)
		return f
	}

	v.mu.Lock()
	i := v.pageIndex(offset)
	p := &v.pages[i]

	switch v.kind {
	case Hardware, Mirrored:
		res := v.translationLocked(i)
		v.mu.Unlock()
		resolve(res, nil)
		return f

	case Allocated:
		if !p.pa.Valid() {
			if opts.DisallowBacking {
				v.mu.Unlock()
				resolve(FetchResult{}, memerr.ErrNoBacking)
				return f
			}
			if err := v.allocatePageLocked(i); err != nil {
				v.mu.Unlock()
				resolve(FetchResult{}, err)
				return f
			}
		}
		res := v.translationLocked(i)
		v.mu.Unlock()
		resolve(res, nil)
		return f

	case Cached:
		if p.state == statePresent || p.state == stateDirty {
			res := v.translationLocked(i)
			v.mu.Unlock()
			resolve(res, nil)
			return f
		}
		if opts.DisallowBacking {
			v.mu.Unlock()
			resolve(FetchResult{}, memerr.ErrNoBacking)
			return f
		}
		v.mu.Unlock()
		ar := hostarch.AddrRange{Start: offset.PageRoundDown(), End: offset.PageRoundDown() + hostarch.PageSize}
		lf := v.LockRange(ctx, ar.Start, ar.Length(), LockOpts{})
		go func() {
			if _, err := lf.Wait(); err != nil {
				resolve(FetchResult{}, err)
				return
			}
			v.mu.Lock()
			res := v.translationLocked(i)
			v.pages[i].pins--
			v.mu.Unlock()
			resolve(res, nil)
		}()
		return f

	default:
		v.mu.Unlock()
		resolve(FetchResult{}, memerr.New(memerr.KindIllegalArgs, "unknown view kind"))
		return f
	}
}

// translationLocked builds a FetchResult for page i, coalescing forward
// while subsequent pages share the same residency and per-page caching
// mode, mirroring memmap.Translation's batching in gVisor. v.mu must be
// held.
func (v *View) translationLocked(i int) FetchResult {
	p := &v.pages[i]
	caching := p.caching
	if caching == hostarch.MemoryTypeWriteBack && v.defCaching != hostarch.MemoryTypeWriteBack {
		caching = v.defCaching
	}
	length := hostarch.Addr(hostarch.PageSize)
	for j := i + 1; j < len(v.pages); j++ {
		q := &v.pages[j]
		if q.caching != p.caching {
			break
		}
		if v.kind == Allocated && !q.pa.Valid() {
			break
		}
		if v.kind == Cached && q.state != statePresent && q.state != stateDirty {
			break
		}
		if uint64(q.pa) != uint64(p.pa)+uint64(length) {
			break
		}
		length += hostarch.PageSize
	}
	return FetchResult{PA: p.pa, Length: length, Caching: caching}
}

// MarkDirty transitions every present page in [offset, offset+size) to
// dirty. A page currently evicting is instead flagged redirtied, forcing
// the pager to re-issue Writeback once the in-flight one completes.
func (v *View) MarkDirty(offset, size hostarch.Addr) {
	if v.kind != Cached && v.kind != Allocated {
		return
	}
	ar := clampRange(rangeOf(offset, size), v.length)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := v.pageIndex(ar.Start); i < v.pageIndex(ar.End); i++ {
		p := &v.pages[i]
		switch p.state {
		case statePresent:
			p.state = stateDirty
		case stateEvicting:
			p.redirtied = true
		}
	}
}
