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

// Package view implements the Memory View: the fundamental page container
// that backs a logical, page-aligned region with physical pages, in one of
// four variants (Allocated, Hardware, Backed-by-cache, Hardware-mirrored).
//
// It plays the role gVisor's memmap.Mappable plus pkg/sentry/mm's pma
// machinery play together (pma.go's getPMAsInternalLocked drives
// allocation-or-translation exactly where View.LockRange does here),
// adapted to this module's explicit continuation/workqueue concurrency
// model instead of goroutine-per-syscall blocking calls guarded by
// gVisor's activeMu.
package view

import (
	"sync"
	"weak"

	"github.com/rs/xid"

	"github.com/UditDey/managarm/internal/memlog"
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/pager"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// Kind discriminates the four Memory View variants.
type Kind int

const (
	// Allocated views get their pages on demand from the physical
	// allocator; optionally contiguous.
	Allocated Kind = iota
	// Hardware views map a fixed physical range (device BARs).
	Hardware
	// Cached views are backed by a Cache Pager.
	Cached
	// Mirrored views are an identity region for kernel use.
	Mirrored
)

func (k Kind) String() string {
	switch k {
	case Allocated:
		return "allocated"
	case Hardware:
		return "hardware"
	case Cached:
		return "cached"
	case Mirrored:
		return "mirrored"
	default:
		return "unknown"
	}
}

// pageState is the per-page state machine of a Cached view:
// missing -> loading -> present <-> dirty -> evicting -> missing.
type pageState int

const (
	stateMissing pageState = iota
	stateLoading
	statePresent
	stateDirty
	stateEvicting
)

func (s pageState) String() string {
	switch s {
	case stateMissing:
		return "missing"
	case stateLoading:
		return "loading"
	case statePresent:
		return "present"
	case stateDirty:
		return "dirty"
	case stateEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

type page struct {
	pa      pgalloc.PhysicalAddr
	state   pageState // meaningful only for Cached views
	pins    int
	caching hostarch.MemoryType // per-page caching-mode override
	// redirtied is set by MarkDirty while a page is stateEvicting, forcing
	// the evictor to re-issue Writeback: a page can become dirty again
	// between the writeback request and its completion, and the pager
	// must re-issue if so.
	redirtied bool
}

// Observer is implemented by anything that wants eviction notifications
// from a View -- in practice a vspace.Mapping. Evict asks the observer to
// unmap virtual pages covering the evicted logical range and perform its
// shootdown, resolving once it is safe for the View to physically release
// the corresponding frames.
type Observer interface {
	Evict(vo, n hostarch.Addr) *workqueue.Future[struct{}]
}

// ObserverHandle is the strong box an Observer keeps alive for as long as
// it wants to remain registered; a View only ever holds a weak.Pointer to
// it, so on eviction the view upgrades each weak reference and silently
// drops the ones that have expired instead of keeping mappings alive
// forever through a cyclic strong reference.
type ObserverHandle struct {
	obs Observer
}

// NewObserverHandle wraps obs for registration with a View via AddObserver.
func NewObserverHandle(obs Observer) *ObserverHandle {
	return &ObserverHandle{obs: obs}
}

// View is the fundamental page container.
type View struct {
	ID     xid.ID
	kind   Kind
	length hostarch.Addr // bytes, page-aligned

	alloc      pgalloc.Allocator
	contiguous bool // Allocated: pages allocated as one contiguous run

	hwBase     pgalloc.PhysicalAddr // Hardware/Mirrored
	defCaching hostarch.MemoryType

	pg *pager.Pager // non-nil only for Cached views

	mu        sync.Mutex
	cond      *sync.Cond // signaled whenever a page's state changes; Locker is &mu
	pages     []page
	observers []weak.Pointer[ObserverHandle]
}

// bindCond wires v.cond to v.mu; called by every constructor.
func (v *View) bindCond() {
	v.cond = sync.NewCond(&v.mu)
}

// pageCount returns the number of pages backing a view of length bytes.
func pageCount(length hostarch.Addr) int {
	return int(length / hostarch.PageSize)
}

// NewAllocated returns an Allocated view of length bytes, whose pages are
// allocated on demand from alloc. If contiguous, the whole view is
// allocated as a single run on first touch instead of per-page.
func NewAllocated(length hostarch.Addr, alloc pgalloc.Allocator, contiguous bool) (*View, error) {
	if length == 0 || !length.IsPageAligned() {
		return nil, memerr.ErrIllegalArgs
	}
	v := &View{
		ID:         xid.New(),
		kind:       Allocated,
		length:     length,
		alloc:      alloc,
		contiguous: contiguous,
		pages:      make([]page, pageCount(length)),
	}
	v.bindCond()
	return v, nil
}

// NewHardware returns a Hardware view mapping the fixed physical range
// [base, base+length) with the given default caching mode.
func NewHardware(base pgalloc.PhysicalAddr, length hostarch.Addr, defCaching hostarch.MemoryType) (*View, error) {
	if length == 0 || !length.IsPageAligned() {
		return nil, memerr.ErrIllegalArgs
	}
	v := &View{
		ID:         xid.New(),
		kind:       Hardware,
		length:     length,
		hwBase:     base,
		defCaching: defCaching,
		pages:      make([]page, pageCount(length)),
	}
	n := uint64(base)
	for i := range v.pages {
		v.pages[i] = page{pa: pgalloc.PhysicalAddr(n), caching: defCaching}
		n += hostarch.PageSize
	}
	v.bindCond()
	return v, nil
}

// NewMirrored returns a Hardware-mirrored identity view of the given
// physical range for kernel-internal use.
func NewMirrored(base pgalloc.PhysicalAddr, length hostarch.Addr) (*View, error) {
	v, err := NewHardware(base, length, hostarch.MemoryTypeWriteBack)
	if err != nil {
		return nil, err
	}
	v.kind = Mirrored
	return v, nil
}

// NewCached returns a Backed-by-cache view of length bytes served by pg.
func NewCached(length hostarch.Addr, alloc pgalloc.Allocator, pg *pager.Pager) (*View, error) {
	if length == 0 || !length.IsPageAligned() {
		return nil, memerr.ErrIllegalArgs
	}
	v := &View{
		ID:     xid.New(),
		kind:   Cached,
		length: length,
		alloc:  alloc,
		pg:     pg,
		pages:  make([]page, pageCount(length)),
	}
	v.bindCond()
	return v, nil
}

// Kind returns the view's variant.
func (v *View) Kind() Kind { return v.kind }

// Length returns the view's length in bytes.
func (v *View) Length() hostarch.Addr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.length
}

// Pager returns the view's Cache Pager, or nil if this is not a Cached
// view.
func (v *View) Pager() *pager.Pager { return v.pg }

func (v *View) pageIndex(offset hostarch.Addr) int { return int(offset / hostarch.PageSize) }

// PeekRange returns (pa, caching) for the page containing offset.
// Non-blocking: pa is pgalloc.None iff the page is not currently resident.
func (v *View) PeekRange(offset hostarch.Addr) (pgalloc.PhysicalAddr, hostarch.MemoryType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.pageIndex(offset)
	if i < 0 || i >= len(v.pages) {
		return pgalloc.None, hostarch.MemoryTypeWriteBack
	}
	p := &v.pages[i]
	if v.kind == Cached && p.state != statePresent && p.state != stateDirty && p.state != stateEvicting {
		return pgalloc.None, hostarch.MemoryTypeWriteBack
	}
	if v.kind == Allocated && !p.pa.Valid() {
		return pgalloc.None, hostarch.MemoryTypeWriteBack
	}
	caching := p.caching
	if caching == hostarch.MemoryTypeWriteBack && v.defCaching != hostarch.MemoryTypeWriteBack {
		caching = v.defCaching
	}
	return p.pa, caching
}

// AddObserver registers h to receive eviction notifications.
func (v *View) AddObserver(h *ObserverHandle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, weak.Make(h))
}

// RemoveObserver deregisters h.
func (v *View) RemoveObserver(h *ObserverHandle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	target := weak.Make(h)
	for i, w := range v.observers {
		if w == target {
			v.observers = append(v.observers[:i], v.observers[i+1:]...)
			return
		}
	}
}

func (v *View) liveObserversLocked() []Observer {
	out := v.observers[:0]
	var live []Observer
	for _, w := range v.observers {
		if h := w.Value(); h != nil {
			out = append(out, w)
			live = append(live, h.obs)
		}
	}
	v.observers = out
	return live
}

// allocatePageLocked allocates a single frame for an Allocated view's page i.
// v.mu must be held.
func (v *View) allocatePageLocked(i int) error {
	if v.pages[i].pa.Valid() {
		return nil
	}
	pa, err := v.alloc.Allocate(0, 0)
	if err != nil {
		memlog.Warningf("view %s: allocate page %d: %v", v.ID, i, err)
		return err
	}
	v.pages[i] = page{pa: pa}
	return nil
}

func clampRange(ar hostarch.AddrRange, length hostarch.Addr) hostarch.AddrRange {
	if ar.End > length {
		ar.End = length
	}
	return ar
}

func rangeOf(offset, size hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: offset, End: offset + size}
}
