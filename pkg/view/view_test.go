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
	"testing"
	"time"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/pager"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/workqueue"
)

func mustWait[T any](t *testing.T, f *workqueue.Future[T]) T {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("future did not resolve within 5s")
	}
	v, err := f.Wait()
	if err != nil {
		t.Fatalf("future resolved with error: %v", err)
	}
	return v
}

func TestAllocatedViewLockFetchUnlock(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v, err := NewAllocated(4*hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}

	if pa, _ := v.PeekRange(0); pa.Valid() {
		t.Fatalf("PeekRange before any Lock/Fetch = %v, want None", pa)
	}

	mustWait(t, v.LockRange(context.Background(), 0, 2*hostarch.PageSize, LockOpts{}))

	pa, _ := v.PeekRange(0)
	if !pa.Valid() {
		t.Fatalf("PeekRange after LockRange = None, want a valid frame")
	}

	res := mustWait(t, v.FetchRange(context.Background(), 0, FetchOpts{}))
	if res.PA != pa {
		t.Errorf("FetchRange PA = %v, want %v (same as PeekRange)", res.PA, pa)
	}

	v.UnlockRange(0, 2*hostarch.PageSize)
	// Residency survives unlock; only the pin is released.
	if pa2, _ := v.PeekRange(0); pa2 != pa {
		t.Errorf("PeekRange after UnlockRange = %v, want unchanged %v", pa2, pa)
	}
}

func TestAllocatedViewContiguous(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v, err := NewAllocated(4*hostarch.PageSize, alloc, true)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	mustWait(t, v.LockRange(context.Background(), 0, 4*hostarch.PageSize, LockOpts{}))

	var pas []pgalloc.PhysicalAddr
	for i := 0; i < 4; i++ {
		pa, _ := v.PeekRange(hostarch.Addr(i) * hostarch.PageSize)
		pas = append(pas, pa)
	}
	for i := 1; i < len(pas); i++ {
		if uint64(pas[i]) != uint64(pas[i-1])+hostarch.PageSize {
			t.Errorf("contiguous view pages not physically contiguous: %v", pas)
		}
	}
}

func TestAllocatedViewFetchDisallowBacking(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v, err := NewAllocated(hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	f := v.FetchRange(context.Background(), 0, FetchOpts{DisallowBacking: true})
	_, err = f.Wait()
	if err != memerr.ErrNoBacking {
		t.Errorf("FetchRange(DisallowBacking) on a missing page = %v, want memerr.ErrNoBacking", err)
	}
}

func TestAllocatedViewLockRangeDisallowBacking(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v, err := NewAllocated(hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	f := v.LockRange(context.Background(), 0, hostarch.PageSize, LockOpts{DisallowBacking: true})
	_, err = f.Wait()
	if err != memerr.ErrNoBacking {
		t.Errorf("LockRange(DisallowBacking) on a missing page = %v, want memerr.ErrNoBacking", err)
	}
	if pa, _ := v.PeekRange(0); pa.Valid() {
		t.Errorf("LockRange(DisallowBacking) allocated a page it should have refused: %v", pa)
	}
}

func TestCachedViewLockRangeDisallowBacking(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	pg := pager.New()
	v, err := NewCached(hostarch.PageSize, alloc, pg)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer pg.Close()

	// No pager backend is servicing SubmitManage; DisallowBacking must
	// fail immediately rather than block on an Initialize request this
	// caller never issued.
	f := v.LockRange(context.Background(), 0, hostarch.PageSize, LockOpts{DisallowBacking: true})
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("LockRange(DisallowBacking) blocked instead of failing fast on a missing page")
	}
	if _, err := f.Wait(); err != memerr.ErrNoBacking {
		t.Errorf("LockRange(DisallowBacking) on a missing cached page = %v, want memerr.ErrNoBacking", err)
	}
}

func TestHardwareViewAlwaysResident(t *testing.T) {
	v, err := NewHardware(0x1000, 2*hostarch.PageSize, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("NewHardware: %v", err)
	}
	pa, caching := v.PeekRange(0)
	if pa != pgalloc.PhysicalAddr(0x1000) {
		t.Errorf("PeekRange(0) = %v, want 0x1000", pa)
	}
	if caching != hostarch.MemoryTypeUncached {
		t.Errorf("PeekRange caching = %v, want uncached", caching)
	}
}

func TestMirroredViewIsIdentityHardware(t *testing.T) {
	v, err := NewMirrored(0x2000, hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewMirrored: %v", err)
	}
	if v.Kind() != Mirrored {
		t.Errorf("Kind() = %v, want Mirrored", v.Kind())
	}
	pa, _ := v.PeekRange(0)
	if pa != pgalloc.PhysicalAddr(0x2000) {
		t.Errorf("PeekRange(0) = %v, want 0x2000", pa)
	}
}

// fakePagerBackend drives a Pager's SubmitManage/Complete loop the way a
// user-space pager process would, completing every request with zeroed
// (already-allocated) content. It returns once pg is closed.
func fakePagerBackend(pg *pager.Pager) {
	ctx := context.Background()
	for {
		req, err := pg.SubmitManage(ctx)
		if err != nil {
			return
		}
		pg.CompleteLoad(req.Kind, req.Range)
	}
}

func TestCachedViewLockRangeDrivesManageQueue(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	pg := pager.New()
	v, err := NewCached(4*hostarch.PageSize, alloc, pg)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	go fakePagerBackend(pg)
	defer pg.Close()

	mustWait(t, v.LockRange(context.Background(), 0, 4*hostarch.PageSize, LockOpts{}))

	for i := 0; i < 4; i++ {
		if pa, _ := v.PeekRange(hostarch.Addr(i) * hostarch.PageSize); !pa.Valid() {
			t.Errorf("page %d not resident after LockRange completed", i)
		}
	}
}

func TestCachedViewPagerGoneFailsPendingLock(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	pg := pager.New()
	v, err := NewCached(hostarch.PageSize, alloc, pg)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	f := v.LockRange(context.Background(), 0, hostarch.PageSize, LockOpts{})
	// Give lockCachedRange a chance to queue the Initialize request before
	// the pager disappears out from under it.
	time.Sleep(10 * time.Millisecond)
	pg.Close()

	_, err = f.Wait()
	if err != memerr.ErrPagerGone {
		t.Errorf("LockRange after Close() = %v, want memerr.ErrPagerGone", err)
	}
}

// countingObserver records every Evict call it receives and resolves
// immediately, standing in for a vspace.Mapping in these tests.
type countingObserver struct {
	evicted []hostarch.AddrRange
}

func (o *countingObserver) Evict(vo, n hostarch.Addr) *workqueue.Future[struct{}] {
	o.evicted = append(o.evicted, hostarch.AddrRange{Start: vo, End: vo + n})
	f, resolve := workqueue.NewFuture[struct{}]()
	resolve(struct{}{}, nil)
	return f
}

func TestResizeShrinkNotifiesObserversBeforeFreeing(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v, err := NewAllocated(4*hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	mustWait(t, v.LockRange(context.Background(), 0, 4*hostarch.PageSize, LockOpts{}))
	v.UnlockRange(0, 4*hostarch.PageSize)

	obs := &countingObserver{}
	h := NewObserverHandle(obs)
	v.AddObserver(h)

	if err := v.Resize(context.Background(), 2*hostarch.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if len(obs.evicted) != 1 {
		t.Fatalf("observer received %d Evict calls, want 1", len(obs.evicted))
	}
	want := hostarch.AddrRange{Start: 2 * hostarch.PageSize, End: 4 * hostarch.PageSize}
	if obs.evicted[0] != want {
		t.Errorf("Evict range = %v, want %v", obs.evicted[0], want)
	}
	if pa, _ := v.PeekRange(3 * hostarch.PageSize); pa.Valid() {
		t.Errorf("PeekRange into the truncated tail after Resize = %v, want None", pa)
	}
}

func TestMarkDirtyTransitionsPresentToDirty(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	pg := pager.New()
	v, err := NewCached(hostarch.PageSize, alloc, pg)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	go fakePagerBackend(pg)
	defer pg.Close()

	mustWait(t, v.LockRange(context.Background(), 0, hostarch.PageSize, LockOpts{}))
	v.MarkDirty(0, hostarch.PageSize)

	v.mu.Lock()
	state := v.pages[0].state
	v.mu.Unlock()
	if state != stateDirty {
		t.Errorf("page state after MarkDirty = %v, want dirty", state)
	}
}
