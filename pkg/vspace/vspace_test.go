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

package vspace

import (
	"context"
	"sync"
	"testing"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/pager"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/ptops"
	"github.com/UditDey/managarm/pkg/slice"
	"github.com/UditDey/managarm/pkg/view"
)

// fakePageTable is a minimal in-memory ptops.Ops double: shootdowns ack
// synchronously, and entries are tracked in a plain map.
type fakePageTable struct {
	mu      sync.Mutex
	ptes    map[hostarch.Addr]pgalloc.PhysicalAddr
	caching map[hostarch.Addr]hostarch.MemoryType

	shootdowns []hostarch.AddrRange
}

func newFakePageTable() *fakePageTable {
	return &fakePageTable{
		ptes:    make(map[hostarch.Addr]pgalloc.PhysicalAddr),
		caching: make(map[hostarch.Addr]hostarch.MemoryType),
	}
}

func (f *fakePageTable) MapSinglePage(va hostarch.Addr, pa pgalloc.PhysicalAddr, _ hostarch.AccessType, caching hostarch.MemoryType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptes[va] = pa
	f.caching[va] = caching
	return nil
}

func (f *fakePageTable) UnmapSinglePage(va hostarch.Addr) ptops.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, present := f.ptes[va]
	delete(f.ptes, va)
	return ptops.Status{Present: present}
}

func (f *fakePageTable) IsMapped(va hostarch.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ptes[va]
	return ok
}

func (f *fakePageTable) SubmitShootdown(ar hostarch.AddrRange) <-chan struct{} {
	f.mu.Lock()
	f.shootdowns = append(f.shootdowns, ar)
	f.mu.Unlock()
	ack := make(chan struct{})
	close(ack)
	return ack
}

func (f *fakePageTable) Retire() <-chan struct{} {
	ack := make(chan struct{})
	close(ack)
	return ack
}

func (f *fakePageTable) mapped(va hostarch.Addr) (pgalloc.PhysicalAddr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pa, ok := f.ptes[va]
	return pa, ok
}

func (f *fakePageTable) cachingAt(va hostarch.Addr) hostarch.MemoryType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caching[va]
}

func newAllocatedView(t *testing.T, alloc pgalloc.Allocator, pages int) *view.View {
	t.Helper()
	v, err := view.NewAllocated(hostarch.Addr(pages)*hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	return v
}

func TestMapAndFaultInResidentPage(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 2)
	sl, err := slice.New(v, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}

	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)

	va, _, err := s.Map(sl, 0, 2*hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if pt.IsMapped(va) {
		t.Errorf("freshly mapped page is already present before any fault")
	}

	if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if !pt.IsMapped(va) {
		t.Errorf("HandleFault did not install a PTE at %v", va)
	}
	if got := s.RSS(); got != hostarch.PageSize {
		t.Errorf("RSS after one fault = %v, want %v", got, hostarch.PageSize)
	}

	// A second fault against the same, still-current translation is
	// spurious and must not disturb RSS accounting.
	if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("second HandleFault: %v", err)
	}
	if got := s.RSS(); got != hostarch.PageSize {
		t.Errorf("RSS after spurious refault = %v, want %v", got, hostarch.PageSize)
	}
	if got := v.PinCount(0); got != 0 {
		t.Errorf("pin count after two faults (one spurious) = %v, want 0: HandleFault must release the lock_range pin once the PTE is installed", got)
	}
}

// TestHandleFaultDoesNotLeakPinsAcrossRepeatedFaults guards against
// LockRange's pin growing unbounded across many faults against the same
// page -- each fault must take and release its own transient pin rather
// than compounding one HandleFault never unlocked.
func TestHandleFaultDoesNotLeakPinsAcrossRepeatedFaults(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 1)
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}

	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)
	va, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
			t.Fatalf("HandleFault #%d: %v", i, err)
		}
	}
	if got := v.PinCount(0); got != 0 {
		t.Errorf("pin count after 5 faults = %v, want 0", got)
	}
}

func TestMapCachingOverrideAppliesToInstalledPTEs(t *testing.T) {
	v, err := view.NewHardware(0x1000, hostarch.PageSize, hostarch.MemoryTypeWriteBack)
	if err != nil {
		t.Fatalf("NewHardware: %v", err)
	}
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}

	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)

	// Hardware views install every resident page eagerly at Map time, so
	// no fault is needed to observe the caching mode a mapping installed.
	va1, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{
		Placement: PreferBottom,
		Flags:     hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Map (view default caching): %v", err)
	}
	if got := pt.cachingAt(va1); got != hostarch.MemoryTypeWriteBack {
		t.Errorf("caching at default mapping = %v, want WriteBack (the view's default)", got)
	}

	va2, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{
		Placement:          PreferBottom,
		Flags:              hostarch.ReadWrite,
		Caching:            hostarch.MemoryTypeUncached,
		HasCachingOverride: true,
	})
	if err != nil {
		t.Fatalf("Map (override caching): %v", err)
	}
	if got := pt.cachingAt(va2); got != hostarch.MemoryTypeUncached {
		t.Errorf("caching at overriding mapping = %v, want Uncached", got)
	}
	// The first mapping's PTE, and the shared view's own reported default,
	// must be untouched by the second mapping's override.
	if got := pt.cachingAt(va1); got != hostarch.MemoryTypeWriteBack {
		t.Errorf("caching at default mapping after a second, overriding mapping = %v, want WriteBack", got)
	}
	if _, caching := v.PeekRange(0); caching != hostarch.MemoryTypeWriteBack {
		t.Errorf("view's own PeekRange caching = %v, want WriteBack (unaffected by a mapping-level override)", caching)
	}
}

func TestHandleFaultUnresolvedOutsideAnyMapping(t *testing.T) {
	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)
	alloc := pgalloc.NewBitmapAllocator(0, 16)

	err := s.HandleFault(context.Background(), 4096, hostarch.Read, alloc)
	if err != memerr.ErrFault {
		t.Errorf("HandleFault outside any mapping = %v, want ErrFault", err)
	}
}

func TestHandleFaultRejectsIncompatibleAccess(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 1)
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)
	va, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := s.HandleFault(context.Background(), va, hostarch.Write, alloc); err != memerr.ErrFault {
		t.Errorf("write fault against a read-only mapping = %v, want ErrFault", err)
	}
}

func TestUnmapCoalescesHoleAndRetiresMapping(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 4)
	sl, err := slice.New(v, 0, 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	pt := newFakePageTable()
	s := NewSpace(0, 4*hostarch.PageSize, pt)

	va, m, err := s.Map(sl, 0, 2*hostarch.PageSize, MapOpts{Placement: Fixed, VA: hostarch.PageSize, Flags: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if _, err := s.Unmap(va, 2*hostarch.PageSize).Wait(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := m.State(); got != StateRetired {
		t.Errorf("mapping state after Unmap = %v, want retired", got)
	}
	if pt.IsMapped(va) {
		t.Errorf("Unmap left a PTE installed at %v", va)
	}

	holes := s.Holes()
	if len(holes) != 1 || holes[0] != (hostarch.AddrRange{Start: 0, End: 4 * hostarch.PageSize}) {
		t.Errorf("Holes() after unmapping the only mapping = %v, want the whole space coalesced into one hole", holes)
	}
}

func TestForkCowDivergesAfterWrite(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 32)
	v := newAllocatedView(t, alloc, 1)
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}

	parentPT := newFakePageTable()
	parent := NewSpace(0, 1<<30, parentPT)
	va, _, err := parent.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.ReadWrite, ForkDisposition: CoW})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := parent.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("parent HandleFault: %v", err)
	}
	parentOriginal, _ := parentPT.mapped(va)

	childPT := newFakePageTable()
	child, err := parent.Fork(childPT)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// The fork kept the parent mapping's logical permission at ReadWrite;
	// only its installed PTE was narrowed, which HandleFault below proves
	// by still accepting a write fault against it.
	pm := parent.Mappings()[0]
	if !pm.Flags().SupersetOf(hostarch.ReadWrite) {
		t.Errorf("parent mapping's logical flags = %v, want unchanged ReadWrite", pm.Flags())
	}

	if err := child.HandleFault(context.Background(), va, hostarch.Write, alloc); err != nil {
		t.Fatalf("child write fault: %v", err)
	}
	childPA, ok := childPT.mapped(va)
	if !ok {
		t.Fatalf("child write fault did not install a PTE")
	}
	if childPA == parentOriginal {
		t.Errorf("child's post-write frame %v must not alias the parent's original frame %v", childPA, parentOriginal)
	}

	if err := parent.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("parent re-fault: %v", err)
	}
	parentPA, _ := parentPT.mapped(va)
	if parentPA != parentOriginal {
		t.Errorf("parent's page changed after the child's independent write: got %v, want unchanged %v", parentPA, parentOriginal)
	}
}

func TestForkCowParentWriteAllocatesFreshFrame(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 32)
	v := newAllocatedView(t, alloc, 1)
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}

	parentPT := newFakePageTable()
	parent := NewSpace(0, 1<<30, parentPT)
	va, _, err := parent.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.ReadWrite, ForkDisposition: CoW})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := parent.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("parent HandleFault: %v", err)
	}
	original, _ := parentPT.mapped(va)

	childPT := newFakePageTable()
	if _, err := parent.Fork(childPT); err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// No chain node owns the page after Fork -- it is still the view's
	// own -- so the parent's first post-fork write must allocate a fresh
	// frame rather than keep writing the original.
	if err := parent.HandleFault(context.Background(), va, hostarch.Write, alloc); err != nil {
		t.Fatalf("parent write fault: %v", err)
	}
	diverged, ok := parentPT.mapped(va)
	if !ok {
		t.Fatalf("parent write fault did not install a PTE")
	}
	if diverged == original {
		t.Errorf("parent write fault reused the pre-fork frame %v, want a fresh copy", original)
	}
}

func TestProtectIssuesShootdown(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 1)
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)
	va, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if _, err := s.Protect(va, hostarch.PageSize, hostarch.Read).Wait(); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if len(pt.shootdowns) == 0 {
		t.Errorf("Protect did not submit a shootdown")
	}
	if !pt.IsMapped(va) {
		t.Errorf("Protect dropped an otherwise-still-resident page's PTE")
	}
}

func TestFixedPlacementRejectsOverlap(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 4)
	sl, err := slice.New(v, 0, 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	pt := newFakePageTable()
	s := NewSpace(0, 4*hostarch.PageSize, pt)

	if _, _, err := s.Map(sl, 0, 2*hostarch.PageSize, MapOpts{Placement: Fixed, VA: 0, Flags: hostarch.ReadWrite}); err != nil {
		t.Fatalf("first Map: %v", err)
	}

	// The first mapping already owns [0, 2*PageSize); a second Fixed
	// request overlapping it must fail rather than silently split or
	// displace the existing hole accounting.
	if _, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: Fixed, VA: hostarch.PageSize, Flags: hostarch.ReadWrite}); err == nil {
		t.Errorf("Fixed Map overlapping an existing mapping succeeded, want an error")
	}

	// An unaligned Fixed address must also be rejected outright.
	if _, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{Placement: Fixed, VA: 2*hostarch.PageSize + 1, Flags: hostarch.ReadWrite}); err != memerr.ErrIllegalArgs {
		t.Errorf("unaligned Fixed VA = %v, want ErrIllegalArgs", err)
	}

	holes := s.Holes()
	if len(holes) != 1 || holes[0] != (hostarch.AddrRange{Start: 2 * hostarch.PageSize, End: 4 * hostarch.PageSize}) {
		t.Errorf("Holes() after the rejected overlaps = %v, want only the untouched remainder", holes)
	}
}

func TestDontRequireBackingFallsBackToZeroFrame(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v, err := view.NewCached(hostarch.PageSize, alloc, pager.New())
	if err != nil {
		t.Fatalf("view.NewCached: %v", err)
	}
	sl, err := slice.New(v, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)

	va, _, err := s.Map(sl, 0, hostarch.PageSize, MapOpts{
		Placement:          PreferBottom,
		Flags:              hostarch.ReadWrite,
		DontRequireBacking: true,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	// A read fault against a page with no pager backing must fall back
	// to the shared zero frame instead of blocking on a request this
	// mapping was never entitled to make.
	if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	zeroPA, ok := pt.mapped(va)
	if !ok {
		t.Fatalf("HandleFault did not install a PTE at %v", va)
	}

	// A second dont_require_backing mapping over an independent missing
	// page must resolve to the same shared zero frame.
	v2, err := view.NewCached(hostarch.PageSize, alloc, pager.New())
	if err != nil {
		t.Fatalf("view.NewCached: %v", err)
	}
	sl2, err := slice.New(v2, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	va2, _, err := s.Map(sl2, 0, hostarch.PageSize, MapOpts{
		Placement:          PreferBottom,
		Flags:              hostarch.ReadWrite,
		DontRequireBacking: true,
	})
	if err != nil {
		t.Fatalf("second Map: %v", err)
	}
	if err := s.HandleFault(context.Background(), va2, hostarch.Read, alloc); err != nil {
		t.Fatalf("second HandleFault: %v", err)
	}
	secondPA, _ := pt.mapped(va2)
	if secondPA != zeroPA {
		t.Errorf("second dont_require_backing fault resolved to %v, want the shared zero frame %v", secondPA, zeroPA)
	}
}

func TestRetireDelegatesToPageTable(t *testing.T) {
	pt := newFakePageTable()
	s := NewSpace(0, 1<<30, pt)

	select {
	case <-s.Retire():
	default:
		t.Errorf("Retire() did not return an already-closed channel for a fake page table that acks synchronously")
	}
}

func TestEvictResolvesThroughOwningSpaceQueue(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	v := newAllocatedView(t, alloc, 2)
	sl, err := slice.New(v, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("slice.New: %v", err)
	}
	pt := newFakePageTable()
	s := NewSpace(0, 2*hostarch.PageSize, pt)

	va, m, err := s.Map(sl, 0, 2*hostarch.PageSize, MapOpts{Placement: PreferBottom, Flags: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := s.HandleFault(context.Background(), va, hostarch.Read, alloc); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if _, err := m.Evict(0, 2*hostarch.PageSize).Wait(); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if pt.IsMapped(va) {
		t.Errorf("Evict left a PTE installed at %v", va)
	}
	if len(pt.shootdowns) == 0 {
		t.Errorf("Evict did not submit a shootdown")
	}
}
