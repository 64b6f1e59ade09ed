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
	"sync/atomic"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/view"
)

// findFaultingMapping locates the mapping enclosing addr and validates the
// fault kind against its flags. Returns memerr.ErrUnresolved if no mapping
// covers addr, or if kind is not a subset of the mapping's flags.
func (s *Space) findFaultingMapping(addr hostarch.Addr, kind hostarch.AccessType) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.mappings.Find(addr)
	if !ok {
		return nil, memerr.ErrUnresolved
	}
	m := e.Value
	m.mu.Lock()
	state, flags := m.state, m.flags
	m.mu.Unlock()
	if state != StateActive {
		return nil, memerr.ErrUnresolved
	}
	if !flags.SupersetOf(kind) {
		return nil, memerr.ErrUnresolved
	}
	return m, nil
}

// HandleFault runs the five-step fault resolution algorithm driving a
// mapping's backing page into residency and installing a PTE for it. kind
// names the access that faulted (Read, Write, or Execute); a Write fault
// against a CoW mapping is resolved through the mapping's cow.Chain
// instead of the view directly.
//
// Returns memerr.ErrFault if addr lies outside every mapping or the fault
// kind exceeds the mapping's protection -- a true, unresolvable fault that
// the caller should deliver to user space as a signal.
func (s *Space) HandleFault(ctx context.Context, addr hostarch.Addr, kind hostarch.AccessType, alloc pgalloc.Allocator) error {
	m, err := s.findFaultingMapping(addr, kind)
	if err != nil {
		return memerr.ErrFault
	}

	va := addr.PageRoundDown()
	viewOffset := m.slice.Offset + (va - m.va)

	// Step 3: bring the page resident. A disallow-backing fetch first, so
	// a dont_require_backing read fault against a page with no pager
	// backing can fall back to the shared zero frame instead of blocking
	// on (or failing) a pager request it was never entitled to make.
	pa, caching, err := s.residentPage(ctx, m, viewOffset, kind, alloc)
	if err != nil {
		return err
	}
	// The pin residentPage took (if any -- a dont_require_backing zero-frame
	// substitution never takes one) only needs to outlive the window between
	// resolving the translation and installing the PTE it fed into; once the
	// PTE exists it is what keeps the frame resident, so the lock is
	// released on every return from here on, not just the success path,
	// and only after step 4's CoW resolution.
	defer m.slice.View.UnlockRange(viewOffset, hostarch.PageSize)

	// Step 4: CoW write faults resolve (possibly to a fresh frame) through
	// the chain on top of whatever the view/zero-frame step produced.
	if kind.Write && m.forkDisposition == CoW {
		m.mu.Lock()
		chain := m.chain
		m.mu.Unlock()
		if chain != nil {
			cowPA, err := chain.WriteFault(viewOffset, alloc)
			if err != nil {
				return err
			}
			pa = cowPA
		}
	}

	// Step 5: install idempotently. A second, spurious fault against an
	// already-current translation is a no-op rather than an error.
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	if s.ops.IsMapped(va) {
		s.ops.UnmapSinglePage(va)
	} else {
		atomic.AddInt64(&s.rss, 1)
	}
	return s.ops.MapSinglePage(va, pa, m.installFlags(viewOffset), m.effectiveCaching(caching))
}

// residentPage implements the miss/zero-frame branch of HandleFault step 3:
// it locks and fetches the page through the view, substituting the space's
// shared zero frame for a dont_require_backing read fault that finds no
// pager backing.
func (s *Space) residentPage(ctx context.Context, m *Mapping, viewOffset hostarch.Addr, kind hostarch.AccessType, alloc pgalloc.Allocator) (pgalloc.PhysicalAddr, hostarch.MemoryType, error) {
	disallowBacking := m.dontRequireBacking && !kind.Write
	lockOpts := view.LockOpts{DisallowBacking: disallowBacking}
	if _, err := m.slice.View.LockRange(ctx, viewOffset, hostarch.PageSize, lockOpts).Wait(); err != nil {
		if err != memerr.ErrNoBacking || !disallowBacking {
			return pgalloc.None, 0, err
		}
		pa, zerr := s.zeroFrame(alloc)
		if zerr != nil {
			return pgalloc.None, 0, zerr
		}
		return pa, hostarch.MemoryTypeWriteBack, nil
	}

	opts := view.FetchOpts{DisallowBacking: disallowBacking}
	res, err := m.slice.View.FetchRange(ctx, viewOffset, opts).Wait()
	if err == nil {
		return res.PA, res.Caching, nil
	}
	if err != memerr.ErrNoBacking || !disallowBacking {
		return pgalloc.None, 0, err
	}

	pa, zerr := s.zeroFrame(alloc)
	if zerr != nil {
		return pgalloc.None, 0, zerr
	}
	return pa, hostarch.MemoryTypeWriteBack, nil
}
