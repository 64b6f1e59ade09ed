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
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/shootdown"
	"github.com/UditDey/managarm/pkg/slice"
	"github.com/UditDey/managarm/pkg/view"
)

// MapOpts carries Map's placement and protection inputs.
type MapOpts struct {
	VA                 hostarch.Addr // only consulted when Placement == Fixed
	Placement          Placement
	Flags              hostarch.AccessType
	DontRequireBacking bool
	ForkDisposition    ForkDisposition

	// Caching overrides the backing view's caching mode for every PTE this
	// mapping installs, when HasCachingOverride is set. Meaningful for
	// Hardware views shared by callers that want different caching modes
	// over the same physical range (e.g. write-combine for a framebuffer
	// BAR versus uncached for MMIO control registers in the same BAR).
	Caching            hostarch.MemoryType
	HasCachingOverride bool
}

// allocateLocked carves out a length-byte range per opts.Placement,
// removing it from the hole tree and leaving any residual holes behind.
// s.mu must be held.
func (s *Space) allocateLocked(length hostarch.Addr, opts MapOpts) (hostarch.AddrRange, error) {
	var carved hostarch.AddrRange
	switch opts.Placement {
	case Fixed:
		ar := hostarch.AddrRange{Start: opts.VA, End: opts.VA + length}
		if !ar.IsPageAligned() {
			return hostarch.AddrRange{}, memerr.ErrIllegalArgs
		}
		if _, ok := s.holes.FindFixed(ar); !ok {
			return hostarch.AddrRange{}, memerr.New(memerr.KindIllegalArgs, "fixed address does not lie wholly within a free hole")
		}
		carved = ar
	case PreferBottom, PreferTop:
		ar, ok := s.holes.BestFit(length, opts.Placement == PreferBottom)
		if !ok {
			return hostarch.AddrRange{}, memerr.New(memerr.KindIllegalArgs, "no hole large enough for the requested length")
		}
		carved = ar
	default:
		return hostarch.AddrRange{}, memerr.ErrIllegalArgs
	}

	entry, ok := s.holes.Find(carved.Start)
	if !ok || !entry.Range.IsSupersetOf(carved) {
		memerr.Panic("vspace: BestFit/FindFixed returned a range not covered by any hole: %v", carved)
	}
	if _, ok := s.holes.Remove(entry.Range); !ok {
		memerr.Panic("vspace: hole tree lost entry %v between Find and Remove", entry.Range)
	}
	if entry.Range.Start < carved.Start {
		s.holes.MustInsert(hostarch.AddrRange{Start: entry.Range.Start, End: carved.Start}, struct{}{})
	}
	if carved.End < entry.Range.End {
		s.holes.MustInsert(hostarch.AddrRange{Start: carved.End, End: entry.Range.End}, struct{}{})
	}
	return carved, nil
}

// Map installs sl[offset:offset+length] into s. Already-resident pages
// are installed eagerly; the rest are left for the fault handler. Returns
// the mapping's actual virtual address.
func (s *Space) Map(sl slice.Slice, offset, length hostarch.Addr, opts MapOpts) (hostarch.Addr, *Mapping, error) {
	if length == 0 || !length.IsPageAligned() || !offset.IsPageAligned() {
		return 0, nil, memerr.ErrIllegalArgs
	}
	if offset+length > sl.Length {
		return 0, nil, memerr.ErrBufferTooSmall
	}

	s.mu.Lock()
	carved, err := s.allocateLocked(length, opts)
	if err != nil {
		s.mu.Unlock()
		return 0, nil, err
	}

	m := &Mapping{
		ID:                 xid.New(),
		owner:              s,
		va:                 carved.Start,
		length:             length,
		slice:              slice.Slice{View: sl.View, Offset: sl.ViewOffset(offset), Length: length},
		flags:              opts.Flags.Effective(),
		dontRequireBacking: opts.DontRequireBacking,
		forkDisposition:    opts.ForkDisposition,
		cachingOverride:    opts.Caching,
		hasCachingOverride: opts.HasCachingOverride,
		state:              StateNull,
	}
	s.mappings.MustInsert(carved, m)
	s.mu.Unlock()

	m.install(s)

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()

	return carved.Start, m, nil
}

// reinstallAndShootdown re-derives the PTE for every resident page in m
// from installFlags and waits for the invalidating shootdown to be
// acknowledged, without touching m's logical Flags(). It is the fork path's
// way of narrowing a freshly-forked CoW mapping's hardware permissions to
// match chain ownership that no longer includes this mapping alone.
func (m *Mapping) reinstallAndShootdown() error {
	m.evictMu.Lock()
	for delta := hostarch.Addr(0); delta < m.length; delta += hostarch.PageSize {
		va := m.va + delta
		if !m.owner.ops.IsMapped(va) {
			continue
		}
		viewOffset := m.slice.Offset + delta
		m.owner.ops.UnmapSinglePage(va)
		pa, caching := m.slice.View.PeekRange(viewOffset)
		if pa.Valid() {
			m.owner.ops.MapSinglePage(va, pa, m.installFlags(viewOffset), m.effectiveCaching(caching))
		} else {
			atomic.AddInt64(&m.owner.rss, -1)
		}
	}
	m.evictMu.Unlock()

	target := shootdown.Target{Ops: m.owner.ops, Range: hostarch.AddrRange{Start: m.va, End: m.va + m.length}}
	_, err := shootdown.Submit(target).Wait()
	return err
}

// install registers m as an observer of its view and installs PTEs for
// every page already resident; the rest are brought in later by faults.
func (m *Mapping) install(s *Space) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	m.obsHandle = view.NewObserverHandle(m)
	m.slice.View.AddObserver(m.obsHandle)

	for delta := hostarch.Addr(0); delta < m.length; delta += hostarch.PageSize {
		viewOffset := m.slice.Offset + delta
		pa, caching := m.slice.View.PeekRange(viewOffset)
		if !pa.Valid() {
			continue
		}
		va := m.va + delta
		if err := s.ops.MapSinglePage(va, pa, m.installFlags(viewOffset), m.effectiveCaching(caching)); err == nil {
			atomic.AddInt64(&s.rss, 1)
		}
	}
}
