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

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/shootdown"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// findExactMappingLocked returns the mapping whose range is exactly
// [va, va+length), per the "covers exactly one mapping" precondition
// shared by Protect and Unmap. s.mu must be held.
func (s *Space) findExactMappingLocked(va, length hostarch.Addr) (*Mapping, hostarch.AddrRange, error) {
	want := hostarch.AddrRange{Start: va, End: va + length}
	if !want.IsPageAligned() || length == 0 {
		return nil, hostarch.AddrRange{}, memerr.ErrIllegalArgs
	}
	e, ok := s.mappings.Find(va)
	if !ok || e.Range != want {
		return nil, hostarch.AddrRange{}, memerr.New(memerr.KindIllegalArgs, "range does not cover exactly one mapping")
	}
	return e.Value, e.Range, nil
}

// Protect re-maps every resident page in the mapping with newFlags and
// waits for the invalidating shootdown to be acknowledged before
// resolving.
func (s *Space) Protect(va, length hostarch.Addr, newFlags hostarch.AccessType) *workqueue.Future[struct{}] {
	f, resolve := workqueue.NewFuture[struct{}]()

	s.mu.Lock()
	m, ar, err := s.findExactMappingLocked(va, length)
	if err != nil {
		s.mu.Unlock()
		resolve(struct{}{}, err)
		return f
	}
	m.mu.Lock()
	m.flags = newFlags.Effective()
	m.mu.Unlock()
	s.mu.Unlock()

	go func() {
		m.evictMu.Lock()
		for va := ar.Start; va < ar.End; va += hostarch.PageSize {
			if !s.ops.IsMapped(va) {
				continue
			}
			status := s.ops.UnmapSinglePage(va)
			viewOff := m.slice.Offset + (va - m.va)
			if status.Dirty {
				m.slice.View.MarkDirty(viewOff, hostarch.PageSize)
			}
			pa, caching := m.slice.View.PeekRange(viewOff)
			if pa.Valid() {
				s.ops.MapSinglePage(va, pa, m.installFlags(viewOff), m.effectiveCaching(caching))
			} else {
				atomic.AddInt64(&s.rss, -1)
			}
		}
		m.evictMu.Unlock()

		_, shootdownErr := shootdown.Submit(shootdown.Target{Ops: s.ops, Range: ar}).Wait()
		s.queue.Post(func() { resolve(struct{}{}, shootdownErr) })
	}()
	return f
}

// Unmap transitions the mapping to zombie, tears down its resident PTEs,
// waits for the shootdown ack, then coalesces the freed range back into
// the hole tree and retires the mapping.
func (s *Space) Unmap(va, length hostarch.Addr) *workqueue.Future[struct{}] {
	f, resolve := workqueue.NewFuture[struct{}]()

	s.mu.Lock()
	m, ar, err := s.findExactMappingLocked(va, length)
	if err != nil {
		s.mu.Unlock()
		resolve(struct{}{}, err)
		return f
	}
	m.mu.Lock()
	m.state = StateZombie
	m.mu.Unlock()
	if _, ok := s.mappings.Remove(ar); !ok {
		memerr.Panic("vspace: mapping %v vanished from the mapping tree between Find and Remove", ar)
	}
	s.mu.Unlock()

	go func() {
		m.slice.View.RemoveObserver(m.obsHandle)

		m.evictMu.Lock()
		for va := ar.Start; va < ar.End; va += hostarch.PageSize {
			status := s.ops.UnmapSinglePage(va)
			if status.Present {
				atomic.AddInt64(&s.rss, -1)
				if status.Dirty {
					viewOff := m.slice.Offset + (va - m.va)
					m.slice.View.MarkDirty(viewOff, hostarch.PageSize)
				}
			}
		}
		m.evictMu.Unlock()

		if _, err := shootdown.Submit(shootdown.Target{Ops: s.ops, Range: ar}).Wait(); err != nil {
			s.queue.Post(func() { resolve(struct{}{}, err) })
			return
		}

		s.mu.Lock()
		canMerge := func(_, _ struct{}) (struct{}, bool) { return struct{}{}, true }
		s.holes.InsertMerging(ar, struct{}{}, canMerge)
		s.mu.Unlock()

		m.mu.Lock()
		m.state = StateRetired
		m.mu.Unlock()

		s.queue.Post(func() { resolve(struct{}{}, nil) })
	}()
	return f
}
