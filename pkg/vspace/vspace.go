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

// Package vspace implements the Virtual Space: the per-address-space hole
// tree and mapping tree, the fault handler, protect/unmap, and fork. It
// plays the role gVisor's pkg/sentry/mm.MemoryManager plays over vmas (here:
// Mappings) and its vma gap/segment set (here: internal/segtree's hole and
// mapping Sets), adapted to this module's explicit continuation/workqueue
// suspension model instead of mm's goroutine-blocks-on-mutex style.
package vspace

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/UditDey/managarm/internal/segtree"
	"github.com/UditDey/managarm/pkg/cow"
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/ptops"
	"github.com/UditDey/managarm/pkg/slice"
	"github.com/UditDey/managarm/pkg/view"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// ForkDisposition controls what forking a Space does with one of its
// Mappings.
type ForkDisposition int

const (
	// Drop: the child does not inherit the mapping; its range becomes a
	// hole in the child space.
	Drop ForkDisposition = iota
	// Share: the child gets an active mapping onto the same slice,
	// observing the same view.
	Share
	// CoW: parent and child diverge lazily through a shared CoW chain.
	CoW
)

func (d ForkDisposition) String() string {
	switch d {
	case Drop:
		return "drop"
	case Share:
		return "share"
	case CoW:
		return "cow"
	default:
		return "unknown"
	}
}

// Placement selects how Map chooses a virtual address.
type Placement int

const (
	PreferBottom Placement = iota
	PreferTop
	Fixed
)

// State is a Mapping's lifecycle stage.
type State int

const (
	StateNull State = iota
	StateActive
	StateZombie
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateActive:
		return "active"
	case StateZombie:
		return "zombie"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Mapping is a live (or formerly live) binding of a Slice into a Space at
// a virtual address.
type Mapping struct {
	ID xid.ID

	owner  *Space
	va     hostarch.Addr
	length hostarch.Addr
	slice  slice.Slice

	// cachingOverride/hasCachingOverride, set once at Map time, let this
	// mapping install PTEs with a caching mode other than whatever its
	// (possibly shared) view reports -- e.g. one Hardware-view mapping over
	// a BAR wanting write-combine while another mapping of the same range
	// wants uncached.
	cachingOverride    hostarch.MemoryType
	hasCachingOverride bool

	// evictMu is held by install/reinstall while writing PTEs, so a
	// concurrent eviction notification from the backing view cannot unmap a
	// page out from under an installation in progress.
	evictMu sync.Mutex

	mu                 sync.Mutex // protects the fields below
	flags              hostarch.AccessType
	dontRequireBacking bool
	forkDisposition    ForkDisposition
	state              State
	chain              *cow.Chain

	obsHandle *view.ObserverHandle
}

// VA returns the mapping's base virtual address.
func (m *Mapping) VA() hostarch.Addr { return m.va }

// Length returns the mapping's length in bytes.
func (m *Mapping) Length() hostarch.Addr { return m.length }

// State returns the mapping's current lifecycle stage.
func (m *Mapping) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Flags returns the mapping's current protection flags.
func (m *Mapping) Flags() hostarch.AccessType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

func (m *Mapping) viewRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.slice.Offset, End: m.slice.Offset + m.length}
}

// installFlags returns the protection a PTE for viewOffset should actually
// be installed with, which for a CoW mapping can be narrower than the
// mapping's logical Flags(): until the local chain node owns viewOffset,
// write must stay trapped so the first write takes the fault-handler's
// copy-or-take-ownership path in the fault handler instead of silently
// mutating a frame still shared with other branches.
func (m *Mapping) installFlags(viewOffset hostarch.Addr) hostarch.AccessType {
	m.mu.Lock()
	flags, disp, chain := m.flags, m.forkDisposition, m.chain
	m.mu.Unlock()
	if disp != CoW || chain == nil || chain.Owns(viewOffset) {
		return flags
	}
	return flags.Intersect(hostarch.ReadExec)
}

// effectiveCaching returns the caching mode a PTE for this mapping should
// actually be installed with: its own override if Map was given one,
// otherwise whatever the backing view reported for this page.
func (m *Mapping) effectiveCaching(viewCaching hostarch.MemoryType) hostarch.MemoryType {
	if m.hasCachingOverride {
		return m.cachingOverride
	}
	return viewCaching
}

// vaOf maps a view-relative offset within this mapping's slice back to a
// virtual address.
func (m *Mapping) vaOf(viewOffset hostarch.Addr) hostarch.Addr {
	return m.va + (viewOffset - m.slice.Offset)
}

// Space is the Virtual Space: a hole tree and mapping tree over [lo, hi),
// a fault handler, and the placement/protect/unmap/fork operations that
// mutate them.
type Space struct {
	ID  xid.ID
	lo  hostarch.Addr
	hi  hostarch.Addr
	ops ptops.Ops

	// mu is the single mutex protecting both trees.
	mu       sync.Mutex
	holes    *segtree.Set[struct{}]
	mappings *segtree.Set[*Mapping]

	rss int64 // atomic; PTEs currently installed, in pages

	zeroMu sync.Mutex
	zeroPA pgalloc.PhysicalAddr // lazily-allocated shared zero frame, for dont_require_backing reads

	// queue is the sole completion dispatcher for this space's asynchronous
	// operations (Protect, Unmap, eviction): their background goroutines
	// Post their result instead of resolving the caller's Future directly,
	// and the dispatcher goroutine started below runs those continuations
	// in FIFO order. cancel stops that goroutine in Retire.
	queue  *workqueue.Queue
	cancel context.CancelFunc
}

// NewSpace returns an empty Space managing [lo, hi) through ops.
func NewSpace(lo, hi hostarch.Addr, ops ptops.Ops) *Space {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Space{
		ID:       xid.New(),
		lo:       lo,
		hi:       hi,
		ops:      ops,
		holes:    segtree.New[struct{}](),
		mappings: segtree.New[*Mapping](),
		queue:    workqueue.New(),
		cancel:   cancel,
	}
	s.holes.MustInsert(hostarch.AddrRange{Start: lo, End: hi}, struct{}{})
	go s.queue.Run(ctx)
	return s
}

// Queue returns the space's completion dispatcher, for diagnostics
// and tests; no component should Post to another space's
// queue.
func (s *Space) Queue() *workqueue.Queue {
	return s.queue
}

// RSS returns the space's resident set size in bytes: the number of PTEs
// currently installed in the space, times page size.
func (s *Space) RSS() hostarch.Addr {
	return hostarch.Addr(atomic.LoadInt64(&s.rss)) * hostarch.PageSize
}

func (s *Space) zeroFrame(alloc pgalloc.Allocator) (pgalloc.PhysicalAddr, error) {
	s.zeroMu.Lock()
	defer s.zeroMu.Unlock()
	if s.zeroPA.Valid() {
		return s.zeroPA, nil
	}
	pa, err := alloc.Allocate(0, 0)
	if err != nil {
		return pgalloc.None, err
	}
	s.zeroPA = pa
	return pa, nil
}

// Holes returns every free hole in ascending address order, for
// diagnostics and tests.
func (s *Space) Holes() []hostarch.AddrRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.holes.Segments()
	out := make([]hostarch.AddrRange, len(entries))
	for i, e := range entries {
		out[i] = e.Range
	}
	return out
}

// Mappings returns every mapping in the mapping tree in ascending address
// order, for diagnostics and tests. Unmap removes a mapping from the tree
// as it marks it zombie, so zombie mappings are not included.
func (s *Space) Mappings() []*Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.mappings.Segments()
	out := make([]*Mapping, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Retire frees the space's page table and stops its completion dispatcher.
// Any Protect/Unmap/eviction continuation already posted still runs (the
// dispatcher drains once more before exiting); nothing new can complete
// through this space afterward.
func (s *Space) Retire() <-chan struct{} {
	s.cancel()
	return s.ops.Retire()
}
