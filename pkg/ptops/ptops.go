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

// Package ptops defines the per-architecture page-table operations
// collaborator, modeled on gVisor's pkg/sentry/platform AddressSpace
// interface. The memory core is agnostic to page-table format; it only
// requires the ordering guarantee described on Ops.
package ptops

import (
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/pgalloc"
)

// Status reports the accessed/dirty bits an architecture's page tables
// record for an entry, returned by Ops.UnmapSinglePage.
type Status struct {
	// Present indicates that a translation existed at the time of unmap.
	Present bool
	// Dirty indicates that the page was written through this translation
	// since it was installed.
	Dirty bool
}

// Ops is the low-level page-table interface a Virtual Space drives. The
// core does not prescribe page-table format; it only requires that between
// any Unmap and the asynchronous ack of its shootdown, no CPU observes the
// old translation.
//
// All methods operate on a single address space; an implementation
// typically wraps one hardware page-table root plus a registry of which
// CPUs are currently executing with it loaded (needed by SubmitShootdown).
type Ops interface {
	// MapSinglePage installs a translation from va to pa with the given
	// protection and caching mode.
	//
	// Preconditions: no prior mapping exists at va.
	MapSinglePage(va hostarch.Addr, pa pgalloc.PhysicalAddr, perms hostarch.AccessType, caching hostarch.MemoryType) error

	// UnmapSinglePage removes any translation at va and returns the status
	// bits the hardware had recorded for it.
	UnmapSinglePage(va hostarch.Addr) Status

	// IsMapped reports whether a translation currently exists at va.
	IsMapped(va hostarch.Addr) bool

	// SubmitShootdown invalidates ar on every CPU currently using this
	// address space and returns a channel that is closed once every
	// remote CPU has acknowledged. The core's unmap/protect/eviction
	// paths must not free or reuse the underlying frame until the
	// returned channel is closed.
	SubmitShootdown(ar hostarch.AddrRange) <-chan struct{}

	// Retire frees the page table itself and returns a channel that is
	// closed once that teardown completes.
	Retire() <-chan struct{}
}
