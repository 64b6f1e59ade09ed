// Copyright 2019 Google Inc.
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

// Package pgalloc is the opaque physical-page allocator collaborator: an
// external allocator with allocate(order, address_bits) and free(pa,
// order) that the memory core treats as out of scope beyond its
// interface. It is modeled on gVisor's pkg/sentry/pgalloc, trimmed to the
// Allocator interface the memory core actually calls through.
package pgalloc

import (
	"context"
	"fmt"
	"sync"
)

// PhysicalAddr identifies a single 4 KiB physical frame. The zero value is
// the sentinel "no frame".
type PhysicalAddr uint64

// None is the sentinel PhysicalAddr meaning "not resident" / "no frame".
const None PhysicalAddr = 0

// Valid reports whether pa is not the None sentinel.
func (pa PhysicalAddr) Valid() bool { return pa != None }

// Allocator is the physical-page allocator collaborator, treated as
// opaque; this interface is the minimal surface the memory core drives it
// through.
type Allocator interface {
	// Allocate returns 2^order contiguous frames whose base address fits
	// in addressBits bits, or None if no such range is available.
	Allocate(order uint, addressBits uint) (PhysicalAddr, error)

	// Free releases 2^order contiguous frames starting at pa, previously
	// returned by Allocate.
	Free(pa PhysicalAddr, order uint)
}

// Provider is implemented by anything that can hand out an Allocator, for
// tests that want to substitute a stub allocator per call site rather than
// globally: callers carry a context argument precisely so tests can
// substitute a stub.
type Provider interface {
	Allocator() Allocator
}

type contextKey int

const ctxAllocatorKey contextKey = iota

// WithAllocator returns a context carrying alloc as the Allocator for the
// memory core to use, shadowing the process-wide default.
func WithAllocator(ctx context.Context, alloc Allocator) context.Context {
	return context.WithValue(ctx, ctxAllocatorKey, alloc)
}

// FromContext returns the Allocator associated with ctx, falling back to
// the process-wide default allocator bootstrapped by Bootstrap.
func FromContext(ctx context.Context) Allocator {
	if v := ctx.Value(ctxAllocatorKey); v != nil {
		return v.(Allocator)
	}
	return defaultAllocator()
}

var (
	defaultMu    sync.Mutex
	defaultAlloc Allocator
)

// Bootstrap installs the process-wide default Allocator. It is expected to
// be called once during kernel startup; the memory core's own tests should
// prefer WithAllocator to avoid mutating global state.
func Bootstrap(alloc Allocator) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultAlloc = alloc
}

func defaultAllocator() Allocator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultAlloc == nil {
		panic("pgalloc: no Allocator bootstrapped and none in context")
	}
	return defaultAlloc
}

// BitmapAllocator is a reference, non-NUMA-aware Allocator over a fixed
// pool of frames, suitable for tests and for cmd/vmmdiag. It hands out
// frames from a free list of power-of-two buddies, mirroring the shape
// (without the full buddy-merge logic) of a typical kernel physical
// allocator, with no NUMA policy and no guarantees about its internals
// beyond the Allocator interface.
type BitmapAllocator struct {
	mu       sync.Mutex
	frames   uint64 // end of the pool: one past its last frame
	next     uint64 // bump-allocation cursor in frames
	free     []PhysicalAddr
	freeSize []uint // order of the matching entry in free
}

// NewBitmapAllocator returns an Allocator managing a pool of the given
// number of 4 KiB frames starting at base. None is never handed out: a
// pool based at None starts one frame above it.
func NewBitmapAllocator(base PhysicalAddr, frames uint64) *BitmapAllocator {
	if base == None {
		base++
	}
	return &BitmapAllocator{frames: uint64(base) + frames, next: uint64(base)}
}

// Allocate implements Allocator.Allocate.
func (a *BitmapAllocator) Allocate(order uint, addressBits uint) (PhysicalAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := uint64(1) << order
	for i, pa := range a.free {
		if a.freeSize[i] != order {
			continue
		}
		if addressBits > 0 && uint64(pa)+n >= (uint64(1)<<addressBits) {
			continue
		}
		a.free = append(a.free[:i], a.free[i+1:]...)
		a.freeSize = append(a.freeSize[:i], a.freeSize[i+1:]...)
		return pa, nil
	}

	if a.next+n > a.frames {
		return None, fmt.Errorf("pgalloc: out of memory: requested %d frames, %d remain", n, a.frames-a.next)
	}
	pa := PhysicalAddr(a.next)
	if addressBits > 0 && uint64(pa)+n >= (uint64(1)<<addressBits) {
		return None, fmt.Errorf("pgalloc: no frames below 2^%d bits available", addressBits)
	}
	a.next += n
	return pa, nil
}

// Free implements Allocator.Free.
func (a *BitmapAllocator) Free(pa PhysicalAddr, order uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, pa)
	a.freeSize = append(a.freeSize, order)
}
