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

// Package cow implements the CoW Chain: the singly-linked stack of
// per-page physical-frame overrides shared by a forked RW mapping's
// branches. It is modeled on the chain-of-responsibility shape of
// gVisor's pkg/sentry/mm private-vs-shared CoW handling in pma.go
// (copyOnWriteLocked), rendered as an explicit linked structure since
// this module's Mapping/View split keeps no implicit "private" bit on the
// page itself.
package cow

import (
	"sync"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/view"
)

// Chain is one node of the stack: a (super_chain?, pages) pair, where
// pages maps offset to physical frame. The root of every chain (super ==
// nil) resolves misses directly against the backing View.
type Chain struct {
	base *view.View // shared by every node descended from the same root

	mu    sync.Mutex
	super *Chain
	pages map[hostarch.Addr]pgalloc.PhysicalAddr
	// refs counts live child Chains whose super is this node, i.e. how
	// many branches still depend on whatever this node owns. A node with
	// refs == 1 is exclusively reachable through a single descendant,
	// which is what lets that descendant take ownership of a page instead
	// of copying it: a write fault on a CoW page with only one branch
	// still observing the super-chain node must hand ownership of the
	// page to that branch's local node without copying.
	refs int
}

// NewRoot returns the root Chain node directly over v, with no super.
func NewRoot(v *view.View) *Chain {
	return &Chain{base: v, pages: make(map[hostarch.Addr]pgalloc.PhysicalAddr)}
}

// Fork creates two new empty nodes on top of c for the parent and child
// branches produced by a fork with cow disposition: both parent and child
// mappings share the same chain but create new empty nodes on top. c
// becomes their shared super and its refs is set to 2.
func (c *Chain) Fork() (parent, child *Chain) {
	c.mu.Lock()
	c.refs += 2
	c.mu.Unlock()
	mk := func() *Chain {
		return &Chain{base: c.base, super: c, pages: make(map[hostarch.Addr]pgalloc.PhysicalAddr)}
	}
	return mk(), mk()
}

// Branch creates a single new empty node on top of c, for a fork where
// the other branch takes disposition drop or share and so never gets a
// chain node of its own. Unlike Fork, this leaves c.refs at 1, which is
// what makes the resulting node's first write fault against an offset c
// owns a take-ownership move instead of a copy.
func (c *Chain) Branch() *Chain {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return &Chain{base: c.base, super: c, pages: make(map[hostarch.Addr]pgalloc.PhysicalAddr)}
}

// Resolve returns the physical frame currently visible at offset, walking
// from c towards the root and falling through to the backing View on a
// complete miss. It does not force the view's page resident; callers that
// need a guaranteed translation should fall back to view.FetchRange when
// ok is false or the view's own pa is invalid.
func (c *Chain) Resolve(offset hostarch.Addr) (pgalloc.PhysicalAddr, bool) {
	for n := c; n != nil; n = n.super {
		n.mu.Lock()
		pa, ok := n.pages[offset]
		n.mu.Unlock()
		if ok {
			return pa, true
		}
	}
	return pgalloc.None, false
}

// Owns reports whether c itself (not an ancestor) holds an explicit
// override for offset, i.e. whether a write through c can be installed
// directly rather than trapped for copy-or-take-ownership.
func (c *Chain) Owns(offset hostarch.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pages[offset]
	return ok
}

// owner returns the chain node (if any, within c's ancestry) that
// currently holds an explicit override for offset.
func (c *Chain) owner(offset hostarch.Addr) *Chain {
	for n := c; n != nil; n = n.super {
		n.mu.Lock()
		_, ok := n.pages[offset]
		n.mu.Unlock()
		if ok {
			return n
		}
	}
	return nil
}

// WriteFault resolves the page at offset for a write: allocate a fresh
// physical frame, record the override in the local chain node, and treat
// the fresh frame as the resolved page -- except when offset is already
// owned locally (no-op) or its sole owner is about to be orphaned by this
// write, in which case ownership transfers without an allocation. Frame
// contents are not copied: the Allocator interface has no operation for
// it, so the fresh frame's contents are whatever the allocator gives.
func (c *Chain) WriteFault(offset hostarch.Addr, alloc pgalloc.Allocator) (pgalloc.PhysicalAddr, error) {
	c.mu.Lock()
	if pa, ok := c.pages[offset]; ok {
		c.mu.Unlock()
		return pa, nil
	}
	c.mu.Unlock()

	owner := c.owner(offset)
	if owner != nil && owner != c {
		owner.mu.Lock()
		exclusive := owner.refs <= 1
		pa := owner.pages[offset]
		if exclusive {
			delete(owner.pages, offset)
		}
		owner.mu.Unlock()

		if exclusive {
			c.mu.Lock()
			c.pages[offset] = pa
			c.mu.Unlock()
			return pa, nil
		}

		newPA, err := alloc.Allocate(0, 0)
		if err != nil {
			return pgalloc.None, err
		}
		c.mu.Lock()
		c.pages[offset] = newPA
		c.mu.Unlock()
		return newPA, nil
	}

	// No chain node owns it: the page is still the view's own, shared by
	// every branch implicitly. Give this branch a fresh frame of its own.
	newPA, err := alloc.Allocate(0, 0)
	if err != nil {
		return pgalloc.None, err
	}
	c.mu.Lock()
	c.pages[offset] = newPA
	c.mu.Unlock()
	return newPA, nil
}

// Destroy releases c's reference to its super (if any) and frees every
// physical frame c owns back to alloc: destroying a chain node frees
// every physical frame it overrides.
func (c *Chain) Destroy(alloc pgalloc.Allocator) {
	c.mu.Lock()
	pages := c.pages
	c.pages = nil
	super := c.super
	c.mu.Unlock()

	for _, pa := range pages {
		alloc.Free(pa, 0)
	}
	if super != nil {
		super.mu.Lock()
		if super.refs > 0 {
			super.refs--
		}
		super.mu.Unlock()
	}
}

// Base returns the View ultimately backing this chain.
func (c *Chain) Base() *view.View { return c.base }
