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

// Package segtree implements the augmented, order-statistic interval tree
// that backs both of a Virtual Space's trees: a hole tree and a mapping
// tree. It generalizes gVisor's generated segment.Set pattern (pkg/segment/
// test exercises the Functions shape this package is modeled on) to an
// ordinary Go generic type, since this module does not carry gVisor's
// go_generics code generator.
//
// Every node additionally tracks the augmented "largest range in this
// subtree" aggregate, maintained across insertion, deletion and rotation
// the way any balanced BST must: any balanced-BST implementation suffices
// as long as rotations re-aggregate.
package segtree

import (
	"fmt"

	"github.com/UditDey/managarm/pkg/hostarch"
)

type addr = hostarch.Addr
type addrRange = hostarch.AddrRange

// Entry is one (range, value) pair stored in a Set.
type Entry[V any] struct {
	Range hostarch.AddrRange
	Value V
}

type node[V any] struct {
	left, right, parent *node[V]
	height              int
	// maxLen is max(Range.Length(), left.maxLen, right.maxLen): the
	// largest contiguous range available anywhere in this subtree.
	maxLen addr
	start, end addr
	value      V
}

func (n *node[V]) rng() addrRange { return addrRange{Start: n.start, End: n.end} }

func nodeHeight[V any](n *node[V]) int {
	if n == nil {
		return 0
	}
	return n.height
}

func nodeMaxLen[V any](n *node[V]) addr {
	if n == nil {
		return 0
	}
	return n.maxLen
}

func (n *node[V]) update() {
	n.height = 1 + max2(nodeHeight(n.left), nodeHeight(n.right))
	n.maxLen = n.end - n.start
	if l := nodeMaxLen(n.left); l > n.maxLen {
		n.maxLen = l
	}
	if r := nodeMaxLen(n.right); r > n.maxLen {
		n.maxLen = r
	}
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func balanceFactor[V any](n *node[V]) int {
	return nodeHeight(n.left) - nodeHeight(n.right)
}

// Set is an ordered, non-overlapping collection of AddrRange -> V entries,
// augmented with the largest-range aggregate described above.
type Set[V any] struct {
	root *node[V]
	size int
}

// New returns an empty Set.
func New[V any]() *Set[V] { return &Set[V]{} }

// Len returns the number of entries in s.
func (s *Set[V]) Len() int { return s.size }

// IsEmpty returns whether s has no entries.
func (s *Set[V]) IsEmpty() bool { return s.root == nil }

func rotateLeft[V any](n *node[V]) *node[V] {
	r := n.right
	n.right = r.left
	if r.left != nil {
		r.left.parent = n
	}
	r.parent = n.parent
	r.left = n
	n.parent = r
	n.update()
	r.update()
	return r
}

func rotateRight[V any](n *node[V]) *node[V] {
	l := n.left
	n.left = l.right
	if l.right != nil {
		l.right.parent = n
	}
	l.parent = n.parent
	l.right = n
	n.parent = l
	n.update()
	l.update()
	return l
}

func rebalance[V any](n *node[V]) *node[V] {
	n.update()
	bf := balanceFactor(n)
	if bf > 1 {
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bf < -1 {
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// Insert adds (ar, v) to s. It returns an error if ar overlaps an existing
// entry, or is not well-formed / non-empty.
func (s *Set[V]) Insert(ar addrRange, v V) error {
	if !ar.WellFormed() || ar.Length() == 0 {
		return fmt.Errorf("segtree: invalid range %v", ar)
	}
	if s.overlapsAny(ar) {
		return fmt.Errorf("segtree: range %v overlaps an existing entry", ar)
	}
	s.root = insert(s.root, ar, v)
	s.size++
	return nil
}

// MustInsert is Insert, panicking on error. It is used at call sites that
// have already established non-overlap as a precondition, matching
// gVisor's use of bare panics guarded by checkInvariants in pma.go.
func (s *Set[V]) MustInsert(ar addrRange, v V) {
	if err := s.Insert(ar, v); err != nil {
		panic(err)
	}
}

func insert[V any](n *node[V], ar addrRange, v V) *node[V] {
	if n == nil {
		nn := &node[V]{start: ar.Start, end: ar.End, value: v}
		nn.update()
		return nn
	}
	if ar.Start < n.start {
		n.left = insert(n.left, ar, v)
		if n.left != nil {
			n.left.parent = n
		}
	} else {
		n.right = insert(n.right, ar, v)
		if n.right != nil {
			n.right.parent = n
		}
	}
	return rebalance(n)
}

func (s *Set[V]) overlapsAny(ar addrRange) bool {
	n := s.root
	for n != nil {
		nr := n.rng()
		if ar.Overlaps(nr) {
			return true
		}
		if ar.End <= nr.Start {
			n = n.left
		} else {
			n = n.right
		}
	}
	return false
}

// Find returns the entry containing addr, if any.
func (s *Set[V]) Find(address addr) (Entry[V], bool) {
	n := s.root
	for n != nil {
		switch {
		case address < n.start:
			n = n.left
		case address >= n.end:
			n = n.right
		default:
			return Entry[V]{n.rng(), n.value}, true
		}
	}
	return Entry[V]{}, false
}

// Remove deletes the entry whose range is exactly ar and returns its value.
// ar not exactly matching an existing entry is treated as caller error,
// since segment trees here are always mutated through Isolate-style
// exact-boundary operations.
func (s *Set[V]) Remove(ar addrRange) (V, bool) {
	n, ok := findExact(s.root, ar)
	if !ok {
		var zero V
		return zero, false
	}
	val := n.value
	s.root = deleteNode(s.root, ar)
	s.size--
	return val, true
}

func findExact[V any](n *node[V], ar addrRange) (*node[V], bool) {
	for n != nil {
		switch {
		case ar.Start < n.start:
			n = n.left
		case ar.Start > n.start:
			n = n.right
		default:
			return n, n.end == ar.End
		}
	}
	return nil, false
}

func deleteNode[V any](n *node[V], ar addrRange) *node[V] {
	if n == nil {
		return nil
	}
	switch {
	case ar.Start < n.start:
		n.left = deleteNode(n.left, ar)
		if n.left != nil {
			n.left.parent = n
		}
	case ar.Start > n.start:
		n.right = deleteNode(n.right, ar)
		if n.right != nil {
			n.right.parent = n
		}
	default:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.start, n.end, n.value = succ.start, succ.end, succ.value
		n.right = deleteNode(n.right, addrRange{Start: succ.start, End: succ.end})
		if n.right != nil {
			n.right.parent = n
		}
	}
	return rebalance(n)
}

// Segments returns every entry in s in ascending address order.
func (s *Set[V]) Segments() []Entry[V] {
	out := make([]Entry[V], 0, s.size)
	var walk func(*node[V])
	walk = func(n *node[V]) {
		if n == nil {
			return
		}
		walk(n.left)
		out = append(out, Entry[V]{n.rng(), n.value})
		walk(n.right)
	}
	walk(s.root)
	return out
}

// FindOverlapping returns every entry overlapping ar, in ascending order.
func (s *Set[V]) FindOverlapping(ar addrRange) []Entry[V] {
	var out []Entry[V]
	var walk func(*node[V])
	walk = func(n *node[V]) {
		if n == nil {
			return
		}
		if ar.Start < n.end {
			walk(n.left)
		}
		if n.rng().Overlaps(ar) {
			out = append(out, Entry[V]{n.rng(), n.value})
		}
		if ar.End > n.start {
			walk(n.right)
		}
	}
	walk(s.root)
	return out
}

// entryEndingAt returns the entry immediately before a (the entry ending
// at exactly a, if one exists), used by merge-on-insert.
func (s *Set[V]) entryEndingAt(a addr) (Entry[V], bool) {
	var found *node[V]
	n := s.root
	for n != nil {
		if n.end <= a {
			if found == nil || n.end > found.end {
				found = n
			}
			n = n.right
		} else {
			n = n.left
		}
	}
	if found == nil || found.end != a {
		return Entry[V]{}, false
	}
	return Entry[V]{found.rng(), found.value}, true
}

func (s *Set[V]) entryStartingAt(a addr) (Entry[V], bool) {
	n := s.root
	for n != nil {
		switch {
		case a < n.start:
			n = n.left
		case a > n.start:
			n = n.right
		default:
			return Entry[V]{n.rng(), n.value}, true
		}
	}
	return Entry[V]{}, false
}

// InsertMerging inserts (ar, v), first absorbing an immediately-adjacent
// predecessor and/or successor entry into it if canMerge approves the
// pairing, returning the final (possibly widened) range and value. This is
// the coalescing primitive behind Unmap freeing a range back into the hole
// tree, merging it with an immediately adjacent hole on either side.
func (s *Set[V]) InsertMerging(ar addrRange, v V, canMerge func(left, right V) (V, bool)) addrRange {
	if pred, ok := s.entryEndingAt(ar.Start); ok {
		if merged, ok := canMerge(pred.Value, v); ok {
			s.Remove(pred.Range)
			ar.Start = pred.Range.Start
			v = merged
		}
	}
	if succ, ok := s.entryStartingAt(ar.End); ok {
		if merged, ok := canMerge(v, succ.Value); ok {
			s.Remove(succ.Range)
			ar.End = succ.Range.End
			v = merged
		}
	}
	s.MustInsert(ar, v)
	return ar
}

// BestFit implements the hole tree's allocation descent: descend using the
// largest-hole aggregate, at each node preferring the left/right subtree
// if it contains a hole at least as large as the requested length, else
// using this node, else going the other way. Ties break deterministically
// by address: lower for bottom placement, higher for top.
//
// BestFit requires every entry's Value to represent a free hole (i.e. s is
// a hole tree); the returned range is exactly length bytes, taken from the
// low end of the chosen hole if preferBottom, else the high end.
func (s *Set[V]) BestFit(length addr, preferBottom bool) (addrRange, bool) {
	if length == 0 || nodeMaxLen(s.root) < length {
		return addrRange{}, false
	}
	n := s.root
	for {
		ll, rl := nodeMaxLen(n.left), nodeMaxLen(n.right)
		own := n.end - n.start
		if preferBottom {
			switch {
			case ll >= length:
				n = n.left
			case own >= length:
				goto found
			case rl >= length:
				n = n.right
			default:
				return addrRange{}, false
			}
		} else {
			switch {
			case rl >= length:
				n = n.right
			case own >= length:
				goto found
			case ll >= length:
				n = n.left
			default:
				return addrRange{}, false
			}
		}
	}
found:
	if preferBottom {
		return addrRange{Start: n.start, End: n.start + length}, true
	}
	return addrRange{Start: n.end - length, End: n.end}, true
}

// FindFixed returns the unique entry containing the whole of ar, for the
// fixed-placement case where the given address must lie wholly within a
// single hole.
func (s *Set[V]) FindFixed(ar addrRange) (Entry[V], bool) {
	e, ok := s.Find(ar.Start)
	if !ok || !e.Range.IsSupersetOf(ar) {
		return Entry[V]{}, false
	}
	return e, true
}
