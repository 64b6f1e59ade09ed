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

// Package slice implements the Memory Slice: a lightweight,
// freely-duplicable `(view, offset, length)` window into a View, the unit
// that map_memory actually consumes. It plays the role gVisor's
// memmap.MappableRange plays relative to a Mappable, minus any reference
// counting of its own -- the underlying View already carries the
// reference-counted lifetime; address spaces exclusively own their holes
// and mapping trees.
package slice

import (
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/view"
)

// Slice is the `(view, offset, length)` triple.
type Slice struct {
	View   *view.View
	Offset hostarch.Addr
	Length hostarch.Addr
}

// New validates and returns a Slice covering [offset, offset+length) of v.
func New(v *view.View, offset, length hostarch.Addr) (Slice, error) {
	if !offset.IsPageAligned() || !length.IsPageAligned() || length == 0 {
		return Slice{}, memerr.ErrIllegalArgs
	}
	if offset+length > v.Length() {
		return Slice{}, memerr.ErrBufferTooSmall
	}
	return Slice{View: v, Offset: offset, Length: length}, nil
}

// Sub re-slices s to the sub-window [offset, offset+length) measured from
// the start of s -- a reasonable reading of managarm/thor's
// MemorySlice(view, view_offset, view_size) constructor generalized to
// take an existing Slice as its base instead of a bare View, rather than
// a method thor itself defines. The result shares the same underlying
// View.
func (s Slice) Sub(offset, length hostarch.Addr) (Slice, error) {
	if !offset.IsPageAligned() || !length.IsPageAligned() || length == 0 {
		return Slice{}, memerr.ErrIllegalArgs
	}
	if offset+length > s.Length {
		return Slice{}, memerr.ErrBufferTooSmall
	}
	return Slice{View: s.View, Offset: s.Offset + offset, Length: length}, nil
}

// ViewOffset translates a byte offset within s to the corresponding offset
// within s.View.
func (s Slice) ViewOffset(offset hostarch.Addr) hostarch.Addr {
	return s.Offset + offset
}

// Range returns the AddrRange s occupies within its View.
func (s Slice) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: s.Offset, End: s.Offset + s.Length}
}
