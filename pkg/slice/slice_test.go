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

package slice

import (
	"testing"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/memerr"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/view"
)

func newTestView(t *testing.T, pages int) *view.View {
	t.Helper()
	alloc := pgalloc.NewBitmapAllocator(0, uint64(pages)+4)
	v, err := view.NewAllocated(hostarch.Addr(pages)*hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	return v
}

func TestNewRejectsOutOfBounds(t *testing.T) {
	v := newTestView(t, 2)
	if _, err := New(v, 0, 3*hostarch.PageSize); err != memerr.ErrBufferTooSmall {
		t.Errorf("New with length beyond view = %v, want ErrBufferTooSmall", err)
	}
	if _, err := New(v, 1, hostarch.PageSize); err != memerr.ErrIllegalArgs {
		t.Errorf("New with unaligned offset = %v, want ErrIllegalArgs", err)
	}
}

func TestSubWindowsWithinParent(t *testing.T) {
	v := newTestView(t, 4)
	s, err := New(v, hostarch.PageSize, 3*hostarch.PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := s.Sub(hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if sub.View != v {
		t.Errorf("Sub() changed the underlying View")
	}
	if sub.Offset != 2*hostarch.PageSize {
		t.Errorf("Sub() Offset = %d, want %d", sub.Offset, 2*hostarch.PageSize)
	}
	if _, err := s.Sub(0, 4*hostarch.PageSize); err != memerr.ErrBufferTooSmall {
		t.Errorf("Sub beyond parent length = %v, want ErrBufferTooSmall", err)
	}
}

func TestViewOffsetAndRange(t *testing.T) {
	v := newTestView(t, 4)
	s, err := New(v, hostarch.PageSize, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.ViewOffset(hostarch.PageSize); got != 2*hostarch.PageSize {
		t.Errorf("ViewOffset(PageSize) = %d, want %d", got, 2*hostarch.PageSize)
	}
	want := hostarch.AddrRange{Start: hostarch.PageSize, End: 3 * hostarch.PageSize}
	if got := s.Range(); got != want {
		t.Errorf("Range() = %v, want %v", got, want)
	}
}
