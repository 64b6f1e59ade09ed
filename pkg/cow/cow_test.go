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

package cow

import (
	"context"
	"testing"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/view"
)

func newRootWithPage(t *testing.T, alloc pgalloc.Allocator) (*Chain, hostarch.Addr) {
	t.Helper()
	v, err := view.NewAllocated(hostarch.PageSize, alloc, false)
	if err != nil {
		t.Fatalf("NewAllocated: %v", err)
	}
	if _, err := v.LockRange(context.Background(), 0, hostarch.PageSize, view.LockOpts{}).Wait(); err != nil {
		t.Fatalf("LockRange: %v", err)
	}
	return NewRoot(v), 0
}

func TestResolveFallsThroughToRootMiss(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	root, offset := newRootWithPage(t, alloc)
	if _, ok := root.Resolve(offset); ok {
		t.Errorf("Resolve on an untouched root = ok, want a miss (root has no override, falls to the view)")
	}
}

func TestForkedBranchesDivergeOnWrite(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	root, offset := newRootWithPage(t, alloc)

	original, err := root.WriteFault(offset, alloc)
	if err != nil {
		t.Fatalf("WriteFault on root: %v", err)
	}

	parent, child := root.Fork()

	parentPA, err := parent.WriteFault(offset, alloc)
	if err != nil {
		t.Fatalf("parent.WriteFault: %v", err)
	}
	if parentPA == original {
		t.Errorf("parent.WriteFault reused the pre-fork frame, want a fresh copy (root.refs == 2)")
	}

	childPA, ok := child.Resolve(offset)
	if !ok || childPA != original {
		t.Errorf("child.Resolve = (%v, %v), want the pre-fork frame %v unchanged", childPA, ok, original)
	}

	childWritePA, err := child.WriteFault(offset, alloc)
	if err != nil {
		t.Fatalf("child.WriteFault: %v", err)
	}
	if childWritePA == parentPA || childWritePA == original {
		t.Errorf("child.WriteFault = %v, want a frame distinct from parent's %v and the original %v", childWritePA, parentPA, original)
	}

	// Parent's own copy is unaffected by the child's independent write.
	if got, ok := parent.Resolve(offset); !ok || got != parentPA {
		t.Errorf("parent.Resolve after child write = (%v, %v), want unchanged (%v, true)", got, ok, parentPA)
	}
}

func TestBranchWithExclusiveSuperTakesOwnership(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	root, offset := newRootWithPage(t, alloc)

	original, err := root.WriteFault(offset, alloc)
	if err != nil {
		t.Fatalf("WriteFault on root: %v", err)
	}

	// Only one side forks into cow (Branch, not Fork): root.refs stays 1,
	// so the branch's first write fault against offset must take the
	// frame rather than copy it.
	sole := root.Branch()
	pa, err := sole.WriteFault(offset, alloc)
	if err != nil {
		t.Fatalf("WriteFault: %v", err)
	}
	if pa != original {
		t.Errorf("WriteFault with an exclusive super = %v, want the moved frame %v (no copy)", pa, original)
	}
	if _, ok := root.Resolve(offset); ok {
		t.Errorf("root still resolves offset after ownership moved to the sole branch")
	}
}

func TestDestroyFreesOwnedFrames(t *testing.T) {
	alloc := pgalloc.NewBitmapAllocator(0, 16)
	root, offset := newRootWithPage(t, alloc)
	pa, err := root.WriteFault(offset, alloc)
	if err != nil {
		t.Fatalf("WriteFault: %v", err)
	}

	root.Destroy(alloc)

	// The frame should be back on the free list: allocating until
	// exhaustion must eventually return it.
	reused := false
	for i := 0; i < 16; i++ {
		got, err := alloc.Allocate(0, 0)
		if err != nil {
			break
		}
		if got == pa {
			reused = true
			break
		}
	}
	if !reused {
		t.Errorf("Destroy did not return frame %v to the allocator", pa)
	}
}
