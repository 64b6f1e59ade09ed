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

package pgalloc

import (
	"context"
	"testing"
)

func TestBitmapAllocatorAllocateFree(t *testing.T) {
	a := NewBitmapAllocator(0, 4)

	pa1, err := a.Allocate(0, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	pa2, err := a.Allocate(0, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pa1 == pa2 {
		t.Fatalf("two allocations returned the same frame %v", pa1)
	}

	a.Free(pa1, 0)
	pa3, err := a.Allocate(0, 0)
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if pa3 != pa1 {
		t.Errorf("Allocate after Free = %v, want reused frame %v", pa3, pa1)
	}
}

func TestBitmapAllocatorExhaustion(t *testing.T) {
	a := NewBitmapAllocator(0, 2)
	if _, err := a.Allocate(0, 0); err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	if _, err := a.Allocate(0, 0); err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	if _, err := a.Allocate(0, 0); err == nil {
		t.Errorf("Allocate on exhausted allocator succeeded, want error")
	}
}

func TestBitmapAllocatorAddressBits(t *testing.T) {
	a := NewBitmapAllocator(1<<20, 16)
	if _, err := a.Allocate(0, 10); err == nil {
		t.Errorf("Allocate with an address-bits constraint the base frame cannot satisfy succeeded, want error")
	}
}

func TestFromContextWithoutBootstrapPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("FromContext with no bound allocator and no bootstrap did not panic")
		}
	}()
	FromContext(context.Background())
}

func TestContextAllocatorShadowsDefault(t *testing.T) {
	Bootstrap(NewBitmapAllocator(0, 1))

	a := NewBitmapAllocator(0, 1)
	ctx := WithAllocator(context.Background(), a)
	if got := FromContext(ctx); got != a {
		t.Errorf("FromContext = %v, want %v", got, a)
	}
}

func TestBootstrapDefaultAllocator(t *testing.T) {
	a := NewBitmapAllocator(0, 1)
	Bootstrap(a)
	if got := FromContext(context.Background()); got != a {
		t.Errorf("FromContext after Bootstrap = %v, want %v", got, a)
	}
}
