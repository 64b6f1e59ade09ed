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

// Package shootdown wraps the single-address-space
// ptops.Ops.SubmitShootdown primitive, and adds the fan-out needed when
// one logical operation must invalidate the same range across several
// observers' address spaces at once. When a view is evicting a page with
// many observing mappings, each one unmaps its intersecting virtual pages
// and submits a shootdown concurrently; only once every one of them has
// acked does the view physically release the page.
package shootdown

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/UditDey/managarm/internal/memlog"
	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/ptops"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// Target names one address space's page-table operations plus the range
// within it that must be invalidated.
type Target struct {
	Ops   ptops.Ops
	Range hostarch.AddrRange
}

// Submit invalidates a single Target and returns a Future that resolves
// once the remote CPUs using that address space have acknowledged. This is
// the only blocking primitive the fault and unmap paths rely on.
func Submit(t Target) *workqueue.Future[struct{}] {
	f, resolve := workqueue.NewFuture[struct{}]()
	ch := t.Ops.SubmitShootdown(t.Range)
	go func() {
		<-ch
		memlog.Debugf("shootdown: ack for %v", t.Range)
		resolve(struct{}{}, nil)
	}()
	return f
}

// Multi invalidates every Target concurrently and blocks until all have
// been acknowledged, using errgroup to fan out and collect the first
// error-equivalent failure the way the same idiom is used elsewhere in the
// gVisor/akita stack for bounded concurrent fan-out. ctx cancellation does
// not abort an in-flight shootdown (there is no cancellable primitive below
// ptops.Ops), but it does stop waiting on the remaining ones early so a
// retiring space's cancellation isn't blocked forever on an unrelated
// space's laggard shootdown.
func Multi(ctx context.Context, targets []Target) error {
	if len(targets) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			select {
			case <-t.Ops.SubmitShootdown(t.Range):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// WaitAll waits on a set of already-issued Futures concurrently, the same
// fan-out this package applies in Multi, for callers whose observers are
// not a single ptops.Ops each (e.g. a view evicting a range with several
// observing mappings, each producing its own Future via its own
// unmap-then-shootdown sequence). It returns the first non-nil error, but
// unlike Multi it does not cancel the remaining Futures on that error --
// there is no cancellable primitive underneath an observer's Future -- it
// only stops waiting on them early.
func WaitAll(ctx context.Context, futs []*workqueue.Future[struct{}]) error {
	if len(futs) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range futs {
		f := f
		g.Go(func() error {
			select {
			case <-f.Done():
				_, err := f.Wait()
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
