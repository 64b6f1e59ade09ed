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

package vspace

import (
	"sync/atomic"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/shootdown"
	"github.com/UditDey/managarm/pkg/workqueue"
)

// Evict implements view.Observer: the view is announcing that [vo, vo+n)
// is about to be physically released. m unmaps the intersecting virtual
// pages (propagating dirty back to the view), submits a shootdown, and
// only then resolves -- this is what lets the view safely free the frame
// once every observer's Future has resolved.
func (m *Mapping) Evict(vo, n hostarch.Addr) *workqueue.Future[struct{}] {
	f, resolve := workqueue.NewFuture[struct{}]()
	go m.runEvict(vo, n, resolve)
	return f
}

func (m *Mapping) runEvict(vo, n hostarch.Addr, resolve func(struct{}, error)) {
	evicted := hostarch.AddrRange{Start: vo, End: vo + n}
	ovl := m.viewRange().Intersect(evicted)
	if ovl.Length() == 0 {
		m.owner.queue.Post(func() { resolve(struct{}{}, nil) })
		return
	}

	m.evictMu.Lock()
	vaStart := m.vaOf(ovl.Start)
	vaEnd := m.vaOf(ovl.End)
	for va := vaStart; va < vaEnd; va += hostarch.PageSize {
		status := m.owner.ops.UnmapSinglePage(va)
		if !status.Present {
			continue
		}
		atomic.AddInt64(&m.owner.rss, -1)
		if status.Dirty {
			viewOff := ovl.Start + (va - vaStart)
			m.slice.View.MarkDirty(viewOff, hostarch.PageSize)
		}
	}
	m.evictMu.Unlock()

	target := shootdown.Target{Ops: m.owner.ops, Range: hostarch.AddrRange{Start: vaStart, End: vaEnd}}
	_, shootdownErr := shootdown.Submit(target).Wait()
	m.owner.queue.Post(func() { resolve(struct{}{}, shootdownErr) })
}
