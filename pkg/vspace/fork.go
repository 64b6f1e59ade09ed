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
	"github.com/UditDey/managarm/pkg/cow"
	"github.com/UditDey/managarm/pkg/ptops"
	"github.com/UditDey/managarm/pkg/slice"
)

// Fork creates a child Space over childOps, populated per each mapping's
// ForkDisposition:
//
//   - Drop: the child gets no mapping; the range stays (or becomes) a hole.
//   - Share: the child gets an identical active mapping onto the same
//     slice, observing the same view as the parent.
//   - CoW: parent and child diverge lazily through a shared cow.Chain. The
//     mapping's logical Flags() are unchanged by the fork; only the
//     installed PTEs are re-derived (installFlags traps write until a
//     chain node locally owns the page) and shot down, so the next write
//     on either side goes through the fault handler's CoW branch instead
//     of silently mutating a frame still shared with the other side.
func (s *Space) Fork(childOps ptops.Ops) (*Space, error) {
	child := NewSpace(s.lo, s.hi, childOps)

	s.mu.Lock()
	parentMappings := s.mappings.Segments()
	s.mu.Unlock()

	var toReinstall []*Mapping

	for _, e := range parentMappings {
		pm := e.Value
		pm.mu.Lock()
		disp := pm.forkDisposition
		flags := pm.flags
		dontRequireBacking := pm.dontRequireBacking
		chain := pm.chain
		pm.mu.Unlock()

		switch disp {
		case Drop:
			continue

		case Share:
			sl, err := slice.New(pm.slice.View, pm.slice.Offset, pm.length)
			if err != nil {
				return nil, err
			}
			if _, _, err := child.Map(sl, 0, pm.length, MapOpts{
				VA:                 e.Range.Start,
				Placement:          Fixed,
				Flags:              flags,
				DontRequireBacking: dontRequireBacking,
				ForkDisposition:    Share,
			}); err != nil {
				return nil, err
			}

		case CoW:
			if chain == nil {
				chain = cow.NewRoot(pm.slice.View)
			}
			parentChain, childChain := chain.Fork()

			pm.mu.Lock()
			pm.chain = parentChain
			pm.mu.Unlock()
			toReinstall = append(toReinstall, pm)

			_, cm, err := child.Map(slice.Slice{View: pm.slice.View, Offset: pm.slice.Offset, Length: pm.length}, 0, pm.length, MapOpts{
				VA:                 e.Range.Start,
				Placement:          Fixed,
				Flags:              flags,
				DontRequireBacking: dontRequireBacking,
				ForkDisposition:    CoW,
			})
			if err != nil {
				return nil, err
			}
			cm.mu.Lock()
			cm.chain = childChain
			cm.mu.Unlock()
			toReinstall = append(toReinstall, cm)
		}
	}

	for _, pm := range toReinstall {
		if err := pm.reinstallAndShootdown(); err != nil {
			return nil, err
		}
	}

	return child, nil
}
