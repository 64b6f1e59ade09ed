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

// Package session implements vmmdiag's scripted command interpreter: a
// simulated ptops.Ops (no real page tables, just a map) driving a real
// vspace.Space, so the CLI exercises the actual fault/protect/unmap/fork
// code paths against deterministic, inspectable state.
package session

import (
	"sync"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/ptops"
)

type pte struct {
	pa      pgalloc.PhysicalAddr
	perms   hostarch.AccessType
	caching hostarch.MemoryType
}

// simOps is an in-memory ptops.Ops: shootdowns ack immediately since there
// are no real remote CPUs to invalidate.
type simOps struct {
	mu   sync.Mutex
	ptes map[hostarch.Addr]pte
}

func newSimOps() *simOps {
	return &simOps{ptes: make(map[hostarch.Addr]pte)}
}

func (s *simOps) MapSinglePage(va hostarch.Addr, pa pgalloc.PhysicalAddr, perms hostarch.AccessType, caching hostarch.MemoryType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptes[va] = pte{pa: pa, perms: perms, caching: caching}
	return nil
}

func (s *simOps) UnmapSinglePage(va hostarch.Addr) ptops.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.ptes[va]
	delete(s.ptes, va)
	return ptops.Status{Present: present}
}

func (s *simOps) IsMapped(va hostarch.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ptes[va]
	return ok
}

func (s *simOps) SubmitShootdown(hostarch.AddrRange) <-chan struct{} {
	ack := make(chan struct{})
	close(ack)
	return ack
}

func (s *simOps) Retire() <-chan struct{} {
	ack := make(chan struct{})
	close(ack)
	return ack
}

func (s *simOps) snapshot() map[hostarch.Addr]pte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[hostarch.Addr]pte, len(s.ptes))
	for k, v := range s.ptes {
		out[k] = v
	}
	return out
}
