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

package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/UditDey/managarm/pkg/hostarch"
	"github.com/UditDey/managarm/pkg/pager"
	"github.com/UditDey/managarm/pkg/pgalloc"
	"github.com/UditDey/managarm/pkg/slice"
	"github.com/UditDey/managarm/pkg/view"
	"github.com/UditDey/managarm/pkg/vspace"
)

// Session holds every named object a script can refer to: spaces, views,
// and pagers, plus the shared physical allocator they draw frames from.
type Session struct {
	in  *bufio.Scanner
	out io.Writer

	mu     sync.Mutex // serializes writes to out across the REPL goroutine and fault goroutines
	wg     sync.WaitGroup
	alloc  pgalloc.Allocator
	spaces map[string]*spaceEntry
	views  map[string]*view.View
	pagers map[string]*pager.Pager
}

type spaceEntry struct {
	space *vspace.Space
	ops   *simOps
}

// New returns a Session reading commands from in and writing results to out.
func New(in io.Reader, out io.Writer) *Session {
	return &Session{
		in:     bufio.NewScanner(in),
		out:    out,
		alloc:  pgalloc.NewBitmapAllocator(0, 1<<20),
		spaces: make(map[string]*spaceEntry),
		views:  make(map[string]*view.View),
		pagers: make(map[string]*pager.Pager),
	}
}

func (s *Session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// Run reads and dispatches commands until stdin closes or "quit" is seen,
// then waits for any backgrounded fault commands to finish.
func (s *Session) Run() error {
	for s.in.Scan() {
		line := strings.TrimSpace(s.in.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "quit" {
			break
		}
		if err := s.dispatch(fields); err != nil {
			s.printf("error: %v\n", err)
		}
	}
	s.wg.Wait()
	return s.in.Err()
}

func (s *Session) dispatch(f []string) error {
	switch f[0] {
	case "create-space":
		return s.createSpace(f[1:])
	case "create-view":
		return s.createView(f[1:])
	case "map":
		return s.mapCmd(f[1:])
	case "fault":
		return s.faultCmd(f[1:])
	case "protect":
		return s.protectCmd(f[1:])
	case "unmap":
		return s.unmapCmd(f[1:])
	case "fork":
		return s.forkCmd(f[1:])
	case "submit-manage":
		return s.submitManage(f[1:])
	case "complete-load":
		return s.completeLoad(f[1:])
	case "holes":
		return s.holesCmd(f[1:])
	case "mappings":
		return s.mappingsCmd(f[1:])
	case "rss":
		return s.rssCmd(f[1:])
	case "ptes":
		return s.ptesCmd(f[1:])
	default:
		return fmt.Errorf("unknown command %q", f[0])
	}
}

func pages(n string) (hostarch.Addr, error) {
	v, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad page count %q: %w", n, err)
	}
	return hostarch.Addr(v) * hostarch.PageSize, nil
}

func parseAccess(s string) (hostarch.AccessType, error) {
	var a hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			a.Read = true
		case 'w':
			a.Write = true
		case 'x':
			a.Execute = true
		case '-':
		default:
			return a, fmt.Errorf("bad access char %q", c)
		}
	}
	return a, nil
}

func (s *Session) createSpace(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: create-space <name>")
	}
	ops := newSimOps()
	sp := vspace.NewSpace(0, 1<<40, ops)
	s.spaces[args[0]] = &spaceEntry{space: sp, ops: ops}
	s.printf("created space %s id=%s\n", args[0], sp.ID.String())
	return nil
}

func (s *Session) createView(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: create-view <name> allocated|cached <pages> [pager-name]")
	}
	n, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad page count: %w", err)
	}
	length := hostarch.Addr(n) * hostarch.PageSize

	var v *view.View
	switch args[1] {
	case "allocated":
		v, err = view.NewAllocated(length, s.alloc, false)
	case "cached":
		if len(args) < 4 {
			return fmt.Errorf("cached views need a pager name")
		}
		pg, ok := s.pagers[args[3]]
		if !ok {
			pg = pager.New()
			s.pagers[args[3]] = pg
		}
		v, err = view.NewCached(length, s.alloc, pg)
	default:
		return fmt.Errorf("unknown view kind %q", args[1])
	}
	if err != nil {
		return err
	}
	s.views[args[0]] = v
	s.printf("created view %s id=%s\n", args[0], v.ID.String())
	return nil
}

func (s *Session) mapCmd(args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("usage: map <space> <view> <offset-pages> <length-pages> <rwx> [fixed:<va-pages>|bottom|top] [cow|share|drop]")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	v, ok := s.views[args[1]]
	if !ok {
		return fmt.Errorf("no such view %q", args[1])
	}
	offset, err := pages(args[2])
	if err != nil {
		return err
	}
	length, err := pages(args[3])
	if err != nil {
		return err
	}
	flags, err := parseAccess(args[4])
	if err != nil {
		return err
	}

	opts := vspace.MapOpts{Placement: vspace.PreferBottom, Flags: flags}
	if len(args) > 5 {
		switch {
		case strings.HasPrefix(args[5], "fixed:"):
			vaPages, err := strconv.ParseUint(strings.TrimPrefix(args[5], "fixed:"), 10, 64)
			if err != nil {
				return fmt.Errorf("bad fixed va: %w", err)
			}
			opts.Placement = vspace.Fixed
			opts.VA = hostarch.Addr(vaPages) * hostarch.PageSize
		case args[5] == "top":
			opts.Placement = vspace.PreferTop
		case args[5] == "bottom":
			opts.Placement = vspace.PreferBottom
		default:
			return fmt.Errorf("unknown placement %q", args[5])
		}
	}
	if len(args) > 6 {
		switch args[6] {
		case "cow":
			opts.ForkDisposition = vspace.CoW
		case "share":
			opts.ForkDisposition = vspace.Share
		case "drop":
			opts.ForkDisposition = vspace.Drop
		default:
			return fmt.Errorf("unknown fork disposition %q", args[6])
		}
	}

	sl, err := slice.New(v, offset, length)
	if err != nil {
		return err
	}
	va, _, err := se.space.Map(sl, 0, length, opts)
	if err != nil {
		return err
	}
	s.printf("mapped at va-page=%d\n", va/hostarch.PageSize)
	return nil
}

func (s *Session) faultCmd(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: fault <space> <va-pages> r|w|x")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	vaPages, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return err
	}
	va := hostarch.Addr(vaPages) * hostarch.PageSize
	var kind hostarch.AccessType
	switch args[2] {
	case "r":
		kind = hostarch.Read
	case "w":
		kind = hostarch.Write
	case "x":
		kind = hostarch.Execute
	default:
		return fmt.Errorf("unknown fault kind %q", args[2])
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := se.space.HandleFault(context.Background(), va, kind, s.alloc)
		if err != nil {
			s.printf("fault va-page=%d: error: %v\n", vaPages, err)
			return
		}
		s.printf("fault va-page=%d: resolved\n", vaPages)
	}()
	return nil
}

func (s *Session) protectCmd(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: protect <space> <va-pages> <length-pages> <rwx>")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	va, err := pages(args[1])
	if err != nil {
		return err
	}
	length, err := pages(args[2])
	if err != nil {
		return err
	}
	flags, err := parseAccess(args[3])
	if err != nil {
		return err
	}
	if _, err := se.space.Protect(va, length, flags).Wait(); err != nil {
		return err
	}
	s.printf("protected\n")
	return nil
}

func (s *Session) unmapCmd(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: unmap <space> <va-pages> <length-pages>")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	va, err := pages(args[1])
	if err != nil {
		return err
	}
	length, err := pages(args[2])
	if err != nil {
		return err
	}
	if _, err := se.space.Unmap(va, length).Wait(); err != nil {
		return err
	}
	s.printf("unmapped\n")
	return nil
}

func (s *Session) forkCmd(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: fork <parent-space> <child-space>")
	}
	parent, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	childOps := newSimOps()
	child, err := parent.space.Fork(childOps)
	if err != nil {
		return err
	}
	s.spaces[args[1]] = &spaceEntry{space: child, ops: childOps}
	s.printf("forked %s into %s id=%s\n", args[0], args[1], child.ID.String())
	return nil
}

func (s *Session) submitManage(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: submit-manage <pager-name>")
	}
	pg, ok := s.pagers[args[0]]
	if !ok {
		return fmt.Errorf("no such pager %q", args[0])
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := pg.SubmitManage(ctx)
	if err != nil {
		s.printf("no request available (%v)\n", err)
		return nil
	}
	s.printf("delivered %s request for [%d, %d) pages\n", req.Kind, req.Range.Start/hostarch.PageSize, req.Range.End/hostarch.PageSize)
	return nil
}

func (s *Session) completeLoad(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: complete-load <pager-name> <offset-pages> <length-pages>")
	}
	pg, ok := s.pagers[args[0]]
	if !ok {
		return fmt.Errorf("no such pager %q", args[0])
	}
	offset, err := pages(args[1])
	if err != nil {
		return err
	}
	length, err := pages(args[2])
	if err != nil {
		return err
	}
	pg.Complete(pager.Initialize, hostarch.AddrRange{Start: offset, End: offset + length}, nil)
	s.printf("completed load [%d, %d)\n", offset/hostarch.PageSize, (offset+length)/hostarch.PageSize)
	return nil
}

func (s *Session) holesCmd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: holes <space>")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	for _, h := range se.space.Holes() {
		s.printf("hole [%d, %d) pages\n", h.Start/hostarch.PageSize, h.End/hostarch.PageSize)
	}
	return nil
}

// mappingsCmd prints every mapping in address order. It builds a throwaway
// btree.BTreeG from Space.Mappings() rather than relying on that slice's
// incidental order: the address-ordered walk this dump needs has no use for
// segtree's largest_hole aggregate, so it gets the pack's plain ordered-set
// library instead of pulling in the hole/mapping trees' own augmented type.
func (s *Session) mappingsCmd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mappings <space>")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	t := btree.NewG(32, func(a, b *vspace.Mapping) bool { return a.VA() < b.VA() })
	for _, m := range se.space.Mappings() {
		t.ReplaceOrInsert(m)
	}
	t.Ascend(func(m *vspace.Mapping) bool {
		s.printf("mapping va-page=%d length-pages=%d flags=%s state=%s\n",
			m.VA()/hostarch.PageSize, m.Length()/hostarch.PageSize, m.Flags(), m.State())
		return true
	})
	return nil
}

func (s *Session) rssCmd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rss <space>")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	s.printf("rss-pages=%d\n", se.space.RSS()/hostarch.PageSize)
	return nil
}

// ptesCmd dumps the simulated page table directly, bypassing the Space's
// own bookkeeping, to let a script cross-check RSS/mappings output against
// what was actually installed.
func (s *Session) ptesCmd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ptes <space>")
	}
	se, ok := s.spaces[args[0]]
	if !ok {
		return fmt.Errorf("no such space %q", args[0])
	}
	vas := make([]hostarch.Addr, 0)
	entries := se.ops.snapshot()
	for va := range entries {
		vas = append(vas, va)
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })
	for _, va := range vas {
		e := entries[va]
		s.printf("pte va-page=%d pa=%d perms=%s caching=%s\n", va/hostarch.PageSize, e.pa, e.perms, e.caching)
	}
	return nil
}
