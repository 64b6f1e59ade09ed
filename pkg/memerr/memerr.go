// Copyright 2021 The gVisor Authors.
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

// Package memerr holds the standardized error taxonomy for the memory core,
// following the shape of gVisor's pkg/errors + pkg/errors/linuxerr: a small
// closed Kind enum wrapped in a *Error, with package-level sentinel values
// for fast, allocation-free comparison.
package memerr

import "fmt"

// Kind is a closed enumeration of the error kinds a caller of this module
// may observe.
type Kind int

const (
	// KindNone is the zero Kind; no *Error has this Kind.
	KindNone Kind = iota
	// KindBufferTooSmall: map_memory with offset+size > slice.length.
	KindBufferTooSmall
	// KindNoDescriptor: the handle table has no entry for the given handle.
	KindNoDescriptor
	// KindBadDescriptor: the handle table rejected the handle's type.
	KindBadDescriptor
	// KindNoBacking: fetch_range with disallow_backing against a missing
	// cache page.
	KindNoBacking
	// KindPagerGone: the pager handle closed while requests were pending.
	KindPagerGone
	// KindFault: generic fault surfaced to user space when the fault
	// handler returned "unresolved".
	KindFault
	// KindIllegalArgs: non-page-aligned address/length, or a protection
	// mask outside the defined bit set.
	KindIllegalArgs
	// kindUnresolved is internal: the fault handler could not resolve the
	// fault and the caller (vspace) must translate it to KindFault before
	// it reaches user space.
	kindUnresolved
)

// Error pairs a Kind with a human-readable message, exactly as gVisor's
// *errors.Error pairs an errno.Errno with one.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error. Most callers should use one of the package
// sentinels below instead of calling New directly.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Error implements error.
func (e *Error) Error() string { return e.message }

// Kind returns the underlying Kind, for callers that need to branch on
// error identity the way a syscall wrapper maps this taxonomy to a stable
// enum exposed across the syscall boundary.
func (e *Error) Kind() Kind { return e.kind }

// Is supports errors.Is(err, memerr.ErrPagerGone) and friends by comparing
// Kind rather than pointer identity, since *Error values may be
// reconstructed with additional context via Wrap.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == other.kind
}

// Wrap returns a new *Error with the same Kind as e but a more specific
// message, for call sites that want to attach context (an address, a
// length) without losing the Kind that callers switch on.
func Wrap(e *Error, context string) *Error {
	return &Error{kind: e.kind, message: fmt.Sprintf("%s: %s", context, e.message)}
}

// Sentinel errors, one per Kind above.
var (
	ErrBufferTooSmall = New(KindBufferTooSmall, "buffer too small")
	ErrNoDescriptor   = New(KindNoDescriptor, "no such descriptor")
	ErrBadDescriptor  = New(KindBadDescriptor, "bad descriptor type")
	ErrNoBacking      = New(KindNoBacking, "page has no backing and disallow_backing was set")
	ErrPagerGone      = New(KindPagerGone, "pager handle closed with requests outstanding")
	ErrFault          = New(KindFault, "unresolved page fault")
	ErrIllegalArgs    = New(KindIllegalArgs, "illegal argument: unaligned address/length or invalid flags")

	// errUnresolved is returned internally by the fault-lookup path; vspace
	// translates it to ErrFault before returning it to a syscall wrapper.
	errUnresolved = New(kindUnresolved, "fault does not resolve to any mapping or violates its protection")
)

// ErrUnresolved is the internal "unresolved fault" sentinel used between
// the fault handler and its mapping lookup; exported so vspace's own tests
// can assert on it precisely, while syscall-facing code should observe
// ErrFault instead.
var ErrUnresolved = errUnresolved

// Panic reports a fatal invariant violation: the in-kernel equivalent of a
// failed assertion, not a recoverable condition. Examples: a zombie
// mapping still observed as active, a hole tree whose aggregate violates
// its invariant, a shootdown ack before submission.
func Panic(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
