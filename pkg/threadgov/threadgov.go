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

// Package threadgov implements the thread and fork governor of spec
// §4.8: per-thread state creation, TLS wiring, the deferred-fork
// protocol, and cancellation cleanup bookkeeping. It is grounded on
// the teacher's ptrace-based subprocess/thread lifecycle
// (pkg/sentry/platform/systrap/subprocess_teacher_ref.go) for its
// naming and pooling idiom only — this engine JITs guest code directly
// in-process rather than ptracing a stub process, so none of the
// teacher's seccomp/sysmsg/usertrap machinery carries over.
package threadgov

import (
	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/runbox64/engine/pkg/cpustate"
	"github.com/runbox64/engine/pkg/sharedctx"
)

// CleanupRecord is one pushed pthread_cleanup_push frame: the
// guest-visible jmp_buf the host-level cancellation handler long-jumps
// into, and the guest IP of the cleanup routine itself (spec §4.8
// "Cancellation").
type CleanupRecord struct {
	JmpBuf uint64
	Guest  uint64
}

// ThreadHandle wraps a GuestCpu with the bookkeeping spec §3 names:
// entry address, argument word, a LIFO stack of cleanup records, and a
// host-level self identifier. Grounded on the teacher's thread{tgid,
// tid} pair, though here hostTID names a real OS thread rather than a
// ptrace attachment target.
type ThreadHandle struct {
	CPU   *cpustate.GuestCpu
	Entry uint64
	Arg   uint64
	TLS   *TLSBlock

	hostTID int32

	mu      gsync.Mutex
	cleanup []CleanupRecord
}

// PushCleanup pushes a cancellation record. Testable property 7: pop
// order is the reverse of push order.
func (h *ThreadHandle) PushCleanup(r CleanupRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanup = append(h.cleanup, r)
}

// PopCleanup pops the most recently pushed record, reporting false if
// the stack is empty.
func (h *ThreadHandle) PopCleanup() (CleanupRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.cleanup)
	if n == 0 {
		return CleanupRecord{}, false
	}
	r := h.cleanup[n-1]
	h.cleanup = h.cleanup[:n-1]
	return r, true
}

// CleanupDepth reports the current stack depth, used by tests to
// assert property 7 without racing PopCleanup.
func (h *ThreadHandle) CleanupDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cleanup)
}

// SetHostTID records the host-level self identifier the started
// thread observes (e.g. unix.Gettid()), mirroring the teacher's
// thread.tid field.
func (h *ThreadHandle) SetHostTID(tid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostTID = tid
}

// HostTID returns the identifier set by SetHostTID, or 0 before the
// thread has started.
func (h *ThreadHandle) HostTID() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hostTID
}

func (h *ThreadHandle) reset() {
	h.mu.Lock()
	h.cleanup = h.cleanup[:0]
	h.hostTID = 0
	h.mu.Unlock()
	h.TLS = nil
	*h.CPU = *cpustate.New()
}

// Pool reuses ThreadHandles across guest thread exits, the same way
// the teacher's subprocessPool/globalPool reuse traced subprocesses
// (subprocess_teacher_ref.go). Our handles own no ptrace attachment or
// stub process to tear down, so reuse only needs to clear the
// architectural state and cleanup stack before handing a handle back
// out.
type Pool struct {
	mu   gsync.Mutex
	free []*ThreadHandle
}

// Get returns a ready-to-seed handle, reusing one from the pool when
// available.
func (p *Pool) Get() *ThreadHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		return h
	}
	return &ThreadHandle{CPU: cpustate.New()}
}

// Put releases h back to the pool once its dispatcher loop has
// returned — the guest entry function returned through the exit
// bridge, or cancellation completed (spec §4.8).
func (p *Pool) Put(h *ThreadHandle) {
	h.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, h)
}

// Governor owns thread creation, TLS allocation, and the deferred-fork
// protocol for one SharedContext (spec §4.8). One Governor is shared
// by every thread belonging to the same emulated process.
type Governor struct {
	ctx  *sharedctx.Context
	pool Pool

	// forkFunc/waitFunc let tests replace the real clone(2)/wait4(2)
	// calls RunForkProtocol otherwise issues (see fork.go). Left nil
	// in production, where fork()/wait() fall back to hostFork/
	// waitForChild.
	forkFunc func() (uintptr, error)
	waitFunc func(uintptr)
}

// New returns a Governor driving ctx's AtFork list and TLS template.
func New(ctx *sharedctx.Context) *Governor {
	return &Governor{ctx: ctx}
}

// CreateThread prepares a ThreadHandle for a new guest thread (spec
// §4.8 "Thread creation"): it seeds segment bases from the parent,
// allocates a TLS block, pushes the synthetic exit-bridge return
// address and a zeroed frame pointer onto the guest stack the caller
// supplies, and sets the entry IP and first-argument register per the
// System V ABI. Starting the actual host thread and running a
// Dispatcher against the returned CPU is left to the caller (the
// guest pthread_create wrapper, via cmd/runbox's wiring) — Governor
// only prepares state, matching spec.md §1's boundary between the
// core and its external collaborators.
func (g *Governor) CreateThread(parent *cpustate.GuestCpu, entry, arg, guestStack, exitBridge uint64) (*ThreadHandle, error) {
	h := g.pool.Get()
	h.CPU.Seg = parent.Seg
	h.CPU.SegBase = parent.SegBase
	h.Entry = entry
	h.Arg = arg

	tls, err := AllocateTLS(g.ctx)
	if err != nil {
		g.pool.Put(h)
		return nil, err
	}
	h.TLS = tls
	h.CPU.TLSBase = tls.Base
	h.CPU.SegBase[cpustate.SegFS] = tls.Base

	sp := guestStack
	sp -= 8
	writeGuestU64(sp, 0) // zeroed frame pointer (RBP chain terminator)
	sp -= 8
	writeGuestU64(sp, exitBridge) // synthetic "exit-bridge" return address

	h.CPU.GPR[cpustate.RSP] = sp
	h.CPU.GPR[cpustate.RBP] = 0
	h.CPU.GPR[cpustate.RDI] = arg
	h.CPU.RIP = entry

	return h, nil
}

// Release returns h to the pool once the guest entry function has
// returned (through the exit bridge) or cancellation has completed.
func (g *Governor) Release(h *ThreadHandle) {
	g.pool.Put(h)
}
