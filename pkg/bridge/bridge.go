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

// Package bridge implements the guest<->host and host<->guest call
// boundaries of spec §4.6, on top of machinery pkg/translator and
// pkg/prolog already built for an unrelated purpose (the inline
// block-cache walk and the shared miss/epilog stub): a registered
// ifaces.NativeWrapper is reached by installing a real blockcache.Block
// at a synthetic guest address whose Entry equals the cache's miss
// stub, so an ordinary indirect call or GOT-style jump lands on it
// through the exact code path every register-indirect branch already
// uses, with zero new host-codegen and zero new asm-to-Go calling
// convention to get right. An inline SYSCALL or unhandled-SIMD opcode
// reaches this package the other way: pkg/translator's expandSyscall
// and expandSSE set cpustate.GuestCpu.PendingBridge and branch straight
// to the same stub before Handle ever runs.
package bridge

import (
	"fmt"

	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/cpustate"
	"github.com/runbox64/engine/pkg/dispatcher"
	"github.com/runbox64/engine/pkg/ifaces"
)

// syntheticBase is the first guest address Register hands out.
// x86_64 Linux never maps user code above the canonical lower half
// (addresses >= 0x0000800000000000 are non-canonical or kernel-only),
// so values in this range can never collide with a real guest
// instruction pointer and never need their own mprotect'd page:
// nothing ever dereferences one as memory, only as a cache key and as
// a GOT slot's stored value (spec §4.6 "a fake guest address").
const syntheticBase = 0xffff800000000000

// returnSentinel is the address EnterGuest pushes as a guest call's
// return address: a synthetic address no real guest or registered
// NativeWrapper code will ever legitimately branch to, so RunUntil's
// stop condition only ever fires when the nested guest call actually
// returns.
const returnSentinel = syntheticBase - 8

// HelperFunc performs a software fallback for one SSE/FPU opcode
// pkg/translator's expandSSE could not expand onto a native NEON
// instruction (spec §4.2, §4.6). cpu.RIP already holds the guest
// address execution resumes at; the helper only needs to perform the
// operation and leave its result in the guest-ABI-visible location the
// opcode defines.
type HelperFunc func(cpu *cpustate.GuestCpu) error

// Registry is the bridge boundary for one process: the synthetic
// address allocator and NativeWrapper table, plus the syscall
// translator and SIMD helper an inline exit dispatches to. One
// Registry is shared by every thread's Dispatcher, matching the shared
// blockcache.Cache each of those dispatchers already reads (spec §5).
type Registry struct {
	mu       gsync.Mutex
	cache    *blockcache.Cache
	next     uint64
	wrappers map[uint64]ifaces.NativeWrapper

	Syscalls ifaces.SyscallTranslator
	Helper   HelperFunc
}

// New returns a Registry whose synthetic blocks are installed into
// cache, the same Cache every thread's Pipeline and Dispatcher share.
func New(cache *blockcache.Cache) *Registry {
	return &Registry{
		cache:    cache,
		next:     syntheticBase,
		wrappers: make(map[uint64]ifaces.NativeWrapper),
	}
}

// Register allocates a fresh synthetic guest address for w and
// installs a Block there whose Entry is the cache's miss stub (spec
// §4.6). The returned address is what the loader should write into
// the corresponding GOT/import slot, or otherwise hand back to guest
// code as the "address" of this native function.
func (r *Registry) Register(w ifaces.NativeWrapper) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := r.next
	r.next++
	if addr < syntheticBase {
		return 0, fmt.Errorf("bridge: synthetic address space exhausted")
	}

	r.wrappers[addr] = w
	r.cache.Insert(&blockcache.Block{
		GuestStart:  addr,
		GuestEnd:    addr + 1,
		Entry:       r.cache.MissStub(),
		PrologEntry: r.cache.MissStub(),
	})
	return addr, nil
}

// Handle is installed as a Dispatcher's Bridge hook. It covers three
// cases in the order generated code can produce them: an inline
// syscall exit, an inline SIMD-helper exit, and a native call landing
// on a registered synthetic address. handled is false only when none
// of the three apply, meaning cpu.RIP is an ordinary miss the
// dispatcher should resolve and translate as usual (spec §4.6).
func (r *Registry) Handle(cpu *cpustate.GuestCpu) (bool, error) {
	switch cpu.PendingBridge {
	case cpustate.BridgeSyscall:
		cpu.PendingBridge = cpustate.BridgeNone
		if r.Syscalls == nil {
			return true, fmt.Errorf("bridge: syscall at %#x with no translator wired", cpu.RIP)
		}
		return true, r.Syscalls.Syscall(cpu)
	case cpustate.BridgeHelper:
		cpu.PendingBridge = cpustate.BridgeNone
		if r.Helper == nil {
			return true, fmt.Errorf("bridge: unhandled SIMD opcode at %#x with no helper wired", cpu.RIP)
		}
		return true, r.Helper(cpu)
	}

	r.mu.Lock()
	w, ok := r.wrappers[cpu.RIP]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	addr := cpu.RIP
	if err := w(cpu); err != nil {
		return true, err
	}
	if cpu.RIP == addr {
		// w did not redirect execution itself (the common case): pop
		// the guest return address the call site pushed, mirroring
		// pkg/translator's expandRet.
		retAddr := readGuestU64(cpu.GPR[cpustate.RSP])
		cpu.GPR[cpustate.RSP] += 8
		cpu.RIP = retAddr
	}
	return true, nil
}

// EnterGuest lets a NativeWrapper call back into guest code (spec §4.6
// "host calling into guest" — e.g. qsort's comparator callback): it
// pushes returnSentinel as the call's return address, loads args into
// the System V integer argument registers, and runs d's dispatch loop
// until the nested call returns, leaving the guest ABI return value in
// cpu.GPR[cpustate.RAX] exactly as an ordinary guest CALL/RET would.
//
// d must be the calling thread's own Dispatcher: this reenters its
// loop recursively rather than switching threads, so only the
// NativeWrapper that is itself running as part of handling a bridge
// exit on d may call this.
func EnterGuest(d *dispatcher.Dispatcher, cpu *cpustate.GuestCpu, guestAddr uint64, args ...uint64) (uint64, error) {
	argRegs := [...]int{cpustate.RDI, cpustate.RSI, cpustate.RDX, cpustate.RCX, cpustate.R8, cpustate.R9}
	if len(args) > len(argRegs) {
		return 0, fmt.Errorf("bridge: EnterGuest: %d arguments exceeds the %d carried in registers", len(args), len(argRegs))
	}

	savedRIP := cpu.RIP
	savedRSP := cpu.GPR[cpustate.RSP]

	cpu.GPR[cpustate.RSP] -= 8
	writeGuestU64(cpu.GPR[cpustate.RSP], returnSentinel)
	for i, v := range args {
		cpu.GPR[argRegs[i]] = v
	}
	cpu.RIP = guestAddr

	if err := d.RunUntil(returnSentinel); err != nil {
		return 0, err
	}

	ret := cpu.GPR[cpustate.RAX]
	cpu.RIP = savedRIP
	cpu.GPR[cpustate.RSP] = savedRSP
	return ret, nil
}
