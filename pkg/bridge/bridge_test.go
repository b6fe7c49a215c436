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

package bridge

import (
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/cpustate"
	"github.com/runbox64/engine/pkg/ifaces"
)

const missStub uintptr = 0xdead0000

// newGuestStack backs a real anonymous mapping so readGuestU64/
// writeGuestU64 exercise real memory instead of an arbitrary address,
// matching pkg/smc's memLoader precedent.
func newGuestStack(t *testing.T, n int) uint64 {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}

func TestRegisterInstallsMissStubBlock(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)

	addr, err := r.Register(func(cpu *cpustate.GuestCpu) error { return nil })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if addr < syntheticBase {
		t.Fatalf("Register address %#x below syntheticBase %#x", addr, syntheticBase)
	}
	if got := cache.Lookup(addr); got != missStub {
		t.Fatalf("Lookup(%#x) = %#x, want miss stub %#x", addr, got, missStub)
	}

	second, err := r.Register(func(cpu *cpustate.GuestCpu) error { return nil })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if second == addr {
		t.Fatal("two registrations returned the same synthetic address")
	}
}

func TestHandleDispatchesSyscall(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)
	called := false
	r.Syscalls = syscallFunc(func(cpu *cpustate.GuestCpu) error {
		called = true
		cpu.GPR[cpustate.RAX] = 42
		return nil
	})

	cpu := cpustate.New()
	cpu.PendingBridge = cpustate.BridgeSyscall

	handled, err := r.Handle(cpu)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !handled {
		t.Fatal("Handle reported unhandled for a pending syscall exit")
	}
	if !called {
		t.Fatal("Syscalls.Syscall was not invoked")
	}
	if cpu.PendingBridge != cpustate.BridgeNone {
		t.Fatalf("PendingBridge = %d after Handle, want BridgeNone", cpu.PendingBridge)
	}
	if cpu.GPR[cpustate.RAX] != 42 {
		t.Fatalf("RAX = %d, want 42", cpu.GPR[cpustate.RAX])
	}
}

func TestHandleDispatchesHelper(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)
	called := false
	r.Helper = func(cpu *cpustate.GuestCpu) error {
		called = true
		return nil
	}

	cpu := cpustate.New()
	cpu.PendingBridge = cpustate.BridgeHelper

	if _, err := r.Handle(cpu); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !called {
		t.Fatal("Helper was not invoked")
	}
	if cpu.PendingBridge != cpustate.BridgeNone {
		t.Fatalf("PendingBridge = %d after Handle, want BridgeNone", cpu.PendingBridge)
	}
}

func TestHandleUnrelatedRIPIsUnhandled(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)

	cpu := cpustate.New()
	cpu.RIP = 0x400000

	handled, err := r.Handle(cpu)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if handled {
		t.Fatal("Handle reported handled for an address that was never registered")
	}
}

func TestHandleNativeCallPopsGuestReturnAddress(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)

	addr, err := r.Register(func(cpu *cpustate.GuestCpu) error {
		cpu.GPR[cpustate.RAX] = 7
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	stack := newGuestStack(t, 4096)
	sp := stack + 4096 - 8
	const wantReturn = 0x401000
	writeGuestU64(sp, wantReturn)

	cpu := cpustate.New()
	cpu.RIP = addr
	cpu.GPR[cpustate.RSP] = sp

	handled, err := r.Handle(cpu)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !handled {
		t.Fatal("Handle reported unhandled for a registered native call address")
	}
	if cpu.RIP != wantReturn {
		t.Fatalf("RIP after native call = %#x, want %#x", cpu.RIP, wantReturn)
	}
	if cpu.GPR[cpustate.RSP] != sp+8 {
		t.Fatalf("RSP after native call = %#x, want %#x", cpu.GPR[cpustate.RSP], sp+8)
	}
	if cpu.GPR[cpustate.RAX] != 7 {
		t.Fatalf("RAX = %d, want 7", cpu.GPR[cpustate.RAX])
	}
}

func TestHandleNativeCallHonorsWrapperRedirect(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)

	const redirectTo = 0x402000
	addr, err := r.Register(func(cpu *cpustate.GuestCpu) error {
		cpu.RIP = redirectTo // e.g. a longjmp-style wrapper
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cpu := cpustate.New()
	cpu.RIP = addr

	if _, err := r.Handle(cpu); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cpu.RIP != redirectTo {
		t.Fatalf("RIP = %#x, want redirect target %#x (the return-address pop must be skipped)", cpu.RIP, redirectTo)
	}
}

func TestHandleNativeCallPropagatesWrapperError(t *testing.T) {
	cache := blockcache.New(missStub)
	r := New(cache)

	wantErr := errors.New("native wrapper failed")
	addr, err := r.Register(func(cpu *cpustate.GuestCpu) error { return wantErr })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cpu := cpustate.New()
	cpu.RIP = addr

	if _, err := r.Handle(cpu); !errors.Is(err, wantErr) {
		t.Fatalf("Handle error = %v, want %v", err, wantErr)
	}
}

// syscallFunc adapts a function literal to ifaces.SyscallTranslator.
type syscallFunc func(cpu *cpustate.GuestCpu) error

func (f syscallFunc) Syscall(cpu *cpustate.GuestCpu) error { return f(cpu) }

var _ ifaces.SyscallTranslator = syscallFunc(nil)
