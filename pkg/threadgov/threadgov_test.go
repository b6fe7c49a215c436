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

package threadgov

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/runbox64/engine/pkg/cpustate"
	"github.com/runbox64/engine/pkg/sharedctx"
)

const testMissStub uintptr = 0xdead0000

func newTestContext(t *testing.T) *sharedctx.Context {
	t.Helper()
	return sharedctx.New(testMissStub, nil, nil, nil)
}

func TestCleanupStackIsLIFO(t *testing.T) {
	h := &ThreadHandle{CPU: cpustate.New()}

	h.PushCleanup(CleanupRecord{JmpBuf: 1})
	h.PushCleanup(CleanupRecord{JmpBuf: 2})
	h.PushCleanup(CleanupRecord{JmpBuf: 3})

	want := []uint64{3, 2, 1}
	for _, w := range want {
		r, ok := h.PopCleanup()
		if !ok {
			t.Fatalf("PopCleanup reported empty before %d records were popped", len(want))
		}
		if r.JmpBuf != w {
			t.Fatalf("PopCleanup = %d, want %d", r.JmpBuf, w)
		}
	}
	if _, ok := h.PopCleanup(); ok {
		t.Fatal("PopCleanup succeeded after the stack should have been empty")
	}
}

func TestCleanupStackConcurrentPush(t *testing.T) {
	// Testable property 8's "N threads, M each, no losses" shape,
	// applied to the cleanup stack's push side: N goroutines each push
	// M records; the final depth must be exactly N*M.
	h := &ThreadHandle{CPU: cpustate.New()}
	const n, m = 8, 50

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < m; j++ {
				h.PushCleanup(CleanupRecord{JmpBuf: 1})
			}
		}()
	}
	wg.Wait()

	if got := h.CleanupDepth(); got != n*m {
		t.Fatalf("CleanupDepth = %d, want %d", got, n*m)
	}
}

func TestPoolReusesAndResetsHandles(t *testing.T) {
	var p Pool
	h := p.Get()
	h.CPU.RIP = 0x401000
	h.PushCleanup(CleanupRecord{JmpBuf: 1})
	h.SetHostTID(42)
	h.TLS = &TLSBlock{Base: 0x1000}

	p.Put(h)
	reused := p.Get()
	if reused != h {
		t.Fatal("Pool.Get after a single Put did not return the reused handle")
	}
	if reused.CPU.RIP != 0 {
		t.Fatalf("reused handle RIP = %#x, want 0 (reset)", reused.CPU.RIP)
	}
	if reused.CleanupDepth() != 0 {
		t.Fatal("reused handle still has cleanup records")
	}
	if reused.HostTID() != 0 {
		t.Fatal("reused handle still has a host TID")
	}
	if reused.TLS != nil {
		t.Fatal("reused handle still references its old TLS block")
	}
}

func TestAllocateTLSLayout(t *testing.T) {
	ctx := newTestContext(t)
	template := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	ctx.SetTLSTemplate(template, uint64(len(template)))

	tls, err := AllocateTLS(ctx)
	if err != nil {
		t.Fatalf("AllocateTLS: %v", err)
	}

	// The template must land immediately below Base.
	off := tls.Base - sliceAddr(tls.backing)
	if off != uint64(len(template)) {
		t.Fatalf("template copied at offset %d below backing, want %d", off, len(template))
	}
	for i, b := range template {
		if tls.backing[i] != b {
			t.Fatalf("backing[%d] = %#x, want template byte %#x", i, tls.backing[i], b)
		}
	}

	if got := binary.LittleEndian.Uint64(guestBytes(tls.Base + tlsSelfOffset)); got != tls.Base {
		t.Fatalf("self pointer = %#x, want %#x", got, tls.Base)
	}
	if got := binary.LittleEndian.Uint64(guestBytes(tls.Base + tlsDTVOffset)); got != 0 {
		t.Fatalf("DTV pointer = %#x, want 0", got)
	}
	if got := binary.LittleEndian.Uint64(guestBytes(tls.Base + tlsCanaryOffset)); got == 0 {
		t.Fatal("canary is zero")
	}
}

func TestAllocateTLSRejectsOversizedImage(t *testing.T) {
	ctx := newTestContext(t)
	ctx.SetTLSTemplate(make([]byte, TLSBlockSize), TLSBlockSize)

	if _, err := AllocateTLS(ctx); err == nil {
		t.Fatal("AllocateTLS succeeded for an image that cannot fit the header")
	}
}

func TestCreateThreadSeedsStackAndRegisters(t *testing.T) {
	ctx := newTestContext(t)
	ctx.SetTLSTemplate(nil, 0)
	gov := New(ctx)

	parent := cpustate.New()
	parent.SegBase[cpustate.SegFS] = 0x7000
	parent.Seg[cpustate.SegFS] = 0x33

	stack := make([]byte, 4096)
	guestStack := sliceAddr(stack) + 4096
	const entry, arg, exitBridge = 0x401000, 0x2a, 0xffff800000000000

	h, err := gov.CreateThread(parent, entry, arg, guestStack, exitBridge)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if h.CPU.RIP != entry {
		t.Fatalf("RIP = %#x, want %#x", h.CPU.RIP, entry)
	}
	if h.CPU.GPR[cpustate.RDI] != arg {
		t.Fatalf("RDI = %#x, want %#x (first argument register)", h.CPU.GPR[cpustate.RDI], arg)
	}
	if h.CPU.TLSBase == 0 {
		t.Fatal("TLSBase was not set")
	}
	if h.CPU.SegBase[cpustate.SegFS] != h.CPU.TLSBase {
		t.Fatal("SegBase[SegFS] does not match the allocated TLS block's base")
	}

	sp := h.CPU.GPR[cpustate.RSP]
	if binary.LittleEndian.Uint64(guestBytes(sp)) != exitBridge {
		t.Fatal("exit-bridge return address was not pushed at the new top of stack")
	}
	if binary.LittleEndian.Uint64(guestBytes(sp+8)) != 0 {
		t.Fatal("zeroed frame pointer was not pushed above the exit-bridge address")
	}
}

func TestRunForkProtocolParentAndChildPaths(t *testing.T) {
	ctx := newTestContext(t)
	gov := New(ctx)

	var order []string
	ctx.AtFork.Register(testAtForkRecord(&order))

	t.Run("parent", func(t *testing.T) {
		order = nil
		gov.forkFunc = func() (uintptr, error) { return 4242, nil }
		cpu := cpustate.New()
		cpu.ForkRequest.Store(cpustate.ForkPlain)

		gov.RunForkProtocol(cpu)

		if cpu.GPR[cpustate.RAX] != 4242 {
			t.Fatalf("parent fork result = %d, want 4242", cpu.GPR[cpustate.RAX])
		}
		if cpu.ForkRequest.Load() != cpustate.ForkNone {
			t.Fatal("ForkRequest not cleared after the protocol ran")
		}
		if got, want := order, []string{"prepare", "parent"}; !equalStrings(got, want) {
			t.Fatalf("callback order = %v, want %v", got, want)
		}
	})

	t.Run("child", func(t *testing.T) {
		order = nil
		gov.forkFunc = func() (uintptr, error) { return 0, nil }
		cpu := cpustate.New()
		cpu.ForkRequest.Store(cpustate.ForkPlain)

		gov.RunForkProtocol(cpu)

		if cpu.GPR[cpustate.RAX] != 0 {
			t.Fatalf("child fork result = %d, want 0", cpu.GPR[cpustate.RAX])
		}
		if got, want := order, []string{"prepare", "child"}; !equalStrings(got, want) {
			t.Fatalf("callback order = %v, want %v", got, want)
		}
	})
}

func TestRunForkProtocolVforkBlocksOnChild(t *testing.T) {
	ctx := newTestContext(t)
	gov := New(ctx)

	waited := false
	gov.forkFunc = func() (uintptr, error) { return 99, nil }
	gov.waitFunc = func(pid uintptr) {
		waited = true
		if pid != 99 {
			t.Fatalf("wait pid = %d, want 99", pid)
		}
	}

	cpu := cpustate.New()
	cpu.ForkRequest.Store(cpustate.ForkVfork)
	gov.RunForkProtocol(cpu)

	if !waited {
		t.Fatal("RunForkProtocol did not block on the child for a vfork-like request")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testAtForkRecord(order *[]string) sharedctx.AtForkRecord {
	return sharedctx.AtForkRecord{
		Prepare: func(cpu *cpustate.GuestCpu) { *order = append(*order, "prepare") },
		Parent:  func(cpu *cpustate.GuestCpu) { *order = append(*order, "parent") },
		Child:   func(cpu *cpustate.GuestCpu) { *order = append(*order, "child") },
	}
}
