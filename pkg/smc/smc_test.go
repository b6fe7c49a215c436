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

package smc

import (
	"hash/fnv"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/ifaces"
)

const missStub uintptr = 0xdead0000

// memLoader backs ifaces.Loader with a single anonymous mapping, so
// RegisterBlock/HandleFault exercise real mprotect calls against real
// memory instead of arbitrary addresses.
type memLoader struct {
	base uint64
	mem  []byte
}

func newMemLoader(t *testing.T, n int) *memLoader {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	return &memLoader{base: uint64(uintptr(unsafe.Pointer(&mem[0]))), mem: mem}
}

func (l *memLoader) CodePages() []ifaces.PageRange {
	return []ifaces.PageRange{{Start: l.base, Len: uint64(len(l.mem))}}
}

func (l *memLoader) ReadCode(addr uint64, dst []byte) error {
	off := addr - l.base
	copy(dst, l.mem[off:off+uint64(len(dst))])
	return nil
}

func (l *memLoader) EntryPoint() (rip, rsp uint64) { return l.base, 0 }

func hashOf(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

func newBlock(start, end uint64, src []byte) *blockcache.Block {
	return &blockcache.Block{
		GuestStart: start,
		GuestEnd:   end,
		Entry:      0x10000,
		SourceHash: hashOf(src),
	}
}

func TestRegisterBlockProtectsPage(t *testing.T) {
	l := newMemLoader(t, pageSize)
	c := blockcache.New(missStub)
	m := New(c, l)

	b := newBlock(l.base, l.base+16, l.mem[:16])
	if err := m.RegisterBlock(b); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}
	if !m.protected[pageBase(l.base)] {
		t.Fatal("page not marked protected after RegisterBlock")
	}

	if err := unprotect(pageBase(l.base)); err != nil {
		t.Fatalf("cleanup unprotect: %v", err)
	}
}

func TestHandleFaultInvalidatesAndFlagsAlwaysVerify(t *testing.T) {
	l := newMemLoader(t, pageSize)
	c := blockcache.New(missStub)
	m := New(c, l)

	b := newBlock(l.base, l.base+16, l.mem[:16])
	c.Insert(b)
	if err := m.RegisterBlock(b); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}

	if err := m.HandleFault(l.base); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if got := c.Lookup(l.base); got != missStub {
		t.Errorf("Lookup after fault = %#x, want miss stub %#x", got, missStub)
	}
	if !m.AlwaysVerify(l.base, l.base+16) {
		t.Error("AlwaysVerify false for a page that just faulted")
	}

	// The page must be writable again: a second fault there should
	// not be necessary for the retried guest write to succeed.
	l.mem[0] = 0xff
}

func TestVerifyBlockDetectsSourceMismatch(t *testing.T) {
	l := newMemLoader(t, pageSize)
	c := blockcache.New(missStub)
	m := New(c, l)

	src := append([]byte(nil), l.mem[:16]...)
	b := newBlock(l.base, l.base+16, src)
	c.Insert(b)

	if !m.VerifyBlock(b) {
		t.Fatal("VerifyBlock false for unmodified source")
	}

	l.mem[0] ^= 0xff
	if m.VerifyBlock(b) {
		t.Fatal("VerifyBlock true after source bytes changed")
	}
	if got := c.Lookup(l.base); got != missStub {
		t.Errorf("Lookup after VerifyBlock mismatch = %#x, want miss stub %#x", got, missStub)
	}
}

func TestAlwaysVerifyFalseForUntouchedPage(t *testing.T) {
	l := newMemLoader(t, pageSize)
	c := blockcache.New(missStub)
	m := New(c, l)

	if m.AlwaysVerify(l.base, l.base+16) {
		t.Fatal("AlwaysVerify true before any fault was ever handled")
	}
}
