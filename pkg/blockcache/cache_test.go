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

package blockcache

import (
	"sync"
	"testing"
	"unsafe"
)

const missStub uintptr = 0xdead0000

func TestLookupMissReturnsStub(t *testing.T) {
	c := New(missStub)
	if got := c.Lookup(0x400000); got != missStub {
		t.Errorf("Lookup on empty cache = %#x, want miss stub %#x", got, missStub)
	}
}

func TestInsertThenLookup(t *testing.T) {
	c := New(missStub)
	b := &Block{GuestStart: 0x400000, GuestEnd: 0x400010, Entry: 0x10000}
	c.Insert(b)

	if got := c.Lookup(0x400000); got != b.Entry {
		t.Errorf("Lookup after insert = %#x, want %#x", got, b.Entry)
	}
	if got := c.LookupBlock(0x400000); got != b {
		t.Errorf("LookupBlock after insert = %v, want %v", got, b)
	}
}

// TestInvalidateRewritesLinksToMissStub backs testable property 3: no
// dangling link survives an invalidation.
func TestInvalidateRewritesLinksToMissStub(t *testing.T) {
	c := New(missStub)
	caller := &Block{GuestStart: 0x500000, GuestEnd: 0x500010, Entry: 0x20000}
	callee := &Block{GuestStart: 0x400000, GuestEnd: 0x400010, Entry: 0x10000}
	c.Insert(caller)
	c.Insert(callee)

	var patchWord uintptr = callee.Entry
	link := &LinkSite{PatchAddr: uintptr(unsafe.Pointer(&patchWord)), From: caller, To: callee}
	c.AddLink(link)

	c.Invalidate(callee)

	if got := c.Lookup(0x400000); got != missStub {
		t.Errorf("Lookup after invalidate = %#x, want miss stub", got)
	}
	if patchWord != missStub {
		t.Errorf("link site patch word = %#x, want miss stub %#x", patchWord, missStub)
	}
	if !callee.PendingFree.Load() {
		t.Error("invalidated block should be marked PendingFree")
	}
}

// TestLookupConcurrentWithInsert is a smoke test for the lock-free
// fast path (testable property 10): readers must never observe a torn
// entry while a writer installs a new block.
func TestLookupConcurrentWithInsert(t *testing.T) {
	c := New(missStub)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.Lookup(0x400000)
		}
	}()

	for i := 0; i < 100; i++ {
		b := &Block{GuestStart: 0x400000, GuestEnd: 0x400010, Entry: uintptr(0x10000 + i)}
		c.Insert(b)
	}
	close(stop)
	wg.Wait()

	if got := c.Lookup(0x400000); got == missStub {
		t.Error("final lookup should hit the last-inserted block, not the miss stub")
	}
}

func TestHostIndexFind(t *testing.T) {
	h := NewHostIndex()
	b1 := &Block{GuestStart: 0x400000}
	b2 := &Block{GuestStart: 0x500000}
	h.Add(b1, 0x10000, 0x10100)
	h.Add(b2, 0x20000, 0x20200)

	if got, ok := h.Find(0x10050); !ok || got != b1 {
		t.Errorf("Find(0x10050) = %v, %v; want b1, true", got, ok)
	}
	if got, ok := h.Find(0x20199); !ok || got != b2 {
		t.Errorf("Find(0x20199) = %v, %v; want b2, true", got, ok)
	}
	if _, ok := h.Find(0x30000); ok {
		t.Error("Find outside any range should miss")
	}
}
