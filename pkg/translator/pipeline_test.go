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

package translator

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/execmem"
	"github.com/runbox64/engine/pkg/ifaces"
)

// fakeLoader serves guest code out of an in-memory image, standing in
// for the external ELF loader (spec §1 Loader).
type fakeLoader struct {
	base  uint64
	image []byte
}

func (f *fakeLoader) CodePages() []ifaces.PageRange { return nil }

func (f *fakeLoader) ReadCode(addr uint64, dst []byte) error {
	off := int(addr - f.base)
	n := copy(dst, f.image[off:])
	for i := n; i < len(dst); i++ {
		dst[i] = 0x90 // pad with x86 NOP so a short trailing read still decodes
	}
	return nil
}

func (f *fakeLoader) EntryPoint() (rip, rsp uint64) { return f.base, 0 }

func newPipeline(image []byte, base uint64) (*Pipeline, *blockcache.Cache) {
	const missStub = 0x1000
	cache := blockcache.New(missStub)
	arena := execmem.New()
	return &Pipeline{
		Loader: &fakeLoader{base: base, image: image},
		Arena:  arena,
		Cache:  cache,
	}, cache
}

// movEaxImmRet is "MOV EAX, 0x2a; RET" — a minimal two-instruction,
// block-terminal-by-RET sequence.
var movEaxImmRet = []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}

func TestTranslateBasicBlock(t *testing.T) {
	p, cache := newPipeline(movEaxImmRet, 0x400000)

	b, err := p.Translate(0x400000)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if b.GuestStart != 0x400000 || b.GuestEnd != 0x400006 {
		t.Fatalf("guest range = [%#x, %#x), want [0x400000, 0x400006)", b.GuestStart, b.GuestEnd)
	}
	if b.Entry == 0 {
		t.Fatal("Entry is zero")
	}
	for i := 1; i < len(b.Sidecar); i++ {
		if b.Sidecar[i].GuestOff <= b.Sidecar[i-1].GuestOff || b.Sidecar[i].HostOff <= b.Sidecar[i-1].HostOff {
			t.Fatalf("sidecar not strictly monotonic at %d: %+v", i, b.Sidecar)
		}
	}
	if got := cache.LookupBlock(0x400000); got != b {
		t.Fatal("block not installed under its guest start address")
	}
	if stats := cache.Stats(); stats.Translations != 1 {
		t.Fatalf("Translations = %d, want 1", stats.Translations)
	}
}

func TestTranslateRepeatedLookupDoesNotIncrementMisses(t *testing.T) {
	p, cache := newPipeline(movEaxImmRet, 0x400000)
	if _, err := p.Translate(0x400000); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	before := cache.Stats().Misses
	for i := 0; i < 100; i++ {
		if cache.Lookup(0x400000) == cache.MissStub() {
			t.Fatal("resident block resolved to miss stub")
		}
	}
	if after := cache.Stats().Misses; after != before {
		t.Fatalf("Misses grew from %d to %d across repeated lookups of a resident block", before, after)
	}
}

// callRel32 is CALL rel32 targeting the byte immediately after this
// 6-byte sequence (rel=1: target = addr + inst.Len(5) + 1), followed
// by a RET at the call's return address; Pass 0 does not end a block
// at a CALL, so that RET is what ends the caller's block.
var callRel32 = []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3}

func TestDirectLinkResolvesAgainstAlreadyCachedTarget(t *testing.T) {
	const base = 0x500000
	image := append(append([]byte{}, callRel32...), movEaxImmRet...)
	p, cache := newPipeline(image, base)

	// Translate the call target first so the direct-link site below
	// resolves immediately instead of going through the miss stub.
	target, err := p.Translate(base + uint64(len(callRel32)))
	if err != nil {
		t.Fatalf("Translate(target): %v", err)
	}

	caller, err := p.Translate(base)
	if err != nil {
		t.Fatalf("Translate(caller): %v", err)
	}

	if got := cache.LookupBlock(target.GuestStart); got != target {
		t.Fatal("target block not resident under its own guest address")
	}
	if len(caller.Sidecar) == 0 {
		t.Fatal("caller has no sidecar entries")
	}
	if got := readPoolWord(t, p, caller, 0); got != uint64(target.Entry) {
		t.Fatalf("direct-link slot = %#x, want already-resolved target entry %#x", got, target.Entry)
	}
}

func TestDirectLinkPendingUntilTargetTranslated(t *testing.T) {
	const base = 0x600000
	image := append(append([]byte{}, callRel32...), movEaxImmRet...)
	p, cache := newPipeline(image, base)

	caller, err := p.Translate(base)
	if err != nil {
		t.Fatalf("Translate(caller): %v", err)
	}

	// The target hasn't been translated yet: the pending-link slot
	// must read the miss stub, not a stale/zero pointer.
	if got := readPoolWord(t, p, caller, 0); got != uint64(cache.MissStub()) {
		t.Fatalf("pending direct-link slot = %#x, want miss stub %#x", got, cache.MissStub())
	}

	targetAddr := base + uint64(len(callRel32))
	if _, err := p.Translate(targetAddr); err != nil {
		t.Fatalf("Translate(target): %v", err)
	}

	target := cache.LookupBlock(targetAddr)
	if target == nil {
		t.Fatal("target not resident after translation")
	}
	if got := readPoolWord(t, p, caller, 0); got != uint64(target.Entry) {
		t.Fatalf("pending slot after target translation = %#x, want target entry %#x", got, target.Entry)
	}
}

// blockCodeLen recomputes a block's instruction-only byte length
// (excluding its trailing literal pool) the same way Pass 2/Pass 3 do,
// by re-running Discover+Analyze and the shared expand() over a
// scratch assembler — the exact computation Size and Emit both use,
// so it can never drift from where Emit actually placed the pool.
func blockCodeLen(t *testing.T, p *Pipeline, start uint64) int {
	t.Helper()
	window := make([]byte, readWindow)
	if err := p.Loader.ReadCode(start, window); err != nil {
		t.Fatalf("ReadCode: %v", err)
	}
	insns, err := Discover(window, start, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	decisions := Analyze(insns)
	var scratch asm
	for i := range insns {
		expand(&scratch, &insns[i], &decisions[i], nil, p.Cache.MissStub(), p.BridgeExit)
	}
	return scratch.Len()
}

// readPoolWord reads literal-pool slot index slot out of a block's
// executable memory (R-X, but still readable), placed at
// b.Entry + codeLen + slot*8 (spec §4.2 "inline literal pool").
func readPoolWord(t *testing.T, p *Pipeline, b *blockcache.Block, slot int) uint64 {
	t.Helper()
	codeLen := blockCodeLen(t, p, b.GuestStart)
	addr := b.Entry + uintptr(codeLen) + uintptr(slot*8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 8)
	return binary.LittleEndian.Uint64(buf)
}
