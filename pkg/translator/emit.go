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
	"fmt"
	"hash/fnv"
	"unsafe"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/execmem"
)

// directLinkSite is emit's bookkeeping for one emitDirectLink call: the
// instruction that must be patched once the pool is placed, the slot
// it reads, and the guest address it targets.
type directLinkSite struct {
	ldrOff int
	slot   int
	target uint64
}

// Emit runs Pass 3 over Pass 0/1's output, using Pass 2's total size to
// request one allocation from arena: it re-expands every instruction
// (this time with live hooks), appends the literal pool, patches each
// LDR-literal instruction's PC-relative offset now that the pool's
// final host address is known, initializes each direct-link slot to
// either the already-cached target's entry point or the miss stub,
// flushes the host instruction cache over the written range, and
// installs the resulting Block into cache (spec §4.2 Pass 3, §4.3, §5
// publication ordering).
func Emit(code []byte, insns []DecodedInsn, decisions []Decision, total int, arena *execmem.Arena, cache *blockcache.Cache, alwaysVerify bool, bridgeExit uintptr) (*blockcache.Block, error) {
	var a asm
	var sites []directLinkSite
	hooks := &emitHooks{
		onDirectLink: func(ldrOff, slot int, target uint64) {
			sites = append(sites, directLinkSite{ldrOff: ldrOff, slot: slot, target: target})
		},
	}

	sidecar := make([]blockcache.SidecarEntry, len(insns))
	var guestOff uint32
	for i := range insns {
		before := a.Len()
		expand(&a, &insns[i], &decisions[i], hooks, cache.MissStub(), bridgeExit)
		sidecar[i] = blockcache.SidecarEntry{GuestOff: guestOff, HostOff: uint32(before)}
		guestOff += uint32(insns[i].GuestLen)
	}

	codeLen := a.Len()
	poolOff := codeLen
	poolLen := a.PoolSlots() * 8
	if codeLen+poolLen != total {
		return nil, fmt.Errorf("translator: emit size %d disagrees with sizing pass %d", codeLen+poolLen, total)
	}

	// Resolve each direct-link slot's initial value before the pool is
	// written: already-cached targets get their entry point directly
	// (the monomorphic-inline-cache fast path), everything else starts
	// at the miss stub and is registered as a pending link.
	poolVals := make([]uint64, a.PoolSlots())
	for i := range poolVals {
		poolVals[i] = uint64(cache.MissStub())
	}
	for _, s := range sites {
		if b := cache.LookupBlock(s.target); b != nil {
			poolVals[s.slot] = uint64(b.Entry)
		}
		imm19 := int32((poolOff + s.slot*8 - s.ldrOff) / 4)
		a.patchWord(s.ldrOff, a.LdrLit(rHostScratch0, imm19))
	}

	payload := make([]byte, total)
	copy(payload, a.Bytes())
	for i, v := range poolVals {
		binary.LittleEndian.PutUint64(payload[poolOff+i*8:], v)
	}

	addr, err := arena.Alloc(uintptr(total))
	if err != nil {
		return nil, err
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), total)
	copy(dst, payload)

	if err := arena.Protect(addr, uintptr(total)); err != nil {
		return nil, err
	}
	flushICache(addr, uintptr(total))

	guestStart := insns[0].GuestAddr
	last := insns[len(insns)-1]
	guestEnd := last.GuestAddr + uint64(last.GuestLen)

	guestBytes := code
	if n := int(guestEnd - guestStart); n <= len(code) {
		guestBytes = code[:n]
	}

	b := &blockcache.Block{
		GuestStart:   guestStart,
		GuestEnd:     guestEnd,
		Entry:        addr,
		PrologEntry:  addr,
		Sidecar:      sidecar,
		SourceHash:   hashGuestBytes(guestBytes),
		AlwaysVerify: alwaysVerify,
	}

	arena.RegisterBlock(b)
	cache.Insert(b)

	// Now that b.Entry is known, fix every site whose target had
	// already resolved at emission time to also register the
	// predecessor/successor edge (needed so invalidating the target
	// later finds this site), and every site whose target was still
	// missing to wait for it.
	base := addr
	for _, s := range sites {
		patchAddr := base + uintptr(poolOff+s.slot*8)
		if tgt := cache.LookupBlock(s.target); tgt != nil && tgt != b {
			link := &blockcache.LinkSite{PatchAddr: patchAddr, From: b, To: tgt}
			cache.AddLink(link)
			continue
		}
		link := &blockcache.LinkSite{PatchAddr: patchAddr, From: b}
		cache.AddPendingLink(s.target, link)
	}

	return b, nil
}

// hashGuestBytes computes SMC re-verification hash over the guest
// source bytes a block was translated from (spec §4.7 "always_verify
// blocks recompute and compare this hash on every entry").
func hashGuestBytes(code []byte) uint64 {
	h := fnv.New64a()
	h.Write(code)
	return h.Sum64()
}
