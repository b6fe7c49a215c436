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

// Package execmem implements the executable-memory allocator (spec
// §3 ExecutableArena): page-aligned, W^X-safe regions that hold
// generated host code and the translator's literal pools.
package execmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/runbox64/engine/pkg/blockcache"
)

// regionSize is the default size of a freshly-mapped region. Bigger
// than any single block's emission but small enough that a purge scan
// stays cheap.
const regionSize = 2 * 1024 * 1024 // 2 MiB, hugepage-aligned

// region is one (base, size) mmap'd W^X area, with a bump allocator
// cursor and the list of blocks carved from it.
type region struct {
	base    uintptr
	size    uintptr
	cursor  uintptr
	backing []byte // keeps the mmap'd slice alive for the GC's sake
	blocks  []*blockcache.Block
}

// Arena is the collection of regions described in spec §3. Regions are
// bump-allocated and are never unmapped or reused: Purge drops blocks
// with InUse == 0 and PendingFree == true from a region's bookkeeping
// but does not give their memory back.
type Arena struct {
	mu      gsync.Mutex // serializes allocation and purge, per spec §5
	regions []*region

	allocated atomicbitops.Int64
	purged    atomicbitops.Int64
}

// New returns an empty Arena.
func New() *Arena {
	return &Arena{}
}

// Alloc carves size bytes of W^X-eligible memory for one block's
// payload (code + literal pool + trailer). It mmaps a fresh region
// on demand when no existing region has room; callers (the translator's
// Pass 3) are expected to write code as RW and the caller finishes by
// calling Protect to flip the region to R-X before any other thread
// can observe the new entry point, maintaining W^X at all times a
// region is reachable from translated code.
func (a *Arena) Alloc(size uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if r.size-r.cursor >= size {
			addr := r.base + r.cursor
			r.cursor += size
			a.allocated.Add(int64(size))
			return addr, nil
		}
	}

	mapSize := regionSize
	if uintptr(mapSize) < size {
		mapSize = int(alignUp(uint64(size), uint64(hostarch.PageSize)))
	}
	data, err := unix.Mmap(-1, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("execmem: mmap %d bytes: %w", mapSize, err)
	}
	r := &region{base: sliceAddr(data), size: uintptr(mapSize), backing: data}
	r.cursor = size
	a.regions = append(a.regions, r)
	a.allocated.Add(int64(size))
	return r.base, nil
}

// Protect flips [addr, addr+size) from RW to R-X, the second half of
// the W^X discipline: code is only ever executable after it has been
// fully written (spec §4.2 Pass 3 "flushes the host instruction cache
// over the written range").
func (a *Arena) Protect(addr, size uintptr) error {
	if err := unix.Mprotect(ptrSlice(addr, size), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("execmem: mprotect R-X: %w", err)
	}
	return nil
}

// Unprotect flips [addr, addr+size) back to RW, used transiently by
// pkg/smc when a write-protected code page needs to accept a write.
func (a *Arena) Unprotect(addr, size uintptr) error {
	if err := unix.Mprotect(ptrSlice(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("execmem: mprotect RW: %w", err)
	}
	return nil
}

// RegisterBlock records that b's payload lives in whichever region
// contains b.Entry, so a later Purge can find it.
func (a *Arena) RegisterBlock(b *blockcache.Block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if uintptr(b.Entry) >= r.base && uintptr(b.Entry) < r.base+r.size {
			r.blocks = append(r.blocks, b)
			b.Arena = a
			return
		}
	}
}

// Purge drops every registered block that is both PendingFree and has
// InUse == 0 from its region's bookkeeping, and returns how many it
// dropped. It does not unmap, rewind or reuse their executable memory:
// a region's cursor only moves forward, so Alloc never hands that
// memory out again. Purge holds a.mu for its whole scan, but that only
// blocks other Alloc/Purge callers, not ordinary translated-code
// execution.
func (a *Arena) Purge() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	reclaimed := 0
	for _, r := range a.regions {
		kept := r.blocks[:0]
		for _, b := range r.blocks {
			if b.PendingFree.Load() && b.InUse.Load() == 0 {
				reclaimed++
				continue
			}
			kept = append(kept, b)
		}
		r.blocks = kept
	}
	a.purged.Add(int64(reclaimed))
	if reclaimed > 0 {
		log.Debugf("execmem: purge reclaimed %d blocks", reclaimed)
	}
	return reclaimed
}

// Stats exposes allocation/purge counters for diagnostics and tests.
type Stats struct {
	AllocatedBytes int64
	PurgedBlocks   int64
}

func (a *Arena) Stats() Stats {
	return Stats{AllocatedBytes: a.allocated.Load(), PurgedBlocks: a.purged.Load()}
}

// ReinitLockAfterFork replaces the allocator lock's underlying
// primitive, required because the host fork(2) duplicates mutex state
// as-is in the child (spec §4.8 step 4, §5).
func (a *Arena) ReinitLockAfterFork() {
	a.mu = gsync.Mutex{}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// ptrSlice builds a []byte view over [addr, addr+size) for mprotect,
// which operates on the address range backing a Go slice header
// rather than an arbitrary pointer.
func ptrSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
