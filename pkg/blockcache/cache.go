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
	"sync/atomic"
	"unsafe"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Page-table shift/mask constants. The guest address space is treated
// as 48-bit canonical, split into three 16-bit index groups the same
// way hardware page tables split a virtual address, per spec §4.3
// "three-level page-table walk".
const (
	lowBits  = 16
	midBits  = 16
	highBits = 16

	lowShift  = 0
	midShift  = lowBits
	highShift = lowBits + midBits

	tableEntries = 1 << 16
)

// leaf holds, per guest-address-group, a pointer directly to the
// block's post-prolog host entry point (not to the Block struct) so
// that generated code's inline lookup sequence never dereferences
// through Go-managed metadata. missStub is substituted for any
// uninstalled or invalidated leaf.
type leaf struct {
	entries [tableEntries]unsafe.Pointer // *uintptr-sized host entry, stored as unsafe.Pointer to an entryBox
}

type entryBox struct {
	hostEntry uintptr
	block     *Block
}

type midLevel struct {
	entries [tableEntries]unsafe.Pointer // *leaf
}

// Cache is the BlockCache of spec §3/§4.3: a multi-level page table
// from guest address to translated host entry point, plus the
// metadata needed to invalidate and relink on SMC.
//
// The fast path (Lookup) takes no lock: readers only ever observe a
// fully-published entryBox (testable property 10) because installation
// uses atomic.StorePointer after the block's code has been written and
// i-cache-flushed (spec §4.3, §5 "publication ordering").
type Cache struct {
	mu   gsync.Mutex // serializes mutators: translator inserts, SMC invalidation, purge
	root [tableEntries]unsafe.Pointer // *midLevel

	// missHostStub is the host address of the shared stub that spills
	// registers and returns through the epilog to the dispatcher
	// (spec §4.3). Installed once at startup.
	missHostStub uintptr

	// byStart indexes live blocks by guest start address for ordinary
	// bookkeeping (invalidation, stats); not on the fast path.
	byStart map[uint64]*Block

	// pending holds direct-link sites (spec §4.3) whose target guest
	// address has no block yet: the literal-pool slot they branch
	// through still reads missHostStub. Insert drains and patches these
	// the moment the awaited block is published.
	pending map[uint64][]*LinkSite

	stats Stats
}

// Stats are read-only counters surfaced to the dispatcher/CLI (spec §8
// S2/S3 scenarios: block-miss counter, invalidation counter).
type Stats struct {
	Translations int64
	Misses       int64
	Invalidations int64
}

// New returns a Cache whose miss slots all point at missStub.
func New(missStub uintptr) *Cache {
	return &Cache{
		missHostStub: missStub,
		byStart:      make(map[uint64]*Block),
		pending:      make(map[uint64][]*LinkSite),
	}
}

func addrGroups(addr uint64) (hi, mid, lo uint32) {
	return uint32((addr >> highShift) & (tableEntries - 1)),
		uint32((addr >> midShift) & (tableEntries - 1)),
		uint32((addr >> lowShift) & (tableEntries - 1))
}

// Lookup returns the host entry point for guest address addr, or the
// miss stub if no live block starts at addr. Lock-free on the fast path.
func (c *Cache) Lookup(addr uint64) uintptr {
	hi, mid, lo := addrGroups(addr)

	rootSlot := atomic.LoadPointer(&c.root[hi])
	if rootSlot == nil {
		atomic.AddInt64(&c.stats.Misses, 1)
		return c.missHostStub
	}
	ml := (*midLevel)(rootSlot)

	leafSlot := atomic.LoadPointer(&ml.entries[mid])
	if leafSlot == nil {
		atomic.AddInt64(&c.stats.Misses, 1)
		return c.missHostStub
	}
	lf := (*leaf)(leafSlot)

	boxSlot := atomic.LoadPointer(&lf.entries[lo])
	if boxSlot == nil {
		atomic.AddInt64(&c.stats.Misses, 1)
		return c.missHostStub
	}
	box := (*entryBox)(boxSlot)
	return box.hostEntry
}

// LookupBlock is the metadata-returning counterpart of Lookup, used
// off the hot path (dispatcher miss handling, invalidation, signal
// handling reverse lookups by guest address).
func (c *Cache) LookupBlock(addr uint64) *Block {
	hi, mid, lo := addrGroups(addr)
	rootSlot := atomic.LoadPointer(&c.root[hi])
	if rootSlot == nil {
		return nil
	}
	ml := (*midLevel)(rootSlot)
	leafSlot := atomic.LoadPointer(&ml.entries[mid])
	if leafSlot == nil {
		return nil
	}
	lf := (*leaf)(leafSlot)
	boxSlot := atomic.LoadPointer(&lf.entries[lo])
	if boxSlot == nil {
		return nil
	}
	return (*entryBox)(boxSlot).block
}

// Insert publishes b atomically into the cache. Precondition: b's host
// code has already been written and the host instruction cache flushed
// over its range (the translator's Pass 3 does this before calling
// Insert), satisfying the publication-ordering requirement of spec §5.
func (c *Cache) Insert(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hi, mid, lo := addrGroups(b.GuestStart)

	ml := (*midLevel)(atomic.LoadPointer(&c.root[hi]))
	if ml == nil {
		ml = &midLevel{}
		atomic.StorePointer(&c.root[hi], unsafe.Pointer(ml))
	}
	lf := (*leaf)(atomic.LoadPointer(&ml.entries[mid]))
	if lf == nil {
		lf = &leaf{}
		atomic.StorePointer(&ml.entries[mid], unsafe.Pointer(lf))
	}

	box := &entryBox{hostEntry: b.Entry, block: b}
	atomic.StorePointer(&lf.entries[lo], unsafe.Pointer(box))

	c.byStart[b.GuestStart] = b
	atomic.AddInt64(&c.stats.Translations, 1)

	for _, link := range c.pending[b.GuestStart] {
		link.To = b
		RewriteLink(link, b.Entry)
		b.predecessors = append(b.predecessors, link)
		link.From.successors = append(link.From.successors, link)
	}
	delete(c.pending, b.GuestStart)
}

// AddPendingLink records a direct-link site awaiting translation of
// guestTarget. Its literal-pool slot still reads the miss stub; Insert
// patches it in place the moment a block for guestTarget is published,
// turning a cold call site into a direct branch for every subsequent
// hit (spec §4.3).
func (c *Cache) AddPendingLink(guestTarget uint64, link *LinkSite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.byStart[guestTarget]; ok {
		link.To = b
		RewriteLink(link, b.Entry)
		b.predecessors = append(b.predecessors, link)
		link.From.successors = append(link.From.successors, link)
		return
	}
	c.pending[guestTarget] = append(c.pending[guestTarget], link)
}

// Invalidate unpublishes b (pointing its leaf slot and every live
// predecessor link site back at the miss stub) and marks it
// pending-free. It does not reclaim b's memory; that is the purge
// scan's job once b.InUse reaches zero (spec §4.7, §5).
func (c *Cache) Invalidate(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hi, mid, lo := addrGroups(b.GuestStart)
	if ml := (*midLevel)(atomic.LoadPointer(&c.root[hi])); ml != nil {
		if lf := (*leaf)(atomic.LoadPointer(&ml.entries[mid])); lf != nil {
			atomic.StorePointer(&lf.entries[lo], nil)
		}
	}
	delete(c.byStart, b.GuestStart)

	for _, link := range b.predecessors {
		RewriteLink(link, c.missHostStub)
	}
	b.PendingFree.Store(true)
	atomic.AddInt64(&c.stats.Invalidations, 1)
}

// RewriteLink atomically retargets a single direct-link call site to
// target. The target word is naturally aligned so the store is
// torn-free under concurrent readers (spec §5 "never a torn word").
func RewriteLink(link *LinkSite, target uintptr) {
	word := (*uintptr)(unsafe.Pointer(link.PatchAddr))
	atomic.StoreUintptr(word, target)
}

// AddLink records that link is a predecessor edge from link.From into
// link.To, so a future invalidation of link.To can find and rewrite
// it. Call sites register this right after emission (pkg/translator).
func (c *Cache) AddLink(link *LinkSite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link.To.predecessors = append(link.To.predecessors, link)
	link.From.successors = append(link.From.successors, link)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Translations:  atomic.LoadInt64(&c.stats.Translations),
		Misses:        atomic.LoadInt64(&c.stats.Misses),
		Invalidations: atomic.LoadInt64(&c.stats.Invalidations),
	}
}

// MissStub returns the host address installed in every uninstalled
// leaf slot.
func (c *Cache) MissStub() uintptr { return c.missHostStub }

// RootPtr returns the host address of the cache's root page-table
// array. Generated code's inline indirect-lookup sequence (spec §4.3,
// pkg/translator's emitCacheWalk) holds this address in a dedicated
// callee-saved register for the life of a thread, indexing it directly
// rather than dereferencing a *Cache, so the lookup never needs to
// know this struct's layout beyond this one array.
func (c *Cache) RootPtr() unsafe.Pointer { return unsafe.Pointer(&c.root[0]) }

// ReinitLockAfterFork replaces the cache lock's underlying primitive
// post-fork (spec §4.8 step 4, §5): the child inherits the mutex in
// whatever state it held in the parent, so every SharedContext lock
// must be reset before the child can safely use the cache.
func (c *Cache) ReinitLockAfterFork() {
	c.mu = gsync.Mutex{}
}
