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

// Package smc implements self-modifying-code detection (spec §4.7):
// write-protecting the guest pages a translated block was read from,
// invalidating every affected block when a write gets through, and
// flagging pages that keep getting rewritten so future blocks compiled
// there re-verify their own source on every entry instead of trusting
// write-protection alone.
//
// The guest loader (ifaces.Loader) maps guest code directly at its
// guest-visible addresses (spec §6), so the page ranges this package
// tracks are real host virtual addresses: mprotect against them is
// exactly the "host page-fault handler" spec §4.7 describes, not a
// separate simulated address space.
package smc

import (
	"fmt"
	"hash/fnv"
	"unsafe"

	"golang.org/x/sys/unix"
	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/ifaces"
)

// pageSize is the granularity pages are tracked and protected at.
// hostarch.PageSize is 4KiB on every target this engine runs on;
// mprotect itself requires page-aligned ranges regardless.
const pageSize = 4096

func pageBase(addr uint64) uint64 { return addr &^ (pageSize - 1) }

// Monitor is the process-wide SMC tracker: one instance shared by
// every thread's Dispatcher through SharedContext, serialized by its
// own lock like the other shared resources in spec §5.
type Monitor struct {
	mu gsync.Mutex

	cache  *blockcache.Cache
	loader ifaces.Loader

	// protected is the set of guest page bases currently mprotect'd
	// PROT_READ (write-protected). Entries are removed the instant a
	// fault unprotects them; RegisterBlock re-protects on demand.
	protected map[uint64]bool

	// byPage indexes live blocks by every guest page their source
	// range intersects, the "records the guest page range it reads"
	// bookkeeping spec §4.7 requires to invalidate on a fault.
	byPage map[uint64][]*blockcache.Block

	// alwaysVerify is the set of guest pages a write has ever been
	// observed on; every future block compiled there gets
	// AlwaysVerify set (spec §4.7 step 3).
	alwaysVerify map[uint64]bool
}

// New returns a Monitor with no tracked pages.
func New(cache *blockcache.Cache, loader ifaces.Loader) *Monitor {
	return &Monitor{
		cache:        cache,
		loader:       loader,
		protected:    make(map[uint64]bool),
		byPage:       make(map[uint64][]*blockcache.Block),
		alwaysVerify: make(map[uint64]bool),
	}
}

// RegisterBlock records b's guest source range against every page it
// intersects and write-protects any page not already protected. Called
// by the translator right after a block is installed into the cache.
func (m *Monitor) RegisterBlock(b *blockcache.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for page := pageBase(b.GuestStart); page < b.GuestEnd; page += pageSize {
		m.byPage[page] = append(m.byPage[page], b)
		if m.protected[page] {
			continue
		}
		if err := protect(page); err != nil {
			return err
		}
		m.protected[page] = true
	}
	return nil
}

// PageIsWritable reports whether addr's page is currently mapped
// writable from this monitor's point of view: true until a block has
// actually been registered against it and write-protected. Wired as
// pkg/translator.Pipeline.PageIsWritable, so Pass 0 stops a block
// before crossing into a page nothing has write-protected yet rather
// than assuming protection that has not happened.
func (m *Monitor) PageIsWritable(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.protected[pageBase(addr)]
}

// AlwaysVerify reports whether a block about to be compiled for
// [start, end) must set AlwaysVerify, because some page in its range
// has previously taken a write fault (spec §4.7 step 3). Wired as
// pkg/translator.Pipeline.AlwaysVerify.
func (m *Monitor) AlwaysVerify(start, end uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for page := pageBase(start); page < end; page += pageSize {
		if m.alwaysVerify[page] {
			return true
		}
	}
	return false
}

// HandleFault runs spec §4.7's three-step algorithm for a write fault
// observed at guest address addr: invalidate every block whose source
// intersects the faulting page, unprotect the page so the write can
// proceed, and flag the page always_verify for every future
// compilation. Safe to call directly (from a test, or a platform's
// fault-delivery mechanism once it has resolved the faulting address);
// see fault.go for the best-effort path when it hasn't.
func (m *Monitor) HandleFault(addr uint64) error {
	page := pageBase(addr)

	m.mu.Lock()
	blocks := m.byPage[page]
	delete(m.byPage, page)
	m.alwaysVerify[page] = true
	wasProtected := m.protected[page]
	delete(m.protected, page)
	m.mu.Unlock()

	for _, b := range blocks {
		m.cache.Invalidate(b)
	}
	if !wasProtected {
		return nil
	}
	return unprotect(page)
}

// VerifyBlock re-hashes b's guest source bytes and invalidates b if
// they no longer match the hash computed at translation time,
// reporting whether b is still valid (spec §4.7 "blocks compiled with
// always_verify must re-hash their source bytes on each entry"). Wired
// as pkg/dispatcher.Dispatcher.Verify.
func (m *Monitor) VerifyBlock(b *blockcache.Block) bool {
	n := int(b.GuestEnd - b.GuestStart)
	buf := make([]byte, n)
	if err := m.loader.ReadCode(b.GuestStart, buf); err != nil {
		// Unreadable source can't be trusted either way; treat as a
		// mismatch so the dispatcher retranslates rather than runs
		// possibly-stale code.
		m.cache.Invalidate(b)
		return false
	}
	h := fnv.New64a()
	h.Write(buf)
	if h.Sum64() == b.SourceHash {
		return true
	}
	m.cache.Invalidate(b)
	return false
}

// ReinitLockAfterFork replaces the monitor lock's underlying
// primitive after a host fork, same reasoning as
// blockcache.Cache.ReinitLockAfterFork and execmem.Arena's (spec §4.8
// step 4, §5): the fork child inherits mu in whatever state it held in
// the parent and must reset it before touching the monitor.
func (m *Monitor) ReinitLockAfterFork() {
	m.mu = gsync.Mutex{}
}

func protect(page uint64) error {
	if err := unix.Mprotect(pageSlice(page), unix.PROT_READ); err != nil {
		return fmt.Errorf("smc: mprotect R at %#x: %w", page, err)
	}
	return nil
}

func unprotect(page uint64) error {
	if err := unix.Mprotect(pageSlice(page), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("smc: mprotect RW at %#x: %w", page, err)
	}
	return nil
}

// pageSlice builds a []byte view over one page for mprotect, same
// approach as pkg/execmem/arena.go's ptrSlice: mprotect only cares
// about the address and length, not the contents of the slice header.
func pageSlice(page uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(page))), pageSize)
}
