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

// Package blockcache holds the translated-block cache indexed by guest
// address (spec §3, §4.3) and the direct-link bookkeeping that lets
// generated code branch block-to-block without re-entering the
// dispatcher.
package blockcache

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// SidecarEntry maps one guest-instruction offset within a block to the
// host-instruction offset the translator emitted for it. Entries are
// monotonically increasing in both fields (testable property 2).
type SidecarEntry struct {
	GuestOff uint32
	HostOff  uint32
}

// Block is a single translated unit of guest code: a TranslatedBlock
// in spec terms. The metadata header lives alongside (not inside) the
// executable payload; pkg/execmem owns the payload bytes themselves.
type Block struct {
	GuestStart uint64
	GuestEnd   uint64 // exclusive

	// Entry is the host address of the block's post-prolog entry
	// point: the address at which guest registers are already loaded
	// into their mapped host registers. This is what BlockCache's
	// leaf slots point to directly.
	Entry uintptr

	// PrologEntry is the host address of the pre-prolog entry,
	// reached only from the dispatcher (which has not yet loaded
	// guest registers into host registers).
	PrologEntry uintptr

	Sidecar []SidecarEntry

	// SourceHash is computed over the guest bytes [GuestStart,
	// GuestEnd) at translation time; AlwaysVerify blocks recompute
	// and compare it on every entry.
	SourceHash  uint64
	AlwaysVerify bool

	// InUse pins the block against purge while nonzero. Incremented
	// on dispatcher entry, decremented on exit (epilog, bridge-out,
	// or interpreter fallback return).
	InUse atomicbitops.Int32

	// PendingFree is set by the SMC invalidator once a block has been
	// unpublished from the cache; the block's memory is reclaimed by
	// the next purge scan once InUse reaches zero.
	PendingFree atomicbitops.Bool

	// predecessors/successors back spec §4.3's "backlink so the call
	// site can be rewritten to the miss stub again" and §9's
	// arena-allocated-nodes-plus-backpointers guidance: the cache map
	// is a separate table (links) from this ownership struct.
	predecessors []*LinkSite
	successors   []*LinkSite

	// Arena identifies which ExecutableArena owns this block's
	// payload memory, opaque to this package.
	Arena interface{}
}

// LinkSite is one direct-link call site embedded in generated code: an
// inline page-walk-then-branch sequence the emitter wrote at a call,
// return, indirect jump, or block-terminal direct jump (spec §4.3).
type LinkSite struct {
	// PatchAddr is the host address of the single naturally-aligned
	// word that encodes the branch target. Rewriting it is the only
	// mutation invalidation performs on live generated code (spec §9
	// "direct link rewriting").
	PatchAddr uintptr

	From *Block
	To   *Block
}

// HostOffsetFor returns the host-code offset corresponding to
// guestOff via the sidecar table, or (0, false) if guestOff falls
// outside the block (should not happen for a well-formed fault).
func (b *Block) HostOffsetFor(guestOff uint32) (uint32, bool) {
	if uint64(guestOff) >= b.GuestEnd-b.GuestStart {
		return 0, false
	}
	// Sidecar entries are monotonic (property 2): binary search.
	lo, hi := 0, len(b.Sidecar)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.Sidecar[mid].GuestOff <= guestOff {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return b.Sidecar[lo-1].HostOff, true
}

// GuestOffsetForHostPC reverse-maps a faulting host PC within this
// block back to the guest instruction offset, used by the per-thread
// signal handler (spec §9 "signal handlers and the sidecar").
func (b *Block) GuestOffsetForHostPC(hostOff uint32) (uint32, bool) {
	lo, hi := 0, len(b.Sidecar)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.Sidecar[mid].HostOff <= hostOff {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return b.Sidecar[lo-1].GuestOff, true
}

// Covers reports whether guest address addr falls within this block's
// extent.
func (b *Block) Covers(addr uint64) bool {
	return addr >= b.GuestStart && addr < b.GuestEnd
}
