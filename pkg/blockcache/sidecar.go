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
	"sort"
	"sync"
)

// HostIndex is the reverse index from a faulting host PC to the block
// whose generated code contains it, described by spec §9 as "a
// per-region sorted vector of (host-start, block*)". It is rebuilt
// lazily rather than kept perfectly in sync with Cache, because
// signal handling tolerates a lookup that is a few translations stale
// (an unmapped PC there is a bug, not a race to win).
type HostIndex struct {
	mu      sync.Mutex
	entries []hostEntry
	dirty   bool
}

type hostEntry struct {
	start uintptr
	end   uintptr
	block *Block
}

// NewHostIndex returns an empty index.
func NewHostIndex() *HostIndex {
	return &HostIndex{}
}

// Add registers b's host code range. Safe to call from the translator
// right after Cache.Insert.
func (h *HostIndex) Add(b *Block, hostStart, hostEnd uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, hostEntry{start: hostStart, end: hostEnd, block: b})
	h.dirty = true
}

// Remove drops b's entry once its memory has been reclaimed by a purge
// scan.
func (h *HostIndex) Remove(b *Block) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.block != b {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Find returns the block whose host code range contains pc, in
// O(log N) over the number of live blocks, satisfying spec §9's
// logarithmic reverse-lookup requirement.
func (h *HostIndex) Find(pc uintptr) (*Block, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirty {
		sort.Slice(h.entries, func(i, j int) bool { return h.entries[i].start < h.entries[j].start })
		h.dirty = false
	}
	entries := h.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].start > pc })
	if i == 0 {
		return nil, false
	}
	e := entries[i-1]
	if pc >= e.start && pc < e.end {
		return e.block, true
	}
	return nil, false
}
