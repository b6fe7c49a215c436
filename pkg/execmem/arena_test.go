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

package execmem

import (
	"testing"

	"github.com/runbox64/engine/pkg/blockcache"
)

func TestAllocReturnsDistinctNonOverlappingRegions(t *testing.T) {
	a := New()
	first, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	second, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if first == second {
		t.Fatalf("two allocations returned the same address %#x", first)
	}
	if second >= first && second < first+64 {
		t.Fatalf("second allocation %#x overlaps first %#x+64", second, first)
	}
}

func TestPurgeReclaimsOnlyUnreferencedPendingFreeBlocks(t *testing.T) {
	a := New()
	addr, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	pinned := &blockcache.Block{Entry: addr}
	pinned.InUse.Add(1)
	pinned.PendingFree.Store(true)

	free := &blockcache.Block{Entry: addr}
	free.PendingFree.Store(true)

	live := &blockcache.Block{Entry: addr}

	a.RegisterBlock(pinned)
	a.RegisterBlock(free)
	a.RegisterBlock(live)

	n := a.Purge()
	if n != 1 {
		t.Fatalf("Purge reclaimed %d blocks, want 1", n)
	}
	if a.Stats().PurgedBlocks != 1 {
		t.Fatalf("Stats().PurgedBlocks = %d, want 1", a.Stats().PurgedBlocks)
	}
}

func TestProtectUnprotectRoundTrip(t *testing.T) {
	a := New()
	addr, err := a.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Protect(addr, 4096); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := a.Unprotect(addr, 4096); err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
}
