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

package cpustate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// TestDeferredAddFlags covers testable property 5: every flag bit in
// an ADD's architectural definition set must be reconstructible before
// any consumer observes it, without the producer materializing Flags.
func TestDeferredAddFlags(t *testing.T) {
	c := New()
	c.Deferred = DeferredFlags{Op: FlagOpAdd, Width: 4, Src1: 0xFFFFFFFF, Src2: 1, Result: 0}

	if !c.FlagBit(FlagZF) {
		t.Error("ZF should be set: 0xFFFFFFFF + 1 wraps to 0")
	}
	if !c.FlagBit(FlagCF) {
		t.Error("CF should be set: unsigned overflow")
	}
	if c.FlagBit(FlagSF) {
		t.Error("SF should be clear: result is 0")
	}
}

func TestDeferredSubFlags(t *testing.T) {
	c := New()
	c.Deferred = DeferredFlags{Op: FlagOpSub, Width: 4, Src1: 0, Src2: 1, Result: 0xFFFFFFFF}

	if !c.FlagBit(FlagCF) {
		t.Error("CF should be set: 0 - 1 borrows")
	}
	if !c.FlagBit(FlagSF) {
		t.Error("SF should be set: 0 - 1 == -1")
	}
}

func TestMaterializeFlagsIsIdempotent(t *testing.T) {
	c := New()
	c.Deferred = DeferredFlags{Op: FlagOpAdd, Width: 4, Src1: 1, Src2: 1, Result: 2}
	c.MaterializeFlags()
	first := c.Flags
	c.MaterializeFlags()
	if c.Flags != first {
		t.Errorf("materializing twice changed Flags: %#x -> %#x", first, c.Flags)
	}
	if c.Deferred.Op != FlagOpNone {
		t.Error("Deferred scratch should be cleared after materialization")
	}
}

// TestSnapshotRestoreRoundTrip backs testable property 6: fork must be
// able to reproduce identical architectural state on both sides except
// for the designated result register.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := New()
	c.GPR[RAX] = 42
	c.GPR[RSP] = 0x7fff0000
	c.RIP = 0x400000
	c.Flags = FlagZF
	c.SIMD[0] = [2]uint64{1, 2}

	snap := c.Snapshot()

	other := New()
	other.Restore(snap)

	if diff := cmp.Diff(c, other, cmpopts.IgnoreFields(GuestCpu{}, "Shared", "Quit", "ForkRequest"), cmpopts.IgnoreUnexported(GuestCpu{})); diff != "" {
		t.Errorf("restored state differs from snapshot (-want +got):\n%s", diff)
	}
}

func TestForkResultDivergesParentChild(t *testing.T) {
	parent := New()
	child := New()

	parent.SetForkResult(1234)
	child.SetForkResult(0)

	if parent.GPR[RAX] == child.GPR[RAX] {
		t.Error("parent and child fork-return registers must differ")
	}
	if child.GPR[RAX] != 0 {
		t.Errorf("child fork return = %d, want 0", child.GPR[RAX])
	}
}
