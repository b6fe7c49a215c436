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

import "github.com/runbox64/engine/pkg/cpustate"

// Decision is Pass 1's per-instruction output: whether a
// flag-producing instruction needs its result materialized at all,
// and if so whether a host-native condition code can stand in for the
// guest flag (spec §4.2 "Where host condition codes can stand in for
// the guest flag being requested, emit the flag-setting host form and
// skip materialization", and spec §4.5).
type Decision struct {
	// NeedsFlags is true if any later instruction (within this block,
	// conservatively treating every barrier as "unknown consumer
	// outside the block") might observe a flag this instruction
	// defines.
	NeedsFlags bool

	// NativeFlagsOK is true if every bit a consumer needs can be read
	// directly off the host condition flags this instruction's host
	// expansion sets, with no scratch write needed.
	NativeFlagsOK bool

	// Barrier marks an intra-block branch target: SIMD/FPU register
	// caching must spill before a barrier (spec §4.2 Pass 1).
	Barrier bool
}

// Analyze runs Pass 1 over Pass 0's output: backward flag-liveness
// propagation, barrier identification at every intra-block branch
// target, and materialize-vs-native decisions.
func Analyze(insns []DecodedInsn) []Decision {
	decisions := make([]Decision, len(insns))

	targets := make(map[uint64]bool)
	for _, d := range insns {
		if d.Family == FamilyJcc {
			targets[d.BranchTarget] = true
		}
	}
	for i, d := range insns {
		if targets[d.GuestAddr] {
			decisions[i].Barrier = true
		}
	}

	// Backward liveness: a flag bit defined by instruction i is
	// "live" if some instruction j > i reads a flag bit before any
	// intervening instruction redefines that same bit. We walk
	// backward maintaining the set of bits a consumer still wants;
	// each flag-defining instruction claims whichever of those bits
	// it defines and clears them (its own definition shadows any
	// earlier producer of the same bit), then — if anything consumes
	// any bit of its definition set — decides whether the consumer(s)
	// could all be satisfied by a native condition code.
	var wanted uint64 // OR of flag bits wanted by not-yet-visited consumers
	for i := len(insns) - 1; i >= 0; i-- {
		d := &insns[i]
		if consumesFlags(d.Inst.Op) {
			wanted |= cpustate.FlagMask
		}
		if d.DefinesCC {
			defSet := definitionSet(d.AluOp)
			if wanted&defSet != 0 {
				decisions[i].NeedsFlags = true
				decisions[i].NativeFlagsOK = nativeFlagsSuffice(d.AluOp, wanted&defSet)
			}
			wanted &^= defSet
		}
		if decisions[i].Barrier {
			// A barrier counts as an unknown consumer: every flag live
			// into it is wanted.
			wanted |= cpustate.FlagMask
		}
	}
	return decisions
}

// definitionSet returns which of the six architectural flag bits op
// defines. AND/OR/XOR-family ops leave AF undefined per the x86
// architecture; we conservatively include it anyway since observing
// an undefined bit is never wrong, only unnecessary.
func definitionSet(op cpustate.FlagOp) uint64 {
	switch op {
	case cpustate.FlagOpAdd, cpustate.FlagOpSub, cpustate.FlagOpCmp, cpustate.FlagOpNeg:
		return cpustate.FlagMask
	case cpustate.FlagOpAnd, cpustate.FlagOpOr, cpustate.FlagOpXor:
		return cpustate.FlagMask
	case cpustate.FlagOpInc, cpustate.FlagOpDec:
		return cpustate.FlagZF | cpustate.FlagSF | cpustate.FlagPF | cpustate.FlagOF | cpustate.FlagAF
	case cpustate.FlagOpShl, cpustate.FlagOpShr, cpustate.FlagOpSar:
		return cpustate.FlagCF | cpustate.FlagZF | cpustate.FlagSF | cpustate.FlagPF | cpustate.FlagOF
	}
	return cpustate.FlagMask
}

// nativeFlagsSuffice reports whether every bit in need can be read off
// the ARM64 NZCV flags the host ALU form sets as a side effect,
// without needing the deferred-flags scratch reconstruction helper.
// ADD/SUB/CMP map ZF/SF/CF/OF directly onto the host flags when
// emitted with their flag-setting form (ADDS/SUBS/CMP); logical ops on
// ARM64 only set NZ (not C/V the way x86 wants for AND/OR/XOR's
// cleared CF/OF), so they always fall back to the scratch helper for
// CF/OF if a consumer wants them — but never need it for ZF/SF.
func nativeFlagsSuffice(op cpustate.FlagOp, need uint64) bool {
	switch op {
	case cpustate.FlagOpAdd, cpustate.FlagOpSub, cpustate.FlagOpCmp:
		return need&^(cpustate.FlagZF|cpustate.FlagSF|cpustate.FlagCF|cpustate.FlagOF) == 0
	case cpustate.FlagOpAnd, cpustate.FlagOpOr, cpustate.FlagOpXor, cpustate.FlagOpInc, cpustate.FlagOpDec:
		return need&^(cpustate.FlagZF|cpustate.FlagSF) == 0
	}
	return false
}

func consumesFlags(op interface{ String() string }) bool {
	// Any J-mnemonic other than JMP, and the SETcc and CMOVcc
	// families, read guest flags. Pass 0 classifies only the Jcc forms
	// isJcc lists; SETcc and CMOVcc are FamilyUnsupported and end the
	// block before they are reached.
	s := op.String()
	if len(s) == 0 {
		return false
	}
	switch s[0] {
	case 'J':
		return s != "JMP"
	}
	if len(s) >= 4 && (s[:3] == "SET" || s[:4] == "CMOV") {
		return true
	}
	return false
}
