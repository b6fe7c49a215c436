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
	"golang.org/x/arch/x86/x86asm"

	"github.com/runbox64/engine/pkg/cpustate"
)

// emitHooks carries the emission-only side effects that sizing (Pass
// 2) must skip: registering a direct-link site, or noting a literal
// pool slot. Pass 2 calls expand with hooks == nil; Pass 3 supplies a
// live hooks value. Because both passes call the exact same expand
// function for a given (DecodedInsn, Decision) pair, the byte count
// Pass 2 computed is guaranteed to match what Pass 3 emits (spec §4.2
// "sizing in pass 2 must agree byte-exactly with emission in pass
// 3").
type emitHooks struct {
	// onDirectLink is called for every call/jmp/taken-Jcc site whose
	// target guest address is known at translation time, right after
	// expand emits the LDR-literal+BR sequence reading its pool slot
	// (spec §4.3). ldrOff is the byte offset of the LDR instruction
	// (needs its imm19 fixed up once the pool's final address is
	// known); slot is the literal-pool index that instruction reads.
	onDirectLink func(ldrOff, slot int, guestTarget uint64)
}

// gprHost maps a guest GPR index to its fixed host register (spec
// §4.4: "the assignment from guest GPR to host register is identical
// in every block"). Guest GPRs live in host X0-X15 by direct index;
// X16-X18 are reserved by the platform ABI, X19/X20 are the CPU/cache
// pointers (see arm64enc.go), X21-X28 are free for the translator's
// own scratch use, X29/X30/SP are frame pointer/link/stack per the
// host ABI.
func gprHost(guestReg int) uint32 { return uint32(guestReg) }

// expand appends the host instruction sequence for one guest
// instruction to a. It returns the number of host bytes it wrote
// (== a.Len() delta), which is all Pass 2 needs. missStub is the
// cache's miss-stub host address (constant for the lifetime of a
// Cache): both Size and Emit call expand against the same Cache, so
// the bytes emitCacheWalk writes for a register-indirect site can
// never disagree between sizing and emission.
func expand(a *asm, d *DecodedInsn, dec *Decision, hooks *emitHooks, missStub, bridgeExit uintptr) {
	switch d.Family {
	case FamilyMovRegReg:
		expandMovRegReg(a, d)
	case FamilyMovRegImm:
		expandMovRegImm(a, d)
	case FamilyALURegReg:
		expandALURegReg(a, d, dec)
	case FamilyALURegImm:
		expandALURegImm(a, d, dec)
	case FamilyCmpRegReg:
		expandCmpRegReg(a, d, dec)
	case FamilyLoad:
		expandLoad(a, d)
	case FamilyStore:
		expandStore(a, d)
	case FamilyPush:
		expandPush(a, d)
	case FamilyPop:
		expandPop(a, d)
	case FamilyLea:
		expandLea(a, d, hooks)
	case FamilyCallDirect:
		expandCallDirect(a, d, hooks)
	case FamilyCallIndirect:
		expandCallIndirect(a, d, hooks, missStub)
	case FamilyRet:
		expandRet(a, hooks, missStub)
	case FamilyJmpDirect:
		expandJmpDirect(a, d, hooks)
	case FamilyJmpIndirect:
		expandJmpIndirect(a, d, hooks, missStub)
	case FamilyJcc:
		expandJcc(a, d, dec, hooks)
	case FamilySyscall:
		expandSyscall(a, d, bridgeExit)
	case FamilySSE:
		expandSSE(a, d, bridgeExit)
	default:
		// Pass 0 should never hand an Unsupported family to expand;
		// the pipeline routes those to the interpreter before
		// reaching here (spec §7).
		a.Brk(0xDEAD)
	}
}

// --- register moves and integer ALU (spec §4.2) ---

func expandMovRegReg(a *asm, d *DecodedInsn) {
	dst, src := decodedGPRs(d)
	a.MovReg(gprHost(dst), gprHost(src))
}

func expandMovRegImm(a *asm, d *DecodedInsn) {
	dst, imm := decodedGPRImm(d)
	emitImm64(a, gprHost(dst), imm)
}

func expandALURegReg(a *asm, d *DecodedInsn, dec *Decision) {
	dst, src := decodedGPRs(d)
	hd, hs := gprHost(dst), gprHost(src)
	needsScratch := dec.NeedsFlags && !dec.NativeFlagsOK
	if needsScratch {
		// hd is about to be overwritten with the result; snapshot its
		// pre-op value as Src1 before that happens.
		a.MovReg(rHostScratch1, hd)
	}
	switch d.AluOp {
	case cpustate.FlagOpAdd:
		a.AddReg(hd, hd, hs)
	case cpustate.FlagOpSub:
		a.SubReg(hd, hd, hs)
	case cpustate.FlagOpAnd:
		a.AndReg(hd, hd, hs)
	case cpustate.FlagOpOr:
		a.OrrReg(hd, hd, hs)
	case cpustate.FlagOpXor:
		a.EorReg(hd, hd, hs)
	}
	if needsScratch {
		materializeDeferred(a, d.AluOp, d.Width, rHostScratch1, hs, hd)
	}
}

func expandALURegImm(a *asm, d *DecodedInsn, dec *Decision) {
	dst, imm := decodedGPRImm(d)
	hd := gprHost(dst)
	needsScratch := dec.NeedsFlags && !dec.NativeFlagsOK
	if needsScratch {
		a.MovReg(rHostScratch1, hd)
	}
	switch d.AluOp {
	case cpustate.FlagOpAdd:
		if fitsImm12(imm) {
			a.AddImm(hd, hd, uint32(imm))
		} else {
			emitImm64(a, rHostScratch0, imm)
			a.AddReg(hd, hd, rHostScratch0)
		}
	case cpustate.FlagOpSub, cpustate.FlagOpDec:
		if fitsImm12(imm) {
			a.SubImm(hd, hd, uint32(imm))
		} else {
			emitImm64(a, rHostScratch0, imm)
			a.SubReg(hd, hd, rHostScratch0)
		}
	case cpustate.FlagOpInc:
		a.AddImm(hd, hd, 1)
	default:
		emitImm64(a, rHostScratch0, imm)
		a.AddReg(hd, hd, rHostScratch0)
	}
	if needsScratch {
		// Src2 is the immediate itself: a translation-time constant,
		// reloaded here rather than kept live across the op above.
		emitImm64(a, rHostScratch0, imm)
		materializeDeferred(a, d.AluOp, d.Width, rHostScratch1, rHostScratch0, hd)
	}
}

func expandCmpRegReg(a *asm, d *DecodedInsn, dec *Decision) {
	dst, src := decodedGPRs(d)
	hd, hs := gprHost(dst), gprHost(src)
	a.Cmp(hd, hs)
	if dec.NeedsFlags && !dec.NativeFlagsOK {
		// CMP/TEST never write their destination, so hd and hs still
		// hold both original operands; only Result needs computing,
		// into a scratch register that is never read back as a guest
		// value.
		switch d.AluOp {
		case cpustate.FlagOpAnd:
			a.AndReg(rHostScratch1, hd, hs)
		default:
			a.SubReg(rHostScratch1, hd, hs)
		}
		materializeDeferred(a, d.AluOp, d.Width, hd, hs, rHostScratch1)
	}
}

// materializeDeferred emits the scratch write that lets
// cpustate.GuestCpu.FlagBit reconstruct a guest flag bit later without
// the producer having materialized NZCV into the full Flags word
// itself (spec §4.5, "the core optimization"). op and width are
// translation-time constants; src1, src2 and result are host registers
// holding the producer's actual runtime operand and result values.
// rCPUPtr (X19) must hold the live *cpustate.GuestCpu.
func materializeDeferred(a *asm, op cpustate.FlagOp, width uint8, src1, src2, result uint32) {
	a.MovZ(rDeferredTmp, uint16(op), 0)
	a.StrB(rDeferredTmp, rCPUPtr, uint32(cpustate.DeferredOpOffset))
	a.MovZ(rDeferredTmp, uint16(width), 0)
	a.StrB(rDeferredTmp, rCPUPtr, uint32(cpustate.DeferredWidthOffset))
	a.Str64(src1, rCPUPtr, uint32(cpustate.DeferredSrc1Offset))
	a.Str64(src2, rCPUPtr, uint32(cpustate.DeferredSrc2Offset))
	a.Str64(result, rCPUPtr, uint32(cpustate.DeferredResultOffset))
}

// --- loads and stores (spec §4.2) ---

func expandLoad(a *asm, d *DecodedInsn) {
	dst, base, disp := decodedMemOperand(d)
	a.AddImm(rHostScratch0, gprHost(base), uint32(disp&0xFFF))
	a.Ldr64(gprHost(dst), rHostScratch0, 0)
}

func expandStore(a *asm, d *DecodedInsn) {
	src, base, disp := decodedMemOperand(d)
	a.AddImm(rHostScratch0, gprHost(base), uint32(disp&0xFFF))
	a.Str64(gprHost(src), rHostScratch0, 0)
}

// --- stack operations (spec §4.2) ---

const guestRSPHost = cpustate.RSP

func expandPush(a *asm, d *DecodedInsn) {
	reg, _ := decodedGPRs(d)
	a.SubImm(gprHost(guestRSPHost), gprHost(guestRSPHost), 8)
	a.Str64(gprHost(reg), gprHost(guestRSPHost), 0)
}

func expandPop(a *asm, d *DecodedInsn) {
	reg, _ := decodedGPRs(d)
	a.Ldr64(gprHost(reg), gprHost(guestRSPHost), 0)
	a.AddImm(gprHost(guestRSPHost), gprHost(guestRSPHost), 8)
}

// --- RIP-relative materialization (spec §4.2) ---

func expandLea(a *asm, d *DecodedInsn, hooks *emitHooks) {
	dst, _, disp := decodedMemOperand(d)
	// The materialized value is the guest-visible address
	// (GuestAddr + GuestLen + disp), not any host address.
	target := d.GuestAddr + uint64(d.GuestLen) + uint64(disp)
	emitImm64(a, gprHost(dst), target)
}

// --- control transfers using the inline block-cache lookup (spec §4.3) ---

func expandCallDirect(a *asm, d *DecodedInsn, hooks *emitHooks) {
	retAddr := d.GuestAddr + uint64(d.GuestLen)
	pushReturnAddress(a, retAddr)
	emitDirectLink(a, d.BranchTarget, hooks)
}

func expandCallIndirect(a *asm, d *DecodedInsn, hooks *emitHooks, missStub uintptr) {
	retAddr := d.GuestAddr + uint64(d.GuestLen)
	pushReturnAddress(a, retAddr)
	reg, _ := decodedGPRs(d)
	emitInlineLookupReg(a, gprHost(reg), missStub)
}

func expandRet(a *asm, hooks *emitHooks, missStub uintptr) {
	a.Ldr64(rHostScratch0, gprHost(guestRSPHost), 0)
	a.AddImm(gprHost(guestRSPHost), gprHost(guestRSPHost), 8)
	emitInlineLookupReg(a, rHostScratch0, missStub)
}

func expandJmpDirect(a *asm, d *DecodedInsn, hooks *emitHooks) {
	emitDirectLink(a, d.BranchTarget, hooks)
}

func expandJmpIndirect(a *asm, d *DecodedInsn, hooks *emitHooks, missStub uintptr) {
	reg, _ := decodedGPRs(d)
	emitInlineLookupReg(a, gprHost(reg), missStub)
}

func expandJcc(a *asm, d *DecodedInsn, dec *Decision, hooks *emitHooks) {
	// Pass-1 has already decided whether this consumer can use the
	// native NZCV flags directly; when it can't, the guest flag bit
	// was reconstructed by the preceding producer's scratch write and
	// compared with an explicit TST/CMP sequence before branching.
	// Either way, by the time we reach here, NZCV already reflects
	// the guest condition (maybeMaterialize left the ALU's native
	// flags live when NativeFlagsOK), so a direct B.cond suffices.
	cond := condFor(d.Inst.Op)
	fallthroughAddr := d.GuestAddr + uint64(d.GuestLen)
	// Pass 0 does not end a block at a Jcc, but both arms leave the
	// block here: the not-taken (fallthrough) arm and the taken arm are
	// each a direct-link site with a statically known guest target, a
	// fixed 8-byte LDR-literal+BR sequence. B.cond's offset counts from
	// the B.cond itself, so 12 bytes (itself plus the not-taken arm)
	// lands on the taken arm when the condition holds.
	a.Bcond(cond, 12)
	emitDirectLink(a, fallthroughAddr, hooks)
	emitDirectLink(a, d.BranchTarget, hooks)
}

func condFor(op interface{ String() string }) Cond {
	switch op.String() {
	case "JE":
		return CondEQ
	case "JNE":
		return CondNE
	case "JL":
		return CondLT
	case "JLE":
		return CondLE
	case "JG":
		return CondGT
	case "JGE":
		return CondGE
	case "JA":
		return CondHI
	case "JAE":
		return CondCS
	case "JB":
		return CondCC
	case "JBE":
		return CondLS
	case "JS":
		return CondMI
	case "JNS":
		return CondPL
	case "JO":
		return CondVS
	case "JNO":
		return CondVC
	}
	return CondEQ
}

// --- syscall boundary (spec §4.2, §4.6) ---

// expandSyscall exits the block to pkg/bridge rather than translating
// the SYSCALL opcode itself: the guest<->host boundary contract (errno
// translation, restart, signal delivery ordering) lives entirely on
// the Go side. The sequence emitted here is the same shape
// emitCacheWalk's miss fallback already uses — load a resume address
// into X9, load a fixed exit address into X10, Br (never Blr, since
// bridgeExit never returns to its JIT caller) — reused instead of
// inventing a second asm-to-Go calling convention (spec §4.6).
func expandSyscall(a *asm, d *DecodedInsn, bridgeExit uintptr) {
	emitBridgeExit(a, d.GuestAddr+uint64(d.GuestLen), cpustate.BridgeSyscall, bridgeExit)
}

// --- SIMD/FPU (spec §4.2) ---

// expandSSE covers the register-register and register-memory forms of
// the SSE family Pass 0 classifies as FamilySSE (spec §4.2): whole-
// register moves (MOVAPS/MOVUPS/MOVQ/MOVD), a bitwise lane op (PXOR),
// and packed single-precision add (ADDPS), each onto the host's own
// NEON register file at the same index as the guest XMM register
// (mirroring gprHost's identity mapping for GPRs). Anything else the
// host genuinely lacks an equivalent for falls through to a helper
// call at a fixed trampoline slot, per spec §4.2's "if the host lacks
// an equivalent... emit a call to a helper".
func expandSSE(a *asm, d *DecodedInsn, bridgeExit uintptr) {
	if dst, src, ok := decodedXMMs(d); ok {
		switch d.Inst.Op {
		case x86asm.PXOR:
			a.EorVec(uint32(dst), uint32(dst), uint32(src))
			return
		case x86asm.ADDPS:
			a.FaddVec4S(uint32(dst), uint32(dst), uint32(src))
			return
		case x86asm.MOVAPS, x86asm.MOVUPS, x86asm.MOVQ, x86asm.MOVD:
			a.MovVec(uint32(dst), uint32(src))
			return
		}
	}
	if xmm, base, disp, ok := decodedXMMMem(d); ok {
		a.AddImm(rHostScratch0, gprHost(base), uint32(disp&0xFFF))
		switch d.Inst.Op {
		case x86asm.MOVAPS, x86asm.MOVUPS, x86asm.MOVQ, x86asm.MOVD:
			if isMemArg(d.Inst.Args[0]) {
				a.Str128(uint32(xmm), rHostScratch0, 0)
			} else {
				a.Ldr128(uint32(xmm), rHostScratch0, 0)
			}
			return
		}
	}
	// Neither operand form matched a host-native expansion above
	// (scale/index addressing, or an SSE opcode outside this set):
	// defer to the same bridge exit expandSyscall uses, discriminated
	// on the Go side by BridgeHelper instead of BridgeSyscall.
	emitBridgeExit(a, d.GuestAddr+uint64(d.GuestLen), cpustate.BridgeHelper, bridgeExit)
}

// emitBridgeExit hands control to pkg/bridge (spec §4.6): resumeIP is
// the guest address execution continues at once the Go side has
// handled whichever boundary crossing this is (a syscall or an
// unhandled SIMD opcode), kind is the cpustate.Bridge* discriminator
// pkg/bridge reads to tell those two apart. rCPUPtr (X19) must already
// hold the live *cpustate.GuestCpu, matching materializeDeferred's
// precondition.
func emitBridgeExit(a *asm, resumeIP uint64, kind uint8, bridgeExit uintptr) {
	emitImm64(a, rHostScratch0, resumeIP)
	a.MovZ(rDeferredTmp, uint16(kind), 0)
	a.StrB(rDeferredTmp, rCPUPtr, uint32(cpustate.PendingBridgeOffset))
	emitImm64(a, rHostScratch1, uint64(bridgeExit))
	a.Br(rHostScratch1)
}

// --- shared helpers ---

func pushReturnAddress(a *asm, retAddr uint64) {
	a.SubImm(gprHost(guestRSPHost), gprHost(guestRSPHost), 8)
	emitImm64(a, rHostScratch1, retAddr)
	a.Str64(rHostScratch1, gprHost(guestRSPHost), 0)
}

// emitDirectLink emits a direct-link site (spec §4.3): a fixed 8-byte
// LDR-literal+BR sequence reading one slot of this block's own literal
// pool. Pass 3 initializes that slot to the target's host entry point
// if it is already translated, or to the miss stub otherwise, and
// registers a LinkSite so blockcache.Cache can patch the slot in place
// the moment the target is (or becomes) resident — turning every
// repeat of a loop or call site into a single load-and-branch with no
// dispatcher round-trip (testable property: scenario S2's flat
// block-miss counter).
func emitDirectLink(a *asm, guestTarget uint64, hooks *emitHooks) {
	slot := a.reserveSlot()
	ldrOff := a.Len()
	a.emit(a.LdrLit(rHostScratch0, 0)) // imm19 fixed up once the pool offset is known
	a.Br(rHostScratch0)
	if hooks != nil && hooks.onDirectLink != nil {
		hooks.onDirectLink(ldrOff, slot, guestTarget)
	}
}

// emitInlineLookupReg emits the indirect-target lookup used by
// register-indirect jumps, computed calls, and returns, whose guest
// target is not known until the generated code runs. Unlike
// emitDirectLink this always walks the live cache (spec §4.3) and is
// never a patch site.
func emitInlineLookupReg(a *asm, guestAddrReg uint32, missStub uintptr) {
	if guestAddrReg != rHostScratch0 {
		a.MovReg(rHostScratch0, guestAddrReg)
	}
	emitCacheWalk(a, rHostScratch0, missStub)
}

// emitCacheWalk emits the three-level page-table walk this is
// generated code's side of: rCachePtr (X20) holds the host address of
// the live blockcache.Cache's root array (blockcache.Cache.RootPtr),
// and the guest address in reg is split into the same three 16-bit
// groups blockcache.addrGroups computes (bits [47:32], [31:16],
// [15:0]), each used as a scaled index into one page-table level
// (spec §4.3's "the generated-code mirror of Cache.Lookup"). A nil
// pointer at any level — the same miss blockcache.Cache.Lookup
// reports by returning its miss stub — branches straight to missStub
// instead of faulting, since reg is only ever read, never
// dereferenced directly. On success, the final level's first 8 bytes
// (entryBox.hostEntry) is the resolved host entry point.
func emitCacheWalk(a *asm, reg uint32, missStub uintptr) {
	a.Ubfx(rWalkHi, reg, 32, 16)
	a.Ubfx(rWalkMid, reg, 16, 16)
	a.Ubfx(rWalkLo, reg, 0, 16)

	a.emit(a.Ldr64Reg(rWalkPtr, rCachePtr, rWalkHi)) // ml := root[hi]
	a.Cbz(rWalkPtr, 7*4)
	a.emit(a.Ldr64Reg(rWalkPtr, rWalkPtr, rWalkMid)) // lf := ml.entries[mid]
	a.Cbz(rWalkPtr, 5*4)
	a.emit(a.Ldr64Reg(rWalkPtr, rWalkPtr, rWalkLo)) // box := lf.entries[lo]
	a.Cbz(rWalkPtr, 3*4)
	a.Ldr64(rWalkEntry, rWalkPtr, 0) // box.hostEntry
	a.Br(rWalkEntry)

	emitImm64(a, rWalkPtr, uint64(missStub))
	a.Br(rWalkPtr)
}

// emitImm64 loads a 64-bit immediate into reg using up to four
// MOVZ/MOVK instructions, skipping zero halfwords beyond the first.
func emitImm64(a *asm, reg uint32, v uint64) {
	a.MovZ(reg, uint16(v), 0)
	if h := uint16(v >> 16); h != 0 {
		a.MovK(reg, h, 1)
	}
	if h := uint16(v >> 32); h != 0 {
		a.MovK(reg, h, 2)
	}
	if h := uint16(v >> 48); h != 0 {
		a.MovK(reg, h, 3)
	}
}

func fitsImm12(v uint64) bool { return v < 4096 }
