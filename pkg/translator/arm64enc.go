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

import "encoding/binary"

// asm is a tiny append-only ARM64 instruction assembler. It covers
// exactly the host instruction forms the expansion policy in spec
// §4.2 needs: register moves, integer ALU, loads/stores, direct
// branches, and the register-indirect branch the block-cache lookup
// ends in. This is deliberately not a general assembler — the
// sizing pass (Pass 2) and the emission pass (Pass 3) both call these
// same helpers so they can never disagree about an instruction's
// length (spec §4.2: "sizing in pass 2 must agree byte-exactly with
// emission in pass 3").
type asm struct {
	buf      []byte
	poolSlots int
}

func (a *asm) emit(word uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	a.buf = append(a.buf, b[:]...)
}

// Len reports the number of host bytes emitted so far; Pass 2 calls
// this on a throwaway asm to compute sizes without ever installing the
// result anywhere.
func (a *asm) Len() int { return len(a.buf) }

func (a *asm) Bytes() []byte { return a.buf }

// patchWord overwrites the 4 bytes at byte offset off. Used once the
// literal pool's final position is known, to fix up an LDR (literal)
// instruction emitted before the pool's offset could be computed.
func (a *asm) patchWord(off int, word uint32) {
	binary.LittleEndian.PutUint32(a.buf[off:off+4], word)
}

// reserveSlot reserves one 8-byte literal-pool slot (a direct-link
// target pointer) and returns its index. Pass 2 and Pass 3 call this
// identically, so the pool's size always matches between them.
func (a *asm) reserveSlot() int {
	i := a.poolSlots
	a.poolSlots++
	return i
}

// PoolSlots reports how many 8-byte literal-pool slots were reserved.
func (a *asm) PoolSlots() int { return a.poolSlots }

// Nop emits a NOP (HINT #0).
func (a *asm) Nop() { a.emit(0xD503201F) }

// Brk emits BRK #imm, used as the trap the prolog installs at the
// shared miss stub's tail and as a guard instruction after an
// untranslatable opcode (spec §7).
func (a *asm) Brk(imm uint16) { a.emit(0xD4200000 | uint32(imm)<<5) }

// MovReg emits MOV Xd, Xm (alias of ORR Xd, XZR, Xm).
func (a *asm) MovReg(d, m uint32) { a.emit(0xAA0003E0 | (m << 16) | d) }

// MovZ emits MOVZ Xd, #imm16, hw*16 (hw in {0,1,2,3}).
func (a *asm) MovZ(d uint32, imm16 uint16, hw uint32) {
	a.emit((1 << 31) | (0b10 << 29) | (0b100101 << 23) | (hw << 21) | (uint32(imm16) << 5) | d)
}

// MovK emits MOVK Xd, #imm16, hw*16 — used to build a 64-bit literal
// across up to four MOVZ/MOVK instructions (spec §4.2's "inline
// literal pool" is used instead for anything wider than fits in a
// couple of these).
func (a *asm) MovK(d uint32, imm16 uint16, hw uint32) {
	a.emit((1 << 31) | (0b11 << 29) | (0b100101 << 23) | (hw << 21) | (uint32(imm16) << 5) | d)
}

// AddImm emits ADD Xd, Xn, #imm12 (imm12 < 4096).
func (a *asm) AddImm(d, n uint32, imm12 uint32) {
	a.emit((1 << 31) | (0 << 30) | (0 << 29) | (0b100010 << 23) | ((imm12 & 0xFFF) << 10) | (n << 5) | d)
}

// SubImm emits SUB Xd, Xn, #imm12.
func (a *asm) SubImm(d, n uint32, imm12 uint32) {
	a.emit((1 << 31) | (1 << 30) | (0 << 29) | (0b100010 << 23) | ((imm12 & 0xFFF) << 10) | (n << 5) | d)
}

// AddReg emits ADD Xd, Xn, Xm.
func (a *asm) AddReg(d, n, m uint32) {
	a.emit((1 << 31) | (0 << 30) | (0 << 29) | (0b01011 << 24) | (m << 16) | (n << 5) | d)
}

// SubReg emits SUB Xd, Xn, Xm.
func (a *asm) SubReg(d, n, m uint32) {
	a.emit((1 << 31) | (1 << 30) | (0 << 29) | (0b01011 << 24) | (m << 16) | (n << 5) | d)
}

// AndReg/OrrReg/EorReg emit the corresponding logical shifted-register
// form with no shift.
func (a *asm) AndReg(d, n, m uint32) { a.emit((1 << 31) | (0b00 << 29) | (0b01010 << 24) | (m << 16) | (n << 5) | d) }
func (a *asm) OrrReg(d, n, m uint32) { a.emit((1 << 31) | (0b01 << 29) | (0b01010 << 24) | (m << 16) | (n << 5) | d) }
func (a *asm) EorReg(d, n, m uint32) { a.emit((1 << 31) | (0b10 << 29) | (0b01010 << 24) | (m << 16) | (n << 5) | d) }

// Cmp emits CMP Xn, Xm (alias of SUBS XZR, Xn, Xm).
func (a *asm) Cmp(n, m uint32) { a.emit(0xEB00001F | (m << 16) | (n << 5)) }

// Ldr64 emits LDR Xt, [Xn, #imm] where imm is a non-negative multiple
// of 8 within [0, 32760].
func (a *asm) Ldr64(t, n uint32, imm uint32) { a.emit(0xF9400000 | ((imm / 8) << 10) | (n << 5) | t) }

// Str64 emits STR Xt, [Xn, #imm] with the same imm constraints.
func (a *asm) Str64(t, n uint32, imm uint32) { a.emit(0xF9000000 | ((imm / 8) << 10) | (n << 5) | t) }

// StrB emits STRB Wt, [Xn, #imm] (unsigned byte offset, imm < 4096),
// used to write DeferredFlags.Op/Width, which are single bytes.
func (a *asm) StrB(t, n uint32, imm uint32) { a.emit(0x39000000 | ((imm & 0xFFF) << 10) | (n << 5) | t) }

// Ldr64Reg emits LDR Xt, [Xn, Xm, LSL #3]: a 64-bit load at Xn plus Xm
// scaled by 8, the addressing mode the cache walk uses to index a page
// table level by a 16-bit group extracted from the guest address.
func (a *asm) Ldr64Reg(t, n, m uint32) uint32 {
	return 0xF8607800 | (m << 16) | (n << 5) | t
}

// Ubfx emits UBFX Xd, Xn, #lsb, #width (an alias of UBFM), used to pull
// one 16-bit address group out of a 64-bit guest address for the cache
// walk without a shift-then-mask pair.
func (a *asm) Ubfx(d, n uint32, lsb, width uint32) {
	immr := lsb
	imms := lsb + width - 1
	a.emit(0xD3400000 | (immr << 16) | (imms << 10) | (n << 5) | d)
}

// Cbz emits CBZ Xt, label where label is a PC-relative byte offset
// (must be 4-byte aligned, within ±1MiB).
func (a *asm) Cbz(t uint32, byteOffset int32) {
	a.emit(0xB4000000 | ((uint32(byteOffset/4) & 0x7FFFF) << 5) | t)
}

// Ldr128 emits LDR Qt, [Xn, #imm] (128-bit SIMD&FP load, imm a
// non-negative multiple of 16 within [0, 65520]).
func (a *asm) Ldr128(t, n uint32, imm uint32) { a.emit(0x3DC00000 | ((imm / 16) << 10) | (n << 5) | t) }

// Str128 emits STR Qt, [Xn, #imm] with the same imm constraints.
func (a *asm) Str128(t, n uint32, imm uint32) { a.emit(0x3D800000 | ((imm / 16) << 10) | (n << 5) | t) }

// OrrVec emits ORR Vd.16B, Vn.16B, Vm.16B.
func (a *asm) OrrVec(d, n, m uint32) { a.emit(0x4EA01C00 | (m << 16) | (n << 5) | d) }

// MovVec emits MOV Vd.16B, Vn.16B (the ORR Vd,Vn,Vn alias), a whole-
// register SIMD move used for MOVAPS/MOVUPS/MOVQ/MOVD's register form.
func (a *asm) MovVec(d, n uint32) { a.OrrVec(d, n, n) }

// EorVec emits EOR Vd.16B, Vn.16B, Vm.16B, used for PXOR.
func (a *asm) EorVec(d, n, m uint32) { a.emit(0x6E201C00 | (m << 16) | (n << 5) | d) }

// FaddVec4S emits FADD Vd.4S, Vn.4S, Vm.4S, used for ADDPS's four
// packed single-precision lanes.
func (a *asm) FaddVec4S(d, n, m uint32) { a.emit(0x4E20D400 | (m << 16) | (n << 5) | d) }

// LdrLit emits LDR Xt, label where label is a PC-relative word offset
// in units of 4 bytes (imm19, signed). Used to load a direct-link
// slot's current target out of the block's own literal pool (spec
// §4.3); the slot itself — not this instruction — is what Invalidate
// rewrites.
func (a *asm) LdrLit(t uint32, imm19 int32) uint32 {
	return 0x58000000 | ((uint32(imm19) & 0x7FFFF) << 5) | t
}

// Br emits BR Xn (register-indirect branch), the tail instruction of
// every direct-link lookup sequence (spec §4.3).
func (a *asm) Br(n uint32) { a.emit(0xD61F0000 | (n << 5)) }

// Blr emits BLR Xn.
func (a *asm) Blr(n uint32) { a.emit(0xD63F0000 | (n << 5)) }

// Ret emits RET (X30).
func (a *asm) Ret() { a.emit(0xD65F03C0) }

// B emits an unconditional direct branch to a PC-relative byte offset
// (must be 4-byte aligned, within ±128MiB).
func (a *asm) B(byteOffset int32) { a.emit(0x14000000 | (uint32(byteOffset/4) & 0x03FFFFFF)) }

// Bl emits BL to a PC-relative byte offset.
func (a *asm) Bl(byteOffset int32) { a.emit(0x94000000 | (uint32(byteOffset/4) & 0x03FFFFFF)) }

// Cond is an ARM64 condition code, used by Bcond. Values match the
// hardware encoding directly.
type Cond uint32

const (
	CondEQ Cond = 0x0
	CondNE Cond = 0x1
	CondCS Cond = 0x2 // also HS (unsigned carry set / >=)
	CondCC Cond = 0x3 // also LO
	CondMI Cond = 0x4
	CondPL Cond = 0x5
	CondVS Cond = 0x6
	CondVC Cond = 0x7
	CondHI Cond = 0x8
	CondLS Cond = 0x9
	CondGE Cond = 0xA
	CondLT Cond = 0xB
	CondGT Cond = 0xC
	CondLE Cond = 0xD
)

// Bcond emits B.cond to a PC-relative byte offset (±1MiB).
func (a *asm) Bcond(cond Cond, byteOffset int32) {
	a.emit(0x54000000 | ((uint32(byteOffset/4) & 0x7FFFF) << 5) | uint32(cond))
}

// Register numbers in the fixed guest->host mapping (pkg/prolog owns
// the canonical table; these mirror it for the asm helpers above).
const (
	rHostScratch0 = 9  // X9:  scratch
	rHostScratch1 = 10 // X10: scratch
	rCPUPtr       = 19 // X19: *cpustate.GuestCpu, callee-saved across blocks
	rCachePtr     = 20 // X20: base of Cache's root page-table array, callee-saved

	// rWalk* are used only inside emitCacheWalk's inline three-level
	// lookup; they never carry a live value across any other
	// expansion, so nothing else needs to avoid them.
	rWalkHi    = 21
	rWalkMid   = 22
	rWalkLo    = 23
	rWalkPtr   = 24
	rWalkEntry = 25

	// rDeferredTmp is the scratch register materializeDeferred uses to
	// build the Op/Width immediate bytes it stores; kept distinct from
	// rHostScratch0/1 so a caller can pass either of those in as the
	// actual Src1/Src2/Result value being stored without it being
	// clobbered first.
	rDeferredTmp = 26
)
