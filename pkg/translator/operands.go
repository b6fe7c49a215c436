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

import "golang.org/x/arch/x86/x86asm"

// regIndex maps an x86asm.Reg of any width to its 0-15 architectural
// GPR index (RAX=0 .. R15=15), the index space cpustate.GuestCpu.GPR
// and the fixed guest->host register mapping (spec §4.4) both use.
func regIndex(r x86asm.Reg) (int, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), true
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), true
	case r >= x86asm.AH && r <= x86asm.BH:
		// High-byte forms of RAX/RCX/RDX/RBX.
		return int(r - x86asm.AH), true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		// SPB/BPB/SIB/DIB (low bytes of RSP/RBP/RSI/RDI, REX prefix
		// only) follow AH..BH in x86asm's ordering and are followed in
		// turn by R8B..R15B.
		return int(r-x86asm.SPB) + 4, true
	}
	return 0, false
}

// decodedGPRs extracts (dst, src) architectural register indices from
// a two-operand register-register instruction. Either may be 0 (RAX)
// if the operand was not a register — callers that need to
// distinguish that case check the instruction Family first.
func decodedGPRs(d *DecodedInsn) (dst, src int) {
	if r, ok := d.Inst.Args[0].(x86asm.Reg); ok {
		dst, _ = regIndex(r)
	}
	if r, ok := d.Inst.Args[1].(x86asm.Reg); ok {
		src, _ = regIndex(r)
	}
	return dst, src
}

// decodedGPRImm extracts (dst register, immediate value) from a
// register-immediate instruction.
func decodedGPRImm(d *DecodedInsn) (dst int, imm uint64) {
	if r, ok := d.Inst.Args[0].(x86asm.Reg); ok {
		dst, _ = regIndex(r)
	}
	if i, ok := d.Inst.Args[1].(x86asm.Imm); ok {
		imm = uint64(i)
	}
	return dst, imm
}

// xmmIndex maps an x86asm.Reg in the XMM register file to its 0-15
// index, the index space cpustate.GuestCpu.SIMD and the fixed
// guest->host vector register mapping (spec §4.4) both use.
func xmmIndex(r x86asm.Reg) (int, bool) {
	if r >= x86asm.X0 && r <= x86asm.X15 {
		return int(r - x86asm.X0), true
	}
	return 0, false
}

// decodedXMMs extracts (dst, src) XMM register indices from a
// register-register SSE instruction, and reports whether both operands
// were in fact XMM registers (as opposed to one being memory, which the
// caller falls back to decodedXMMMem for).
func decodedXMMs(d *DecodedInsn) (dst, src int, ok bool) {
	r0, ok0 := d.Inst.Args[0].(x86asm.Reg)
	r1, ok1 := d.Inst.Args[1].(x86asm.Reg)
	if !ok0 || !ok1 {
		return 0, 0, false
	}
	dst, ok0 = xmmIndex(r0)
	src, ok1 = xmmIndex(r1)
	return dst, src, ok0 && ok1
}

// decodedXMMMem extracts (xmm register, base register, displacement)
// from an SSE load/store whose other operand is memory, mirroring
// decodedMemOperand's base+disp-only addressing.
func decodedXMMMem(d *DecodedInsn) (xmm int, base int, disp int64, ok bool) {
	var mem x86asm.Mem
	haveMem := false
	for _, a := range d.Inst.Args {
		if a == nil {
			continue
		}
		if m, o := a.(x86asm.Mem); o {
			mem = m
			haveMem = true
			continue
		}
		if r, o := a.(x86asm.Reg); o {
			if idx, o2 := xmmIndex(r); o2 {
				xmm = idx
				ok = true
			}
		}
	}
	if !haveMem || !ok {
		return 0, 0, 0, false
	}
	base, _ = regIndex(mem.Base)
	disp = mem.Disp
	return xmm, base, disp, true
}

// decodedMemOperand extracts (register operand, base register,
// displacement) from a load/store/lea instruction. The register
// operand is whichever arg is not the Mem; base is the Mem's base
// register. Scale/index addressing beyond a plain base+disp is
// resolved by the caller folding index*scale into an extra ADD before
// calling the *Load/*Store emitters — omitted here for the common
// base+disp case, which covers stack-frame and struct-field accesses.
func decodedMemOperand(d *DecodedInsn) (reg int, base int, disp int64) {
	var mem x86asm.Mem
	regArgIdx := -1
	for i, a := range d.Inst.Args {
		if a == nil {
			continue
		}
		if m, ok := a.(x86asm.Mem); ok {
			mem = m
		} else if regArgIdx == -1 {
			regArgIdx = i
		}
	}
	if regArgIdx >= 0 {
		if r, ok := d.Inst.Args[regArgIdx].(x86asm.Reg); ok {
			reg, _ = regIndex(r)
		}
	}
	base, _ = regIndex(mem.Base)
	disp = mem.Disp
	return reg, base, disp
}
