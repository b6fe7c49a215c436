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
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/runbox64/engine/pkg/cpustate"
)

// Family buckets guest instructions by the expansion policy spec §4.2
// names, not by raw opcode — several opcodes share an expansion
// shape. Pass 0 assigns a Family to every decoded instruction; expand
// (expand.go), which both Size and Emit call, switches on it so sizing
// and emission can never drift (spec §9 "fold into a switch-like
// table... so sizing and emission share their logic").
type Family int

const (
	FamilyUnsupported Family = iota
	FamilyMovRegReg
	FamilyMovRegImm
	FamilyALURegReg
	FamilyALURegImm
	FamilyCmpRegReg
	FamilyLoad
	FamilyStore
	FamilyPush
	FamilyPop
	FamilyLea
	FamilyCallDirect
	FamilyCallIndirect
	FamilyRet
	FamilyJmpDirect
	FamilyJmpIndirect
	FamilyJcc
	FamilySyscall
	FamilySSE
)

// DecodedInsn is Pass 0's output for one guest instruction.
type DecodedInsn struct {
	GuestAddr  uint64
	GuestLen   int
	Inst       x86asm.Inst
	Family     Family
	AluOp      cpustate.FlagOp // set when Family is an ALU/Cmp family
	Width      uint8           // operand width in bytes
	DefinesCC  bool            // true if this instruction defines any of FlagMask
	BranchTarget uint64        // valid for Jcc/JmpDirect/CallDirect
	IsBlockEnd bool            // terminal: unconditional transfer, size ceiling, or writable page
}

// maxBlockBytes is the configured size ceiling of spec §4.2: an
// instruction whose start would cross this ceiling forces a terminal
// boundary.
const maxBlockBytes = 4096

// guestPageSize is the guest page granularity Pass 0 uses to tell when
// a block crosses into a later page.
const guestPageSize = 4096

// Discover runs Pass 0 over guest bytes starting at startAddr: decode
// each instruction, classify it, compute intra-block branch targets,
// and tag flag-definition sets. It neither emits nor sizes host code;
// Pass 2 computes the exact sizes.
//
// code must contain at least enough bytes to decode the maximal block.
// The caller, pkg/translator.Pipeline, reads one readWindow-byte window
// from the loader before calling Discover and does not re-read; that
// window covers any instruction that starts below maxBlockBytes.
func Discover(code []byte, startAddr uint64, pageIsWritable func(addr uint64) bool) ([]DecodedInsn, error) {
	var insns []DecodedInsn
	off := 0
	for {
		if off >= len(code) {
			break
		}
		addr := startAddr + uint64(off)
		if pageIsWritable != nil && addr/guestPageSize != startAddr/guestPageSize && pageIsWritable(addr) {
			// Terminal boundary: SMC cannot silently extend a block
			// into a later page that is not write-protected yet
			// (spec §4.2).
			break
		}

		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			if len(insns) == 0 {
				return nil, fmt.Errorf("translator: undecodable instruction at %#x: %w", addr, err)
			}
			break
		}

		d := classify(inst, addr)
		insns = append(insns, d)

		if d.Family == FamilyUnsupported {
			// Per spec §7: stop the block before the untranslatable
			// instruction; the caller falls back to the interpreter
			// for it.
			insns = insns[:len(insns)-1]
			break
		}

		off += inst.Len
		if d.IsBlockEnd {
			break
		}
		if off >= maxBlockBytes {
			insns[len(insns)-1].IsBlockEnd = true
			break
		}
	}
	if len(insns) == 0 {
		return nil, fmt.Errorf("translator: no translatable instructions at %#x", startAddr)
	}
	return insns, nil
}

func classify(inst x86asm.Inst, addr uint64) DecodedInsn {
	d := DecodedInsn{GuestAddr: addr, GuestLen: inst.Len, Inst: inst, Width: uint8(inst.MemBytes)}
	if d.Width == 0 {
		d.Width = regWidth(inst)
	}

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX:
		if isImmArg(inst.Args[1]) {
			d.Family = FamilyMovRegImm
		} else if isMemArg(inst.Args[0]) {
			d.Family = FamilyStore
		} else if isMemArg(inst.Args[1]) {
			d.Family = FamilyLoad
		} else {
			d.Family = FamilyMovRegReg
		}
	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		d.Family, d.AluOp, d.DefinesCC = aluFamily(inst)
	case x86asm.INC:
		d.Family, d.AluOp, d.DefinesCC = FamilyALURegImm, cpustate.FlagOpInc, true
	case x86asm.DEC:
		d.Family, d.AluOp, d.DefinesCC = FamilyALURegImm, cpustate.FlagOpDec, true
	case x86asm.NEG:
		d.Family, d.AluOp, d.DefinesCC = FamilyALURegImm, cpustate.FlagOpNeg, true
	case x86asm.CMP:
		d.Family, d.AluOp, d.DefinesCC = FamilyCmpRegReg, cpustate.FlagOpCmp, true
	case x86asm.TEST:
		d.Family, d.AluOp, d.DefinesCC = FamilyCmpRegReg, cpustate.FlagOpAnd, true
	case x86asm.PUSH:
		d.Family = FamilyPush
	case x86asm.POP:
		d.Family = FamilyPop
	case x86asm.LEA:
		d.Family = FamilyLea
	case x86asm.CALL:
		if isMemArg(inst.Args[0]) || isRegArg(inst.Args[0]) {
			d.Family = FamilyCallIndirect
		} else {
			d.Family = FamilyCallDirect
			d.BranchTarget = relTarget(inst, addr)
		}
	case x86asm.RET:
		d.Family = FamilyRet
		d.IsBlockEnd = true
	case x86asm.JMP:
		if isMemArg(inst.Args[0]) || isRegArg(inst.Args[0]) {
			d.Family = FamilyJmpIndirect
		} else {
			d.Family = FamilyJmpDirect
			d.BranchTarget = relTarget(inst, addr)
		}
		d.IsBlockEnd = true
	case x86asm.SYSCALL:
		d.Family = FamilySyscall
	case x86asm.MOVAPS, x86asm.MOVUPS, x86asm.ADDPS, x86asm.PXOR, x86asm.MOVQ, x86asm.MOVD:
		d.Family = FamilySSE
	default:
		if isJcc(inst.Op) {
			d.Family = FamilyJcc
			d.BranchTarget = relTarget(inst, addr)
		} else {
			d.Family = FamilyUnsupported
		}
	}
	return d
}

func aluFamily(inst x86asm.Inst) (Family, cpustate.FlagOp, bool) {
	op := map[x86asm.Op]cpustate.FlagOp{
		x86asm.ADD: cpustate.FlagOpAdd,
		x86asm.SUB: cpustate.FlagOpSub,
		x86asm.AND: cpustate.FlagOpAnd,
		x86asm.OR:  cpustate.FlagOpOr,
		x86asm.XOR: cpustate.FlagOpXor,
	}[inst.Op]
	if isImmArg(inst.Args[1]) {
		return FamilyALURegImm, op, true
	}
	return FamilyALURegReg, op, true
}

func isJcc(op x86asm.Op) bool {
	switch op {
	case x86asm.JE, x86asm.JNE, x86asm.JL, x86asm.JLE, x86asm.JG, x86asm.JGE,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JS, x86asm.JNS,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP:
		return true
	}
	return false
}

func isImmArg(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Imm)
	return ok
}

func isMemArg(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Mem)
	return ok
}

func isRegArg(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Reg)
	return ok
}

func regWidth(inst x86asm.Inst) uint8 {
	if r, ok := inst.Args[0].(x86asm.Reg); ok {
		switch {
		case r >= x86asm.AL && r <= x86asm.R15B:
			return 1
		case r >= x86asm.AX && r <= x86asm.R15W:
			return 2
		case r >= x86asm.EAX && r <= x86asm.R15L:
			return 4
		}
		return 8
	}
	return 4
}

func relTarget(inst x86asm.Inst, addr uint64) uint64 {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return addr + uint64(inst.Len) + uint64(int64(rel))
		}
	}
	return 0
}
