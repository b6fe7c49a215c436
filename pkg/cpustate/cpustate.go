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

// Package cpustate defines the per-guest-thread x86_64 architectural
// state that flows between the dispatcher, the translated blocks, and
// every boundary the translated code can exit through.
package cpustate

import (
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// NumGPR is the number of 64-bit x86_64 general purpose registers.
const NumGPR = 16

// NumSIMD is the number of SIMD registers tracked. The translator may
// only use the low 128 bits of each until wide-lane support lands.
const NumSIMD = 16

// NumX87 is the depth of the x87 floating point stack.
const NumX87 = 8

// GPR indexes into GuestCpu.GPR, in x86_64 encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Segment selector indexes into GuestCpu.Seg/SegBase.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	numSeg
)

// Guest rflags bits this engine tracks architecturally (deferred or
// materialized).
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagOF = 1 << 11

	FlagMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// FlagOp tags the operation kind that produced the deferred-flags
// scratch, so a consumer can reconstruct any of the six bits without
// the producer having materialized them. Values name the instruction
// family, not the opcode, because several opcodes share a flag shape.
type FlagOp uint8

const (
	// FlagOpNone means no instruction has deferred flags pending;
	// the Flags word is authoritative.
	FlagOpNone FlagOp = iota
	FlagOpAdd
	FlagOpSub
	FlagOpCmp
	FlagOpAnd
	FlagOpOr
	FlagOpXor
	FlagOpInc
	FlagOpDec
	FlagOpShl
	FlagOpShr
	FlagOpSar
	FlagOpMul
	FlagOpNeg
)

// DeferredFlags is the scratch GuestCpu carries so arithmetic flag
// bits do not need to be materialized by every instruction that
// defines them. See spec §4.5.
type DeferredFlags struct {
	Op     FlagOp
	Width  uint8 // operand width in bytes: 1, 2, 4 or 8
	Src1   uint64
	Src2   uint64
	Result uint64
}

// Byte offsets of GuestCpu.Deferred's fields from a *GuestCpu, computed
// once from the real struct layout via unsafe.Offsetof so pkg/translator
// can emit stores through the CPU pointer without carrying its own
// unsafe-derived constants or paying for reflection on every producer
// instruction (spec §4.5 "the core optimization").
const (
	DeferredOpOffset     = unsafe.Offsetof(GuestCpu{}.Deferred) + unsafe.Offsetof(DeferredFlags{}.Op)
	DeferredWidthOffset  = unsafe.Offsetof(GuestCpu{}.Deferred) + unsafe.Offsetof(DeferredFlags{}.Width)
	DeferredSrc1Offset   = unsafe.Offsetof(GuestCpu{}.Deferred) + unsafe.Offsetof(DeferredFlags{}.Src1)
	DeferredSrc2Offset   = unsafe.Offsetof(GuestCpu{}.Deferred) + unsafe.Offsetof(DeferredFlags{}.Src2)
	DeferredResultOffset = unsafe.Offsetof(GuestCpu{}.Deferred) + unsafe.Offsetof(DeferredFlags{}.Result)
)

// PendingBridgeOffset is the byte offset of GuestCpu.PendingBridge,
// computed the same way the Deferred* offsets above are so
// pkg/translator can emit a store through the CPU pointer without
// needing reflection or its own copy of the struct layout.
const PendingBridgeOffset = unsafe.Offsetof(GuestCpu{}.PendingBridge)

// ForkRequest values for GuestCpu.ForkRequest.
const (
	ForkNone = iota
	ForkPlain
	ForkWithPTY
	ForkVfork
)

// PendingBridge values for GuestCpu.PendingBridge (spec §4.6). Set by
// generated code right before branching to the shared bridge-exit
// stub (pkg/prolog.EpilogStub, reused for this purpose exactly as it
// is for an ordinary cache miss), cleared by pkg/bridge once the
// corresponding Go-side call has run.
const (
	BridgeNone = iota
	BridgeSyscall
	BridgeHelper
)

// GuestCpu is the complete x86_64 architectural state of one guest
// thread. Exactly one GuestCpu exists per guest thread for its
// lifetime; see pkg/threadgov.ThreadHandle for the owning wrapper.
//
// Invariant: while a translated block is executing, the live guest
// register values may reside in host registers (see pkg/prolog). Any
// code outside the currently-executing block — a signal handler, a
// bridge call, the dispatcher itself — must only ever observe GuestCpu
// after an epilog has run. The epilog is the sole point that makes
// GuestCpu authoritative again.
type GuestCpu struct {
	GPR   [NumGPR]uint64
	Flags uint64
	RIP   uint64

	SIMD [NumSIMD][2]uint64 // low 128 bits per register; lane layout owned by the translator

	X87     [NumX87]uint64 // 80-bit values truncated/expanded to uint64 + Exp below
	X87Exp  [NumX87]uint16
	X87Top  uint8
	x87Pad  [7]uint8

	Seg     [numSeg]uint16
	SegBase [numSeg]uint64 // only SegFS and SegGS are live in practice

	Deferred DeferredFlags

	// Quit requests the dispatcher loop (pkg/dispatcher) exit after
	// the current block returns through the epilog.
	Quit atomicbitops.Bool

	// ForkRequest is one of the Fork* constants above. Set by the
	// guest fork wrapper, consumed by the dispatcher's fork protocol
	// (pkg/threadgov.Governor.RunForkProtocol) on its next iteration.
	ForkRequest atomicbitops.Int32

	// TLSBase is this thread's TLS block base address, mirrored into
	// SegBase[SegFS] (or SegGS) for the live thread-local segment.
	TLSBase uint64

	// PendingBridge is one of the Bridge* constants above. Generated
	// code sets it immediately before branching to
	// pkg/translator.Pipeline.BridgeExit; pkg/bridge reads and clears
	// it once the corresponding Go-side call has run (spec §4.6).
	PendingBridge uint8

	// Shared points back to the process-wide context this thread
	// belongs to. Not owned; never copied by Snapshot.
	Shared interface{}
}

// New returns a zeroed GuestCpu with RSP/RIP left for the caller to
// seed (typically from the ELF entry point and the mapped stack).
func New() *GuestCpu {
	return &GuestCpu{X87Top: 0}
}

// FlagBit reports whether bit is currently set in Flags, reconstructing
// it from Deferred if Deferred.Op names an instruction that defines
// bit and Flags has not yet been materialized for it.
//
// Callers are pass-1-analysis-driven: the translator only emits a call
// to this (or its native-condition-code fast path) at sites pass 1
// proved need the given bit. See spec §4.5.
func (c *GuestCpu) FlagBit(bit uint64) bool {
	if c.Deferred.Op == FlagOpNone {
		return c.Flags&bit != 0
	}
	return reconstructFlag(&c.Deferred, bit)
}

// MaterializeFlags forces every architecturally defined flag bit into
// Flags and clears the deferred scratch. Used at any boundary where an
// external observer (signal delivery, a wrapper that reads EFLAGS
// directly) needs the full word rather than one bit.
func (c *GuestCpu) MaterializeFlags() {
	if c.Deferred.Op == FlagOpNone {
		return
	}
	var f uint64
	for _, bit := range []uint64{FlagCF, FlagPF, FlagAF, FlagZF, FlagSF, FlagOF} {
		if reconstructFlag(&c.Deferred, bit) {
			f |= bit
		}
	}
	c.Flags = (c.Flags &^ FlagMask) | f
	c.Deferred = DeferredFlags{}
}

// Snapshot returns a deep copy of the architectural state, used by the
// fork protocol (pkg/threadgov) to prove testable property 6: the
// child's post-fork state equals the parent's pre-fork state except
// for the designated result register.
func (c *GuestCpu) Snapshot() GuestCpu {
	cp := *c
	cp.Shared = nil
	return cp
}

// Restore overwrites the architectural fields (not control fields or
// Shared) from a prior Snapshot.
func (c *GuestCpu) Restore(s GuestCpu) {
	c.GPR = s.GPR
	c.Flags = s.Flags
	c.RIP = s.RIP
	c.SIMD = s.SIMD
	c.X87 = s.X87
	c.X87Exp = s.X87Exp
	c.X87Top = s.X87Top
	c.Seg = s.Seg
	c.SegBase = s.SegBase
	c.Deferred = s.Deferred
}

// SetForkResult writes v into the guest-ABI fork return register
// (RAX) the way the syscall boundary would for a real fork(2) return.
func (c *GuestCpu) SetForkResult(v int64) {
	c.GPR[RAX] = uint64(v)
}

// String renders a compact debug dump, in the register-name-then-value
// style the teacher's dumpRegs helper used over ptrace-fetched regs.
func (c *GuestCpu) String() string {
	return fmt.Sprintf("rip=%#016x rax=%#016x rsp=%#016x flags=%#06x",
		c.RIP, c.GPR[RAX], c.GPR[RSP], c.Flags)
}
