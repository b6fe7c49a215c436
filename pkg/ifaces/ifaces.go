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

// Package ifaces defines the contracts toward every subsystem spec.md
// names as an external collaborator: the ELF loader, the native
// wrapper layer, the guest syscall table translator, and the
// interpreter fallback. The execution engine depends only on these
// interfaces; concrete implementations live outside this module's
// scope.
package ifaces

import "github.com/runbox64/engine/pkg/cpustate"

// Loader is the contract the ELF loader satisfies toward the core: by
// the time the dispatcher runs for a thread, the loader must already
// have mapped the guest's code pages executable+readable at their
// guest-visible addresses and patched the GOT so import slots point at
// allocated bridge stubs (spec §6).
type Loader interface {
	// CodePages returns the set of guest page ranges backing
	// executable code, used by pkg/smc to install write protection.
	CodePages() []PageRange

	// ReadCode copies len(dst) bytes of guest code starting at addr.
	// Used by the translator's Pass 0 and by the SMC integrity hash.
	ReadCode(addr uint64, dst []byte) error

	// EntryPoint returns the guest program's initial instruction
	// pointer and initial stack pointer.
	EntryPoint() (rip, rsp uint64)
}

// PageRange is a half-open [Start, Start+Len) guest address range,
// page-aligned by construction.
type PageRange struct {
	Start uint64
	Len   uint64
}

// SyscallTranslator is the guest syscall table translator's contract:
// given the guest CPU at the point of a SYSCALL instruction, translate
// and execute the requested syscall, leaving the guest ABI return
// value in GuestCpu per the x86_64 Linux syscall convention.
type SyscallTranslator interface {
	Syscall(cpu *cpustate.GuestCpu) error
}

// Interpreter is the fallback execution path's contract. It must be
// interchangeable with the recompiler at instruction granularity: it
// executes exactly one guest instruction starting at cpu.RIP, updates
// cpu.RIP past it, and reports the number of guest bytes consumed.
type Interpreter interface {
	StepOne(cpu *cpustate.GuestCpu) (consumed int, err error)
}

// NativeWrapper is a single guest-ABI-to-host-ABI shim, invoked at a
// bridge boundary (spec §4.6). It receives the GuestCpu so it can read
// guest-ABI arguments and write a guest-ABI return value; if it needs
// to redirect guest execution (e.g. implementing longjmp) it may set
// cpu.RIP to something other than the expected post-call address, and
// the bridge notices the mismatch and exits to the dispatcher instead
// of continuing inline.
type NativeWrapper func(cpu *cpustate.GuestCpu) error
