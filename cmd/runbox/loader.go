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

// The ELF loader below is the minimal real ifaces.Loader this CLI
// needs to run a guest binary end to end; spec.md §1 names a full
// loader as an external collaborator out of the core engine's scope,
// but a host-visible CLI (spec §6) needs something to actually map a
// file, so this is kept intentionally small: PT_LOAD segments only, no
// dynamic linking, no AT_RANDOM-quality auxv.
package main

import (
	"debug/elf"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/runbox64/engine/pkg/ifaces"
)

// pieBase is the load bias applied to an ET_DYN (position-independent)
// executable. A fixed value is fine here: this engine has no ASLR
// requirement of its own (spec.md's Non-goals exclude
// exactly-matching box64's own guest-visible randomization).
const pieBase = 0x555555554000

// elfLoader maps a guest ELF's PT_LOAD segments directly into this
// process's address space and implements ifaces.Loader against the
// mapped result, exercising the direct-mapped guest/host address space
// pkg/smc and pkg/bridge both already assume.
type elfLoader struct {
	pages []ifaces.PageRange
	bias  uint64
	entry uint64
}

func loadELF(path string) (*elfLoader, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("runbox: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("runbox: %s is not an x86_64 ELF (machine %s)", path, f.Machine)
	}

	bias := uint64(0)
	if f.Type == elf.ET_DYN {
		bias = pieBase
	}

	l := &elfLoader{bias: bias, entry: f.Entry + bias}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := l.mapSegment(prog); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// mapSegment maps prog at its exact guest-visible address via a raw
// MAP_FIXED mmap(2), the same unix.RawSyscall6(unix.SYS_MMAP, ...)
// shape the teacher's subprocess.go uses to map its sysmsg stack at a
// chosen address — fixed placement is what lets the rest of this
// engine treat a guest address as a real, directly dereferenceable
// host address.
func (l *elfLoader) mapSegment(prog *elf.Prog) error {
	start := hostarch.Addr(prog.Vaddr + l.bias).RoundDown()
	end := hostarch.Addr(prog.Vaddr + l.bias + prog.Memsz).RoundUp()
	length := uint64(end) - uint64(start)

	addr, _, errno := unix.RawSyscall6(
		unix.SYS_MMAP,
		uintptr(start),
		uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED,
		^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("runbox: mmap segment at %#x: %w", start, errno)
	}
	if uint64(addr) != uint64(start) {
		return fmt.Errorf("runbox: MAP_FIXED segment landed at %#x, want %#x", addr, start)
	}

	data := rawBytes(uint64(start), int(length))
	off := prog.Vaddr + l.bias - uint64(start)
	// prog itself is an io.ReaderAt scoped to the segment's own file
	// content (debug/elf.Prog embeds one reading from prog.Off), so the
	// read offset here is relative to the segment, not the file.
	n, err := prog.ReadAt(data[off:off+prog.Filesz], 0)
	if err != nil && err != io.EOF || uint64(n) != prog.Filesz {
		return fmt.Errorf("runbox: read segment at file offset %#x: %w", prog.Off, err)
	}

	if prog.Flags&elf.PF_X != 0 {
		if err := unix.Mprotect(data, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("runbox: mprotect segment executable: %w", err)
		}
		l.pages = append(l.pages, ifaces.PageRange{Start: uint64(start), Len: length})
	}
	return nil
}

func (l *elfLoader) CodePages() []ifaces.PageRange { return l.pages }

func (l *elfLoader) ReadCode(addr uint64, dst []byte) error {
	copy(dst, rawBytes(addr, len(dst)))
	return nil
}

func (l *elfLoader) EntryPoint() (rip, rsp uint64) {
	return l.entry, 0 // the caller builds the initial stack separately (buildInitialStack)
}
