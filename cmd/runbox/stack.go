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
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// x86_64 Linux auxv types this loader actually has real values for.
// AT_PHDR/AT_PHENT/AT_PHNUM are left out rather than faked: elfLoader
// does not keep the program header table around after loadELF
// returns, and a wrong auxv entry is worse than a missing one for a
// libc startup path that branches on AT_PHDR's presence.
const (
	atNull   = 0
	atPagesz = 6
	atEntry  = 9
	atRandom = 25
)

const initialStackSize = 8 << 20 // 8MiB, matching box64's own default guest stack size

// buildInitialStack maps a fresh anonymous guest stack and lays out
// the System V ABI startup image glibc's _start expects: argc,
// argv[], NULL, envp[], NULL, auxv pairs, AT_NULL, with the argv/envp
// string bytes and the 16-byte AT_RANDOM block living above that
// array region. It returns the initial guest RSP. The host's own
// entry field on elfLoader is unused by this function; guestEntry is
// only needed for AT_ENTRY.
func buildInitialStack(guestEntry uint64, path string, guestArgv []string) uint64 {
	mem, err := unix.Mmap(-1, 0, initialStackSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic("runbox: mmap initial stack: " + err.Error())
	}
	base := sliceAddr(mem)
	top := base + initialStackSize

	argv := append([]string{path}, guestArgv...)
	envp := os.Environ()

	// Write strings (and the AT_RANDOM block) from the top down,
	// recording each one's guest address.
	sp := top
	writeStr := func(s string) uint64 {
		sp -= uint64(len(s)) + 1
		copy(rawBytes(sp, len(s)+1), append([]byte(s), 0))
		return sp
	}
	argvAddrs := make([]uint64, len(argv))
	for i, s := range argv {
		argvAddrs[i] = writeStr(s)
	}
	envpAddrs := make([]uint64, len(envp))
	for i, s := range envp {
		envpAddrs[i] = writeStr(s)
	}
	sp -= 16
	randomAddr := sp
	copy(rawBytes(randomAddr, 16), []byte("runbox-initstack"))

	auxv := []uint64{
		atPagesz, uint64(hostarch.PageSize),
		atEntry, guestEntry,
		atRandom, randomAddr,
		atNull, 0,
	}

	arraySlots := 1 /* argc */ + len(argv) + 1 /* NULL */ + len(envp) + 1 /* NULL */ + len(auxv)
	sp -= uint64(arraySlots) * 8
	sp &^= 15 // x86_64 SysV ABI: RSP is 16-byte aligned at process entry

	cursor := sp
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(rawBytes(cursor, 8), v)
		cursor += 8
	}

	put(uint64(len(argv)))
	for _, a := range argvAddrs {
		put(a)
	}
	put(0)
	for _, a := range envpAddrs {
		put(a)
	}
	put(0)
	for _, a := range auxv {
		put(a)
	}

	return sp
}
