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

// Package translator implements the four-pass translation pipeline of
// spec §4.2: Discovery (Pass 0, decode+classify), Analysis (Pass 1,
// flag-liveness), Sizing (Pass 2), and Emission (Pass 3). Pass 2 and
// Pass 3 share the exact same per-instruction expansion code so they
// can never disagree about a block's size.
package translator

import (
	"fmt"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/execmem"
	"github.com/runbox64/engine/pkg/ifaces"
)

// readWindow is how many guest bytes Pipeline reads before running
// Pass 0; generously larger than maxBlockBytes since a variable-length
// x86 instruction straddling the window's tail would otherwise force a
// second read.
const readWindow = maxBlockBytes + 16

// Pipeline holds the collaborators Translate needs: the guest-code
// source, the executable-memory allocator, and the block cache every
// translated block is installed into.
type Pipeline struct {
	Loader ifaces.Loader
	Arena  *execmem.Arena
	Cache  *blockcache.Cache

	// PageIsWritable reports whether a guest page is currently
	// write-enabled; Pass 0 uses it to stop a block before a page pkg/smc
	// hasn't write-protected yet, so a block never silently spans a
	// boundary self-modifying code could cross (spec §4.2, §4.7).
	PageIsWritable func(addr uint64) bool

	// AlwaysVerify decides, per freshly-discovered block, whether its
	// installed Block re-hashes its source on every entry rather than
	// relying solely on write-protection (spec §4.7 "blocks in regions
	// observed to be rewritten repeatedly fall back to this").
	AlwaysVerify func(start, end uint64) bool

	// OnInstalled runs once per freshly-emitted block, after it is
	// already live in p.Cache. pkg/smc wires this to RegisterBlock so
	// every block's guest page range gets write-protected the moment
	// code can run out of it, never before.
	OnInstalled func(b *blockcache.Block)

	// BridgeExit is the fixed host address a SYSCALL instruction, and an
	// SSE opcode with no host-native expansion, both branch to (spec
	// §4.2, §4.6). It is pkg/prolog.EpilogStub's address: the same exit
	// an ordinary cache miss already takes, reused here so pkg/bridge
	// never needs its own asm-to-Go calling convention. Constant for
	// the process's lifetime, so unlike a direct-link target it is
	// baked directly into the instruction stream rather than read from
	// a pool slot. The two exits are told apart on the Go side by
	// cpustate.GuestCpu.PendingBridge, which generated code sets
	// immediately before branching here.
	BridgeExit uintptr
}

// Translate runs all four passes for the block starting at guest
// address startAddr and installs the result into p.Cache, returning
// it. This is the only entry point the dispatcher's miss path calls
// (spec §4.1 "on miss, invoke the translator").
func (p *Pipeline) Translate(startAddr uint64) (*blockcache.Block, error) {
	window := make([]byte, readWindow)
	if err := p.Loader.ReadCode(startAddr, window); err != nil {
		return nil, fmt.Errorf("translator: read guest code at %#x: %w", startAddr, err)
	}

	insns, err := Discover(window, startAddr, p.PageIsWritable)
	if err != nil {
		return nil, err
	}

	decisions := Analyze(insns)
	_, _, total := Size(insns, decisions, p.Cache.MissStub(), p.BridgeExit)

	last := insns[len(insns)-1]
	guestEnd := last.GuestAddr + uint64(last.GuestLen)
	verify := false
	if p.AlwaysVerify != nil {
		verify = p.AlwaysVerify(startAddr, guestEnd)
	}

	block, err := Emit(window, insns, decisions, total, p.Arena, p.Cache, verify, p.BridgeExit)
	if err != nil {
		return nil, err
	}
	if p.OnInstalled != nil {
		p.OnInstalled(block)
	}
	return block, nil
}
