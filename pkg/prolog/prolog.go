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

// Package prolog holds the shared host trampoline of spec §4.4: the
// prolog loads a GuestCpu's architectural state into the fixed host
// registers pkg/translator's generated code assumes and branches into
// a block; the epilog reverses this the moment generated code branches
// back out to it (directly, or indirectly through the block cache's
// miss stub — spec §4.3 "a shared stub that spills registers and
// returns through the epilog to the dispatcher").
//
// Unlike a translated block, the trampoline and the epilog stub are
// not JIT-generated: they are ordinary host assembly, built once into
// the binary, because their shape never depends on guest code. Only
// the arm64 target builds the real trampoline; other GOARCH values
// get a stub that reports an error, mirroring pkg/translator's
// icache_other.go split between the real target and the host the
// tests happen to run on.
package prolog

import (
	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/cpustate"
)

// GuestToHost is the fixed guest-GPR-index to host-register mapping
// spec §4.4 requires be identical in every block, mirrored here for
// documentation and for pkg/dispatcher diagnostics. pkg/translator's
// gprHost computes the same mapping directly (guest index N lives in
// host XN); this table exists so the mapping is stated once, by name,
// rather than only implicitly by the identity function.
var GuestToHost = [cpustate.NumGPR]string{
	cpustate.RAX: "X0", cpustate.RCX: "X1", cpustate.RDX: "X2", cpustate.RBX: "X3",
	cpustate.RSP: "X4", cpustate.RBP: "X5", cpustate.RSI: "X6", cpustate.RDI: "X7",
	8: "X8", 9: "X9", 10: "X10", 11: "X11", 12: "X12", 13: "X13", 14: "X14", 15: "X15",
}

// Reserved host registers outside the guest GPR window (X0-X15),
// named for documentation; pkg/translator/arm64enc.go defines the
// authoritative numeric constants these mirror.
const (
	RegCPUPtr   = "X19" // live *cpustate.GuestCpu for the executing thread
	RegCachePtr = "X20" // blockcache.Cache.RootPtr() for the executing thread
	RegMissAddr = "X9"  // guest target IP, valid whenever control reaches the epilog/miss stub
)

// RunBlock is the dispatcher's single per-iteration entry into
// translated code (spec §4.1 "load guest registers into host
// registers via the prolog; jump to the block entry"). It returns once
// generated code has run the epilog and GuestCpu is authoritative
// again; cpu.Quit and cpu.ForkRequest reflect whatever the block (or
// the miss stub, on a cache miss) left them as.
//
// entry must be a resident block's post-prolog Entry, or the shared
// miss stub address — both addresses are host entry points generated
// code branches to identically.
func RunBlock(cpu *cpustate.GuestCpu, cache *blockcache.Cache, entry uintptr) error {
	return runBlock(cpu, cache, entry)
}

// EpilogStub returns the host address of the shared epilog: the
// trampoline that spills X0-X15 into cpu.GPR, the guest IP waiting in
// RegMissAddr into cpu.RIP, and returns to RunBlock's caller. This is
// the address installed as every blockcache.Cache's miss stub (spec
// §4.3) — a cache miss and "the block decided to exit to the
// dispatcher" are the same event from generated code's perspective.
func EpilogStub() uintptr {
	return epilogStubAddr()
}
