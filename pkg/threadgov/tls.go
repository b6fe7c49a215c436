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

package threadgov

import (
	"fmt"

	"github.com/runbox64/engine/pkg/sharedctx"
)

// TLSBlockSize is the fixed, padded size of every thread's TLS block
// (spec §4.8 "padded to a 64 KiB boundary").
const TLSBlockSize = 64 * 1024

// Control-header offsets from TLSBlock.Base, x86_64 TLS "variant II"
// layout: the header sits at non-negative offsets from the thread
// pointer, static TLS images and __thread variables sit below it at
// negative offsets (spec §4.8 "thread-control header at block offset
// zero holds self and DTV pointers plus a stack canary at a fixed
// offset").
const (
	tlsSelfOffset   = 0
	tlsDTVOffset    = 8
	tlsCanaryOffset = 16
	tlsHeaderSize   = 24
)

// TLSBlock is one thread's allocated TLS region. Base is the
// guest-visible thread-pointer value: GuestCpu.SegBase[SegFS] is set
// to Base so %fs-relative guest accesses resolve directly (the engine's
// direct-mapped guest/host address space means Base is also a real
// host address, no translation needed). backing keeps the allocation
// alive for the garbage collector.
type TLSBlock struct {
	backing []byte
	Base    uint64
}

// AllocateTLS carves a fresh TLS block from ctx's master template
// (spec §4.8). The template is copied into the negative-offset region
// immediately below Base; total must leave room for the fixed-size
// control header above it within the 64 KiB budget.
//
// Unlike pkg/execmem's bump allocator, TLS blocks are not shared
// across threads and never resized once allocated — each thread's
// block is sized once, from the template captured at thread-creation
// time — so this needs no lock of its own beyond the one
// sharedctx.Context.TLSTemplate already takes to read the template.
func AllocateTLS(ctx *sharedctx.Context) (*TLSBlock, error) {
	template, total := ctx.TLSTemplate()
	if total+tlsHeaderSize > TLSBlockSize {
		return nil, fmt.Errorf("threadgov: TLS image of %d bytes exceeds the %d byte block budget", total, TLSBlockSize-tlsHeaderSize)
	}

	backing := make([]byte, TLSBlockSize)
	base := sliceAddr(backing) + total
	copy(backing[:total], template)

	writeGuestU64At(base, tlsSelfOffset, base)
	writeGuestU64At(base, tlsDTVOffset, 0)
	writeGuestU64At(base, tlsCanaryOffset, canarySeed(base))

	return &TLSBlock{backing: backing, Base: base}, nil
}

// canarySeed derives a per-block stack-protector value. The guest's
// stack-protector compatibility is not a spec goal (spec.md lists no
// requirement beyond the layout contract), so this only needs to be
// deterministic and nonzero, not cryptographically random.
func canarySeed(base uint64) uint64 {
	return base ^ 0x595e9fbd94fda766
}
