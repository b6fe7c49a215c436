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

import "github.com/runbox64/engine/pkg/blockcache"

// SizedInsn is Pass 2's per-instruction output: the exact host-byte
// size of its expansion and the sidecar offset it occupies.
type SizedInsn struct {
	HostOff int
	HostLen int
}

// Size runs Pass 2 over Pass 0/1's output: emits nothing, but computes
// the exact host-byte size of every instruction's expansion by
// calling the same expand function Pass 3 uses, against a scratch
// buffer that is discarded. The running size becomes the sidecar
// offset table (spec §4.2). The returned total includes the trailing
// literal pool (one 8-byte slot per direct-link site) that Pass 3
// appends after the last instruction.
func Size(insns []DecodedInsn, decisions []Decision, missStub, bridgeExit uintptr) ([]SizedInsn, []blockcache.SidecarEntry, int) {
	sized := make([]SizedInsn, len(insns))
	sidecar := make([]blockcache.SidecarEntry, len(insns))

	var scratch asm
	var guestOff uint32
	for i := range insns {
		before := scratch.Len()
		expand(&scratch, &insns[i], &decisions[i], nil, missStub, bridgeExit)
		after := scratch.Len()

		sized[i] = SizedInsn{HostOff: before, HostLen: after - before}
		sidecar[i] = blockcache.SidecarEntry{GuestOff: guestOff, HostOff: uint32(before)}
		guestOff += uint32(insns[i].GuestLen)
	}
	total := scratch.Len() + scratch.PoolSlots()*8
	return sized, sidecar, total
}
