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

package bridge

import (
	"encoding/binary"
	"unsafe"
)

// readGuestU64 and writeGuestU64 access the guest stack directly,
// relying on the same direct-mapped guest/host address space
// ifaces.Loader documents (guest-visible addresses are real host
// virtual addresses once the loader has mapped them). Used only for
// the call/return convention's 8-byte guest-stack words, mirroring
// pkg/translator's expandRet/pushReturnAddress host-code equivalent.
func readGuestU64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(guestBytes(addr))
}

func writeGuestU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(guestBytes(addr), v)
}

func guestBytes(addr uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), 8)
}
