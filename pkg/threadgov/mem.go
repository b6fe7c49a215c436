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
	"encoding/binary"
	"unsafe"
)

// sliceAddr, guestBytes and writeGuestU64 rely on the same
// direct-mapped guest/host address space pkg/bridge's mem.go and
// pkg/smc's memLoader do: a guest-visible address is a real host
// virtual address once mapped.
func sliceAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func guestBytes(addr uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), 8)
}

func writeGuestU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(guestBytes(addr), v)
}

func writeGuestU64At(base uint64, offset uint64, v uint64) {
	writeGuestU64(base+offset, v)
}
