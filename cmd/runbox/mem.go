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

import "unsafe"

// rawBytes views the length bytes at addr as a slice, relying on the
// same direct-mapped guest/host address space pkg/bridge's mem.go and
// pkg/threadgov's mem.go rely on: once elfLoader has mapped a guest
// segment at its exact guest-visible address, that address is a real,
// directly dereferenceable host virtual address.
func rawBytes(addr uint64, length int) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

// sliceAddr returns b's backing address, same idiom as
// pkg/threadgov/mem.go's helper of the same name.
func sliceAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
