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

//go:build arm64

package prolog

import (
	"errors"
	"reflect"
	"unsafe"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/cpustate"
)

// runBlockARM64 is the raw host trampoline (prolog_arm64.s): it loads
// the sixteen guest GPRs out of cpu into X0-X15, seeds X19/X20 with
// cpu and cacheRoot, and branches into entry. It returns once
// generated code reaches the epilog stub.
//
//go:noescape
func runBlockARM64(cpu unsafe.Pointer, cacheRoot unsafe.Pointer, entry uintptr)

// epilogStub is never called through Go's calling convention; its
// address (not its behavior as a Go func) is what matters. See
// EpilogStub.
func epilogStub()

func runBlock(cpu *cpustate.GuestCpu, cache *blockcache.Cache, entry uintptr) error {
	if entry == 0 {
		return errors.New("prolog: zero block entry address")
	}
	runBlockARM64(unsafe.Pointer(cpu), cache.RootPtr(), entry)
	return nil
}

// epilogStubAddr reads the code entry point out of the func value
// rather than calling it; reflect.Value.Pointer on a non-closure func
// value is the function's entry PC, which is the only thing generated
// ARM64 code ever does with it (branches to it as raw bytes).
func epilogStubAddr() uintptr {
	return reflect.ValueOf(epilogStub).Pointer()
}
