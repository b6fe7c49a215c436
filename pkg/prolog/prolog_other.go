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

//go:build !arm64

package prolog

import (
	"errors"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/cpustate"
)

// runBlock reports an error on any non-arm64 GOARCH: the engine's
// only translation target is arm64, same split as
// pkg/translator/icache_other.go, so package tests can still build
// and exercise everything except actually branching into generated
// code on whatever host happens to run `go test`.
func runBlock(cpu *cpustate.GuestCpu, cache *blockcache.Cache, entry uintptr) error {
	return errors.New("prolog: RunBlock requires GOARCH=arm64")
}

func epilogStubAddr() uintptr { return 0 }
