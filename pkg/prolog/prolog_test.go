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

package prolog

import (
	"testing"

	"github.com/runbox64/engine/pkg/cpustate"
)

// TestGuestToHostCoversEveryGPR checks the documented mapping table
// names all sixteen guest GPRs exactly once, matching the identity
// mapping pkg/translator's gprHost assumes (spec §4.4 "the mapping is
// fixed... identical in every block").
func TestGuestToHostCoversEveryGPR(t *testing.T) {
	for i := 0; i < cpustate.NumGPR; i++ {
		if GuestToHost[i] == "" {
			t.Errorf("GuestToHost[%d] is unset", i)
		}
	}
}

// TestRunBlockRejectsZeroEntry covers the one precondition RunBlock
// itself enforces regardless of GOARCH: a zero entry address (an
// unresolved or corrupt cache lookup) must never be branched into.
func TestRunBlockRejectsZeroEntry(t *testing.T) {
	if err := RunBlock(cpustate.New(), nil, 0); err == nil {
		t.Fatal("RunBlock(entry=0) should have failed")
	}
}
