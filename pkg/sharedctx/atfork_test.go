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

package sharedctx

import (
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/runbox64/engine/pkg/cpustate"
)

// TestConcurrentRegistrationNoLossNoDuplication backs testable
// property 8.
func TestConcurrentRegistrationNoLossNoDuplication(t *testing.T) {
	const n, m = 16, 50
	l := NewAtForkList()

	var g errgroup.Group
	var seen sync.Map
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < m; j++ {
				owner := uintptr(i*m + j + 1)
				seen.Store(owner, true)
				l.Register(AtForkRecord{Owner: owner})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("g.Wait: %v", err)
	}

	if got, want := l.Len(), n*m; got != want {
		t.Fatalf("registered %d records, want %d", got, want)
	}

	owners := make(map[uintptr]int)
	for _, r := range l.Snapshot() {
		owners[r.Owner]++
	}
	seen.Range(func(k, _ any) bool {
		if owners[k.(uintptr)] != 1 {
			t.Errorf("owner %v registered %d times, want 1", k, owners[k.(uintptr)])
		}
		return true
	})
}

func TestPrepareRunsInReverseOrder(t *testing.T) {
	var order []int
	l := NewAtForkList()
	for i := 0; i < 3; i++ {
		i := i
		l.Register(AtForkRecord{Prepare: func(*cpustate.GuestCpu) { order = append(order, i) }})
	}
	RunPrepare(l.Snapshot(), nil)
	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestParentChildRunInRegistrationOrder(t *testing.T) {
	var parentOrder, childOrder []int
	l := NewAtForkList()
	for i := 0; i < 3; i++ {
		i := i
		l.Register(AtForkRecord{
			Parent: func(*cpustate.GuestCpu) { parentOrder = append(parentOrder, i) },
			Child:  func(*cpustate.GuestCpu) { childOrder = append(childOrder, i) },
		})
	}
	RunParent(l.Snapshot(), nil)
	RunChild(l.Snapshot(), nil)
	for _, order := range [][]int{parentOrder, childOrder} {
		if len(order) != 3 {
			t.Fatalf("order = %v, want 3 callbacks", order)
		}
		for i, v := range order {
			if v != i {
				t.Fatalf("order = %v, want ascending", order)
			}
		}
	}
}
