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
	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/runbox64/engine/pkg/cpustate"
)

// AtForkFunc is a registered guest function pointer, represented here
// as a host callback taking the forking thread's GuestCpu (the guest
// function pointer + calling convention live one layer up, in the
// pthread_atfork wrapper).
type AtForkFunc func(cpu *cpustate.GuestCpu)

// AtForkRecord is the (prepare, parent, child) triple of spec §3,
// tagged with an owner so a library unload can remove just its own
// registrations.
type AtForkRecord struct {
	Prepare AtForkFunc
	Parent  AtForkFunc
	Child   AtForkFunc
	Owner   uintptr
}

// AtForkList is the process-wide registered-fork-callback list (spec
// §3 SharedContext, §5 "AtForkRecord list"). Registration order is
// significant: POSIX pthread_atfork requires parent/child callbacks to
// run in registration order and prepare callbacks in reverse
// registration order (spec §9 decided Open Question).
type AtForkList struct {
	mu      gsync.Mutex
	records []AtForkRecord
}

// NewAtForkList returns an empty list.
func NewAtForkList() *AtForkList {
	return &AtForkList{}
}

// Register appends rec. Safe for concurrent callers (testable
// property 8: N threads registering M callbacks each must leave the
// list with exactly N*M entries, no duplicates, no losses).
func (l *AtForkList) Register(rec AtForkRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// Unregister removes every record owned by owner (library unload).
func (l *AtForkList) Unregister(owner uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0]
	for _, r := range l.records {
		if r.Owner != owner {
			kept = append(kept, r)
		}
	}
	l.records = kept
}

// Snapshot takes a consistent copy of the registered records under the
// list lock, for the fork protocol to iterate without holding the lock
// across the fork call itself (spec §5 "readers take a snapshot under
// the same lock at fork time").
func (l *AtForkList) Snapshot() []AtForkRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AtForkRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len reports how many records are registered. Test/diagnostic use.
func (l *AtForkList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// RunPrepare invokes every prepare callback in reverse registration
// order, per spec §9.
func RunPrepare(records []AtForkRecord, cpu *cpustate.GuestCpu) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Prepare != nil {
			records[i].Prepare(cpu)
		}
	}
}

// RunParent invokes every parent callback in registration order.
func RunParent(records []AtForkRecord, cpu *cpustate.GuestCpu) {
	for _, r := range records {
		if r.Parent != nil {
			r.Parent(cpu)
		}
	}
}

// RunChild invokes every child callback in registration order.
func RunChild(records []AtForkRecord, cpu *cpustate.GuestCpu) {
	for _, r := range records {
		if r.Child != nil {
			r.Child(cpu)
		}
	}
}
