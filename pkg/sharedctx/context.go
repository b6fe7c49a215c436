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

// Package sharedctx is the process-wide SharedContext of spec §3: the
// one long-lived, explicitly-passed-by-reference replacement for what
// box64 kept as ambient global state (spec §9 "globally mutable
// state"). Every subsystem that needs process-wide data takes a
// *Context rather than reaching for a package-level global.
package sharedctx

import (
	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/execmem"
	"github.com/runbox64/engine/pkg/ifaces"
)

// LoadedELF records one mapped guest ELF image (the main executable
// or a shared library), as handed to us by the external loader.
type LoadedELF struct {
	Path       string
	Base       uint64
	Len        uint64
	TLSImage   []byte // initial image copied into each thread's DTV entry for this module
	TLSAlign   uint64
}

// Context is the SharedContext: one instance per emulated process.
type Context struct {
	// Cache is the block cache shared by every thread's dispatcher.
	Cache *blockcache.Cache

	// HostIndex is the reverse host-PC-to-block index shared with the
	// per-thread signal handlers.
	HostIndex *blockcache.HostIndex

	// Arena is the executable-memory allocator shared by every
	// thread's translator invocations.
	Arena *execmem.Arena

	// AtFork is the registered fork-callback list.
	AtFork *AtForkList

	// Loader is the external ELF loader collaborator (spec §1).
	Loader ifaces.Loader

	// Syscalls is the external guest syscall table translator (spec
	// §1).
	Syscalls ifaces.SyscallTranslator

	// Interpreter is the external fallback execution path (spec §1).
	Interpreter ifaces.Interpreter

	// elfMu protects elfs.
	elfMu gsync.Mutex
	elfs  []LoadedELF

	// TLS master template, set once at process start by the loader
	// and the thread/fork governor's TLS allocator.
	tlsMu       gsync.Mutex
	tlsTemplate []byte
	tlsTotal    uint64
}

// New builds a Context wired to the given collaborators. missStub is
// the host address of the shared cache-miss stub (pkg/prolog owns its
// code, sharedctx just needs the address to seed the cache).
func New(missStub uintptr, loader ifaces.Loader, syscalls ifaces.SyscallTranslator, interp ifaces.Interpreter) *Context {
	return &Context{
		Cache:       blockcache.New(missStub),
		HostIndex:   blockcache.NewHostIndex(),
		Arena:       execmem.New(),
		AtFork:      NewAtForkList(),
		Loader:      loader,
		Syscalls:    syscalls,
		Interpreter: interp,
	}
}

// AddELF registers a newly-mapped guest image.
func (c *Context) AddELF(e LoadedELF) {
	c.elfMu.Lock()
	defer c.elfMu.Unlock()
	c.elfs = append(c.elfs, e)
}

// ELFs returns a snapshot of loaded images.
func (c *Context) ELFs() []LoadedELF {
	c.elfMu.Lock()
	defer c.elfMu.Unlock()
	out := make([]LoadedELF, len(c.elfs))
	copy(out, c.elfs)
	return out
}

// SetTLSTemplate installs the master TLS template and total size,
// computed once all ELFs' TLS images are known (spec §4.8).
func (c *Context) SetTLSTemplate(template []byte, total uint64) {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()
	c.tlsTemplate = template
	c.tlsTotal = total
}

// TLSTemplate returns the current master template and total size.
func (c *Context) TLSTemplate() ([]byte, uint64) {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()
	return c.tlsTemplate, c.tlsTotal
}

// ReinitAfterFork reinitializes every lock this Context owns that may
// have been held (by another thread, in whatever state) across a host
// fork(2) — spec §4.8 step 4 and §5's "all locks named above must have
// their state reinitialized in the child". Must be called as the
// first child-side action after the fork protocol's host fork call,
// before any other child callback that might take one of these locks.
func (c *Context) ReinitAfterFork() {
	c.elfMu = gsync.Mutex{}
	c.tlsMu = gsync.Mutex{}
	c.AtFork.mu = gsync.Mutex{}
	c.Arena.ReinitLockAfterFork()
	c.Cache.ReinitLockAfterFork()
}
