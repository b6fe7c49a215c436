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

// Command runbox is the host-visible CLI spec.md §6 requires: it takes
// a path to a guest x86_64 ELF plus the guest's own argv, runs it to
// completion on the engine in this module, and exits with the guest's
// own exit status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/runbox64/engine/pkg/blockcache"
	"github.com/runbox64/engine/pkg/bridge"
	"github.com/runbox64/engine/pkg/cpustate"
	"github.com/runbox64/engine/pkg/dispatcher"
	"github.com/runbox64/engine/pkg/prolog"
	"github.com/runbox64/engine/pkg/sharedctx"
	"github.com/runbox64/engine/pkg/smc"
	"github.com/runbox64/engine/pkg/threadgov"
	"github.com/runbox64/engine/pkg/translator"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// runCommand is the "run" subcommand: run a guest binary. Besides it,
// only subcommands' built-in help and flags commands are registered.
type runCommand struct {
	verbose bool
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "run a guest x86_64 ELF binary" }
func (*runCommand) Usage() string {
	return "run <path> [guest-args...]\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verbose, "v", false, "enable verbose logging")
}

// Execute wires every package this module builds into one running
// guest thread, following spec §6's external-interface contract: by
// the time the dispatcher runs, code pages must already be mapped
// executable+readable at their guest-visible addresses, which loadELF
// guarantees before Execute constructs anything else.
func (c *runCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if envTruthy("RUNBOX_VERBOSE") {
		c.verbose = true
	}
	if c.verbose {
		log.SetLevel(log.Debug)
		log.Debugf("runbox: verbose logging requested")
	}

	args := f.Args()
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	path, guestArgv := args[0], args[1:]

	status, err := run(path, guestArgv)
	if err != nil {
		log.Warningf("runbox: %v", err)
		fmt.Fprintf(os.Stderr, "runbox: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitStatus(status)
}

// recompilerDisabled reports whether RUNBOX_NO_RECOMPILE asks this run
// to skip the translator (spec §6 "environment variables select
// features ... enable/disable the recompiler"). This module ships no
// interpreter (Non-goal: "no interpreter implementation, only the
// contract"), so honoring the toggle means refusing to run rather than
// silently falling back to a path that doesn't exist.
func recompilerDisabled() bool { return envTruthy("RUNBOX_NO_RECOMPILE") }

// run loads path, drives it to completion, and returns the guest's own
// exit status (spec §6 "exit status equals the guest process's exit
// status").
func run(path string, guestArgv []string) (int, error) {
	if recompilerDisabled() {
		return 0, fmt.Errorf("runbox: RUNBOX_NO_RECOMPILE requested, but this build has no interpreter fallback wired")
	}

	loader, err := loadELF(path)
	if err != nil {
		return 0, err
	}

	syscalls := &minimalSyscalls{}
	sctx := sharedctx.New(prolog.EpilogStub(), loader, syscalls, nil)

	monitor := smc.New(sctx.Cache, loader)
	registry := bridge.New(sctx.Cache)
	registry.Syscalls = syscalls

	pipeline := &translator.Pipeline{
		Loader:         loader,
		Arena:          sctx.Arena,
		Cache:          sctx.Cache,
		PageIsWritable: monitor.PageIsWritable,
		AlwaysVerify:   monitor.AlwaysVerify,
		OnInstalled: func(b *blockcache.Block) {
			if err := monitor.RegisterBlock(b); err != nil {
				log.Warningf("runbox: write-protect block at %#x: %v", b.GuestStart, err)
			}
		},
		BridgeExit: prolog.EpilogStub(),
	}

	gov := threadgov.New(sctx)

	cpu := cpustate.New()
	rip, _ := loader.EntryPoint()
	cpu.RIP = rip
	cpu.GPR[cpustate.RSP] = buildInitialStack(rip, path, guestArgv)

	stop := make(chan struct{})
	go smc.Watch(stop, monitor)
	defer close(stop)

	d := &dispatcher.Dispatcher{
		CPU:             cpu,
		Cache:           sctx.Cache,
		Pipeline:        pipeline,
		Verify:          monitor.VerifyBlock,
		RunForkProtocol: gov.RunForkProtocol,
		Bridge:          registry.Handle,
	}

	if err := d.Run(); err != nil {
		return 0, err
	}
	return int(syscalls.exitCode.Load()), nil
}

func envTruthy(name string) bool {
	v, ok := os.LookupEnv(name)
	return ok && v != "" && v != "0"
}
