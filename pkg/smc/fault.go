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

package smc

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Watch registers for SIGSEGV/SIGBUS and calls RevalidateAll on every
// delivery until stop is closed. This is the honest fallback this
// package ships with: os/signal.Notify can observe that a synchronous
// fault happened, but — unlike a raw sigaction(2) with SA_SIGINFO, or
// the ptrace-delivered signal info pkg/sentry/platform/systrap's
// subprocess model uses — it never exposes siginfo_t, so the faulting
// address is never available here. A platform able to recover it
// (ptrace, or a custom cgo-free signal trampoline) should call
// HandleFault(addr) directly instead of going through Watch; Watch
// exists so the engine still has a correctness-preserving answer when
// no such platform is wired in.
func Watch(stop <-chan struct{}, m *Monitor) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGSEGV, unix.SIGBUS)
	defer signal.Stop(ch)

	for {
		select {
		case <-stop:
			return
		case <-ch:
			m.RevalidateAll()
		}
	}
}

// RevalidateAll treats every currently protected page as a candidate
// for the write that was just attempted: it unprotects each one and
// invalidates every block registered against it, same as HandleFault
// would for the single page it could otherwise identify. Conservative
// by construction — a real fault on one page forces retranslation of
// every other still-protected page too — but correct, and the
// retried guest write is guaranteed to succeed once this returns.
func (m *Monitor) RevalidateAll() {
	m.mu.Lock()
	pages := make([]uint64, 0, len(m.protected))
	for page := range m.protected {
		pages = append(pages, page)
	}
	m.mu.Unlock()

	for _, page := range pages {
		_ = m.HandleFault(page)
	}
}
