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

package translator

// flushICache is a no-op on hosts with a unified instruction/data
// cache (e.g. amd64, used for running this package's tests off the
// intended ARM64 target); the real translation target is always
// arm64, where icache_arm64.go's variant runs instead.
func flushICache(addr, size uintptr) {}
