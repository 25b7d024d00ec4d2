// Copyright 2025 The Noctis Authors.
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

// Package sync provides synchronization primitives for kernel code.
package sync

import (
	"runtime"

	"noctis.dev/noctis/pkg/atomicbitops"
)

// SpinLock is a mutual exclusion lock that busy-waits instead of sleeping.
//
// Lock has acquire semantics and Unlock has release semantics. A SpinLock
// must never be held across a context switch: the task that would release it
// is not running.
type SpinLock struct {
	locked atomicbitops.Bool
}

// Lock acquires l, spinning until it is available.
func (l *SpinLock) Lock() {
	for !l.locked.CompareAndSwap(false, true) {
		for l.locked.Load() {
			runtime.Gosched()
		}
	}
}

// TryLock acquires l if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.locked.CompareAndSwap(false, true)
}

// Unlock releases l.
//
// Preconditions: l is held.
func (l *SpinLock) Unlock() {
	if !l.locked.Swap(false) {
		panic("sync: unlock of unlocked SpinLock")
	}
}

// Locked returns true if l is currently held.
func (l *SpinLock) Locked() bool {
	return l.locked.Load()
}

var _ Locker = (*SpinLock)(nil)
