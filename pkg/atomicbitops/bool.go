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


package atomicbitops

// Bool is an atomic boolean stored as a Uint32 holding 0 or 1.
type Bool struct {
	Uint32
}

func bit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Load returns the value.
//
//go:nosplit
func (b *Bool) Load() bool {
	return b.Uint32.Load() != 0
}

// Store sets the value.
//
//go:nosplit
func (b *Bool) Store(v bool) {
	b.Uint32.Store(bit(v))
}

// Swap sets the value and returns the previous one.
//
//go:nosplit
func (b *Bool) Swap(v bool) bool {
	return b.Uint32.Swap(bit(v)) != 0
}

// CompareAndSwap sets the value to newVal if it is oldVal.
//
//go:nosplit
func (b *Bool) CompareAndSwap(oldVal, newVal bool) bool {
	return b.Uint32.CompareAndSwap(bit(oldVal), bit(newVal))
}
