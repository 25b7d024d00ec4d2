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

package sync

// Spin is a value of type T guarded by a SpinLock. The zero value holds
// the zero T.
type Spin[T any] struct {
	mu  SpinLock
	val T
}

// With calls fn with the lock held and a pointer to the guarded value. The
// pointer must not escape fn.
func (s *Spin[T]) With(fn func(v *T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.val)
}

// Load returns a copy of the guarded value.
func (s *Spin[T]) Load() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}

// Store replaces the guarded value.
func (s *Spin[T]) Store(v T) {
	s.mu.Lock()
	s.val = v
	s.mu.Unlock()
}

// Locked returns true if the lock is currently held.
func (s *Spin[T]) Locked() bool {
	return s.mu.Locked()
}
