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

import (
	"testing"
)

func TestSpinLockExclusion(t *testing.T) {
	var (
		l       SpinLock
		wg      WaitGroup
		counter int
	)
	const workers, iters = 8, 500
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != workers*iters {
		t.Errorf("counter = %d, want %d", counter, workers*iters)
	}
}

func TestSpinLockTryLock(t *testing.T) {
	var l SpinLock
	if !l.TryLock() {
		t.Fatalf("TryLock on free lock failed")
	}
	if l.TryLock() {
		t.Fatalf("TryLock on held lock succeeded")
	}
	if !l.Locked() {
		t.Errorf("Locked() = false while held")
	}
	l.Unlock()
	if l.Locked() {
		t.Errorf("Locked() = true after Unlock")
	}
}

func TestSpinLockUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of unlocked SpinLock did not panic")
		}
	}()
	var l SpinLock
	l.Unlock()
}

func TestSpinValue(t *testing.T) {
	var s Spin[int]
	var wg WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.With(func(v *int) { *v++ })
			}
		}()
	}
	wg.Wait()
	if got := s.Load(); got != 400 {
		t.Errorf("Load() = %d, want 400", got)
	}
	s.Store(7)
	s.With(func(v *int) {
		if !s.Locked() {
			t.Errorf("Locked() = false inside With")
		}
		if *v != 7 {
			t.Errorf("value = %d, want 7", *v)
		}
	})
}
