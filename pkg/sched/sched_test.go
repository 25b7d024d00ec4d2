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

package sched

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kheap"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/ring0/pagetables"
)

// fakeCPU records scheduler operations. SwitchContext returns immediately,
// as if the next task switched straight back.
type fakeCPU struct {
	ops    []string
	memory map[hostarch.VirtAddr]uint64

	// onSwitch, if set, runs inside SwitchContext.
	onSwitch func()
}

func (f *fakeCPU) Cli()             { f.ops = append(f.ops, "cli") }
func (f *fakeCPU) Sti()             { f.ops = append(f.ops, "sti") }
func (f *fakeCPU) LoadCR3(v uint64) { f.ops = append(f.ops, "cr3") }

func (f *fakeCPU) SwitchContext(prev, next *ring0.TaskContext) {
	f.ops = append(f.ops, fmt.Sprintf("switch rsp=%#x", next.Rsp))
	if f.onSwitch != nil {
		f.onSwitch()
	}
}

func (f *fakeCPU) Write64(addr hostarch.VirtAddr, v uint64) {
	if f.memory == nil {
		f.memory = make(map[hostarch.VirtAddr]uint64)
	}
	f.memory[addr] = v
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeCPU) {
	t.Helper()
	var heap kheap.Heap
	if err := heap.Init(hostarch.LinearMapBase, 1<<20); err != nil {
		t.Fatalf("heap.Init: %v", err)
	}
	cpu := &fakeCPU{}
	s := New(Opts{CPU: cpu, Allocator: &heap})
	s.Init(pagetables.New(pagetables.NewRuntimeAllocator()))
	return s, cpu
}

func spawn(t *testing.T, s *Scheduler, n int) []*Task {
	t.Helper()
	var tasks []*Task
	for i := 0; i < n; i++ {
		task, err := s.Spawn(hostarch.KernelCodeBase.Add(hostarch.MSize(0x1000 * (i + 1))))
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func pids(s *Scheduler, switches int) []PID {
	got := []PID{s.Current().PID()}
	for i := 0; i < switches; i++ {
		s.Switch()
		got = append(got, s.Current().PID())
	}
	return got
}

func TestInit(t *testing.T) {
	s, _ := newTestScheduler(t)
	idle := s.Current()
	if idle == nil {
		t.Fatalf("Current() = nil after Init")
	}
	if idle.PID() != 0 || idle.State() != Runnable || !idle.Running() {
		t.Errorf("idle task = %v, want pid 0 runnable and running", idle)
	}
	if got := len(s.Tasks()); got != 1 {
		t.Errorf("len(Tasks()) = %d, want 1", got)
	}
}

func TestSpawn(t *testing.T) {
	s, cpu := newTestScheduler(t)
	entry := hostarch.KernelCodeBase.Add(0x40)
	task, err := s.Spawn(entry)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if task.PID() != 1 {
		t.Errorf("PID() = %d, want 1", task.PID())
	}
	if task.State() != Runnable || task.Running() {
		t.Errorf("task = %v, want runnable and not running", task)
	}
	base, size := task.Stack()
	if !base.IsPageAligned() || size != DefaultStackSize {
		t.Errorf("Stack() = %v, %v, want page aligned %v", base, size, DefaultStackSize)
	}
	top := base.Add(size)
	if want := uint64(top.Sub(16)); task.Context.Rsp != want {
		t.Errorf("Context.Rsp = %#x, want %#x", task.Context.Rsp, want)
	}
	if got := cpu.memory[hostarch.VirtAddr(task.Context.Rsp)]; got != uint64(entry) {
		t.Errorf("return slot = %#x, want entry %#x", got, uint64(entry))
	}
	if task.Context.Rflags != ring0.InitialTaskFlags {
		t.Errorf("Context.Rflags = %#x, want %#x", task.Context.Rflags, ring0.InitialTaskFlags)
	}
	if task.PageTable() == s.Tasks()[0].PageTable() {
		t.Errorf("spawned task shares the idle page table, want a duplicate")
	}
}

func TestSpawnBeforeInit(t *testing.T) {
	var heap kheap.Heap
	heap.Init(hostarch.LinearMapBase, 1<<20)
	s := New(Opts{CPU: &fakeCPU{}, Allocator: &heap})
	if _, err := s.Spawn(hostarch.KernelCodeBase); err == nil {
		t.Errorf("Spawn before Init succeeded, want error")
	}
}

func TestSpawnOutOfMemory(t *testing.T) {
	var heap kheap.Heap
	heap.Init(hostarch.LinearMapBase, hostarch.PageSize)
	s := New(Opts{CPU: &fakeCPU{}, Allocator: &heap})
	s.Init(pagetables.New(pagetables.NewRuntimeAllocator()))
	if _, err := s.Spawn(hostarch.KernelCodeBase); err == nil {
		t.Errorf("Spawn with a one page heap succeeded, want error")
	}
	if got := len(s.Tasks()); got != 1 {
		t.Errorf("len(Tasks()) = %d after failed spawn, want 1", got)
	}
}

func TestRoundRobin(t *testing.T) {
	s, _ := newTestScheduler(t)
	spawn(t, s, 2)
	if diff := cmp.Diff([]PID{0, 1, 2, 0, 1}, pids(s, 4)); diff != "" {
		t.Errorf("schedule order mismatch (-want +got):\n%s", diff)
	}

	// New tasks join at the end of the rotation.
	spawn(t, s, 1)
	if diff := cmp.Diff([]PID{1, 2, 3, 0, 1}, pids(s, 4)); diff != "" {
		t.Errorf("schedule order after spawn mismatch (-want +got):\n%s", diff)
	}
}

func TestRunningFlag(t *testing.T) {
	s, _ := newTestScheduler(t)
	spawn(t, s, 2)
	for i := 0; i < 5; i++ {
		s.Switch()
		running := 0
		for _, task := range s.Tasks() {
			if task.Running() {
				running++
				if task != s.Current() {
					t.Errorf("task %v is running but is not current", task)
				}
			}
		}
		if running != 1 {
			t.Errorf("%d tasks running, want 1", running)
		}
	}
}

func TestStoppedSkipped(t *testing.T) {
	s, _ := newTestScheduler(t)
	tasks := spawn(t, s, 3)
	tasks[1].SetState(Stopped)
	if diff := cmp.Diff([]PID{0, 1, 3, 0}, pids(s, 3)); diff != "" {
		t.Errorf("schedule order mismatch (-want +got):\n%s", diff)
	}
}

func TestNoRunnableTask(t *testing.T) {
	for _, tc := range []struct {
		name  string
		tasks int
	}{
		{name: "idle only", tasks: 0},
		{name: "all stopped", tasks: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, cpu := newTestScheduler(t)
			for _, task := range spawn(t, s, tc.tasks) {
				task.SetState(Stopped)
			}
			cpu.ops = nil
			s.Switch()
			if got := s.Current().PID(); got != 0 {
				t.Errorf("Current() = pid %d, want 0", got)
			}
			if !s.Current().Running() {
				t.Errorf("idle task no longer running")
			}
			if diff := cmp.Diff([]string{"cli", "sti"}, cpu.ops); diff != "" {
				t.Errorf("ops mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSwitchSequence(t *testing.T) {
	s, cpu := newTestScheduler(t)
	task := spawn(t, s, 1)[0]
	cpu.ops = nil
	s.Switch()
	want := []string{"cli", "cr3", fmt.Sprintf("switch rsp=%#x", task.Context.Rsp), "sti"}
	if diff := cmp.Diff(want, cpu.ops); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	if s.tasks.Locked() || s.ccb.Locked() {
		t.Errorf("scheduler lock held after switch")
	}
}

func TestLocksReleasedAcrossSwitch(t *testing.T) {
	s, cpu := newTestScheduler(t)
	spawn(t, s, 2)
	switches := 0
	cpu.onSwitch = func() {
		switches++
		if s.tasks.Locked() || s.ccb.Locked() {
			t.Errorf("scheduler lock held during switch %d", switches)
			return
		}
		// The next task may use the scheduler as soon as it runs.
		if got := len(s.Tasks()); got != 3 {
			t.Errorf("Tasks() = %d tasks, want 3", got)
		}
	}
	for i := 0; i < 3; i++ {
		s.Switch()
	}
	if switches != 3 {
		t.Errorf("switched %d times, want 3", switches)
	}
}

func TestQuantum(t *testing.T) {
	s, cpu := newTestScheduler(t)
	spawn(t, s, 1)
	cpu.ops = nil
	for i := 1; i < DefaultQuantum; i++ {
		s.TimerTick()
		s.Preempt()
		if got := s.Current().PID(); got != 0 {
			t.Fatalf("after %d ticks Current() = pid %d, want 0", i, got)
		}
	}
	s.TimerTick()
	s.Preempt()
	if got := s.Current().PID(); got != 1 {
		t.Errorf("after %d ticks Current() = pid %d, want 1", DefaultQuantum, got)
	}
	if got := s.Ticks(); got != 0 {
		t.Errorf("Ticks() = %d after preemption, want 0", got)
	}
	// Preemption runs inside the interrupt path and leaves IF alone.
	for _, op := range cpu.ops {
		if op == "cli" || op == "sti" {
			t.Errorf("preemption issued %q", op)
		}
	}
}

func TestSwitchResetsTicks(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Tick()
	s.Tick()
	s.Switch()
	if got := s.Ticks(); got != 0 {
		t.Errorf("Ticks() = %d, want 0", got)
	}
}

func TestScheduleWithoutCurrentPanics(t *testing.T) {
	s := New(Opts{CPU: &fakeCPU{}})
	defer func() {
		if recover() == nil {
			t.Errorf("Schedule without a current task did not panic")
		}
	}()
	s.Schedule()
}

func TestLookup(t *testing.T) {
	s, _ := newTestScheduler(t)
	tasks := spawn(t, s, 2)
	if got, ok := s.Lookup(2); !ok || got != tasks[1] {
		t.Errorf("Lookup(2) = %v, %t, want %v", got, ok, tasks[1])
	}
	if _, ok := s.Lookup(7); ok {
		t.Errorf("Lookup(7) found a task")
	}
}

var _ ring0.Hooks = (*Scheduler)(nil)
