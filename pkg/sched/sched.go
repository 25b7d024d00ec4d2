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

// Package sched implements the round-robin task scheduler.
//
// Tasks run until they halt or until the timer preempts them after a fixed
// number of ticks. Tasks are never destroyed: there is no exit path, PIDs
// are never reused and task stacks and page tables are never reclaimed.
//
// Locks are always released before the context switch itself. A task that
// switched away holding a lock would deadlock the next task to take it.
package sched

import (
	"fmt"

	"noctis.dev/noctis/pkg/atomicbitops"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/ring0/pagetables"
	"noctis.dev/noctis/pkg/sync"
)

// DefaultStackSize is the size of a task's kernel stack.
const DefaultStackSize = 4 * hostarch.PageSize

// DefaultQuantum is the number of timer ticks a task runs before
// preemption.
const DefaultQuantum = 3

// CPU is the processor interface the scheduler needs.
type CPU interface {
	Cli()
	Sti()
	LoadCR3(v uint64)
	SwitchContext(prev, next *ring0.TaskContext)
	Write64(addr hostarch.VirtAddr, v uint64)
}

// Allocator provides task stacks.
type Allocator interface {
	Alloc(size hostarch.MSize, align uint64) (hostarch.VirtAddr, error)
}

// Opts configures a Scheduler.
type Opts struct {
	CPU       CPU
	Allocator Allocator

	// StackSize is the kernel stack size of spawned tasks. Zero means
	// DefaultStackSize.
	StackSize hostarch.MSize

	// Quantum is the number of ticks before preemption. Zero means
	// DefaultQuantum.
	Quantum uint64
}

// cpuContextBlock is the per-CPU scheduling state.
type cpuContextBlock struct {
	// ticks counts timer ticks since the last switch.
	ticks uint64

	// current is the running task.
	current *Task
}

// Scheduler schedules tasks on one CPU. A multi-processor kernel needs one
// per CPU.
type Scheduler struct {
	cpu       CPU
	alloc     Allocator
	stackSize hostarch.MSize
	quantum   uint64

	nextPID atomicbitops.Uint64

	// tasks is the global task list. Insertion order is the round-robin
	// order.
	tasks sync.Spin[[]*Task]

	ccb sync.Spin[cpuContextBlock]
}

// New returns a scheduler with no tasks. Call Init before use.
func New(opts Opts) *Scheduler {
	s := &Scheduler{
		cpu:       opts.CPU,
		alloc:     opts.Allocator,
		stackSize: opts.StackSize,
		quantum:   opts.Quantum,
	}
	if s.stackSize == 0 {
		s.stackSize = DefaultStackSize
	}
	if s.quantum == 0 {
		s.quantum = DefaultQuantum
	}
	return s
}

func (s *Scheduler) allocPID() PID {
	return PID(s.nextPID.Add(1) - 1)
}

// Init makes the running code the idle task, with pid 0 and the kernel page
// table. Its context is filled in when it is first switched away from.
func (s *Scheduler) Init(pt *pagetables.PageTables) *Task {
	idle := &Task{
		pid:       s.allocPID(),
		pageTable: pt,
	}
	idle.state = Runnable
	idle.running = true

	s.tasks.With(func(tasks *[]*Task) {
		*tasks = append(*tasks, idle)
	})
	s.ccb.Store(cpuContextBlock{current: idle})
	log.Infof("Scheduler initialized, idle task pid=%d", idle.pid)
	return idle
}

// Spawn creates a task that starts at entry with a fresh stack and a copy
// of the current task's kernel mappings.
func (s *Scheduler) Spawn(entry hostarch.VirtAddr) (*Task, error) {
	cur := s.Current()
	if cur == nil {
		return nil, fmt.Errorf("spawn before scheduler init")
	}
	stack, err := s.alloc.Alloc(s.stackSize, hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("allocating task stack: %w", err)
	}
	t := &Task{
		pid:       s.allocPID(),
		entry:     entry,
		stack:     stack,
		stackSize: s.stackSize,
		pageTable: cur.pageTable.DuplicateKernel(),
	}
	// The first switch to the task returns into entry.
	rsp := stack.Add(s.stackSize).Sub(16)
	s.cpu.Write64(rsp, uint64(entry))
	t.Context.Rsp = uint64(rsp)
	t.Context.Rflags = ring0.InitialTaskFlags
	t.SetState(Runnable)

	s.tasks.With(func(tasks *[]*Task) {
		*tasks = append(*tasks, t)
	})
	log.Infof("Spawned task pid=%d, rsp=%#x", t.pid, uint64(rsp))
	return t, nil
}

// Current returns the running task, or nil before Init.
func (s *Scheduler) Current() *Task {
	return s.ccb.Load().current
}

// Ticks returns the ticks since the last switch.
func (s *Scheduler) Ticks() uint64 {
	return s.ccb.Load().ticks
}

// Tasks returns the tasks in scheduling order.
func (s *Scheduler) Tasks() []*Task {
	return append([]*Task(nil), s.tasks.Load()...)
}

// Lookup returns the task with the given pid.
func (s *Scheduler) Lookup(pid PID) (*Task, bool) {
	for _, t := range s.tasks.Load() {
		if t.pid == pid {
			return t, true
		}
	}
	return nil, false
}

// Switch switches to the next runnable task with interrupts disabled.
func (s *Scheduler) Switch() {
	s.cpu.Cli()
	s.schedule()
	s.cpu.Sti()
}

// Schedule switches to the next runnable task. The caller controls the
// interrupt flag.
func (s *Scheduler) Schedule() {
	s.schedule()
}

// Tick records a timer tick.
func (s *Scheduler) Tick() {
	s.ccb.With(func(ccb *cpuContextBlock) {
		ccb.ticks++
	})
}

// CheckAndSchedule switches tasks once the running task has used its
// quantum.
func (s *Scheduler) CheckAndSchedule() {
	if s.ccb.Load().ticks >= s.quantum {
		s.schedule()
	}
}

// TimerTick implements ring0.Hooks.TimerTick.
func (s *Scheduler) TimerTick() {
	s.Tick()
}

// Preempt implements ring0.Hooks.Preempt.
func (s *Scheduler) Preempt() {
	s.CheckAndSchedule()
}

// next returns the first runnable task after cur in list order, or nil if
// the scan wraps back to cur.
func (s *Scheduler) next(cur *Task) *Task {
	var next *Task
	s.tasks.With(func(tasks *[]*Task) {
		next = nextRunnable(*tasks, cur)
	})
	return next
}

// nextRunnable scans tasks circularly from the entry after cur.
func nextRunnable(tasks []*Task, cur *Task) *Task {
	idx := -1
	for i, t := range tasks {
		if t == cur {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("current task pid=%d is not in the task list", cur.pid))
	}
	n := len(tasks)
	for i := 1; i < n; i++ {
		if t := tasks[(idx+i)%n]; t.State() == Runnable {
			return t
		}
	}
	return nil
}

func (s *Scheduler) schedule() {
	var prev *Task
	s.ccb.With(func(ccb *cpuContextBlock) {
		ccb.ticks = 0
		prev = ccb.current
	})
	if prev == nil {
		panic("schedule with no current task")
	}

	next := s.next(prev)
	if next == nil {
		return
	}
	prev.setRunning(false)
	next.setRunning(true)

	s.ccb.With(func(ccb *cpuContextBlock) {
		ccb.current = next
	})

	log.Debugf("switch: pid %d -> pid %d", prev.pid, next.pid)
	s.cpu.LoadCR3(next.pageTable.CR3())
	s.cpu.SwitchContext(&prev.Context, &next.Context)
}
