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

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/ring0/pagetables"
	"noctis.dev/noctis/pkg/sync"
)

// PID is a task identifier.
type PID uint64

// TaskState is the scheduling state of a task.
type TaskState int

// Task states.
const (
	Stopped TaskState = iota
	Runnable
)

// String implements fmt.Stringer.
func (s TaskState) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Runnable:
		return "Runnable"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Task is a schedulable unit.
type Task struct {
	// Context holds the callee-saved registers while the task is not
	// running. Only the scheduler touches it.
	Context ring0.TaskContext

	pid       PID
	entry     hostarch.VirtAddr
	stack     hostarch.VirtAddr
	stackSize hostarch.MSize
	pageTable *pagetables.PageTables

	mu      sync.SpinLock
	state   TaskState
	running bool
}

// PID returns the task's pid.
func (t *Task) PID() PID {
	return t.pid
}

// Entry returns the task's entry address. It is zero for the idle task.
func (t *Task) Entry() hostarch.VirtAddr {
	return t.entry
}

// Stack returns the base and size of the task's kernel stack. The idle task
// runs on the boot stack and has none.
func (t *Task) Stack() (hostarch.VirtAddr, hostarch.MSize) {
	return t.stack, t.stackSize
}

// PageTable returns the task's page table.
func (t *Task) PageTable() *pagetables.PageTables {
	return t.pageTable
}

// State returns the task's state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState sets the task's state. A Stopped task is skipped by the
// scheduler.
func (t *Task) SetState(s TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Running returns true while the task holds the CPU.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Task) setRunning(r bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = r
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("Task{pid: %d, state: %v, running: %t, rsp: %#x}", t.pid, t.State(), t.Running(), t.Context.Rsp)
}
