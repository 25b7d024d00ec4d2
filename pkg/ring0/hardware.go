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

package ring0

import (
	"noctis.dev/noctis/pkg/hostarch"
)

// Segment names a segment register other than CS.
type Segment int

// Data segment registers.
const (
	DS Segment = iota
	ES
	FS
	GS
	SS
)

// Hardware is the processor interface used by the kernel core.
//
// Memory accessors operate on virtual addresses. A failed translation is
// delivered as a page fault through the loaded IDT; the accessor returns
// only once the access has completed.
type Hardware interface {
	// Reg returns a general purpose register.
	Reg(r Reg) uint64

	// SetReg sets a general purpose register.
	SetReg(r Reg, v uint64)

	// RFLAGS returns the flags register.
	RFLAGS() uint64

	// Push pushes v on the current stack.
	Push(v uint64)

	// Pop pops the top of the current stack.
	Pop() uint64

	// Read reads len(b) bytes at addr.
	Read(addr hostarch.VirtAddr, b []byte)

	// Write writes b at addr.
	Write(addr hostarch.VirtAddr, b []byte)

	// Read64 reads a 64-bit value at addr.
	Read64(addr hostarch.VirtAddr) uint64

	// Write64 writes a 64-bit value at addr.
	Write64(addr hostarch.VirtAddr, v uint64)

	// Read32 reads a 32-bit value at addr.
	Read32(addr hostarch.VirtAddr) uint32

	// Write32 writes a 32-bit value at addr.
	Write32(addr hostarch.VirtAddr, v uint32)

	// Lgdt loads the GDT register from the pseudo-descriptor at addr.
	Lgdt(addr hostarch.VirtAddr)

	// Lidt loads the IDT register from the pseudo-descriptor at addr.
	Lidt(addr hostarch.VirtAddr)

	// Ltr loads the task register.
	Ltr(sel Selector)

	// LoadSegment loads a data segment register.
	LoadSegment(seg Segment, sel Selector)

	// FarReturn pops RIP and CS.
	FarReturn()

	// Iretq returns from an interrupt, popping RIP, CS, RFLAGS, RSP and
	// SS.
	Iretq()

	// Cli clears the interrupt flag.
	Cli()

	// Sti sets the interrupt flag.
	Sti()

	// Hlt waits for the next interrupt.
	Hlt()

	// Int3 raises a breakpoint exception.
	Int3()

	// Ud2 raises an invalid opcode exception.
	Ud2()

	// LoadCR3 loads the page table base register.
	LoadCR3(v uint64)

	// CR2 returns the page fault linear address.
	CR2() uint64

	// CR3 returns the page table base register.
	CR3() uint64

	// SwitchContext saves the callee-saved state into prev, loads next
	// and resumes the task next describes. It returns when prev is
	// switched back to.
	SwitchContext(prev, next *TaskContext)

	// Outb writes a byte to an I/O port.
	Outb(port uint16, v uint8)

	// Inb reads a byte from an I/O port.
	Inb(port uint16) uint8

	// Link places fn in kernel text and returns its address. Control
	// transferred to the address runs fn.
	Link(name string, fn func()) hostarch.VirtAddr
}

// Allocator allocates kernel memory for processor structures.
type Allocator interface {
	Alloc(size hostarch.MSize, align uint64) (hostarch.VirtAddr, error)
}

// Timer is the interrupt controller timer.
type Timer interface {
	// Tick advances the global tick counter.
	Tick()

	// EOI signals end of interrupt.
	EOI()
}

// Hooks are kernel callbacks from the interrupt path.
type Hooks interface {
	// TimerTick is called for every timer interrupt, after EOI.
	TimerTick()

	// Preempt is called on the way out of every interrupt, before saved
	// registers are restored. It may switch tasks.
	Preempt()
}

// defaultHooks implements hooks.
type defaultHooks struct{}

// TimerTick implements Hooks.TimerTick.
func (defaultHooks) TimerTick() {}

// Preempt implements Hooks.Preempt.
func (defaultHooks) Preempt() {}
