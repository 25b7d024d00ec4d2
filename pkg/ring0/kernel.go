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

// Package ring0 implements the kernel's processor setup: descriptor tables,
// the task state segment, interrupt entry and exception dispatch.
package ring0

import (
	"fmt"
	"time"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
)

// DefaultStackSize is the size of the privilege and interrupt stacks.
const DefaultStackSize hostarch.MSize = 64 << 10

// faultIST is the interrupt stack used by gates for fatal exceptions.
const faultIST = 1

// CPUOpts configures a CPU.
type CPUOpts struct {
	// Hardware is the processor. It must not be nil.
	Hardware Hardware

	// Allocator provides memory for descriptor tables and stacks. It
	// must not be nil.
	Allocator Allocator

	// Timer is acknowledged on timer interrupts. It may be nil until the
	// interrupt controller is initialized, see SetTimer.
	Timer Timer

	// Hooks receives interrupt callbacks. It may be nil.
	Hooks Hooks

	// StackSize is the size of the privilege level 0 and interrupt
	// stacks. Zero means DefaultStackSize.
	StackSize hostarch.MSize

	// TimerLogInterval limits timer interrupt logging. Zero means one
	// second.
	TimerLogInterval time.Duration
}

// CPU is the per-processor kernel state.
type CPU struct {
	hw    Hardware
	alloc Allocator
	timer Timer
	hooks Hooks

	// gdt is the global descriptor table.
	gdt descriptorTable

	// tss is the task state segment.
	tss TaskState64

	// idt is the interrupt descriptor table.
	idt idt64

	gdtAddr hostarch.VirtAddr
	tssAddr hostarch.VirtAddr
	idtAddr hostarch.VirtAddr

	// entries are the linked entry stubs by vector.
	entries map[Vector]hostarch.VirtAddr

	// unimplemented is the target of every gate without a handler.
	unimplemented hostarch.VirtAddr

	timerLog log.Logger
}

// NewCPU returns an uninitialized CPU.
func NewCPU() *CPU {
	return &CPU{}
}

// Init builds and loads the descriptor tables.
//
// The sequence is: build the GDT with a TSS descriptor, lgdt, ltr, reload
// the data segment registers, reload CS with a far return, then build the
// IDT and lidt. On return, exceptions are routed through the entry stubs.
// Interrupts are not enabled.
func (c *CPU) Init(opts CPUOpts) error {
	if opts.Hardware == nil || opts.Allocator == nil {
		return fmt.Errorf("ring0: CPU requires hardware and an allocator")
	}
	c.hw = opts.Hardware
	c.alloc = opts.Allocator
	c.timer = opts.Timer
	c.hooks = opts.Hooks
	if c.hooks == nil {
		c.hooks = defaultHooks{}
	}
	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	every := opts.TimerLogInterval
	if every == 0 {
		every = time.Second
	}
	c.timerLog = log.BasicRateLimitedLogger(every)

	if err := c.initTSS(stackSize); err != nil {
		return err
	}
	if err := c.loadGDT(); err != nil {
		return err
	}
	log.Infof("GDT loaded at %#x, TSS at %#x", uint64(c.gdtAddr), uint64(c.tssAddr))

	c.linkEntries()
	if err := c.loadIDT(); err != nil {
		return err
	}
	log.Infof("IDT loaded at %#x", uint64(c.idtAddr))
	return nil
}

// SetTimer sets the timer acknowledged on timer interrupts.
func (c *CPU) SetTimer(t Timer) {
	c.timer = t
}

// SetHooks sets the interrupt callbacks.
func (c *CPU) SetHooks(h Hooks) {
	if h == nil {
		h = defaultHooks{}
	}
	c.hooks = h
}

// Hardware returns the processor.
func (c *CPU) Hardware() Hardware {
	return c.hw
}

func (c *CPU) allocStack(size hostarch.MSize) (hostarch.VirtAddr, error) {
	base, err := c.alloc.Alloc(size, hostarch.PageSize)
	if err != nil {
		return 0, fmt.Errorf("allocating kernel stack: %w", err)
	}
	return base.Add(size), nil
}

func (c *CPU) initTSS(stackSize hostarch.MSize) error {
	rsp0, err := c.allocStack(stackSize)
	if err != nil {
		return err
	}
	c.tss.SetRSP0(uint64(rsp0))
	for n := 1; n <= 7; n++ {
		ist, err := c.allocStack(stackSize)
		if err != nil {
			return err
		}
		c.tss.SetIST(n, uint64(ist))
	}
	c.tss.ioPerm = TSSSize

	c.tssAddr, err = c.alloc.Alloc(TSSSize, 16)
	if err != nil {
		return fmt.Errorf("allocating TSS: %w", err)
	}
	b := c.tss.Bytes()
	c.hw.Write(c.tssAddr, b[:])
	return nil
}

func (c *CPU) loadGDT() error {
	c.gdt[0].setNull()
	c.gdt[segKcode].setCode64(0, 0xffffffff, 0)
	c.gdt[segKdata].setData(0, 0xffffffff, 0)
	c.gdt[segTss].setTSS(uint64(c.tssAddr), TSSSize-1)
	c.gdt[segTssHi].setHi(uint32(uint64(c.tssAddr) >> 32))

	var err error
	c.gdtAddr, err = c.alloc.Alloc(GDTSize, 16)
	if err != nil {
		return fmt.Errorf("allocating GDT: %w", err)
	}
	for i := range c.gdt {
		b := c.gdt[i].Bytes()
		c.hw.Write(c.gdtAddr.Add(hostarch.MSize(8*i)), b[:])
	}
	ptr, err := c.writePointer(c.gdtAddr, GDTSize)
	if err != nil {
		return err
	}

	c.hw.Lgdt(ptr)
	c.hw.Ltr(Tss)
	for _, seg := range []Segment{DS, ES, FS, GS, SS} {
		c.hw.LoadSegment(seg, Kdata)
	}
	// Reload CS: push the selector and a return address, then lretq.
	ret := c.hw.Link("ring0.reloadCS", func() {})
	c.hw.Push(uint64(Kcode))
	c.hw.Push(uint64(ret))
	c.hw.FarReturn()
	return nil
}

func (c *CPU) loadIDT() error {
	for v := range c.idt {
		c.idt[v].setInterrupt(Kcode, uint64(c.unimplemented), 0, 0)
	}
	for v, addr := range c.entries {
		dpl, ist := 0, faultIST
		switch v {
		case Breakpoint:
			dpl, ist = 3, 0
		case TimerVector:
			// Timer interrupts may switch tasks, so the frame stays on
			// the interrupted task's stack.
			ist = 0
		}
		c.idt[v].setInterrupt(Kcode, uint64(addr), dpl, ist)
	}

	var err error
	c.idtAddr, err = c.alloc.Alloc(IDTSize, hostarch.PageSize)
	if err != nil {
		return fmt.Errorf("allocating IDT: %w", err)
	}
	for v := range c.idt {
		b := c.idt[v].Bytes()
		c.hw.Write(c.idtAddr.Add(hostarch.MSize(GateSize*v)), b[:])
	}
	ptr, err := c.writePointer(c.idtAddr, IDTSize)
	if err != nil {
		return err
	}
	c.hw.Lidt(ptr)
	return nil
}

// writePointer writes a pseudo-descriptor for a table of the given size.
func (c *CPU) writePointer(base hostarch.VirtAddr, size int) (hostarch.VirtAddr, error) {
	addr, err := c.alloc.Alloc(16, 16)
	if err != nil {
		return 0, fmt.Errorf("allocating descriptor table pointer: %w", err)
	}
	b := DescriptorTablePointer{Limit: uint16(size - 1), Base: uint64(base)}.Bytes()
	c.hw.Write(addr, b[:])
	return addr, nil
}

// GDT returns the global descriptor table entries.
func (c *CPU) GDT() []SegmentDescriptor {
	return c.gdt[:]
}

// GDTAddr returns the address of the global descriptor table.
func (c *CPU) GDTAddr() hostarch.VirtAddr {
	return c.gdtAddr
}

// TSS returns the task state segment.
func (c *CPU) TSS() *TaskState64 {
	return &c.tss
}

// TSSAddr returns the address of the task state segment.
func (c *CPU) TSSAddr() hostarch.VirtAddr {
	return c.tssAddr
}

// IDT returns the interrupt descriptor table entries.
func (c *CPU) IDT() []Gate64 {
	return c.idt[:]
}

// IDTAddr returns the address of the interrupt descriptor table.
func (c *CPU) IDTAddr() hostarch.VirtAddr {
	return c.idtAddr
}

// HaltForever disables interrupts and halts. It does not return.
func (c *CPU) HaltForever() {
	c.hw.Cli()
	for {
		c.hw.Hlt()
	}
}
