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

// Package kernel is the kernel proper: the entry point the loader calls,
// boot orchestration and the demo tasks.
//
// Kernel routines are Go functions placed at the addresses of the matching
// symbols of the kernel image (see Attach); the processor runs them when
// control reaches those addresses.
package kernel

import (
	"errors"
	"fmt"
	"time"

	"noctis.dev/noctis/pkg/apic"
	"noctis.dev/noctis/pkg/atomicbitops"
	"noctis.dev/noctis/pkg/bootinfo"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kheap"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/physmem"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/ring0/pagetables"
	"noctis.dev/noctis/pkg/sched"
	"noctis.dev/noctis/pkg/uart"
)

// Machine is the processor the kernel runs on.
type Machine interface {
	ring0.Hardware

	// Memory is physical memory, reached through the linear map.
	Memory() *physmem.Memory

	// LinkAt places a routine at an image symbol.
	LinkAt(addr hostarch.VirtAddr, name string, fn func()) error

	// SetTextArena sets where Link places routines.
	SetTextArena(base hostarch.VirtAddr, size hostarch.MSize)

	// Call calls the routine at addr.
	Call(addr hostarch.VirtAddr)
}

// Log formats.
const (
	LogFormatKernel = "kernel"
	LogFormatText   = "text"
	LogFormatJSON   = "json"
)

// Config configures the kernel.
type Config struct {
	// TSSStackSize is the size of rsp0 and each interrupt stack.
	TSSStackSize hostarch.MSize

	// TaskStackSize is the kernel stack size of spawned tasks.
	TaskStackSize hostarch.MSize

	// Quantum is the number of timer ticks before preemption.
	Quantum uint64

	// TimerDivisor and TimerInitialCount program the APIC timer.
	TimerDivisor      uint32
	TimerInitialCount uint32

	// TimerLogInterval limits timer interrupt logging.
	TimerLogInterval time.Duration

	// LogFormat is the console log format.
	LogFormat string

	// Debug enables debug logging.
	Debug bool
}

// Kernel is the kernel state.
type Kernel struct {
	m      Machine
	cfg    Config
	layout *Layout

	console *uart.UART
	regions *bootinfo.MemoryRegionArray
	memory  *bootinfo.Index
	heap    kheap.Heap
	pt      *pagetables.PageTables
	cpu     *ring0.CPU
	timer   *apic.Timer
	sched   *sched.Scheduler

	// booted is set once kernel_main has finished initialization.
	booted atomicbitops.Bool
}

// Attach places the kernel routines at the symbols of image, which must be
// the image loaded into m's memory.
func Attach(m Machine, image []byte, cfg Config) (*Kernel, error) {
	layout, err := ParseLayout(image)
	if err != nil {
		return nil, err
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = LogFormatKernel
	}
	k := &Kernel{
		m:      m,
		cfg:    cfg,
		layout: layout,
		cpu:    ring0.NewCPU(),
	}
	fns := map[string]func(){
		SymEntry: k.entry,
		SymMain:  k.main,
		SymTaskA: k.task("a", 'a'),
		SymTaskB: k.task("b", 'b'),
	}
	for name, addr := range layout.Routines {
		if err := m.LinkAt(addr, name, fns[name]); err != nil {
			return nil, err
		}
	}
	m.SetTextArena(layout.Arena, hostarch.SizeBetween(layout.Arena, layout.ArenaEnd))
	return k, nil
}

// entry is kernel_entry(stack, heapBase, heapSize, regions). It moves to
// the boot stack and calls kernel_main(heapBase, heapSize, regions).
func (k *Kernel) entry() {
	m := k.m
	stack := m.Reg(ring0.RDI)
	m.SetReg(ring0.RSP, stack)
	m.SetReg(ring0.RDI, m.Reg(ring0.RSI))
	m.SetReg(ring0.RSI, m.Reg(ring0.RDX))
	m.SetReg(ring0.RDX, m.Reg(ring0.RCX))
	for {
		m.Call(k.layout.Routines[SymMain])
	}
}

// main is kernel_main. It never returns.
func (k *Kernel) main() {
	m := k.m
	h := bootinfo.Handoff{
		HeapBase: hostarch.VirtAddr(m.Reg(ring0.RDI)),
		HeapSize: hostarch.MSize(m.Reg(ring0.RSI)),
		Regions:  hostarch.VirtAddr(m.Reg(ring0.RDX)),
	}
	if err := k.boot(h); err != nil {
		log.Errorf("!!!!! Kernel panic !!!!!")
		log.Errorf("Boot failed: %v", err)
		k.halt()
	}
	k.booted.Store(true)
	for {
		m.Hlt()
	}
}

// halt stops the processor with interrupts disabled.
func (k *Kernel) halt() {
	k.m.Cli()
	for {
		k.m.Hlt()
	}
}

// task returns the body of a demo task: print c, then wait for the next
// interrupt, forever.
func (k *Kernel) task(name string, c byte) func() {
	return func() {
		log.Infof("Task %s running", name)
		for {
			k.console.WriteByte(c)
			k.m.Hlt()
		}
	}
}

func (k *Kernel) initConsole() {
	k.console = uart.New(k.m, uart.COM1)
	k.console.Init()
	w := &log.Writer{Next: k.console}
	var e log.Emitter
	switch k.cfg.LogFormat {
	case LogFormatText:
		e = log.GoogleEmitter{Emitter: w}
	case LogFormatJSON:
		e = log.JSONEmitter{Writer: w}
	default:
		e = log.KernelEmitter{Emitter: w}
	}
	log.SetTarget(e)
	if k.cfg.Debug {
		log.SetLevel(log.Debug)
	}
}

// readRegions copies the region table out of the loader's memory.
func (k *Kernel) readRegions(addr hostarch.VirtAddr) error {
	buf := make([]byte, bootinfo.ArraySize)
	k.m.Read(addr, buf)
	regions, err := bootinfo.DecodeMemoryRegionArray(buf)
	if err != nil {
		return err
	}
	k.regions = regions
	k.memory = bootinfo.NewIndex(regions)
	for _, r := range regions.All() {
		log.Debugf("memory region %v", r)
	}
	log.Infof("%d memory regions, %d usable (%v), memory ends at %v",
		k.memory.Len(), len(k.memory.Usable()), regions.Total(bootinfo.Usable), k.memory.Highest())
	return k.checkReserved("region table", addr, bootinfo.ArraySize)
}

// checkReserved checks that the loader reserved [addr, addr+size), so
// nothing else hands it out.
func (k *Kernel) checkReserved(name string, addr hostarch.VirtAddr, size hostarch.MSize) error {
	pa, ok := addr.PhysAddr()
	if !ok {
		return fmt.Errorf("%s at %v is outside the linear map", name, addr)
	}
	r, ok := k.memory.Find(pa)
	if !ok || r.Kind != bootinfo.Reserved {
		return fmt.Errorf("%s at %v is not in reserved memory", name, pa)
	}
	if end, ok := pa.AddLength(size); !ok || end > r.End() {
		return fmt.Errorf("%s [%v, +%v) runs past reserved region %v", name, pa, size, r)
	}
	return nil
}

// boot initializes the kernel. The order matters: descriptor tables and
// the heap they live on precede anything that can fault, and interrupts
// stay off until the scheduler has its idle task.
func (k *Kernel) boot(h bootinfo.Handoff) error {
	m := k.m
	k.initConsole()
	banner := make([]byte, k.layout.BannerLen)
	m.Read(k.layout.Banner, banner)
	k.console.Write(banner)
	log.Infof("Kernel started!")
	if magic := m.Read64(k.layout.Magic); magic != bootMagic {
		return fmt.Errorf("image .data not loaded: magic %#x, want %#x", magic, uint64(bootMagic))
	}

	if err := k.readRegions(h.Regions); err != nil {
		return fmt.Errorf("reading memory regions: %w", err)
	}

	if err := k.checkReserved("heap", h.HeapBase, h.HeapSize); err != nil {
		return err
	}
	if err := k.heap.Init(h.HeapBase, h.HeapSize); err != nil {
		return fmt.Errorf("heap: %w", err)
	}
	log.Infof("Allocator initialized!")

	pt, err := k.initPaging()
	if err != nil {
		return fmt.Errorf("paging: %w", err)
	}
	k.pt = pt
	log.Infof("Paging initialized!")

	if err := k.cpu.Init(ring0.CPUOpts{
		Hardware:         m,
		Allocator:        &k.heap,
		StackSize:        k.cfg.TSSStackSize,
		TimerLogInterval: k.cfg.TimerLogInterval,
	}); err != nil {
		return fmt.Errorf("descriptor tables: %w", err)
	}
	m.Int3()
	log.Infof("GDT and IDT initialized!")

	k.timer = apic.New(m, hostarch.LocalAPICBase)
	k.timer.Init(apic.Opts{
		Divisor:      k.cfg.TimerDivisor,
		InitialCount: k.cfg.TimerInitialCount,
		Vector:       ring0.TimerVector,
	})
	k.cpu.SetTimer(k.timer)
	log.Infof("Timer initialized!")

	m.Cli()
	k.sched = sched.New(sched.Opts{
		CPU:       m,
		Allocator: &k.heap,
		StackSize: k.cfg.TaskStackSize,
		Quantum:   k.cfg.Quantum,
	})
	k.sched.Init(pt)
	for _, name := range []string{SymTaskA, SymTaskB} {
		if _, err := k.sched.Spawn(k.layout.Routines[name]); err != nil {
			return fmt.Errorf("spawning %s: %w", name, err)
		}
	}
	k.cpu.SetHooks(k.sched)
	m.Write64(k.layout.BootFlag, 1)
	m.Sti()
	return nil
}

// ErrNotBooted is returned by accessors used before kernel_main has run.
var ErrNotBooted = errors.New("kernel has not booted")

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler {
	return k.sched
}

// CPU returns the per-CPU state.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// PageTables returns the kernel page table.
func (k *Kernel) PageTables() *pagetables.PageTables {
	return k.pt
}

// Heap returns the kernel heap.
func (k *Kernel) Heap() *kheap.Heap {
	return &k.heap
}

// Timer returns the APIC timer driver.
func (k *Kernel) Timer() *apic.Timer {
	return k.timer
}

// Regions returns the memory region table the loader passed.
func (k *Kernel) Regions() (*bootinfo.MemoryRegionArray, error) {
	if k.regions == nil {
		return nil, ErrNotBooted
	}
	return k.regions, nil
}

// Layout returns the image layout.
func (k *Kernel) Layout() *Layout {
	return k.layout
}

// Booted returns true once initialization has finished.
func (k *Kernel) Booted() bool {
	return k.booted.Load()
}
