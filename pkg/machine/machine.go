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

// Package machine models a single x86-64 processor with physical memory, a
// local APIC and a COM1 serial port.
//
// Kernel routines are Go functions placed at text addresses. Each task runs
// on its own goroutine and exactly one goroutine holds the processor at a
// time; control moves between them only through SwitchContext, so the
// register file needs no locking. Maskable interrupts are taken at
// instruction boundaries the kernel exposes: Hlt and Poll.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"noctis.dev/noctis/pkg/atomicbitops"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/physmem"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/sync"
)

// Fatal processor conditions, returned by Run.
var (
	// ErrTripleFault is returned when an exception cannot be delivered
	// while delivering a double fault.
	ErrTripleFault = errors.New("triple fault")

	// ErrHalted is returned when the processor halts with interrupts
	// disabled.
	ErrHalted = errors.New("processor halted with interrupts disabled")

	// ErrBusError is returned for an access to a physical address that is
	// neither memory nor a device.
	ErrBusError = errors.New("bus error")

	// ErrBadJump is returned when control is transferred to an address
	// holding no routine.
	ErrBadJump = errors.New("control transfer to non-text address")

	// ErrTaskReturned is returned when a routine entered by a jump returns.
	ErrTaskReturned = errors.New("routine returned with no caller")

	// ErrKernelPanic is returned when a kernel routine panics.
	ErrKernelPanic = errors.New("kernel panic")
)

// Default configuration values.
const (
	DefaultMemorySize  hostarch.MSize = 256 << 20
	DefaultTimerPeriod                = 10 * time.Millisecond
)

// Config configures a Machine.
type Config struct {
	// MemorySize is the size of physical memory.
	MemorySize hostarch.MSize

	// TimerPeriod is the wall-clock time one APIC timer period takes.
	TimerPeriod time.Duration

	// Console receives bytes transmitted on COM1. It may be nil.
	Console io.Writer

	// ManualTimer disables the timer device goroutine. Timer expiry is
	// then driven by Fire.
	ManualTimer bool
}

// Stats are processor counters.
type Stats struct {
	Interrupts uint64
	Exceptions uint64
	Switches   uint64
	Halts      uint64
}

type stats struct {
	interrupts atomicbitops.Uint64
	exceptions atomicbitops.Uint64
	switches   atomicbitops.Uint64
	halts      atomicbitops.Uint64
}

// Machine is a single processor with its devices.
type Machine struct {
	cfg Config
	mem *physmem.Memory

	// Register file. Owned by the goroutine holding the processor.
	regs   [ring0.NumGPRs]uint64
	rip    uint64
	rflags uint64
	cs     ring0.Selector
	segs   [ring0.SS + 1]ring0.Selector
	cr2    uint64
	cr3    uint64
	paging bool
	gdtr   ring0.DescriptorTablePointer
	idtr   ring0.DescriptorTablePointer
	tr     ring0.Selector
	tss    hostarch.VirtAddr

	// lastIret is the stack address of the most recent iretq frame.
	lastIret uint64

	text     *textTable
	parked   map[uint64]chan struct{}
	resumeNo uint64

	apic   *localAPIC
	serial *serial

	// irq is signalled by the timer device.
	irq chan struct{}

	stats stats

	stopOnce sync.Once
	done     chan struct{}
	err      error

	// procs counts goroutines that run kernel routines, parked ones
	// included. Run waits for all of them to exit.
	procs sync.WaitGroup
}

// New returns a machine with cfg.MemorySize bytes of memory.
func New(cfg Config) (*Machine, error) {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.TimerPeriod == 0 {
		cfg.TimerPeriod = DefaultTimerPeriod
	}
	mem, err := physmem.New(cfg.MemorySize)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:    cfg,
		mem:    mem,
		rflags: ring0.KernelFlagsSet,
		text:   newTextTable(),
		parked: make(map[uint64]chan struct{}),
		apic:   newLocalAPIC(),
		serial: newSerial(cfg.Console),
		irq:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	return m, nil
}

// Close releases physical memory. Run must have returned.
func (m *Machine) Close() error {
	return m.mem.Close()
}

// Memory returns physical memory.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// Stats returns processor counters.
func (m *Machine) Stats() Stats {
	return Stats{
		Interrupts: m.stats.interrupts.Load(),
		Exceptions: m.stats.exceptions.Load(),
		Switches:   m.stats.switches.Load(),
		Halts:      m.stats.halts.Load(),
	}
}

// Run starts the processor at entry with the given stack and integer
// arguments (at most four, passed in rdi, rsi, rdx and rcx, as a call
// would) and runs until the processor stops or ctx is done.
//
// Run returns the condition that stopped the processor, or ctx.Err(). No
// kernel routine touches the machine once Run has returned.
func (m *Machine) Run(ctx context.Context, entry, stack hostarch.VirtAddr, args ...uint64) error {
	argRegs := []ring0.Reg{ring0.RDI, ring0.RSI, ring0.RDX, ring0.RCX}
	if len(args) > len(argRegs) {
		return fmt.Errorf("%d arguments, at most %d are passed in registers", len(args), len(argRegs))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.spawn(func() {
			m.regs[ring0.RSP] = uint64(stack)
			// The return address of the call.
			m.Push(0)
			for i, a := range args {
				m.regs[argRegs[i]] = a
			}
			log.Debugf("machine: reset, entry %v, stack %v", entry, stack)
			m.jump(uint64(entry))
		})
		select {
		case <-m.done:
		case <-gctx.Done():
			m.stop(gctx.Err())
		}
		// Routines leave at their next halt, poll or control transfer.
		m.procs.Wait()
		return m.err
	})
	if !m.cfg.ManualTimer {
		g.Go(func() error {
			return m.runTimer(gctx)
		})
	}
	return g.Wait()
}

// Done returns a channel closed when the processor stops.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// stop records err and stops the processor.
func (m *Machine) stop(err error) {
	m.stopOnce.Do(func() {
		m.err = err
		close(m.done)
	})
}

// fail stops the processor and ends the calling goroutine.
func (m *Machine) fail(err error) {
	log.Debugf("machine: stopping: %v", err)
	m.stop(err)
	runtime.Goexit()
}

// checkStopped ends the calling goroutine if the processor has stopped.
func (m *Machine) checkStopped() {
	select {
	case <-m.done:
		runtime.Goexit()
	default:
	}
}

// spawn runs fn on a new goroutine that holds the processor.
func (m *Machine) spawn(fn func()) {
	m.procs.Add(1)
	go func() {
		defer m.procs.Done()
		defer func() {
			if r := recover(); r != nil {
				m.stop(fmt.Errorf("%w: %v", ErrKernelPanic, r))
			}
		}()
		m.checkStopped()
		fn()
		log.Errorf("machine: routine at %#x returned with no caller, halting", m.rip)
		m.stop(ErrTaskReturned)
	}()
}
