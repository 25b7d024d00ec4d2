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

package machine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"noctis.dev/noctis/pkg/atomicbitops"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kheap"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/ring0/pagetables"
)

const (
	testMemory    = 64 << 20
	testArena     = 0x10000
	testArenaSize = 0x10000
	testStack     = 0x200000
	testHeapBase  = hostarch.LinearMapBase + 0x1000000
	testHeapSize  = 8 << 20
)

func newTestMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = testMemory
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	m.SetTextArena(testArena, testArenaSize)
	return m
}

func newTestHeap(t *testing.T) *kheap.Heap {
	t.Helper()
	h := new(kheap.Heap)
	if err := h.Init(testHeapBase, testHeapSize); err != nil {
		t.Fatalf("heap.Init failed: %v", err)
	}
	return h
}

// run links fn and runs the machine from it.
func run(t *testing.T, m *Machine, fn func(), args ...uint64) error {
	t.Helper()
	entry := m.Link("entry", fn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Run(ctx, entry, testStack, args...)
}

func TestRunPassesArguments(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	var got []uint64
	var rsp uint64
	err := run(t, m, func() {
		for _, r := range []ring0.Reg{ring0.RDI, ring0.RSI, ring0.RDX, ring0.RCX} {
			got = append(got, m.Reg(r))
		}
		rsp = m.Reg(ring0.RSP)
		m.Cli()
		m.Hlt()
	}, 1, 2, 3, 4)
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}
	if rsp != testStack-8 {
		t.Errorf("rsp = %#x, want %#x", rsp, testStack-8)
	}
}

func TestRunTooManyArguments(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	if err := m.Run(context.Background(), testArena, testStack, 1, 2, 3, 4, 5); err == nil {
		t.Errorf("Run with five arguments succeeded")
	}
}

func TestEntryReturns(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	if err := run(t, m, func() {}); !errors.Is(err, ErrTaskReturned) {
		t.Errorf("Run = %v, want %v", err, ErrTaskReturned)
	}
}

func TestKernelPanic(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	if err := run(t, m, func() { panic("oops") }); !errors.Is(err, ErrKernelPanic) {
		t.Errorf("Run = %v, want %v", err, ErrKernelPanic)
	}
}

func TestContextCancel(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	entry := m.Link("idle", func() {
		m.Sti()
		for {
			m.Hlt()
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx, entry, testStack); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRunWaitsForRoutines(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	var (
		iterations atomicbitops.Uint64
		exited     atomicbitops.Bool
	)
	entry := m.Link("busy", func() {
		defer exited.Store(true)
		m.Sti()
		for {
			m.Write64(testHeapBase, iterations.Add(1))
			m.Poll()
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx, entry, testStack); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want %v", err, context.DeadlineExceeded)
	}
	if !exited.Load() {
		t.Fatalf("routine still running after Run returned")
	}
	n := iterations.Load()
	time.Sleep(10 * time.Millisecond)
	if got := iterations.Load(); got != n {
		t.Errorf("routine ran %d more iterations after Run returned", got-n)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestImageSymbolCode(t *testing.T) {
	const addr = 0x20000
	m := newTestMachine(t, Config{ManualTimer: true})
	ran := false
	if err := m.LinkAt(addr, "kernel.main", func() {
		ran = true
		m.Cli()
		m.Hlt()
	}); err != nil {
		t.Fatalf("LinkAt failed: %v", err)
	}
	if err := m.LinkAt(addr, "other", func() {}); err == nil {
		t.Errorf("LinkAt over an existing symbol succeeded")
	}

	// No code at the address yet.
	if err := m.Run(context.Background(), addr, testStack); !errors.Is(err, ErrBadJump) {
		t.Fatalf("Run = %v, want %v", err, ErrBadJump)
	}
	if ran {
		t.Errorf("routine ran without its code")
	}

	m = newTestMachine(t, Config{ManualTimer: true})
	m.LinkAt(addr, "kernel.main", func() {
		ran = true
		m.Cli()
		m.Hlt()
	})
	code := CodeStub("kernel.main")
	if err := m.Memory().Write(addr, code[:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Run(context.Background(), addr, testStack); !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if !ran {
		t.Errorf("routine did not run")
	}
	if name, ok := m.Symbol(addr); !ok || name != "kernel.main" {
		t.Errorf("Symbol = %q, %t", name, ok)
	}
}

func TestTripleFault(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	// No IDT: the breakpoint and the double fault both fail to deliver.
	if err := run(t, m, m.Int3); !errors.Is(err, ErrTripleFault) {
		t.Errorf("Run = %v, want %v", err, ErrTripleFault)
	}
}

func TestFirmwareTranslation(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	for _, tc := range []struct {
		va   hostarch.VirtAddr
		want hostarch.PhysAddr
		ok   bool
	}{
		{0x1234, 0x1234, true},
		{hostarch.LinearMapBase + 0x5000, 0x5000, true},
		{hostarch.KernelCodeBase + 0x100000, 0x100000, true},
		{hostarch.LocalAPICBase + 0x320, hostarch.LocalAPICBase + 0x320, true},
		{testMemory, 0, false},
		{hostarch.LinearMapBase + testMemory, 0, false},
		{0x0000_8000_0000_0000, 0, false},
	} {
		got, err := m.Translate(tc.va)
		if (err == nil) != tc.ok || (tc.ok && got != tc.want) {
			t.Errorf("Translate(%v) = %v, %v; want %v, ok %t", tc.va, got, err, tc.want, tc.ok)
		}
	}
}

func TestPageWalk(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	heap := newTestHeap(t)
	pt := pagetables.New(&pagetables.HeapAllocator{Heap: heap, Memory: m.Memory()})
	const (
		codeVA = hostarch.KernelCodeBase
		dataVA = hostarch.KernelCodeBase + 0x200000
	)
	for _, mp := range []struct {
		virt hostarch.VirtAddr
		phys hostarch.PhysAddr
		size hostarch.MSize
		attr pagetables.Attr
	}{
		{hostarch.LinearMapBase, 0, hostarch.HugePageSize, pagetables.ReadWriteKernel1GiB},
		{codeVA, 0x100000, 0x2000, pagetables.ReadExecuteKernel},
		{dataVA, 0x300000, 0x1000, pagetables.ReadWriteKernel},
		{hostarch.LocalAPICBase, hostarch.LocalAPICBase, hostarch.PageSize, pagetables.ReadWriteKernelIO},
	} {
		if err := pt.Map(mp.virt, mp.phys, mp.size, mp.attr); err != nil {
			t.Fatalf("Map(%v) failed: %v", mp.virt, err)
		}
	}
	m.LoadCR3(pt.CR3())

	for _, tc := range []struct {
		va   uint64
		acc  access
		want hostarch.PhysAddr
		code uint64 // Page fault error code, if faulting.
		gp   bool
	}{
		{va: uint64(hostarch.LinearMapBase) + 0x1234_5678, acc: accWrite, want: 0x1234_5678},
		{va: uint64(codeVA) + 0x1008, acc: accFetch, want: 0x101008},
		{va: uint64(codeVA), acc: accWrite, code: uint64(ring0.PageFaultPresent | ring0.PageFaultWrite)},
		{va: uint64(dataVA) + 8, acc: accWrite, want: 0x300008},
		{va: uint64(dataVA), acc: accFetch, code: uint64(ring0.PageFaultPresent | ring0.PageFaultInstruction)},
		{va: uint64(codeVA) + 0x2000, acc: accRead, code: 0},
		{va: uint64(codeVA) + 0x2000, acc: accWrite, code: uint64(ring0.PageFaultWrite)},
		{va: 0x1000, acc: accRead, code: 0},
		{va: 0x0000_8000_0000_0000, acc: accRead, gp: true},
	} {
		got, f := m.translate(tc.va, tc.acc)
		switch {
		case tc.gp:
			if f == nil || f.vector != ring0.GeneralProtectionFault {
				t.Errorf("translate(%#x) = %v, %v; want #GP", tc.va, got, f)
			}
		case tc.want != 0:
			if f != nil || got.pa != tc.want {
				t.Errorf("translate(%#x) = %v, %v; want %v", tc.va, got.pa, f, tc.want)
			}
		default:
			if f == nil || f.vector != ring0.PageFault || f.code != tc.code || f.addr != tc.va {
				t.Errorf("translate(%#x) = %v, %v; want #PF code %#x", tc.va, got.pa, f, tc.code)
			}
		}
	}
	if got, f := m.translate(hostarch.LocalAPICBase+0xb0, accWrite); f != nil || !got.mmio {
		t.Errorf("APIC page translates to %+v, %v; want MMIO", got, f)
	}
}

func TestMemoryAccessAcrossPages(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	want := []byte("spanning a page boundary")
	var got []byte
	err := run(t, m, func() {
		addr := hostarch.LinearMapBase + 0x2000 - 8
		m.Write(addr, want)
		got = make([]byte, len(want))
		m.Read(addr, got)
		m.Cli()
		m.Hlt()
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back %q, want %q", got, want)
	}
}

func TestSwitchContext(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	var (
		a, b   ring0.TaskContext
		trace  []string
		rbxA   uint64
		rflags uint64
	)
	taskB := m.Link("taskB", func() {
		trace = append(trace, "b start")
		rflags = m.RFLAGS()
		m.SetReg(ring0.RBX, 0xbbbb)
		m.SwitchContext(&b, &a)
		trace = append(trace, "b resumed")
		m.SwitchContext(&b, &a)
	})
	const stackB = 0x300000
	err := run(t, m, func() {
		m.Write64(stackB-16, uint64(taskB))
		b.Rsp = stackB - 16
		b.Rflags = ring0.InitialTaskFlags
		m.SetReg(ring0.RBX, 0xaaaa)

		trace = append(trace, "a")
		m.SwitchContext(&a, &b)
		trace = append(trace, "a resumed")
		m.SwitchContext(&a, &b)
		trace = append(trace, "a resumed again")
		rbxA = m.Reg(ring0.RBX)
		m.Cli()
		m.Hlt()
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	want := []string{"a", "b start", "a resumed", "b resumed", "a resumed again"}
	if diff := cmp.Diff(want, trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if rbxA != 0xaaaa {
		t.Errorf("rbx after resume = %#x, want 0xaaaa", rbxA)
	}
	if rflags != ring0.InitialTaskFlags {
		t.Errorf("new task rflags = %#x, want %#x", rflags, ring0.InitialTaskFlags)
	}
	if got := m.Stats().Switches; got != 4 {
		t.Errorf("switches = %d, want 4", got)
	}
	if b.Rsp >= stackB || b.Rsp < stackB-64 {
		t.Errorf("task b saved rsp %#x not on its stack", b.Rsp)
	}
}

func TestSwitchToSelf(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	var a ring0.TaskContext
	resumed := false
	err := run(t, m, func() {
		m.SwitchContext(&a, &a)
		resumed = true
		m.Cli()
		m.Hlt()
	})
	if !errors.Is(err, ErrHalted) || !resumed {
		t.Errorf("Run = %v, resumed %t; want %v and resumed", err, resumed, ErrHalted)
	}
}

type tickHooks struct {
	ticks int
}

func (h *tickHooks) TimerTick() { h.ticks++ }
func (h *tickHooks) Preempt()   {}

type apicTimer struct {
	m     *Machine
	count int
}

func (a *apicTimer) Tick() { a.count++ }
func (a *apicTimer) EOI()  { a.m.Write32(hostarch.LocalAPICBase+apicEOI, 0) }

func TestTimerInterrupts(t *testing.T) {
	m := newTestMachine(t, Config{TimerPeriod: time.Millisecond})
	hooks := &tickHooks{}
	timer := &apicTimer{m: m}
	heap := newTestHeap(t)
	var initErr error
	err := run(t, m, func() {
		cpu := ring0.NewCPU()
		if initErr = cpu.Init(ring0.CPUOpts{
			Hardware:  m,
			Allocator: heap,
			Timer:     timer,
			Hooks:     hooks,
			StackSize: 16 << 10,
		}); initErr != nil {
			m.Cli()
			m.Hlt()
		}
		m.Write32(hostarch.LocalAPICBase+apicDivide, 0b110)
		m.Write32(hostarch.LocalAPICBase+apicInitialCount, 0x1000000)
		m.Write32(hostarch.LocalAPICBase+apicLVTTimer, lvtPeriodic|uint32(ring0.TimerVector))
		m.Sti()
		for hooks.ticks < 5 {
			m.Hlt()
		}
		m.Cli()
		m.Hlt()
	})
	if initErr != nil {
		t.Fatalf("Init failed: %v", initErr)
	}
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if timer.count != 5 || hooks.ticks != 5 {
		t.Errorf("timer ticks %d, hook ticks %d, want 5", timer.count, hooks.ticks)
	}
	st := m.APIC()
	if !st.Armed || st.EOIs != 5 || st.Divide != 0b110 {
		t.Errorf("APIC state %+v", st)
	}
	if got := m.Stats().Interrupts; got != 5 {
		t.Errorf("interrupts = %d, want 5", got)
	}
}

func TestFaultHandlerRuns(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	heap := newTestHeap(t)
	var initErr error
	var cr2 uint64
	err := run(t, m, func() {
		cpu := ring0.NewCPU()
		if initErr = cpu.Init(ring0.CPUOpts{Hardware: m, Allocator: heap, StackSize: 16 << 10}); initErr != nil {
			m.Cli()
			m.Hlt()
		}
		// Unmapped before paging: outside every firmware mapping.
		defer func() { cr2 = m.CR2() }()
		m.Read64(0xffff_9000_0000_0000)
	})
	if initErr != nil {
		t.Fatalf("Init failed: %v", initErr)
	}
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if cr2 != 0xffff_9000_0000_0000 {
		t.Errorf("cr2 = %#x", cr2)
	}
	if st := m.Stats(); st.Exceptions != 1 {
		t.Errorf("exceptions = %d, want 1", st.Exceptions)
	}
}

func TestDescriptorChecks(t *testing.T) {
	m := newTestMachine(t, Config{ManualTimer: true})
	heap := newTestHeap(t)
	var initErr error
	var tr, cs, ds ring0.Selector
	var busy bool
	err := run(t, m, func() {
		cpu := ring0.NewCPU()
		if initErr = cpu.Init(ring0.CPUOpts{Hardware: m, Allocator: heap, StackSize: 16 << 10}); initErr == nil {
			tr, cs, ds = m.TR(), m.CS(), m.Segment(ring0.DS)
			d, _ := m.descriptor(ring0.Tss)
			busy = d.Type() == ring0.SystemTypeTSSBusy
			// Loading the busy TSS again is a #GP, which halts.
			m.Ltr(ring0.Tss)
		}
		m.Cli()
		m.Hlt()
	})
	if initErr != nil {
		t.Fatalf("Init failed: %v", initErr)
	}
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if tr != ring0.Tss || cs != ring0.Kcode || ds != ring0.Kdata {
		t.Errorf("tr %#x cs %#x ds %#x", tr, cs, ds)
	}
	if !busy {
		t.Errorf("TSS descriptor not marked busy")
	}
	if st := m.Stats(); st.Exceptions != 1 {
		t.Errorf("exceptions = %d, want 1", st.Exceptions)
	}
}

func TestSerial(t *testing.T) {
	var out bytes.Buffer
	m := newTestMachine(t, Config{ManualTimer: true, Console: &out})
	var busy int
	err := run(t, m, func() {
		m.Outb(COM1+serialLCR, lcrDLAB)
		m.Outb(COM1+serialData, 3)
		m.Outb(COM1+serialIER, 0)
		m.Outb(COM1+serialLCR, 0x03)
		for _, c := range []byte("hello, serial port!\n") {
			for m.Inb(COM1+serialLSR)&lsrTHRE == 0 {
				busy++
			}
			m.Outb(COM1+serialData, c)
		}
		m.Cli()
		m.Hlt()
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want %v", err, ErrHalted)
	}
	if got := out.String(); got != "hello, serial port!\n" {
		t.Errorf("console = %q", got)
	}
	if busy != 1 {
		t.Errorf("busy polls = %d, want 1", busy)
	}
	if st := m.Serial(); st.Divisor != 3 || st.LCR != 0x03 || st.Sent != 20 {
		t.Errorf("serial state %+v", st)
	}
	if m.serial.decodes(0x60) {
		t.Errorf("serial decodes port 0x60")
	}
}

func TestAPICTimerArming(t *testing.T) {
	a := newLocalAPIC()
	if a.expire() {
		t.Errorf("masked timer expired")
	}
	a.write32(apicInitialCount, 100)
	a.write32(apicLVTTimer, uint32(ring0.TimerVector))
	if !a.expire() {
		t.Fatalf("armed one-shot timer did not expire")
	}
	if a.expire() {
		t.Errorf("one-shot timer expired twice")
	}
	v, ok := a.accept()
	if !ok || v != uint32(ring0.TimerVector) {
		t.Errorf("accept = %#x, %t", v, ok)
	}
	a.write32(apicLVTTimer, lvtPeriodic|uint32(ring0.TimerVector))
	if !a.expire() || !a.expire() {
		t.Errorf("periodic timer did not keep expiring")
	}
	if _, ok := a.accept(); ok {
		t.Errorf("accepted while in service")
	}
	a.write32(apicEOI, 0)
	if _, ok := a.accept(); !ok {
		t.Errorf("pending interrupt not accepted after EOI")
	}
	if _, err := a.read32(0x321); err == nil {
		t.Errorf("unaligned register read succeeded")
	}
	if got, _ := a.read32(apicVersion); got != 0x50014 {
		t.Errorf("version = %#x", got)
	}
}
