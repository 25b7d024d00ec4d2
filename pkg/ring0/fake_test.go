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
	"encoding/binary"
	"fmt"
	"testing"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kheap"
)

const (
	fakeMemBase = hostarch.LinearMapBase
	fakeMemSize = 4 << 20
	fakeText    = hostarch.KernelCodeBase + 0x10000
)

// errHalted is raised by the fake when the processor halts with
// interrupts disabled.
type errHalted struct{}

// fakeHardware is a processor that runs entry stubs directly and records
// privileged operations.
type fakeHardware struct {
	t *testing.T

	mem    []byte
	regs   [NumGPRs]uint64
	rip    uint64
	cs     uint64
	rflags uint64
	cr2    uint64
	cr3    uint64

	gdtr DescriptorTablePointer
	idtr DescriptorTablePointer
	tr   Selector

	ops  []string
	text map[hostarch.VirtAddr]func()
	next hostarch.VirtAddr

	irets int
}

func newFakeHardware(t *testing.T) *fakeHardware {
	f := &fakeHardware{
		t:      t,
		mem:    make([]byte, fakeMemSize),
		rflags: KernelFlagsSet,
		text:   make(map[hostarch.VirtAddr]func()),
		next:   fakeText,
	}
	// The boot stack is the top of the fake memory.
	f.regs[RSP] = uint64(fakeMemBase) + fakeMemSize
	return f
}

func newTestHeap(t *testing.T) *kheap.Heap {
	t.Helper()
	heap := new(kheap.Heap)
	if err := heap.Init(fakeMemBase, fakeMemSize/2); err != nil {
		t.Fatalf("heap.Init failed: %v", err)
	}
	return heap
}

// newTestCPU returns a CPU initialized against a fake, with its heap in the
// lower half of the fake memory.
func newTestCPU(t *testing.T, timer Timer, hooks Hooks) (*CPU, *fakeHardware) {
	t.Helper()
	hw := newFakeHardware(t)
	c := NewCPU()
	if err := c.Init(CPUOpts{
		Hardware:  hw,
		Allocator: newTestHeap(t),
		Timer:     timer,
		Hooks:     hooks,
		StackSize: 16 << 10,
	}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	hw.ops = nil
	return c, hw
}

func (f *fakeHardware) slice(addr hostarch.VirtAddr, n int) []byte {
	off := uint64(addr) - uint64(fakeMemBase)
	if addr < fakeMemBase || off+uint64(n) > uint64(len(f.mem)) {
		panic(fmt.Sprintf("access outside fake memory: %v+%d", addr, n))
	}
	return f.mem[off : off+uint64(n)]
}

func (f *fakeHardware) Reg(r Reg) uint64       { return f.regs[r] }
func (f *fakeHardware) SetReg(r Reg, v uint64) { f.regs[r] = v }
func (f *fakeHardware) RFLAGS() uint64         { return f.rflags }

func (f *fakeHardware) Push(v uint64) {
	f.regs[RSP] -= 8
	f.Write64(hostarch.VirtAddr(f.regs[RSP]), v)
}

func (f *fakeHardware) Pop() uint64 {
	v := f.Read64(hostarch.VirtAddr(f.regs[RSP]))
	f.regs[RSP] += 8
	return v
}

func (f *fakeHardware) Read(addr hostarch.VirtAddr, b []byte)  { copy(b, f.slice(addr, len(b))) }
func (f *fakeHardware) Write(addr hostarch.VirtAddr, b []byte) { copy(f.slice(addr, len(b)), b) }

func (f *fakeHardware) Read64(addr hostarch.VirtAddr) uint64 {
	return binary.LittleEndian.Uint64(f.slice(addr, 8))
}

func (f *fakeHardware) Write64(addr hostarch.VirtAddr, v uint64) {
	binary.LittleEndian.PutUint64(f.slice(addr, 8), v)
}

func (f *fakeHardware) Read32(addr hostarch.VirtAddr) uint32 {
	return binary.LittleEndian.Uint32(f.slice(addr, 4))
}

func (f *fakeHardware) Write32(addr hostarch.VirtAddr, v uint32) {
	binary.LittleEndian.PutUint32(f.slice(addr, 4), v)
}

func (f *fakeHardware) Lgdt(addr hostarch.VirtAddr) {
	f.gdtr = DescriptorTablePointerFromBytes(f.slice(addr, DescriptorTablePointerSize))
	f.ops = append(f.ops, "lgdt")
}

func (f *fakeHardware) Lidt(addr hostarch.VirtAddr) {
	f.idtr = DescriptorTablePointerFromBytes(f.slice(addr, DescriptorTablePointerSize))
	f.ops = append(f.ops, "lidt")
}

func (f *fakeHardware) Ltr(sel Selector) {
	addr := hostarch.VirtAddr(f.gdtr.Base).Add(hostarch.MSize(sel.Index() * 8))
	d := SegmentDescriptorFromBytes(f.slice(addr, 8))
	if !d.IsTSS() || d.Type() != SystemTypeTSSAvailable {
		f.t.Fatalf("ltr %#x: descriptor %v is not an available TSS", sel, d)
	}
	d.SetBusy()
	b := d.Bytes()
	f.Write(addr, b[:])
	f.tr = sel
	f.ops = append(f.ops, fmt.Sprintf("ltr %#x", uint16(sel)))
}

func (f *fakeHardware) LoadSegment(seg Segment, sel Selector) {
	f.ops = append(f.ops, fmt.Sprintf("seg %d %#x", seg, uint16(sel)))
}

func (f *fakeHardware) FarReturn() {
	f.rip = f.Pop()
	f.cs = f.Pop()
	f.ops = append(f.ops, fmt.Sprintf("lretq %#x", f.cs))
}

func (f *fakeHardware) Iretq() {
	f.rip = f.Pop()
	f.cs = f.Pop()
	f.rflags = f.Pop()
	rsp := f.Pop()
	f.Pop() // SS.
	f.regs[RSP] = rsp
	f.irets++
}

func (f *fakeHardware) Cli() { f.rflags &^= RFLAGS_IF }
func (f *fakeHardware) Sti() { f.rflags |= RFLAGS_IF }

func (f *fakeHardware) Hlt() {
	if f.rflags&RFLAGS_IF == 0 {
		panic(errHalted{})
	}
}

func (f *fakeHardware) Int3() { f.deliver(Breakpoint, 0) }
func (f *fakeHardware) Ud2()  { f.deliver(InvalidOpcode, 0) }

func (f *fakeHardware) LoadCR3(v uint64) { f.cr3 = v }
func (f *fakeHardware) CR2() uint64      { return f.cr2 }
func (f *fakeHardware) CR3() uint64      { return f.cr3 }

func (f *fakeHardware) SwitchContext(prev, next *TaskContext) {
	f.t.Fatalf("unexpected context switch")
}

func (f *fakeHardware) Outb(port uint16, v uint8) {}
func (f *fakeHardware) Inb(port uint16) uint8     { return 0 }

func (f *fakeHardware) Link(name string, fn func()) hostarch.VirtAddr {
	addr := f.next
	f.text[addr] = fn
	f.next += 16
	return addr
}

// gate reads gate v from the loaded IDT.
func (f *fakeHardware) gate(v Vector) Gate64 {
	addr := hostarch.VirtAddr(f.idtr.Base).Add(hostarch.MSize(GateSize * int(v)))
	return Gate64FromBytes(f.slice(addr, GateSize))
}

// deliver delivers vector v through the loaded IDT, the way the processor
// does for an interrupt taken on the current stack.
func (f *fakeHardware) deliver(v Vector, code uint64) {
	g := f.gate(v)
	if !g.Present() {
		f.t.Fatalf("vector %v: gate not present", v)
	}
	rsp := f.regs[RSP]
	if ist := g.IST(); ist != 0 {
		tssAddr := hostarch.VirtAddr(f.tssBase())
		f.regs[RSP] = f.Read64(tssAddr.Add(hostarch.MSize(TSSOffsetIST(ist))))
	}
	f.regs[RSP] &^= 0xf
	f.Push(uint64(Kdata))
	f.Push(rsp)
	f.Push(f.rflags)
	f.Push(f.cs)
	f.Push(f.rip)
	if v.HasErrorCode() {
		f.Push(code)
	}
	f.rflags &^= RFLAGS_IF
	irets := f.irets
	fn, ok := f.text[hostarch.VirtAddr(g.Offset())]
	if !ok {
		f.t.Fatalf("vector %v: gate offset %#x is not linked", v, g.Offset())
	}
	fn()
	if f.irets != irets+1 {
		f.t.Fatalf("vector %v: handler returned without iretq", v)
	}
}

func (f *fakeHardware) tssBase() uint64 {
	base := hostarch.VirtAddr(f.gdtr.Base)
	lo := SegmentDescriptorFromBytes(f.slice(base.Add(hostarch.MSize(f.tr.Index()*8)), 8))
	hi := SegmentDescriptorFromBytes(f.slice(base.Add(hostarch.MSize(f.tr.Index()*8+8)), 8))
	return lo.SystemBase(hi)
}

// expectHalt runs fn and reports whether it halted with interrupts
// disabled.
func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	halted := func() (halted bool) {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(errHalted); !ok {
					panic(r)
				}
				halted = true
			}
		}()
		fn()
		return false
	}()
	if !halted {
		t.Errorf("expected halt, returned normally")
	}
}
