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
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/ring0"
)

// Reg implements ring0.Hardware.Reg.
func (m *Machine) Reg(r ring0.Reg) uint64 {
	return m.regs[r]
}

// SetReg implements ring0.Hardware.SetReg.
func (m *Machine) SetReg(r ring0.Reg, v uint64) {
	m.regs[r] = v
}

// RFLAGS implements ring0.Hardware.RFLAGS.
func (m *Machine) RFLAGS() uint64 {
	return m.rflags
}

// RIP returns the instruction pointer: the address of the running routine.
func (m *Machine) RIP() uint64 {
	return m.rip
}

// CS returns the code segment selector.
func (m *Machine) CS() ring0.Selector {
	return m.cs
}

// Segment returns a data segment selector.
func (m *Machine) Segment(seg ring0.Segment) ring0.Selector {
	return m.segs[seg]
}

// TR returns the task register selector.
func (m *Machine) TR() ring0.Selector {
	return m.tr
}

// GDTR returns the GDT register.
func (m *Machine) GDTR() ring0.DescriptorTablePointer {
	return m.gdtr
}

// IDTR returns the IDT register.
func (m *Machine) IDTR() ring0.DescriptorTablePointer {
	return m.idtr
}

// descriptor reads the GDT entry sel refers to.
func (m *Machine) descriptor(sel ring0.Selector) (ring0.SegmentDescriptor, error) {
	off := uint64(sel.Index()) * 8
	if off+7 > uint64(m.gdtr.Limit) {
		return ring0.SegmentDescriptor{}, fmt.Errorf("selector %#x beyond GDT limit %#x", uint16(sel), m.gdtr.Limit)
	}
	var b [8]byte
	if err := m.tryRead(m.gdtr.Base+off, b[:]); err != nil {
		return ring0.SegmentDescriptor{}, err
	}
	return ring0.SegmentDescriptorFromBytes(b[:]), nil
}

func (m *Machine) readPointer(addr hostarch.VirtAddr) ring0.DescriptorTablePointer {
	var b [ring0.DescriptorTablePointerSize]byte
	m.Read(addr, b[:])
	return ring0.DescriptorTablePointerFromBytes(b[:])
}

// Lgdt implements ring0.Hardware.Lgdt.
func (m *Machine) Lgdt(addr hostarch.VirtAddr) {
	m.gdtr = m.readPointer(addr)
}

// Lidt implements ring0.Hardware.Lidt.
func (m *Machine) Lidt(addr hostarch.VirtAddr) {
	m.idtr = m.readPointer(addr)
}

// Ltr implements ring0.Hardware.Ltr. The descriptor must be an available
// 64-bit TSS; it is marked busy.
func (m *Machine) Ltr(sel ring0.Selector) {
	d, err := m.descriptor(sel)
	if err != nil || !d.Present() || !d.IsTSS() || d.Type() != ring0.SystemTypeTSSAvailable {
		m.gp(sel)
		return
	}
	hi, err := m.descriptor(sel + 8)
	if err != nil {
		m.gp(sel)
		return
	}
	d.SetBusy()
	b := d.Bytes()
	m.Write(hostarch.VirtAddr(m.gdtr.Base+uint64(sel.Index())*8), b[:])
	m.tr = sel
	m.tss = hostarch.VirtAddr(d.SystemBase(hi))
}

// LoadSegment implements ring0.Hardware.LoadSegment.
func (m *Machine) LoadSegment(seg ring0.Segment, sel ring0.Selector) {
	if sel.Index() == 0 {
		m.segs[seg] = sel
		return
	}
	d, err := m.descriptor(sel)
	if err != nil || !d.Present() || !d.IsData() {
		m.gp(sel)
		return
	}
	if seg == ring0.SS && d.Flags()&ring0.SegmentDescriptorWrite == 0 {
		m.gp(sel)
		return
	}
	m.segs[seg] = sel
}

// FarReturn implements ring0.Hardware.FarReturn.
func (m *Machine) FarReturn() {
	rip := m.Pop()
	sel := ring0.Selector(m.Pop())
	d, err := m.descriptor(sel)
	if err != nil || !d.Present() || !d.IsCode() || d.Flags()&ring0.SegmentDescriptorLong == 0 {
		m.gp(sel)
		return
	}
	if _, err := m.tryFetch(rip); err != nil {
		m.fail(fmt.Errorf("far return: %w", err))
	}
	m.cs = sel
	m.rip = rip
}

// LoadCR3 implements ring0.Hardware.LoadCR3. Paging through the table
// takes effect immediately.
func (m *Machine) LoadCR3(v uint64) {
	root := hostarch.PhysAddr(v &^ (hostarch.PageSize - 1))
	if !m.mem.Contains(root, hostarch.PageSize) {
		m.fail(fmt.Errorf("%w: page table root %v outside memory", ErrBusError, root))
	}
	m.cr3 = v
	m.paging = true
}

// CR2 implements ring0.Hardware.CR2.
func (m *Machine) CR2() uint64 {
	return m.cr2
}

// CR3 implements ring0.Hardware.CR3.
func (m *Machine) CR3() uint64 {
	return m.cr3
}

// Paging returns true once the kernel has loaded CR3.
func (m *Machine) Paging() bool {
	return m.paging
}

// Outb implements ring0.Hardware.Outb.
func (m *Machine) Outb(port uint16, v uint8) {
	m.checkStopped()
	if m.serial.decodes(port) {
		m.serial.outb(port, v)
	}
}

// Inb implements ring0.Hardware.Inb. Undecoded ports read as all ones.
func (m *Machine) Inb(port uint16) uint8 {
	m.checkStopped()
	if m.serial.decodes(port) {
		return m.serial.in(port)
	}
	return 0xff
}
