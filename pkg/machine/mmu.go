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
	"encoding/binary"
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/ring0/pagetables"
)

// access is the kind of a memory access.
type access int

const (
	accRead access = iota
	accWrite
	accFetch
)

// target is the result of a translation.
type target struct {
	pa   hostarch.PhysAddr
	mmio bool
}

// fault is an exception raised by a translation.
type fault struct {
	vector ring0.Vector
	code   uint64
	addr   uint64
}

func (f *fault) Error() string {
	if f.vector == ring0.PageFault {
		return fmt.Sprintf("page fault at %#x (%v)", f.addr, ring0.PageFaultErrorCode(f.code))
	}
	return fmt.Sprintf("%v accessing %#x", f.vector, f.addr)
}

func (a access) pageFaultCode(present bool) uint64 {
	var code ring0.PageFaultErrorCode
	if present {
		code |= ring0.PageFaultPresent
	}
	switch a {
	case accWrite:
		code |= ring0.PageFaultWrite
	case accFetch:
		code |= ring0.PageFaultInstruction
	}
	return uint64(code)
}

func isAPIC(pa uint64) bool {
	return pa&^(hostarch.PageSize-1) == hostarch.LocalAPICBase
}

// translate translates va for the given access.
func (m *Machine) translate(va uint64, acc access) (target, *fault) {
	if !hostarch.VirtAddr(va).IsCanonical() {
		return target{}, &fault{vector: ring0.GeneralProtectionFault, addr: va}
	}
	if !m.paging {
		return m.firmwareTranslate(va, acc)
	}
	return m.walk(va, acc)
}

// firmwareTranslate applies the mapping in force before the kernel loads
// its own page tables: low memory identity mapped, the linear map, the
// kernel image at the kernel code base and the APIC page.
func (m *Machine) firmwareTranslate(va uint64, acc access) (target, *fault) {
	size := uint64(m.mem.Size())
	switch {
	case va < size:
		return target{pa: hostarch.PhysAddr(va)}, nil
	case va >= uint64(hostarch.LinearMapBase) && va-uint64(hostarch.LinearMapBase) < size:
		return target{pa: hostarch.PhysAddr(va - uint64(hostarch.LinearMapBase))}, nil
	case va >= uint64(hostarch.KernelCodeBase) && va-uint64(hostarch.KernelCodeBase) < size:
		return target{pa: hostarch.PhysAddr(va - uint64(hostarch.KernelCodeBase))}, nil
	case isAPIC(va):
		return target{pa: hostarch.PhysAddr(va), mmio: true}, nil
	}
	return target{}, &fault{vector: ring0.PageFault, code: acc.pageFaultCode(false), addr: va}
}

// walk translates va through the four level table rooted at CR3.
func (m *Machine) walk(va uint64, acc access) (target, *fault) {
	notPresent := &fault{vector: ring0.PageFault, code: acc.pageFaultCode(false), addr: va}
	denied := &fault{vector: ring0.PageFault, code: acc.pageFaultCode(true), addr: va}

	table := m.cr3 &^ (hostarch.PageSize - 1)
	for level := 4; level >= 1; level-- {
		index := hostarch.VirtAddr(va).Index(level)
		raw, err := m.mem.Read64(hostarch.PhysAddr(table + uint64(index)*8))
		if err != nil {
			// A table outside memory is a reserved-bit style fault.
			return target{}, &fault{vector: ring0.PageFault, code: acc.pageFaultCode(true) | uint64(ring0.PageFaultReserved), addr: va}
		}
		pte := pagetables.PTE(raw)
		if !pte.Valid() {
			return target{}, notPresent
		}
		attr := pte.Attr()
		if acc == accWrite && !attr.Writable() {
			return target{}, denied
		}
		if acc == accFetch && !attr.Executable() {
			return target{}, denied
		}
		leaf := level == 1 || (pte.IsSuper() && (level == 2 || level == 3))
		if pte.IsSuper() && level == 4 {
			return target{}, &fault{vector: ring0.PageFault, code: acc.pageFaultCode(true) | uint64(ring0.PageFaultReserved), addr: va}
		}
		if leaf {
			span := uint64(hostarch.PageSize) << (9 * uint(level-1))
			pa := pte.Address()&^(span-1) | va&(span-1)
			return target{pa: hostarch.PhysAddr(pa), mmio: isAPIC(pa)}, nil
		}
		table = pte.Address()
	}
	panic("unreachable")
}

// phys translates va, delivering exceptions until the access can proceed.
func (m *Machine) phys(va uint64, acc access) target {
	for {
		t, f := m.translate(va, acc)
		if f == nil {
			return t
		}
		m.raise(f)
	}
}

// raise delivers the exception described by f.
func (m *Machine) raise(f *fault) {
	m.stats.exceptions.Add(1)
	if f.vector == ring0.PageFault {
		m.cr2 = f.addr
	}
	m.deliver(f.vector, f.code)
}

// chunks calls fn for each piece of [va, va+n) that lies within one page.
func chunks(va uint64, n int, fn func(va uint64, off, n int)) {
	off := 0
	for off < n {
		l := int(hostarch.PageSize - (va+uint64(off))&(hostarch.PageSize-1))
		if l > n-off {
			l = n - off
		}
		fn(va+uint64(off), off, l)
		off += l
	}
}

// Read implements ring0.Hardware.Read.
func (m *Machine) Read(addr hostarch.VirtAddr, b []byte) {
	chunks(uint64(addr), len(b), func(va uint64, off, n int) {
		t := m.phys(va, accRead)
		if t.mmio {
			m.fail(fmt.Errorf("%w: %d byte read of device register %#x", ErrBusError, n, uint64(t.pa)))
		}
		if err := m.mem.Read(t.pa, b[off:off+n]); err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrBusError, err))
		}
	})
}

// Write implements ring0.Hardware.Write.
func (m *Machine) Write(addr hostarch.VirtAddr, b []byte) {
	chunks(uint64(addr), len(b), func(va uint64, off, n int) {
		t := m.phys(va, accWrite)
		if t.mmio {
			m.fail(fmt.Errorf("%w: %d byte write of device register %#x", ErrBusError, n, uint64(t.pa)))
		}
		if err := m.mem.Write(t.pa, b[off:off+n]); err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrBusError, err))
		}
	})
}

// Read64 implements ring0.Hardware.Read64.
func (m *Machine) Read64(addr hostarch.VirtAddr) uint64 {
	var b [8]byte
	m.Read(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Write64 implements ring0.Hardware.Write64.
func (m *Machine) Write64(addr hostarch.VirtAddr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(addr, b[:])
}

// Read32 implements ring0.Hardware.Read32.
func (m *Machine) Read32(addr hostarch.VirtAddr) uint32 {
	if t := m.phys(uint64(addr), accRead); t.mmio {
		v, err := m.apic.read32(uint64(t.pa) - hostarch.LocalAPICBase)
		if err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrBusError, err))
		}
		return v
	}
	var b [4]byte
	m.Read(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Write32 implements ring0.Hardware.Write32.
func (m *Machine) Write32(addr hostarch.VirtAddr, v uint32) {
	if t := m.phys(uint64(addr), accWrite); t.mmio {
		if err := m.apic.write32(uint64(t.pa)-hostarch.LocalAPICBase, v); err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrBusError, err))
		}
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.Write(addr, b[:])
}

// tryRead reads without delivering exceptions. It is used while an
// exception is being delivered.
func (m *Machine) tryRead(va uint64, b []byte) error {
	var ferr error
	chunks(va, len(b), func(va uint64, off, n int) {
		if ferr != nil {
			return
		}
		t, f := m.translate(va, accRead)
		switch {
		case f != nil:
			ferr = f
		case t.mmio:
			ferr = fmt.Errorf("%w: device register %#x", ErrBusError, uint64(t.pa))
		default:
			ferr = m.mem.Read(t.pa, b[off:off+n])
		}
	})
	return ferr
}

func (m *Machine) tryRead64(va uint64) (uint64, error) {
	var b [8]byte
	if err := m.tryRead(va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Machine) tryWrite64(va uint64, v uint64) error {
	t, f := m.translate(va, accWrite)
	if f != nil {
		return f
	}
	if t.mmio || va&7 != 0 {
		return fmt.Errorf("%w: stack slot %#x", ErrBusError, va)
	}
	return m.mem.Write64(t.pa, v)
}

// Push implements ring0.Hardware.Push.
func (m *Machine) Push(v uint64) {
	rsp := m.regs[ring0.RSP] - 8
	m.Write64(hostarch.VirtAddr(rsp), v)
	m.regs[ring0.RSP] = rsp
}

// Pop implements ring0.Hardware.Pop.
func (m *Machine) Pop() uint64 {
	v := m.Read64(hostarch.VirtAddr(m.regs[ring0.RSP]))
	m.regs[ring0.RSP] += 8
	return v
}

// Translate returns the physical address va maps to under the current
// translation mode.
func (m *Machine) Translate(va hostarch.VirtAddr) (hostarch.PhysAddr, error) {
	t, f := m.translate(uint64(va), accRead)
	if f != nil {
		return 0, f
	}
	return t.pa, nil
}
