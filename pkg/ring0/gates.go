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
)

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	SecurityException = 0x1e
	SyscallInt80      = 0x80
	_NR_INTERRUPTS    = 0x100
)

// TimerVector is the vector the local APIC timer is programmed with.
const TimerVector Vector = 0x2a

// HasErrorCode returns true if the processor pushes an error code when
// delivering v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck, SecurityException:
		return true
	}
	return false
}

// IsException returns true for vectors reserved for processor exceptions.
func (v Vector) IsException() bool {
	return v < 0x20
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	switch v {
	case DivideByZero:
		return "divide error"
	case Breakpoint:
		return "breakpoint"
	case InvalidOpcode:
		return "invalid opcode"
	case DoubleFault:
		return "double fault"
	case GeneralProtectionFault:
		return "general protection fault"
	case PageFault:
		return "page fault"
	case TimerVector:
		return "local timer"
	}
	return fmt.Sprintf("vector %#x", uintptr(v))
}

// Gate64 is a 64-bit task, trap, or interrupt gate.
type Gate64 struct {
	bits [4]uint32
}

// GateSize is the size in bytes of a gate descriptor.
const GateSize = 16

// IDTSize is the size in bytes of a full interrupt descriptor table.
const IDTSize = _NR_INTERRUPTS * GateSize

// Gate types.
const (
	GateTypeInterrupt = 0xe
	GateTypeTrap      = 0xf
)

// idt64 is a 64-bit interrupt descriptor table.
type idt64 [_NR_INTERRUPTS]Gate64

func (g *Gate64) setInterrupt(cs Selector, rip uint64, dpl int, ist int) {
	g.bits[0] = uint32(cs)<<16 | uint32(rip)&0xFFFF
	g.bits[1] = uint32(rip)&0xFFFF0000 | SegmentDescriptorPresent | uint32(dpl)<<13 | GateTypeInterrupt<<8 | uint32(ist)&0x7
	g.bits[2] = uint32(rip >> 32)
	g.bits[3] = 0
}

// Offset returns the handler address.
func (g *Gate64) Offset() uint64 {
	return uint64(g.bits[2])<<32 | uint64(g.bits[1]&0xFFFF0000) | uint64(g.bits[0]&0xFFFF)
}

// Selector returns the handler code segment.
func (g *Gate64) Selector() Selector {
	return Selector(g.bits[0] >> 16)
}

// IST returns the interrupt stack table index, zero meaning none.
func (g *Gate64) IST() int {
	return int(g.bits[1] & 0x7)
}

// Type returns the gate type.
func (g *Gate64) Type() int {
	return int((g.bits[1] >> 8) & 0xf)
}

// DPL returns the gate privilege level.
func (g *Gate64) DPL() int {
	return int((g.bits[1] >> 13) & 3)
}

// Present returns true if the gate is present.
func (g *Gate64) Present() bool {
	return g.bits[1]&SegmentDescriptorPresent != 0
}

// Bytes returns the gate as laid out in memory.
func (g *Gate64) Bytes() [GateSize]byte {
	var b [GateSize]byte
	for i, w := range g.bits {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// Gate64FromBytes decodes a gate from memory.
func Gate64FromBytes(b []byte) Gate64 {
	var g Gate64
	for i := range g.bits {
		g.bits[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return g
}

// String implements fmt.Stringer.
func (g Gate64) String() string {
	if !g.Present() {
		return "not-present"
	}
	return fmt.Sprintf("offset=%#x cs=%#x ist=%d dpl=%d type=%#x", g.Offset(), uint16(g.Selector()), g.IST(), g.DPL(), g.Type())
}

// TaskState64 is a 64-bit task state structure.
type TaskState64 struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32
	ist1Lo, ist1Hi uint32
	ist2Lo, ist2Hi uint32
	ist3Lo, ist3Hi uint32
	ist4Lo, ist4Hi uint32
	ist5Lo, ist5Hi uint32
	ist6Lo, ist6Hi uint32
	ist7Lo, ist7Hi uint32
	_              [2]uint32
	_              uint16
	ioPerm         uint16
}

// Task state segment layout.
const (
	TSSSize       = 104
	TSSOffsetRSP0 = 0x04
	TSSOffsetIST1 = 0x24
	TSSOffsetIOPB = 0x66
)

// TSSOffsetIST returns the offset of interrupt stack n (1-7).
func TSSOffsetIST(n int) int {
	return TSSOffsetIST1 + 8*(n-1)
}

// SetRSP0 sets the privilege level 0 stack.
func (t *TaskState64) SetRSP0(v uint64) {
	t.rsp0Lo, t.rsp0Hi = uint32(v), uint32(v>>32)
}

// RSP0 returns the privilege level 0 stack.
func (t *TaskState64) RSP0() uint64 {
	return uint64(t.rsp0Hi)<<32 | uint64(t.rsp0Lo)
}

func (t *TaskState64) istSlot(n int) (*uint32, *uint32) {
	switch n {
	case 1:
		return &t.ist1Lo, &t.ist1Hi
	case 2:
		return &t.ist2Lo, &t.ist2Hi
	case 3:
		return &t.ist3Lo, &t.ist3Hi
	case 4:
		return &t.ist4Lo, &t.ist4Hi
	case 5:
		return &t.ist5Lo, &t.ist5Hi
	case 6:
		return &t.ist6Lo, &t.ist6Hi
	case 7:
		return &t.ist7Lo, &t.ist7Hi
	}
	panic(fmt.Sprintf("invalid interrupt stack index %d", n))
}

// SetIST sets interrupt stack n (1-7).
func (t *TaskState64) SetIST(n int, v uint64) {
	lo, hi := t.istSlot(n)
	*lo, *hi = uint32(v), uint32(v>>32)
}

// IST returns interrupt stack n (1-7).
func (t *TaskState64) IST(n int) uint64 {
	lo, hi := t.istSlot(n)
	return uint64(*hi)<<32 | uint64(*lo)
}

// Bytes returns the TSS as laid out in memory. The I/O permission bitmap
// offset points past the end of the segment, so no bitmap is present.
func (t *TaskState64) Bytes() [TSSSize]byte {
	var b [TSSSize]byte
	binary.LittleEndian.PutUint64(b[TSSOffsetRSP0:], t.RSP0())
	binary.LittleEndian.PutUint32(b[0x0c:], t.rsp1Lo)
	binary.LittleEndian.PutUint32(b[0x10:], t.rsp1Hi)
	binary.LittleEndian.PutUint32(b[0x14:], t.rsp2Lo)
	binary.LittleEndian.PutUint32(b[0x18:], t.rsp2Hi)
	for n := 1; n <= 7; n++ {
		binary.LittleEndian.PutUint64(b[TSSOffsetIST(n):], t.IST(n))
	}
	binary.LittleEndian.PutUint16(b[TSSOffsetIOPB:], t.ioPerm)
	return b
}

// DecodeTaskState decodes a TSS from memory.
func DecodeTaskState(b []byte) TaskState64 {
	var t TaskState64
	t.SetRSP0(binary.LittleEndian.Uint64(b[TSSOffsetRSP0:]))
	t.rsp1Lo = binary.LittleEndian.Uint32(b[0x0c:])
	t.rsp1Hi = binary.LittleEndian.Uint32(b[0x10:])
	t.rsp2Lo = binary.LittleEndian.Uint32(b[0x14:])
	t.rsp2Hi = binary.LittleEndian.Uint32(b[0x18:])
	for n := 1; n <= 7; n++ {
		t.SetIST(n, binary.LittleEndian.Uint64(b[TSSOffsetIST(n):]))
	}
	t.ioPerm = binary.LittleEndian.Uint16(b[TSSOffsetIOPB:])
	return t
}
