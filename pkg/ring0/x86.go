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

// Selector is a segment Selector.
type Selector uint16

// Index returns the descriptor table index of s.
func (s Selector) Index() int {
	return int(s >> 3)
}

// RPL returns the requested privilege level of s.
func (s Selector) RPL() int {
	return int(s & 3)
}

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// descriptorTable is a collection of descriptors.
type descriptorTable [segLast]SegmentDescriptor

// SegmentDescriptorFlags are typed flags within a descriptor.
type SegmentDescriptorFlags uint32

// SegmentDescriptorFlag declarations.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission (read for code).
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// System descriptor types, held in the type field (bits 8-11 of the high
// word) when SegmentDescriptorSystem is clear.
const (
	// SystemTypeTSSAvailable is an available 64-bit TSS.
	SystemTypeTSSAvailable = 0x9

	// SystemTypeTSSBusy is a busy 64-bit TSS. ltr marks the descriptor
	// busy.
	SystemTypeTSSBusy = 0xb
)

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00F09F00)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

// Type returns the 4-bit type field.
func (d *SegmentDescriptor) Type() int {
	return int((d.bits[1] >> 8) & 0xf)
}

// Present returns true if the descriptor is present.
func (d *SegmentDescriptor) Present() bool {
	return d.bits[1]&uint32(SegmentDescriptorPresent) != 0
}

// IsCode returns true for a code segment.
func (d *SegmentDescriptor) IsCode() bool {
	f := d.Flags()
	return f&SegmentDescriptorSystem != 0 && f&SegmentDescriptorExecute != 0
}

// IsData returns true for a data segment.
func (d *SegmentDescriptor) IsData() bool {
	f := d.Flags()
	return f&SegmentDescriptorSystem != 0 && f&SegmentDescriptorExecute == 0
}

// IsTSS returns true for an available or busy 64-bit TSS.
func (d *SegmentDescriptor) IsTSS() bool {
	t := d.Type()
	return d.Flags()&SegmentDescriptorSystem == 0 && (t == SystemTypeTSSAvailable || t == SystemTypeTSSBusy)
}

// SetBusy marks a TSS descriptor busy.
func (d *SegmentDescriptor) SetBusy() {
	d.bits[1] |= uint32(SegmentDescriptorWrite)
}

func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *SegmentDescriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorLong|
			SegmentDescriptorAVL|
			SegmentDescriptorAccess|
			SegmentDescriptorWrite|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorDB|
			SegmentDescriptorAccess|
			SegmentDescriptorWrite|
			SegmentDescriptorSystem)
}

// setTSS sets the low half of a 16-byte TSS descriptor.
func (d *SegmentDescriptor) setTSS(base uint64, limit uint32) {
	d.set(uint32(base), limit, 0, SegmentDescriptorAccess|SegmentDescriptorExecute)
}

// setHi sets the upper half of a 16-byte system descriptor.
func (d *SegmentDescriptor) setHi(base uint32) {
	d.bits[0] = base
	d.bits[1] = 0
}

// Bytes returns the descriptor as laid out in memory.
func (d *SegmentDescriptor) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], d.bits[0])
	binary.LittleEndian.PutUint32(b[4:], d.bits[1])
	return b
}

// SegmentDescriptorFromBytes decodes a descriptor from memory.
func SegmentDescriptorFromBytes(b []byte) SegmentDescriptor {
	return SegmentDescriptor{bits: [2]uint32{
		binary.LittleEndian.Uint32(b[0:]),
		binary.LittleEndian.Uint32(b[4:]),
	}}
}

// SystemBase returns the 64-bit base of a 16-byte system descriptor whose
// upper half is hi.
func (d *SegmentDescriptor) SystemBase(hi SegmentDescriptor) uint64 {
	return uint64(hi.bits[0])<<32 | uint64(d.Base())
}

// String implements fmt.Stringer.
func (d SegmentDescriptor) String() string {
	if !d.Present() {
		return fmt.Sprintf("%#08x_%08x null", d.bits[1], d.bits[0])
	}
	return fmt.Sprintf("%#08x_%08x base=%#x limit=%#x dpl=%d type=%#x flags=%#x",
		d.bits[1], d.bits[0], d.Base(), d.Limit(), d.DPL(), d.Type(), uint32(d.Flags()))
}

// Global descriptor table layout.
const (
	_        = iota // Null descriptor first.
	segKcode        // Kernel code (64-bit).
	segKdata        // Kernel data.
	segTss          // Task segment descriptor.
	segTssHi        // Upper bits for TSS.
	segLast         // Last segment (terminal, not included).
)

// Selectors.
const (
	Kcode Selector = segKcode << 3
	Kdata Selector = segKdata << 3
	Tss   Selector = segTss << 3
)

// GDTSize is the size in bytes of the global descriptor table.
const GDTSize = segLast * 8

// DescriptorTablePointerSize is the size of the operand of lgdt and lidt.
const DescriptorTablePointerSize = 10

// DescriptorTablePointer is the in-memory operand of lgdt and lidt.
type DescriptorTablePointer struct {
	Limit uint16
	Base  uint64
}

// Bytes returns p as laid out in memory.
func (p DescriptorTablePointer) Bytes() [DescriptorTablePointerSize]byte {
	var b [DescriptorTablePointerSize]byte
	binary.LittleEndian.PutUint16(b[0:], p.Limit)
	binary.LittleEndian.PutUint64(b[2:], p.Base)
	return b
}

// DescriptorTablePointerFromBytes decodes a pseudo-descriptor.
func DescriptorTablePointerFromBytes(b []byte) DescriptorTablePointer {
	return DescriptorTablePointer{
		Limit: binary.LittleEndian.Uint16(b[0:]),
		Base:  binary.LittleEndian.Uint64(b[2:]),
	}
}

// RFLAGS bits.
const (
	RFLAGS_RESERVED = 1 << 1
	RFLAGS_IF       = 1 << 9
)

// KernelFlagsSet should always be set in the kernel.
const KernelFlagsSet = RFLAGS_RESERVED

// InitialTaskFlags is the RFLAGS value a new task starts with: interrupts
// enabled.
const InitialTaskFlags = RFLAGS_RESERVED | RFLAGS_IF
