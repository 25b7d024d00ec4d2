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

package pagetables

import (
	"errors"
	"fmt"
	"strings"
)

// Entry bits.
const (
	present        = 1 << 0
	writable       = 1 << 1
	user           = 1 << 2
	writeThrough   = 1 << 3
	cacheDisable   = 1 << 4
	accessed       = 1 << 5
	dirty          = 1 << 6
	super          = 1 << 7
	global         = 1 << 8
	executeDisable = 1 << 63

	// addressMask selects the frame address, bits 12 through 51.
	addressMask = 0x000f_ffff_ffff_f000

	// optionMask selects everything that is not the frame address.
	optionMask = ^uint64(addressMask)

	entriesPerPage = 512
)

// Attr is the set of attribute bits of a page table entry.
type Attr uint64

// Attribute presets for kernel mappings.
const (
	// NotPresent leaves the entry unmapped.
	NotPresent Attr = 0

	// ReadExecuteKernel is used for kernel text.
	ReadExecuteKernel Attr = present

	// ReadKernel is used for read-only kernel data.
	ReadKernel Attr = present | executeDisable

	// ReadWriteExecuteKernel is used for intermediate table entries, which
	// must not restrict the leaves below them.
	ReadWriteExecuteKernel Attr = present | writable

	// ReadWriteKernel is used for kernel data.
	ReadWriteKernel Attr = present | writable | executeDisable

	// ReadWriteKernel1GiB maps memory with 1 GiB pages where the range
	// allows it.
	ReadWriteKernel1GiB Attr = present | writable | executeDisable | super

	// ReadWriteKernelIO is used for memory-mapped device registers.
	ReadWriteKernelIO Attr = present | writable | writeThrough | cacheDisable | executeDisable
)

// Present returns true if a has the present bit.
func (a Attr) Present() bool { return a&present != 0 }

// Writable returns true if a permits writes.
func (a Attr) Writable() bool { return a&writable != 0 }

// User returns true if a permits user-mode access.
func (a Attr) User() bool { return a&user != 0 }

// Executable returns true if a permits instruction fetch.
func (a Attr) Executable() bool { return a&executeDisable == 0 }

// Huge returns true if a requests a super page.
func (a Attr) Huge() bool { return a&super != 0 }

// String implements fmt.Stringer.
func (a Attr) String() string {
	if !a.Present() {
		return "not-present"
	}
	var b strings.Builder
	b.WriteByte('r')
	if a.Writable() {
		b.WriteByte('w')
	} else {
		b.WriteByte('-')
	}
	if a.Executable() {
		b.WriteByte('x')
	} else {
		b.WriteByte('-')
	}
	if a.User() {
		b.WriteString(" user")
	}
	if a&writeThrough != 0 {
		b.WriteString(" wt")
	}
	if a&cacheDisable != 0 {
		b.WriteString(" uc")
	}
	if a.Huge() {
		b.WriteString(" huge")
	}
	return b.String()
}

// ErrMisaligned is returned when an address that must be page aligned is not.
var ErrMisaligned = errors.New("address is not page aligned")

// PTE is a page table entry.
type PTE uint64

// PTEs is one page table node.
type PTEs [entriesPerPage]PTE

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// IsSuper returns true iff this entry is a super page.
func (p *PTE) IsSuper() bool {
	return *p&super != 0
}

// Address returns the frame address.
func (p *PTE) Address() uint64 {
	return uint64(*p) & addressMask
}

// Attr returns the attribute bits.
func (p *PTE) Attr() Attr {
	return Attr(uint64(*p) & optionMask &^ (accessed | dirty))
}

// Set sets this PTE to map addr with the given attributes.
//
// addr must be page aligned; the low bits are never silently dropped.
func (p *PTE) Set(addr uint64, attr Attr) error {
	if addr&^addressMask != 0 {
		return fmt.Errorf("%w: frame %#x", ErrMisaligned, addr)
	}
	*p = PTE(addr | uint64(attr))
	return nil
}

// setPageTable makes this PTE point to the given node.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) error {
	addr := pt.Allocator.PhysicalFor(ptes)
	if err := p.Set(uint64(addr), ReadWriteExecuteKernel); err != nil {
		return fmt.Errorf("page table node: %w", err)
	}
	return nil
}

// String formats the entry for diagnostics.
func (p PTE) String() string {
	return fmt.Sprintf("PageEntry{value: %#x, present: %t, writable: %t, user: %t, executable: %t, huge: %t}",
		uint64(p), p.Valid(), p.Attr().Writable(), p.Attr().User(), p.Attr().Executable(), p.IsSuper())
}
