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

// Package hostarch describes the x86-64 address space: typed physical and
// virtual addresses, byte sizes and the fixed regions of the kernel's
// virtual layout.
package hostarch

import "fmt"

// MSize is a non-negative byte count.
type MSize uint64

// PhysAddr is a physical memory address.
type PhysAddr uint64

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// SizeBetween returns end - start. It panics if start > end.
func SizeBetween[T PhysAddr | VirtAddr](start, end T) MSize {
	if start > end {
		panic(fmt.Sprintf("SizeBetween(%#x, %#x): start after end", uint64(start), uint64(end)))
	}
	return MSize(end - start)
}

// Pages returns the number of pages needed to hold s bytes.
func (s MSize) Pages() uint64 {
	return (uint64(s) + PageSize - 1) >> PageShift
}

// RoundUp returns s rounded up to a whole number of pages.
func (s MSize) RoundUp() MSize {
	return MSize(s.Pages() << PageShift)
}

// String implements fmt.Stringer.
func (s MSize) String() string {
	switch {
	case s >= HugePageSize && s%HugePageSize == 0:
		return fmt.Sprintf("%dGiB", s/HugePageSize)
	case s >= 1<<20 && s%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", s>>20)
	case s >= 1<<10 && s%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", s>>10)
	}
	return fmt.Sprintf("%dB", uint64(s))
}

// Add returns p + s, saturating at the top of the address space.
func (p PhysAddr) Add(s MSize) PhysAddr {
	r := p + PhysAddr(s)
	if r < p {
		return ^PhysAddr(0)
	}
	return r
}

// AddLength returns p + s. ok is false if the addition wraps.
func (p PhysAddr) AddLength(s MSize) (end PhysAddr, ok bool) {
	end = p + PhysAddr(s)
	ok = end >= p
	return
}

// Sub returns p - s, saturating at zero.
func (p PhysAddr) Sub(s MSize) PhysAddr {
	if PhysAddr(s) > p {
		return 0
	}
	return p - PhysAddr(s)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (p PhysAddr) RoundUp() (addr PhysAddr, ok bool) {
	addr = (p + PageSize - 1).RoundDown()
	ok = addr >= p
	return
}

// IsPageAligned returns true if p is a multiple of the page size.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// IsAligned returns true if p is a multiple of align, which must be a power
// of two.
func (p PhysAddr) IsAligned(align uint64) bool {
	return uint64(p)&(align-1) == 0
}

// VirtAddr returns the address of p in the kernel's linear map.
func (p PhysAddr) VirtAddr() VirtAddr {
	return LinearMapBase + VirtAddr(p)
}

// String implements fmt.Stringer.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Add returns v + s, saturating at the top of the address space.
func (v VirtAddr) Add(s MSize) VirtAddr {
	r := v + VirtAddr(s)
	if r < v {
		return ^VirtAddr(0)
	}
	return r
}

// AddLength returns v + s. ok is false if the addition wraps.
func (v VirtAddr) AddLength(s MSize) (end VirtAddr, ok bool) {
	end = v + VirtAddr(s)
	ok = end >= v
	return
}

// Sub returns v - s, saturating at zero.
func (v VirtAddr) Sub(s MSize) VirtAddr {
	if VirtAddr(s) > v {
		return 0
	}
	return v - VirtAddr(s)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v VirtAddr) HugeRoundDown() VirtAddr {
	return v &^ (HugePageSize - 1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page boundary.
// ok is true iff rounding up did not wrap around.
func (v VirtAddr) HugeRoundUp() (addr VirtAddr, ok bool) {
	addr = (v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is a multiple of the page size.
func (v VirtAddr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
func (v VirtAddr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// Index returns the 9-bit page table index selecting v at the given level,
// where level 1 is the leaf PT and level 4 is the PML4.
func (v VirtAddr) Index(level int) int {
	return int((uint64(v) >> (PageShift + 9*uint(level-1))) & (EntriesPerTable - 1))
}

// Offset returns the offset of v within its page.
func (v VirtAddr) Offset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// Canonical returns v with bits 48 through 63 sign-extended from bit 47.
func (v VirtAddr) Canonical() VirtAddr {
	return VirtAddr(uint64(int64(uint64(v)<<16) >> 16))
}

// IsCanonical returns true if v is in canonical form.
func (v VirtAddr) IsCanonical() bool {
	return v.Canonical() == v
}

// PhysAddr returns the physical address that v refers to through the linear
// map. ok is false if v lies outside the linear map.
func (v VirtAddr) PhysAddr() (p PhysAddr, ok bool) {
	if v < LinearMapBase || v-LinearMapBase >= LinearMapSize {
		return 0, false
	}
	return PhysAddr(v - LinearMapBase), true
}

// String implements fmt.Stringer.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}
