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

// Package bootinfo defines the data the loader hands to the kernel.
//
// The kernel entry point is called as
//
//	entry(stack uint64, heapBase uint64, heapSize uint64, regions *MemoryRegionArray)
//
// with the arguments in rdi, rsi, rdx and rcx. All addresses are kernel
// virtual addresses in the linear map, valid both before and after the
// kernel loads its own page tables.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
)

// MaxRegions is the capacity of a MemoryRegionArray.
const MaxRegions = 128

// Layout of the in-memory structures.
const (
	// RegionSize is the size of an encoded MemoryRegion: base, length and
	// a 32-bit kind padded to eight bytes.
	RegionSize = 24

	// ArraySize is the size of an encoded MemoryRegionArray: the regions
	// followed by the count.
	ArraySize = MaxRegions*RegionSize + 8

	regionOffsetBase   = 0
	regionOffsetLength = 8
	regionOffsetKind   = 16
	arrayOffsetCount   = MaxRegions * RegionSize
)

// ErrTooManyRegions is returned when a MemoryRegionArray is full.
var ErrTooManyRegions = errors.New("too many memory regions")

// RegionKind classifies a memory region.
type RegionKind uint32

// Region kinds.
const (
	Reserved RegionKind = iota
	Usable
)

// String implements fmt.Stringer.
func (k RegionKind) String() string {
	switch k {
	case Reserved:
		return "Reserved"
	case Usable:
		return "Usable"
	default:
		return fmt.Sprintf("RegionKind(%d)", uint32(k))
	}
}

// MemoryRegion is a range of physical memory.
type MemoryRegion struct {
	Base   hostarch.PhysAddr
	Length hostarch.MSize
	Kind   RegionKind
}

// End returns the first address past r.
func (r MemoryRegion) End() hostarch.PhysAddr {
	return r.Base.Add(r.Length)
}

// Contains returns true if pa lies in r.
func (r MemoryRegion) Contains(pa hostarch.PhysAddr) bool {
	return pa >= r.Base && pa < r.End()
}

// String implements fmt.Stringer.
func (r MemoryRegion) String() string {
	return fmt.Sprintf("[%#016x, %#016x) %v", uint64(r.Base), uint64(r.End()), r.Kind)
}

// MemoryRegionArray is the fixed-capacity region table passed to the
// kernel. Only the first Count entries are meaningful.
type MemoryRegionArray struct {
	Regions [MaxRegions]MemoryRegion
	Count   uint64
}

// Add appends r. A region that directly follows the last one and has the
// same kind extends it instead of taking a new slot.
func (a *MemoryRegionArray) Add(r MemoryRegion) error {
	if r.Length == 0 {
		return nil
	}
	if a.Count > 0 {
		last := &a.Regions[a.Count-1]
		if last.Kind == r.Kind && last.End() == r.Base {
			last.Length += r.Length
			return nil
		}
	}
	if a.Count == MaxRegions {
		return fmt.Errorf("%w: adding %v to %d regions", ErrTooManyRegions, r, a.Count)
	}
	a.Regions[a.Count] = r
	a.Count++
	return nil
}

// All returns the valid regions.
func (a *MemoryRegionArray) All() []MemoryRegion {
	n := a.Count
	if n > MaxRegions {
		n = MaxRegions
	}
	return a.Regions[:n]
}

// Total returns the total size of regions of kind k.
func (a *MemoryRegionArray) Total(k RegionKind) hostarch.MSize {
	var total hostarch.MSize
	for _, r := range a.All() {
		if r.Kind == k {
			total += r.Length
		}
	}
	return total
}

// Bytes returns the in-memory encoding of a.
func (a *MemoryRegionArray) Bytes() []byte {
	b := make([]byte, ArraySize)
	for i := range a.Regions {
		r := b[i*RegionSize:]
		binary.LittleEndian.PutUint64(r[regionOffsetBase:], uint64(a.Regions[i].Base))
		binary.LittleEndian.PutUint64(r[regionOffsetLength:], uint64(a.Regions[i].Length))
		binary.LittleEndian.PutUint32(r[regionOffsetKind:], uint32(a.Regions[i].Kind))
	}
	binary.LittleEndian.PutUint64(b[arrayOffsetCount:], a.Count)
	return b
}

// DecodeMemoryRegionArray decodes the in-memory encoding of a region table.
func DecodeMemoryRegionArray(b []byte) (*MemoryRegionArray, error) {
	if len(b) < ArraySize {
		return nil, fmt.Errorf("region table is %d bytes, want %d", len(b), ArraySize)
	}
	a := &MemoryRegionArray{
		Count: binary.LittleEndian.Uint64(b[arrayOffsetCount:]),
	}
	if a.Count > MaxRegions {
		return nil, fmt.Errorf("%w: region table count %d", ErrTooManyRegions, a.Count)
	}
	for i := range a.Regions {
		r := b[i*RegionSize:]
		a.Regions[i] = MemoryRegion{
			Base:   hostarch.PhysAddr(binary.LittleEndian.Uint64(r[regionOffsetBase:])),
			Length: hostarch.MSize(binary.LittleEndian.Uint64(r[regionOffsetLength:])),
			Kind:   RegionKind(binary.LittleEndian.Uint32(r[regionOffsetKind:])),
		}
	}
	return a, nil
}

// Handoff holds the kernel entry arguments.
type Handoff struct {
	// Stack is the initial stack pointer, the top of the boot stack.
	Stack    hostarch.VirtAddr
	HeapBase hostarch.VirtAddr
	HeapSize hostarch.MSize
	Regions  hostarch.VirtAddr
}

// Args returns the entry arguments in register order.
func (h Handoff) Args() []uint64 {
	return []uint64{uint64(h.Stack), uint64(h.HeapBase), uint64(h.HeapSize), uint64(h.Regions)}
}

// HandoffFromArgs is the inverse of Args.
func HandoffFromArgs(rdi, rsi, rdx, rcx uint64) Handoff {
	return Handoff{
		Stack:    hostarch.VirtAddr(rdi),
		HeapBase: hostarch.VirtAddr(rsi),
		HeapSize: hostarch.MSize(rdx),
		Regions:  hostarch.VirtAddr(rcx),
	}
}

// String implements fmt.Stringer.
func (h Handoff) String() string {
	return fmt.Sprintf("stack %v, heap %v size %v, regions %v", h.Stack, h.HeapBase, h.HeapSize, h.Regions)
}
