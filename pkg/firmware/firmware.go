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

// Package firmware models the UEFI boot services a loader uses: the boot
// volume, page allocation, the memory map and ExitBootServices.
//
// Calls fail with a Status, as the firmware interface does. Once boot
// services have exited every call fails with Unsupported.
package firmware

import (
	"io/fs"

	"github.com/google/btree"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/sync"
)

// Fixed parts of the platform memory map.
const (
	// lowMemoryEnd is the end of conventional memory below 1 MiB.
	lowMemoryEnd = 0xa_0000

	// firmwareBase and firmwareEnd bound the firmware's own code and data.
	firmwareBase = 0x10_0000
	firmwareEnd  = 0x20_0000

	// MinMemorySize is the smallest memory the platform supports.
	MinMemorySize = 4 << 20
)

// AllocateType selects how AllocatePages places memory.
type AllocateType int

// Allocation types.
const (
	// AllocateAnyPages takes any free range.
	AllocateAnyPages AllocateType = iota

	// AllocateMaxAddress takes a free range ending at or below the
	// given address.
	AllocateMaxAddress

	// AllocateAddress takes exactly the given range.
	AllocateAddress
)

// BootServices is the firmware boot services table.
type BootServices struct {
	volume fs.FS

	mu sync.Mutex

	// memoryMap holds descriptors keyed by start address. Descriptors
	// never overlap.
	memoryMap *btree.BTreeG[MemoryDescriptor]

	// mapKey changes whenever memoryMap does.
	mapKey uint64

	exited bool
}

func descriptorLess(a, b MemoryDescriptor) bool {
	return a.PhysicalStart < b.PhysicalStart
}

// New returns boot services for a platform with memSize bytes of memory
// and the given boot volume. volume may be nil, in which case no file
// system is present.
func New(memSize hostarch.MSize, volume fs.FS) (*BootServices, error) {
	if memSize < MinMemorySize {
		return nil, InvalidParameter
	}
	b := &BootServices{
		volume:    volume,
		memoryMap: btree.NewG(8, descriptorLess),
		mapKey:    1,
	}
	pages := func(start, end uint64) uint64 {
		return (end - start) / hostarch.PageSize
	}
	end := uint64(memSize) &^ (hostarch.PageSize - 1)
	for _, d := range []MemoryDescriptor{
		{Type: ReservedMemoryType, PhysicalStart: 0, NumberOfPages: 1},
		{Type: ConventionalMemory, PhysicalStart: hostarch.PageSize, NumberOfPages: pages(hostarch.PageSize, lowMemoryEnd)},
		{Type: ReservedMemoryType, PhysicalStart: lowMemoryEnd, NumberOfPages: pages(lowMemoryEnd, firmwareBase)},
		{Type: BootServicesCode, PhysicalStart: firmwareBase, NumberOfPages: pages(firmwareBase, firmwareEnd)},
		{Type: ConventionalMemory, PhysicalStart: firmwareEnd, NumberOfPages: pages(firmwareEnd, end)},
		{Type: MemoryMappedIO, PhysicalStart: hostarch.LocalAPICBase, NumberOfPages: 1, Attribute: MemoryUC},
	} {
		if d.Type != MemoryMappedIO {
			d.Attribute = MemoryWB
		}
		b.memoryMap.ReplaceOrInsert(d)
	}
	return b, nil
}

// OpenVolume locates the simple file system protocol and opens the root
// directory of the boot volume.
func (b *BootServices) OpenVolume() (fs.FS, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return nil, Unsupported
	}
	if b.volume == nil {
		return nil, NotFound
	}
	return b.volume, nil
}

// find returns the descriptor containing pa.
//
// Preconditions: b.mu is held.
func (b *BootServices) find(pa hostarch.PhysAddr) (MemoryDescriptor, bool) {
	var (
		found MemoryDescriptor
		ok    bool
	)
	b.memoryMap.DescendLessOrEqual(MemoryDescriptor{PhysicalStart: pa}, func(d MemoryDescriptor) bool {
		found, ok = d, pa < d.End()
		return false
	})
	return found, ok
}

// carve changes [start, start+pages) inside free descriptor d to type t,
// splitting d as needed.
//
// Preconditions: b.mu is held.
func (b *BootServices) carve(d MemoryDescriptor, start hostarch.PhysAddr, pages uint64, t MemoryType) {
	b.memoryMap.Delete(d)
	size := hostarch.MSize(pages * hostarch.PageSize)
	if start > d.PhysicalStart {
		b.memoryMap.ReplaceOrInsert(MemoryDescriptor{
			Type:          d.Type,
			PhysicalStart: d.PhysicalStart,
			NumberOfPages: uint64(hostarch.SizeBetween(d.PhysicalStart, start)) / hostarch.PageSize,
			Attribute:     d.Attribute,
		})
	}
	b.memoryMap.ReplaceOrInsert(MemoryDescriptor{
		Type:          t,
		PhysicalStart: start,
		NumberOfPages: pages,
		Attribute:     d.Attribute,
	})
	if end := start.Add(size); end < d.End() {
		b.memoryMap.ReplaceOrInsert(MemoryDescriptor{
			Type:          d.Type,
			PhysicalStart: end,
			NumberOfPages: uint64(hostarch.SizeBetween(end, d.End())) / hostarch.PageSize,
			Attribute:     d.Attribute,
		})
	}
	b.mapKey++
}

// AllocatePages allocates pages of memory of type t. For AllocateAddress
// and AllocateMaxAddress, addr is the requested address or the highest
// acceptable address.
func (b *BootServices) AllocatePages(typ AllocateType, t MemoryType, pages uint64, addr hostarch.PhysAddr) (hostarch.PhysAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return 0, Unsupported
	}
	if pages == 0 || t == ConventionalMemory || t > PersistentMemory {
		return 0, InvalidParameter
	}
	size := hostarch.MSize(pages * hostarch.PageSize)

	switch typ {
	case AllocateAddress:
		if !addr.IsPageAligned() {
			return 0, InvalidParameter
		}
		d, ok := b.find(addr)
		if !ok || d.Type != ConventionalMemory {
			return 0, NotFound
		}
		if end, ok := addr.AddLength(size); !ok || end > d.End() {
			return 0, NotFound
		}
		b.carve(d, addr, pages, t)
		log.Debugf("firmware: allocated %d pages at %v (%v)", pages, addr, t)
		return addr, nil

	case AllocateAnyPages, AllocateMaxAddress:
		limit := hostarch.PhysAddr(^uint64(0))
		if typ == AllocateMaxAddress {
			limit = addr
		}
		// Allocate from the top of the highest free range that fits.
		var (
			found MemoryDescriptor
			start hostarch.PhysAddr
			ok    bool
		)
		b.memoryMap.Descend(func(d MemoryDescriptor) bool {
			if d.Type != ConventionalMemory || d.Size() < size {
				return true
			}
			top := d.End()
			if top > limit {
				top = (limit + 1).RoundDown()
			}
			if top < d.PhysicalStart || hostarch.SizeBetween(d.PhysicalStart, top) < size {
				return true
			}
			found, start, ok = d, top.Sub(size), true
			return false
		})
		if !ok {
			return 0, OutOfResources
		}
		b.carve(found, start, pages, t)
		log.Debugf("firmware: allocated %d pages at %v (%v)", pages, start, t)
		return start, nil

	default:
		return 0, InvalidParameter
	}
}

// FreePages returns pages allocated by AllocatePages to conventional
// memory.
func (b *BootServices) FreePages(addr hostarch.PhysAddr, pages uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return Unsupported
	}
	d, ok := b.find(addr)
	if !ok || d.PhysicalStart != addr || d.NumberOfPages != pages {
		return NotFound
	}
	if d.Type == ConventionalMemory || d.Type == ReservedMemoryType || d.Type == MemoryMappedIO {
		return InvalidParameter
	}
	b.memoryMap.Delete(d)
	d.Type = ConventionalMemory

	// Coalesce with free neighbours.
	if prev, ok := b.find(d.PhysicalStart.Sub(1)); ok && prev.Type == ConventionalMemory && prev.End() == d.PhysicalStart {
		b.memoryMap.Delete(prev)
		d.PhysicalStart = prev.PhysicalStart
		d.NumberOfPages += prev.NumberOfPages
	}
	if next, ok := b.memoryMap.Get(MemoryDescriptor{PhysicalStart: d.End()}); ok && next.Type == ConventionalMemory {
		b.memoryMap.Delete(next)
		d.NumberOfPages += next.NumberOfPages
	}
	b.memoryMap.ReplaceOrInsert(d)
	b.mapKey++
	return nil
}

// GetMemoryMap copies the memory map into buf and returns the number of
// descriptors and the current map key. If buf is too small it returns
// BufferTooSmall and the number of descriptors needed.
func (b *BootServices) GetMemoryMap(buf []MemoryDescriptor) (int, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return 0, 0, Unsupported
	}
	n := b.memoryMap.Len()
	if len(buf) < n {
		return n, b.mapKey, BufferTooSmall
	}
	i := 0
	b.memoryMap.Ascend(func(d MemoryDescriptor) bool {
		buf[i] = d
		i++
		return true
	})
	return n, b.mapKey, nil
}

// ExitBootServices ends boot services. mapKey must be the key returned by
// the most recent GetMemoryMap: if the map changed since, the call fails
// with InvalidParameter and boot services remain available.
func (b *BootServices) ExitBootServices(mapKey uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return Unsupported
	}
	if mapKey != b.mapKey {
		return InvalidParameter
	}
	b.exited = true
	log.Debugf("firmware: boot services exited")
	return nil
}

// Exited returns true once ExitBootServices has succeeded.
func (b *BootServices) Exited() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exited
}
