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

package kernel

import (
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/ring0/pagetables"
)

// mapping is one range of the kernel page table.
type mapping struct {
	name string
	virt hostarch.VirtAddr
	phys hostarch.PhysAddr
	size hostarch.MSize
	attr pagetables.Attr
}

// kernelMappings returns the ranges of the kernel page table: all of
// physical memory at the linear map, the image sections at the kernel code
// base and the local APIC registers.
func kernelMappings(l *Layout) []mapping {
	section := func(name string, start, end hostarch.VirtAddr, attr pagetables.Attr) mapping {
		return mapping{name: name, virt: start, phys: Phys(start), size: hostarch.SizeBetween(start, end), attr: attr}
	}
	return []mapping{
		{name: "linear map", virt: hostarch.LinearMapBase, phys: 0, size: hostarch.LinearMapSize, attr: pagetables.ReadWriteKernel1GiB},
		section(".text", l.Text, l.TextEnd, pagetables.ReadExecuteKernel),
		section(".rodata", l.Rodata, l.RodataEnd, pagetables.ReadKernel),
		section(".data .bss", l.Data, l.BSSEnd, pagetables.ReadWriteKernel),
		{name: "local APIC", virt: hostarch.LocalAPICBase, phys: hostarch.LocalAPICBase, size: hostarch.PageSize, attr: pagetables.ReadWriteKernelIO},
	}
}

// initPaging builds the kernel page table on the heap and loads it.
func (k *Kernel) initPaging() (*pagetables.PageTables, error) {
	pt := pagetables.New(&pagetables.HeapAllocator{Heap: &k.heap, Memory: k.m.Memory()})
	log.Infof("Paging initialized with PML4 at %#x", pt.CR3())
	for _, mp := range kernelMappings(k.layout) {
		if err := pt.Map(mp.virt, mp.phys, mp.size, mp.attr); err != nil {
			return nil, fmt.Errorf("mapping %s: %w", mp.name, err)
		}
		log.Debugf("mapped %s: %v -> %v, %v, %v", mp.name, mp.virt, mp.phys, mp.size, mp.attr)
	}
	k.m.LoadCR3(pt.CR3())
	return pt, nil
}
