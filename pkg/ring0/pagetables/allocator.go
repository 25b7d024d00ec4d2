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
	"fmt"
	"unsafe"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kheap"
	"noctis.dev/noctis/pkg/physmem"
)

// runtimeNode is a page table node on the Go heap.
type runtimeNode struct {
	// unalignedData has unaligned data. We can't rely on the runtime to
	// give us page-aligned objects, so we over-allocate and use the
	// portion that is aligned.
	unalignedData [(2 * hostarch.PageSize) - 1]byte
}

// ptes returns the aligned PTEs within the node.
func (n *runtimeNode) ptes() *PTEs {
	addr := uintptr(unsafe.Pointer(&n.unalignedData[0]))
	offset := -addr & (hostarch.PageSize - 1)
	return (*PTEs)(unsafe.Pointer(&n.unalignedData[offset]))
}

// RuntimeAllocator allocates nodes from the Go heap. Physical addresses are
// host virtual addresses, so tables built with it can be inspected but not
// walked by a machine.
type RuntimeAllocator struct {
	nodes map[uintptr]*runtimeNode
}

// NewRuntimeAllocator returns an allocator that uses the runtime.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{nodes: make(map[uintptr]*runtimeNode)}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	n := new(runtimeNode)
	ptes := n.ptes()
	r.nodes[uintptr(unsafe.Pointer(ptes))] = n
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes))
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	n, ok := r.nodes[physical]
	if !ok {
		panic(fmt.Sprintf("no page table node at %#x", physical))
	}
	return n.ptes()
}

// HeapAllocator carves nodes out of the kernel heap. The heap must lie in
// the linear map; nodes are reached through their linear-map alias, which
// is modelled by direct access to physical memory.
type HeapAllocator struct {
	Heap   *kheap.Heap
	Memory *physmem.Memory
}

// NewPTEs implements Allocator.NewPTEs. It panics if the heap is exhausted.
func (h *HeapAllocator) NewPTEs() *PTEs {
	virt, err := h.Heap.Alloc(hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("allocating page table node: %v", err))
	}
	phys, ok := virt.PhysAddr()
	if !ok {
		panic(fmt.Sprintf("heap address %v is outside the linear map", virt))
	}
	ptes := h.LookupPTEs(uintptr(phys))
	*ptes = PTEs{}
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (h *HeapAllocator) PhysicalFor(ptes *PTEs) uintptr {
	phys, ok := h.Memory.PhysicalFor(unsafe.Pointer(ptes))
	if !ok {
		panic(fmt.Sprintf("page table node %p is not in physical memory", ptes))
	}
	return uintptr(phys)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (h *HeapAllocator) LookupPTEs(physical uintptr) *PTEs {
	ptr, err := h.Memory.Pointer(hostarch.PhysAddr(physical), unsafe.Sizeof(PTEs{}), hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("page table node: %v", err))
	}
	return (*PTEs)(ptr)
}
