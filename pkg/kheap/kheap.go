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

// Package kheap implements the kernel heap: a bump allocator over a fixed
// virtual range.
//
// Memory handed out by the heap is never reused. Free is accepted and
// logged but does nothing, so the total volume allocated over the lifetime
// of the kernel is bounded by the heap size.
package kheap

import (
	"errors"
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/sync"
)

// ErrOutOfMemory is returned when the heap cannot satisfy an allocation.
var ErrOutOfMemory = errors.New("kernel heap exhausted")

// Heap is a bump allocator. The zero value is an empty heap; call Init
// before allocating.
type Heap struct {
	mu sync.SpinLock

	// start and end bound the heap. next is the first free byte.
	start hostarch.VirtAddr
	next  hostarch.VirtAddr
	end   hostarch.VirtAddr

	// allocs counts successful allocations.
	allocs uint64
}

// Init sets the heap range to [base, base+size).
func (h *Heap) Init(base hostarch.VirtAddr, size hostarch.MSize) error {
	end, ok := base.AddLength(size)
	if !ok {
		return fmt.Errorf("heap [%v, +%v) wraps the address space", base, size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start, h.next, h.end = base, base, end
	h.allocs = 0
	log.Infof("Heap initialized at %v, size %v", base, size)
	return nil
}

// Alloc returns size bytes aligned to align, which must be a power of two.
func (h *Heap) Alloc(size hostarch.MSize, align uint64) (hostarch.VirtAddr, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	start := (h.next + hostarch.VirtAddr(align-1)) &^ hostarch.VirtAddr(align-1)
	if start < h.next {
		return 0, fmt.Errorf("%w: aligning %v to %#x overflows", ErrOutOfMemory, h.next, align)
	}
	end, ok := start.AddLength(size)
	if !ok || end > h.end {
		return 0, fmt.Errorf("%w: %v requested, %v free", ErrOutOfMemory, size, hostarch.SizeBetween(h.next, h.end))
	}
	h.next = end
	h.allocs++
	log.Debugf("alloc: %v bytes at %v (align %#x)", size, start, align)
	return start, nil
}

// Free releases memory returned by Alloc. The bump allocator never reuses
// memory, so this only records the call.
func (h *Heap) Free(addr hostarch.VirtAddr, size hostarch.MSize) {
	log.Debugf("dealloc: %v bytes at %v ignored", size, addr)
}

// Used returns the number of bytes handed out, including alignment padding.
func (h *Heap) Used() hostarch.MSize {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostarch.SizeBetween(h.start, h.next)
}

// Remaining returns the number of bytes not yet handed out.
func (h *Heap) Remaining() hostarch.MSize {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostarch.SizeBetween(h.next, h.end)
}

// Allocations returns the number of successful allocations.
func (h *Heap) Allocations() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs
}

// Contains returns true if addr lies within the heap range.
func (h *Heap) Contains(addr hostarch.VirtAddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return addr >= h.start && addr < h.end
}
