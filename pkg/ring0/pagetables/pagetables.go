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

// Package pagetables builds and walks x86-64 four-level page tables.
//
// Nodes are allocated lazily through an Allocator and are never freed: a
// node is valid exactly as long as the PageTables that reaches it.
package pagetables

import (
	"errors"
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/sync"
)

// Errors returned by Map.
var (
	// ErrAlreadyAllocated is returned when a mapping would replace an
	// existing entry of a different kind: a leaf where a table is needed,
	// or a table where a leaf is needed.
	ErrAlreadyAllocated = errors.New("page table entry is already allocated")

	// ErrNonCanonical is returned for ranges that are not entirely within
	// one canonical half of the address space.
	ErrNonCanonical = errors.New("range is not canonical")
)

// Table levels, counted from the leaf.
const (
	levelPT   = 1
	levelPD   = 2
	levelPDPT = 3
	levelPML4 = 4
)

const (
	pteSize = 1 << 12
	pmdSize = 1 << 21
	pudSize = 1 << 30
	pgdSize = 1 << 39

	// upperBottom is the lowest canonical address of the upper half.
	upperBottom = 0xffff_8000_0000_0000
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new, zeroed set of PTEs.
	//
	// Exhaustion is fatal: there is no frame allocator to fall back to.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs
}

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	mu sync.SpinLock

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr

	// nodes counts the nodes allocated by this set of tables, including
	// the root.
	nodes int
}

// New returns new PageTables with an empty root.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	p.root = a.NewPTEs()
	p.rootPhysical = a.PhysicalFor(p.root)
	p.nodes = 1
	return p
}

// CR3 returns the value to load into CR3 to activate these tables.
//
// The tables must remain reachable for as long as they are active.
func (p *PageTables) CR3() uint64 {
	return uint64(p.rootPhysical)
}

// Nodes returns the number of nodes allocated by these tables.
func (p *PageTables) Nodes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes
}

// next returns the next address quantized by the given size. It returns 0
// past the top of the address space.
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}

// sign returns the canonical half selector of addr.
func sign(addr uint64) uint64 {
	return addr >> 47 & 1
}

// Map maps the byte range [virt, virt+size), rounded up to whole pages, to
// physical memory starting at phys.
//
// virt and phys must be page aligned. If attr requests huge pages and virt,
// phys and the page count are all 1 GiB aligned, each gigabyte is mapped by
// a single PDPT entry. Otherwise 4 KiB pages are used. Intermediate tables
// are allocated on first use.
//
// Map either installs every page or changes nothing: conflicts with existing
// entries are detected before any entry is written. Remapping a range with
// identical arguments is a no-op.
func (p *PageTables) Map(virt hostarch.VirtAddr, phys hostarch.PhysAddr, size hostarch.MSize, attr Attr) error {
	if !virt.IsPageAligned() || !phys.IsPageAligned() {
		return fmt.Errorf("%w: map %v -> %v", ErrMisaligned, virt, phys)
	}
	pages := size.Pages()
	if pages == 0 {
		return nil
	}
	length := hostarch.MSize(pages << hostarch.PageShift)
	last, ok := virt.AddLength(length - 1)
	if !ok || !virt.IsCanonical() || !last.IsCanonical() || sign(uint64(virt)) != sign(uint64(last)) {
		return fmt.Errorf("%w: [%v, +%v)", ErrNonCanonical, virt, length)
	}
	if _, ok := phys.AddLength(length - 1); !ok {
		return fmt.Errorf("physical range [%v, +%v) wraps", phys, length)
	}

	huge := attr.Huge() &&
		virt.IsAligned(hostarch.HugePageSize) &&
		phys.IsAligned(hostarch.HugePageSize) &&
		pages%hostarch.PagesPerHugePage == 0

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConflicts(uint64(virt), uint64(last), huge); err != nil {
		return err
	}
	if huge {
		return p.mapHuge(virt, phys, pages/hostarch.PagesPerHugePage, attr)
	}
	return p.mapPages(virt, phys, pages, attr&^super)
}

// checkConflicts walks [start, last] without allocating and reports entries
// that Map could not overwrite.
//
// Precondition: p.mu must be held.
func (p *PageTables) checkConflicts(start, last uint64, huge bool) error {
	for {
		step := uint64(pmdSize)
		pgdEntry := &p.root[hostarch.VirtAddr(start).Index(levelPML4)]
		switch {
		case !pgdEntry.Valid():
			step = pgdSize
		case pgdEntry.IsSuper():
			return fmt.Errorf("%w: PML4 entry for %#x is a leaf", ErrAlreadyAllocated, start)
		default:
			pudEntries := p.Allocator.LookupPTEs(uintptr(pgdEntry.Address()))
			pudEntry := &pudEntries[hostarch.VirtAddr(start).Index(levelPDPT)]
			switch {
			case huge && pudEntry.Valid() && !pudEntry.IsSuper():
				return fmt.Errorf("%w: PDPT entry for %#x references a table", ErrAlreadyAllocated, start)
			case huge || !pudEntry.Valid():
				step = pudSize
			case pudEntry.IsSuper():
				return fmt.Errorf("%w: PDPT entry for %#x is a 1GiB page", ErrAlreadyAllocated, start)
			default:
				pmdEntries := p.Allocator.LookupPTEs(uintptr(pudEntry.Address()))
				pmdEntry := &pmdEntries[hostarch.VirtAddr(start).Index(levelPD)]
				if pmdEntry.Valid() && pmdEntry.IsSuper() {
					return fmt.Errorf("%w: PD entry for %#x is a 2MiB page", ErrAlreadyAllocated, start)
				}
			}
		}
		n := next(start, step)
		if n == 0 || n > last {
			// The top of the address space or the end of the range.
			return nil
		}
		start = n
	}
}

// nextLevel returns the node referenced by entry index of ptes, allocating
// it if the entry is empty.
//
// Precondition: p.mu must be held.
func (p *PageTables) nextLevel(ptes *PTEs, index int) (*PTEs, error) {
	entry := &ptes[index]
	if entry.Valid() {
		if entry.IsSuper() {
			return nil, fmt.Errorf("%w: entry %d is a leaf", ErrAlreadyAllocated, index)
		}
		return p.Allocator.LookupPTEs(uintptr(entry.Address())), nil
	}
	child := p.Allocator.NewPTEs()
	if err := entry.setPageTable(p, child); err != nil {
		return nil, err
	}
	p.nodes++
	return child, nil
}

// walkAlloc returns the leaf node covering virt, allocating intermediate
// nodes as needed.
//
// Precondition: p.mu must be held.
func (p *PageTables) walkAlloc(virt hostarch.VirtAddr) (*PTEs, error) {
	pudEntries, err := p.nextLevel(p.root, virt.Index(levelPML4))
	if err != nil {
		return nil, err
	}
	pmdEntries, err := p.nextLevel(pudEntries, virt.Index(levelPDPT))
	if err != nil {
		return nil, err
	}
	return p.nextLevel(pmdEntries, virt.Index(levelPD))
}

// mapPages installs count 4 KiB entries.
//
// Precondition: p.mu must be held.
func (p *PageTables) mapPages(virt hostarch.VirtAddr, phys hostarch.PhysAddr, count uint64, attr Attr) error {
	var pteEntries *PTEs
	for i := uint64(0); i < count; i++ {
		v := virt + hostarch.VirtAddr(i<<hostarch.PageShift)
		// Walk again whenever we cross into a new leaf node.
		if pteEntries == nil || v.Index(levelPT) == 0 {
			var err error
			if pteEntries, err = p.walkAlloc(v); err != nil {
				return err
			}
		}
		if err := pteEntries[v.Index(levelPT)].Set(uint64(phys)+i<<hostarch.PageShift, attr); err != nil {
			return err
		}
	}
	return nil
}

// mapHuge installs count 1 GiB entries.
//
// Precondition: p.mu must be held.
func (p *PageTables) mapHuge(virt hostarch.VirtAddr, phys hostarch.PhysAddr, count uint64, attr Attr) error {
	for i := uint64(0); i < count; i++ {
		v := virt + hostarch.VirtAddr(i<<hostarch.HugePageShift)
		pudEntries, err := p.nextLevel(p.root, v.Index(levelPML4))
		if err != nil {
			return err
		}
		if err := pudEntries[v.Index(levelPDPT)].Set(uint64(phys)+i<<hostarch.HugePageShift, attr|super); err != nil {
			return err
		}
	}
	return nil
}

// DuplicateKernel returns new PageTables whose root holds a copy of every
// present root entry of p.
//
// Lower levels are shared, not copied: changes below the root made through
// either set are visible through both. Root entries added to p afterwards
// are not propagated.
func (p *PageTables) DuplicateKernel() *PageTables {
	np := New(p.Allocator)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.root {
		if p.root[i].Valid() {
			np.root[i] = p.root[i]
		}
	}
	return np
}

// RootEntry returns root entry index.
func (p *PageTables) RootEntry(index int) PTE {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root[index]
}

// Lookup translates virt. size is the size of the page mapping it. ok is
// false if virt is not mapped.
func (p *PageTables) Lookup(virt hostarch.VirtAddr) (phys hostarch.PhysAddr, attr Attr, size hostarch.MSize, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ptes := p.root
	for level := levelPML4; level >= levelPT; level-- {
		entry := &ptes[virt.Index(level)]
		if !entry.Valid() {
			return 0, 0, 0, false
		}
		shift := hostarch.PageShift + 9*uint(level-1)
		if level == levelPT || (entry.IsSuper() && level <= levelPDPT) {
			offset := uint64(virt) & (1<<shift - 1)
			return hostarch.PhysAddr(entry.Address() + offset), entry.Attr(), hostarch.MSize(1 << shift), true
		}
		ptes = p.Allocator.LookupPTEs(uintptr(entry.Address()))
	}
	return 0, 0, 0, false
}

// Visit calls fn for every leaf entry, in increasing virtual address order.
func (p *PageTables) Visit(fn func(virt hostarch.VirtAddr, phys hostarch.PhysAddr, size hostarch.MSize, attr Attr)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visit(p.root, levelPML4, 0, fn)
}

func (p *PageTables) visit(ptes *PTEs, level int, base uint64, fn func(hostarch.VirtAddr, hostarch.PhysAddr, hostarch.MSize, Attr)) {
	shift := hostarch.PageShift + 9*uint(level-1)
	for i := range ptes {
		entry := &ptes[i]
		if !entry.Valid() {
			continue
		}
		addr := base | uint64(i)<<shift
		if level == levelPML4 && addr >= 1<<47 {
			addr |= upperBottom
		}
		if level == levelPT || (entry.IsSuper() && level <= levelPDPT) {
			fn(hostarch.VirtAddr(addr), hostarch.PhysAddr(entry.Address()), hostarch.MSize(1<<shift), entry.Attr())
			continue
		}
		p.visit(p.Allocator.LookupPTEs(uintptr(entry.Address())), level-1, addr, fn)
	}
}
