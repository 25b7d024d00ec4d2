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

// Package bootloader loads the kernel image and hands control to it.
//
// The loader runs as a firmware application: it reads the kernel ELF from
// the boot volume, copies its loadable segments to the physical addresses
// they are linked for, allocates the boot stack and the kernel heap,
// records the memory map in a region table, exits boot services and calls
// the kernel entry point. Any failure is fatal to the boot.
package bootloader

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"

	"noctis.dev/noctis/pkg/bootinfo"
	"noctis.dev/noctis/pkg/firmware"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/physmem"
)

// Defaults.
const (
	KernelFile      = "kernel.elf"
	KernelStackSize = 0x4000
	KernelHeapSize  = 0x1000000
)

// FirmwareStack is the top of the stack the firmware runs the loader on.
// It is identity mapped until the kernel loads its own page tables.
const FirmwareStack hostarch.VirtAddr = 0x20_0000

var (
	// ErrKernelNotFound is returned when the boot volume has no kernel.
	ErrKernelNotFound = errors.New("kernel image not found")

	// ErrBadImage is returned for files that are not x86-64 executables.
	ErrBadImage = errors.New("not an x86-64 ELF executable")

	// ErrNoLoadableSegments is returned for images with nothing to load.
	ErrNoLoadableSegments = errors.New("kernel image has no loadable segments")
)

// Opts configures a Loader.
type Opts struct {
	// KernelFile is the name of the kernel on the boot volume. Empty
	// means KernelFile.
	KernelFile string

	// StackSize and HeapSize are the sizes of the kernel boot stack and
	// heap. Zero means the defaults.
	StackSize hostarch.MSize
	HeapSize  hostarch.MSize
}

// Segment is a loaded PT_LOAD segment.
type Segment struct {
	Virt     hostarch.VirtAddr
	Phys     hostarch.PhysAddr
	FileSize uint64
	MemSize  uint64
	Flags    elf.ProgFlag

	// off is the file offset of the segment contents.
	off uint64
}

// String implements fmt.Stringer.
func (s Segment) String() string {
	return fmt.Sprintf("%v -> %v filesz %#x memsz %#x %v", s.Virt, s.Phys, s.FileSize, s.MemSize, s.Flags)
}

// Image is a kernel image loaded into physical memory.
type Image struct {
	// Data is the image file.
	Data []byte

	// Entry is the kernel entry point.
	Entry hostarch.VirtAddr

	Segments []Segment

	// Base and End bound the physical memory the image occupies.
	Base hostarch.PhysAddr
	End  hostarch.PhysAddr
}

// Loader is the boot loader.
type Loader struct {
	bs   *firmware.BootServices
	mem  *physmem.Memory
	opts Opts
}

// New returns a loader using the given boot services and memory.
func New(bs *firmware.BootServices, mem *physmem.Memory, opts Opts) *Loader {
	if opts.KernelFile == "" {
		opts.KernelFile = KernelFile
	}
	if opts.StackSize == 0 {
		opts.StackSize = KernelStackSize
	}
	if opts.HeapSize == 0 {
		opts.HeapSize = KernelHeapSize
	}
	return &Loader{bs: bs, mem: mem, opts: opts}
}

// ReadKernel reads the kernel file from the boot volume.
func (l *Loader) ReadKernel() ([]byte, error) {
	vol, err := l.bs.OpenVolume()
	if err != nil {
		return nil, fmt.Errorf("opening boot volume: %w", err)
	}
	info, err := fs.Stat(vol, l.opts.KernelFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKernelNotFound, l.opts.KernelFile, firmware.NotFound)
	}
	log.Infof("Kernel File Size: %#018x", info.Size())
	data, err := fs.ReadFile(vol, l.opts.KernelFile)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %v", l.opts.KernelFile, firmware.DeviceError, err)
	}
	return data, nil
}

// Load parses an ELF image and copies its loadable segments into memory.
// Each segment is placed at its physical address, and the bytes between
// its file size and memory size are zeroed.
func (l *Loader) Load(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: class %v, machine %v, type %v", ErrBadImage, f.Class, f.Machine, f.Type)
	}

	img := &Image{
		Data:  data,
		Entry: hostarch.VirtAddr(f.Entry),
		Base:  hostarch.PhysAddr(^uint64(0)),
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("%w: segment at %#x has filesz %#x > memsz %#x", ErrBadImage, p.Vaddr, p.Filesz, p.Memsz)
		}
		if p.Off+p.Filesz < p.Off || p.Off+p.Filesz > uint64(len(data)) {
			return nil, fmt.Errorf("%w: segment at %#x extends past the end of the file", ErrBadImage, p.Vaddr)
		}
		s := Segment{
			Virt:     hostarch.VirtAddr(p.Vaddr),
			Phys:     hostarch.PhysAddr(p.Paddr),
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
			Flags:    p.Flags,
			off:      p.Off,
		}
		end, ok := s.Phys.AddLength(hostarch.MSize(p.Memsz))
		if !ok {
			return nil, fmt.Errorf("%w: segment %v wraps", ErrBadImage, s)
		}
		img.Segments = append(img.Segments, s)
		img.Base = min(img.Base, s.Phys)
		img.End = max(img.End, end)
	}
	if len(img.Segments) == 0 {
		return nil, ErrNoLoadableSegments
	}
	log.Infof("Kernel Entry Point: %#018x", uint64(img.Entry))

	base := img.Base.RoundDown()
	pages := uint64(hostarch.SizeBetween(base, img.End).RoundUp()) / hostarch.PageSize
	if _, err := l.bs.AllocatePages(firmware.AllocateAddress, firmware.LoaderCode, pages, base); err != nil {
		return nil, fmt.Errorf("allocating %d pages for the kernel at %v: %w", pages, base, err)
	}
	for i, s := range img.Segments {
		if err := l.mem.Write(s.Phys, data[s.off:s.off+s.FileSize]); err != nil {
			return nil, fmt.Errorf("copying segment %d: %w", i, err)
		}
		if err := l.mem.Zero(s.Phys.Add(hostarch.MSize(s.FileSize)), s.MemSize-s.FileSize); err != nil {
			return nil, fmt.Errorf("zeroing segment %d: %w", i, err)
		}
		log.Debugf("loaded segment %v", s)
	}
	return img, nil
}

// allocate returns size bytes of loader data.
func (l *Loader) allocate(size hostarch.MSize) (hostarch.PhysAddr, error) {
	return l.bs.AllocatePages(firmware.AllocateAnyPages, firmware.LoaderData, uint64(size.RoundUp())/hostarch.PageSize, 0)
}

// Regions converts a firmware memory map to a region table. Memory the
// firmware gives back after ExitBootServices is usable; memory the loader
// allocated holds the kernel and is reserved.
func Regions(m []firmware.MemoryDescriptor) (*bootinfo.MemoryRegionArray, error) {
	var a bootinfo.MemoryRegionArray
	for _, d := range m {
		kind := bootinfo.Reserved
		if d.Type.FreeAfterExit() {
			kind = bootinfo.Usable
		}
		if err := a.Add(bootinfo.MemoryRegion{Base: d.PhysicalStart, Length: d.Size(), Kind: kind}); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// memoryMap returns the current memory map and its key.
func (l *Loader) memoryMap() ([]firmware.MemoryDescriptor, uint64, error) {
	n, _, err := l.bs.GetMemoryMap(nil)
	if err != nil && !errors.Is(err, firmware.BufferTooSmall) {
		return nil, 0, fmt.Errorf("getting memory map size: %w", err)
	}
	// Leave room for descriptors added by allocations in between.
	buf := make([]firmware.MemoryDescriptor, n+4)
	n, key, err := l.bs.GetMemoryMap(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("getting memory map: %w", err)
	}
	return buf[:n], key, nil
}

// Prepare loads the kernel, allocates its stack, heap and region table,
// captures the memory map and exits boot services. It returns the image
// and the entry arguments.
func (l *Loader) Prepare() (*Image, bootinfo.Handoff, error) {
	data, err := l.ReadKernel()
	if err != nil {
		return nil, bootinfo.Handoff{}, err
	}
	img, err := l.Load(data)
	if err != nil {
		return nil, bootinfo.Handoff{}, err
	}

	stack, err := l.allocate(l.opts.StackSize)
	if err != nil {
		return nil, bootinfo.Handoff{}, fmt.Errorf("allocating kernel stack: %w", err)
	}
	heap, err := l.allocate(l.opts.HeapSize)
	if err != nil {
		return nil, bootinfo.Handoff{}, fmt.Errorf("allocating kernel heap: %w", err)
	}
	// The table must be allocated before the final memory map is taken.
	table, err := l.allocate(bootinfo.ArraySize)
	if err != nil {
		return nil, bootinfo.Handoff{}, fmt.Errorf("allocating region table: %w", err)
	}

	m, key, err := l.memoryMap()
	if err != nil {
		return nil, bootinfo.Handoff{}, err
	}
	regions, err := Regions(m)
	if err != nil {
		return nil, bootinfo.Handoff{}, err
	}
	if err := l.mem.Write(table, regions.Bytes()); err != nil {
		return nil, bootinfo.Handoff{}, fmt.Errorf("writing region table: %w", err)
	}
	if err := l.bs.ExitBootServices(key); err != nil {
		return nil, bootinfo.Handoff{}, fmt.Errorf("exiting boot services: %w", err)
	}

	h := bootinfo.Handoff{
		Stack:    stack.Add(l.opts.StackSize.RoundUp()).VirtAddr(),
		HeapBase: heap.VirtAddr(),
		HeapSize: l.opts.HeapSize,
		Regions:  table.VirtAddr(),
	}
	log.Infof("Handoff: %v", h)
	return img, h, nil
}

// Processor runs code at an entry point.
type Processor interface {
	Run(ctx context.Context, entry, stack hostarch.VirtAddr, args ...uint64) error
}

// Start calls the kernel entry point on the firmware stack. It returns only
// when the processor stops.
func Start(ctx context.Context, p Processor, img *Image, h bootinfo.Handoff) error {
	return p.Run(ctx, img.Entry, FirmwareStack, h.Args()...)
}
