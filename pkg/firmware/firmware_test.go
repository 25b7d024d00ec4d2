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

package firmware

import (
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"noctis.dev/noctis/pkg/hostarch"
)

const testMemory = 64 << 20

func newTestServices(t *testing.T) *BootServices {
	t.Helper()
	b, err := New(testMemory, fstest.MapFS{
		"kernel.elf": &fstest.MapFile{Data: []byte("\x7fELF")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func memoryMap(t *testing.T, b *BootServices) ([]MemoryDescriptor, uint64) {
	t.Helper()
	n, _, err := b.GetMemoryMap(nil)
	if !errors.Is(err, BufferTooSmall) {
		t.Fatalf("GetMemoryMap(nil) = %v, want BufferTooSmall", err)
	}
	buf := make([]MemoryDescriptor, n)
	n, key, err := b.GetMemoryMap(buf)
	if err != nil {
		t.Fatalf("GetMemoryMap: %v", err)
	}
	return buf[:n], key
}

// checkMap verifies that descriptors are sorted, page aligned and do not
// overlap.
func checkMap(t *testing.T, m []MemoryDescriptor) {
	t.Helper()
	for i, d := range m {
		if !d.PhysicalStart.IsPageAligned() || d.NumberOfPages == 0 {
			t.Errorf("descriptor %d = %v is malformed", i, d)
		}
		if i > 0 && m[i-1].End() > d.PhysicalStart {
			t.Errorf("descriptor %d = %v overlaps %v", i, d, m[i-1])
		}
	}
}

func TestStatus(t *testing.T) {
	if err := StatusToError(Success); err != nil {
		t.Errorf("StatusToError(Success) = %v, want nil", err)
	}
	err := StatusToError(NotFound)
	if !errors.Is(err, NotFound) {
		t.Errorf("StatusToError(NotFound) = %v, want NotFound", err)
	}
	if got, want := err.Error(), "firmware: NOT_FOUND"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, want := Status(errorBit|42).String(), "ERROR(42)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if Status(1).IsError() {
		t.Errorf("warning status reported as error")
	}
	if StatusToError(Status(1)) == nil {
		t.Errorf("StatusToError(warning) = nil, want error")
	}
}

func TestNewTooSmall(t *testing.T) {
	if _, err := New(MinMemorySize-hostarch.PageSize, nil); !errors.Is(err, InvalidParameter) {
		t.Errorf("New with too little memory = %v, want InvalidParameter", err)
	}
}

func TestInitialMap(t *testing.T) {
	b := newTestServices(t)
	m, _ := memoryMap(t, b)
	checkMap(t, m)
	if m[0].Type != ReservedMemoryType || m[0].PhysicalStart != 0 {
		t.Errorf("first descriptor = %v, want the reserved null page", m[0])
	}
	var free uint64
	for _, d := range m {
		if d.Type == ConventionalMemory {
			free += uint64(d.Size())
		}
	}
	if want := uint64(testMemory - firmwareEnd + lowMemoryEnd - hostarch.PageSize); free != want {
		t.Errorf("conventional memory = %#x, want %#x", free, want)
	}
	if last := m[len(m)-1]; last.Type != MemoryMappedIO || last.PhysicalStart != hostarch.LocalAPICBase {
		t.Errorf("last descriptor = %v, want the APIC page", last)
	}
}

func TestOpenVolume(t *testing.T) {
	b := newTestServices(t)
	vol, err := b.OpenVolume()
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	data, err := fs.ReadFile(vol, "kernel.elf")
	if err != nil || string(data) != "\x7fELF" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	nb, _ := New(testMemory, nil)
	if _, err := nb.OpenVolume(); !errors.Is(err, NotFound) {
		t.Errorf("OpenVolume without a volume = %v, want NotFound", err)
	}
}

func TestAllocateAddress(t *testing.T) {
	b := newTestServices(t)
	const addr = 0x40_0000
	got, err := b.AllocatePages(AllocateAddress, LoaderData, 3, addr)
	if err != nil || got != addr {
		t.Fatalf("AllocatePages = %v, %v, want %#x", got, err, addr)
	}
	m, _ := memoryMap(t, b)
	checkMap(t, m)
	var want []MemoryDescriptor
	for _, d := range m {
		if d.PhysicalStart >= firmwareEnd && d.PhysicalStart < 0x50_0000 {
			want = append(want, d)
		}
	}
	if diff := cmp.Diff([]MemoryDescriptor{
		{Type: ConventionalMemory, PhysicalStart: firmwareEnd, NumberOfPages: (addr - firmwareEnd) / hostarch.PageSize, Attribute: MemoryWB},
		{Type: LoaderData, PhysicalStart: addr, NumberOfPages: 3, Attribute: MemoryWB},
		{Type: ConventionalMemory, PhysicalStart: addr + 3*hostarch.PageSize, NumberOfPages: (testMemory - addr - 3*hostarch.PageSize) / hostarch.PageSize, Attribute: MemoryWB},
	}, want); diff != "" {
		t.Errorf("memory map mismatch (-want +got):\n%s", diff)
	}

	// The same range is no longer free.
	if _, err := b.AllocatePages(AllocateAddress, LoaderData, 1, addr+hostarch.PageSize); !errors.Is(err, NotFound) {
		t.Errorf("allocating an allocated page = %v, want NotFound", err)
	}
}

func TestAllocateAddressErrors(t *testing.T) {
	b := newTestServices(t)
	for _, tc := range []struct {
		name  string
		addr  hostarch.PhysAddr
		pages uint64
		t     MemoryType
		want  Status
	}{
		{name: "misaligned", addr: 0x40_0010, pages: 1, t: LoaderData, want: InvalidParameter},
		{name: "zero pages", addr: 0x40_0000, pages: 0, t: LoaderData, want: InvalidParameter},
		{name: "conventional type", addr: 0x40_0000, pages: 1, t: ConventionalMemory, want: InvalidParameter},
		{name: "firmware memory", addr: firmwareBase, pages: 1, t: LoaderData, want: NotFound},
		{name: "past the end", addr: testMemory - hostarch.PageSize, pages: 2, t: LoaderData, want: NotFound},
		{name: "no memory", addr: testMemory * 2, pages: 1, t: LoaderData, want: NotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := b.AllocatePages(AllocateAddress, tc.t, tc.pages, tc.addr); !errors.Is(err, tc.want) {
				t.Errorf("AllocatePages = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAllocateAny(t *testing.T) {
	b := newTestServices(t)
	a1, err := b.AllocatePages(AllocateAnyPages, LoaderData, 4, 0)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if want := hostarch.PhysAddr(testMemory - 4*hostarch.PageSize); a1 != want {
		t.Errorf("first allocation at %v, want %v", a1, want)
	}
	a2, err := b.AllocatePages(AllocateAnyPages, LoaderData, 1, 0)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if want := a1.Sub(hostarch.PageSize); a2 != want {
		t.Errorf("second allocation at %v, want %v", a2, want)
	}
	a3, err := b.AllocatePages(AllocateMaxAddress, LoaderData, 1, 0x80_0000-1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if want := hostarch.PhysAddr(0x80_0000 - hostarch.PageSize); a3 != want {
		t.Errorf("max address allocation at %v, want %v", a3, want)
	}
	if _, err := b.AllocatePages(AllocateAnyPages, LoaderData, testMemory/hostarch.PageSize, 0); !errors.Is(err, OutOfResources) {
		t.Errorf("oversized allocation = %v, want OutOfResources", err)
	}
	m, _ := memoryMap(t, b)
	checkMap(t, m)
}

func TestFreePagesCoalesces(t *testing.T) {
	b := newTestServices(t)
	before, _ := memoryMap(t, b)
	addr, err := b.AllocatePages(AllocateAddress, LoaderData, 16, 0x40_0000)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if err := b.FreePages(addr, 8); !errors.Is(err, NotFound) {
		t.Errorf("partial FreePages = %v, want NotFound", err)
	}
	if err := b.FreePages(addr, 16); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	after, _ := memoryMap(t, b)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("memory map after free mismatch (-want +got):\n%s", diff)
	}
	if err := b.FreePages(0, 1); !errors.Is(err, InvalidParameter) {
		t.Errorf("freeing reserved memory = %v, want InvalidParameter", err)
	}
}

func TestExitBootServices(t *testing.T) {
	b := newTestServices(t)
	_, key := memoryMap(t, b)
	if _, err := b.AllocatePages(AllocateAnyPages, LoaderData, 1, 0); err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if err := b.ExitBootServices(key); !errors.Is(err, InvalidParameter) {
		t.Errorf("ExitBootServices with a stale key = %v, want InvalidParameter", err)
	}
	if b.Exited() {
		t.Fatalf("boot services exited after a failed call")
	}
	_, key = memoryMap(t, b)
	if err := b.ExitBootServices(key); err != nil {
		t.Fatalf("ExitBootServices: %v", err)
	}
	if !b.Exited() {
		t.Errorf("Exited() = false")
	}
	if _, err := b.AllocatePages(AllocateAnyPages, LoaderData, 1, 0); !errors.Is(err, Unsupported) {
		t.Errorf("AllocatePages after exit = %v, want Unsupported", err)
	}
	if _, _, err := b.GetMemoryMap(nil); !errors.Is(err, Unsupported) {
		t.Errorf("GetMemoryMap after exit = %v, want Unsupported", err)
	}
}
