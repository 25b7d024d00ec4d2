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

package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// LargePageShift is the binary log of the 2 MiB page size.
	LargePageShift = 21

	// LargePageSize is the size of a PD-level leaf.
	LargePageSize = 1 << LargePageShift

	// HugePageShift is the binary log of the 1 GiB page size.
	HugePageShift = 30

	// HugePageSize is the size of a PDPT-level leaf.
	HugePageSize = 1 << HugePageShift

	// EntriesPerTable is the number of entries in one page table node.
	EntriesPerTable = 512

	// PagesPerHugePage is the number of base pages covered by a huge page.
	PagesPerHugePage = HugePageSize / PageSize
)

// The kernel's fixed virtual layout.
const (
	// LinearMapBase is the virtual address at which all of physical memory
	// is mapped.
	LinearMapBase VirtAddr = 0xffff_8880_0000_0000

	// LinearMapSize is the extent of the linear map.
	LinearMapSize = 0x80_0000_0000

	// KernelCodeBase is the virtual address the kernel image is linked at.
	// A section linked at KernelCodeBase+x is loaded at physical x.
	KernelCodeBase VirtAddr = 0xffff_ffff_8000_0000

	// LocalAPICBase is the physical and virtual address of the local APIC
	// register page.
	LocalAPICBase = 0xfee0_0000
)
