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
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
)

// MemoryType is the type of a memory map descriptor.
type MemoryType uint32

// Memory types.
const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	ReservedMemoryType:      "Reserved",
	LoaderCode:              "LoaderCode",
	LoaderData:              "LoaderData",
	BootServicesCode:        "BootServicesCode",
	BootServicesData:        "BootServicesData",
	RuntimeServicesCode:     "RuntimeServicesCode",
	RuntimeServicesData:     "RuntimeServicesData",
	ConventionalMemory:      "Conventional",
	UnusableMemory:          "Unusable",
	ACPIReclaimMemory:       "ACPIReclaim",
	ACPIMemoryNVS:           "ACPINVS",
	MemoryMappedIO:          "MMIO",
	MemoryMappedIOPortSpace: "MMIOPortSpace",
	PalCode:                 "PalCode",
	PersistentMemory:        "Persistent",
}

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// FreeAfterExit returns true if memory of type t is free for the kernel
// once boot services have exited.
func (t MemoryType) FreeAfterExit() bool {
	switch t {
	case ConventionalMemory, BootServicesCode, BootServicesData:
		return true
	default:
		return false
	}
}

// Memory attributes.
const (
	MemoryUC = 0x1
	MemoryWC = 0x2
	MemoryWT = 0x4
	MemoryWB = 0x8
)

// MemoryDescriptor describes a range of physical memory.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart hostarch.PhysAddr
	NumberOfPages uint64
	Attribute     uint64
}

// Size returns the size of the range.
func (d MemoryDescriptor) Size() hostarch.MSize {
	return hostarch.MSize(d.NumberOfPages * hostarch.PageSize)
}

// End returns the first address past the range.
func (d MemoryDescriptor) End() hostarch.PhysAddr {
	return d.PhysicalStart.Add(d.Size())
}

// String implements fmt.Stringer.
func (d MemoryDescriptor) String() string {
	return fmt.Sprintf("%-16v %#016x-%#016x %#7x pages", d.Type, uint64(d.PhysicalStart), uint64(d.End()), d.NumberOfPages)
}
