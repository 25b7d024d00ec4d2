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

package physmem

import (
	"fmt"
	"unsafe"

	"noctis.dev/noctis/pkg/hostarch"
)

// Pointer returns a pointer to the size bytes at p, which must be aligned to
// align. The pointer stays valid until Close.
func (m *Memory) Pointer(p hostarch.PhysAddr, size, align uintptr) (unsafe.Pointer, error) {
	if !p.IsAligned(uint64(align)) {
		return nil, fmt.Errorf("physical address %v is not %#x aligned", p, align)
	}
	s, err := m.Slice(p, uint64(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(unsafe.SliceData(s)), nil
}

// PhysicalFor returns the physical address of ptr, which must point into m.
func (m *Memory) PhysicalFor(ptr unsafe.Pointer) (hostarch.PhysAddr, bool) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	addr := uintptr(ptr)
	if addr < base || addr >= base+uintptr(len(m.data)) {
		return 0, false
	}
	return hostarch.PhysAddr(addr - base), true
}
