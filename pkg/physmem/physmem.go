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

// Package physmem provides the physical memory of a machine.
//
// Memory is backed by a private anonymous host mapping, so it is page
// aligned and lives outside the Go heap. Page table nodes and other
// hardware structures can therefore be reinterpreted in place.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"noctis.dev/noctis/pkg/hostarch"
)

// ErrOutOfRange is returned for accesses beyond the end of memory.
var ErrOutOfRange = errors.New("physical address out of range")

// Memory is a contiguous range of physical memory starting at address zero.
type Memory struct {
	data []byte
}

// New allocates size bytes of zeroed physical memory. size is rounded up to
// a whole number of pages.
func New(size hostarch.MSize) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("physical memory size must be non-zero")
	}
	data, err := unix.Mmap(-1,
		0,
		int(size.RoundUp()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %v of physical memory: %v", size, err)
	}
	return &Memory{data: data}, nil
}

// Close releases the backing mapping. The memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the size of memory in bytes.
func (m *Memory) Size() hostarch.MSize {
	return hostarch.MSize(len(m.data))
}

// Contains returns true if [p, p+n) is backed by memory.
func (m *Memory) Contains(p hostarch.PhysAddr, n uint64) bool {
	end, ok := p.AddLength(hostarch.MSize(n))
	return ok && uint64(end) <= uint64(len(m.data))
}

// Slice returns the n bytes at p. The slice aliases memory.
func (m *Memory) Slice(p hostarch.PhysAddr, n uint64) ([]byte, error) {
	if !m.Contains(p, n) {
		return nil, fmt.Errorf("%w: [%v, +%#x)", ErrOutOfRange, p, n)
	}
	return m.data[p : uint64(p)+n : uint64(p)+n], nil
}

// Read copies len(b) bytes at p into b.
func (m *Memory) Read(p hostarch.PhysAddr, b []byte) error {
	s, err := m.Slice(p, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(b, s)
	return nil
}

// Write copies b to p.
func (m *Memory) Write(p hostarch.PhysAddr, b []byte) error {
	s, err := m.Slice(p, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(s, b)
	return nil
}

// Zero clears n bytes at p.
func (m *Memory) Zero(p hostarch.PhysAddr, n uint64) error {
	s, err := m.Slice(p, n)
	if err != nil {
		return err
	}
	clear(s)
	return nil
}

// Read64 loads the little-endian 64-bit word at p.
func (m *Memory) Read64(p hostarch.PhysAddr) (uint64, error) {
	s, err := m.Slice(p, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s), nil
}

// Write64 stores v as a little-endian 64-bit word at p.
func (m *Memory) Write64(p hostarch.PhysAddr, v uint64) error {
	s, err := m.Slice(p, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s, v)
	return nil
}

// Read32 loads the little-endian 32-bit word at p.
func (m *Memory) Read32(p hostarch.PhysAddr) (uint32, error) {
	s, err := m.Slice(p, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s), nil
}

// Write32 stores v as a little-endian 32-bit word at p.
func (m *Memory) Write32(p hostarch.PhysAddr, v uint32) error {
	s, err := m.Slice(p, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(s, v)
	return nil
}
