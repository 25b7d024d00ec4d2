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

// Package elfimage writes static x86-64 ELF executables.
//
// An image is a list of allocated sections grouped into loadable segments,
// plus a symbol table. The file layout keeps each section's file offset
// congruent to its address modulo the page size, so segments can be loaded
// by copying.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
)

const (
	headerSize  = 64
	progSize    = 56
	sectionSize = 64
	symbolSize  = 24
)

// Section is an allocated section.
type Section struct {
	Name string
	Addr hostarch.VirtAddr

	// Data is the contents. It is empty for NoBits sections.
	Data []byte

	// NoBits marks a zero-filled section with no file contents, such as
	// .bss. Its size is Size.
	NoBits bool
	Size   uint64

	Flags elf.SectionFlag
}

// size returns the in-memory size of s.
func (s *Section) size() uint64 {
	if s.NoBits {
		return s.Size
	}
	return uint64(len(s.Data))
}

// End returns the first address past s.
func (s *Section) End() hostarch.VirtAddr {
	return s.Addr.Add(hostarch.MSize(s.size()))
}

// Segment is a PT_LOAD segment covering consecutive sections. NoBits
// sections may only come last.
type Segment struct {
	Flags    elf.ProgFlag
	Sections []*Section
}

// Symbol is a symbol table entry.
type Symbol struct {
	Name    string
	Value   hostarch.VirtAddr
	Size    uint64
	Type    elf.SymType
	Section string
}

// Image describes an executable.
type Image struct {
	Entry hostarch.VirtAddr

	// PhysOffset is subtracted from virtual addresses to form the physical
	// load addresses of segments.
	PhysOffset uint64

	Segments []Segment
	Symbols  []Symbol
}

// strtab accumulates a string table.
type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: make(map[string]uint32)}
	t.buf.WriteByte(0)
	t.off[""] = 0
	return t
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Bytes encodes img.
func (img *Image) Bytes() ([]byte, error) {
	var sections []*Section
	index := make(map[string]int)
	for _, seg := range img.Segments {
		if len(seg.Sections) == 0 {
			return nil, fmt.Errorf("empty segment")
		}
		for i, s := range seg.Sections {
			if _, ok := index[s.Name]; ok {
				return nil, fmt.Errorf("duplicate section %s", s.Name)
			}
			if s.NoBits && i != len(seg.Sections)-1 {
				return nil, fmt.Errorf("section %s: no-bits section is not last in its segment", s.Name)
			}
			if i > 0 && s.Addr < seg.Sections[i-1].End() {
				return nil, fmt.Errorf("section %s at %v overlaps %s", s.Name, s.Addr, seg.Sections[i-1].Name)
			}
			// Section header index; 0 is the null section.
			index[s.Name] = len(sections) + 1
			sections = append(sections, s)
		}
	}

	// Lay out segment contents after the headers. Within a segment,
	// sections keep their relative addresses.
	off := uint64(headerSize + progSize*len(img.Segments))
	offsets := make([]uint64, 0, len(sections))
	for _, seg := range img.Segments {
		first := seg.Sections[0]
		segOff := alignUp(off, hostarch.PageSize) + uint64(first.Addr)%hostarch.PageSize
		for _, s := range seg.Sections {
			o := segOff + uint64(hostarch.SizeBetween(first.Addr, s.Addr))
			offsets = append(offsets, o)
			if s.NoBits {
				// The gap before a trailing no-bits section is in the file.
				off = o
			} else {
				off = o + uint64(len(s.Data))
			}
		}
	}

	shstr := newStrtab()
	str := newStrtab()

	// Symbol table: the null symbol, then everything else. All symbols
	// are global.
	var symtab bytes.Buffer
	binary.Write(&symtab, binary.LittleEndian, elf.Sym64{})
	for _, sym := range img.Symbols {
		shndx, ok := index[sym.Section]
		if !ok {
			return nil, fmt.Errorf("symbol %s: unknown section %q", sym.Name, sym.Section)
		}
		binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
			Name:  str.add(sym.Name),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, sym.Type),
			Shndx: uint16(shndx),
			Value: uint64(sym.Value),
			Size:  sym.Size,
		})
	}

	symtabOff := alignUp(off, 8)
	strtabOff := symtabOff + uint64(symtab.Len())
	strtabNameOff := shstr.add(".strtab")
	symtabNameOff := shstr.add(".symtab")
	shstrNameOff := shstr.add(".shstrtab")
	var shdrs []elf.Section64
	shdrs = append(shdrs, elf.Section64{})
	for i, s := range sections {
		typ := elf.SHT_PROGBITS
		if s.NoBits {
			typ = elf.SHT_NOBITS
		}
		shdrs = append(shdrs, elf.Section64{
			Name:      shstr.add(s.Name),
			Type:      uint32(typ),
			Flags:     uint64(s.Flags | elf.SHF_ALLOC),
			Addr:      uint64(s.Addr),
			Off:       offsets[i],
			Size:      s.size(),
			Addralign: 16,
		})
	}
	symtabIndex := len(shdrs)
	shdrs = append(shdrs, elf.Section64{
		Name:      symtabNameOff,
		Type:      uint32(elf.SHT_SYMTAB),
		Off:       symtabOff,
		Size:      uint64(symtab.Len()),
		Link:      uint32(symtabIndex + 1),
		Info:      1, // First global symbol.
		Addralign: 8,
		Entsize:   symbolSize,
	})
	shdrs = append(shdrs, elf.Section64{
		Name:      strtabNameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       strtabOff,
		Size:      uint64(str.buf.Len()),
		Addralign: 1,
	})
	shstrOff := strtabOff + uint64(str.buf.Len())
	shstrIndex := len(shdrs)
	shdrs = append(shdrs, elf.Section64{
		Name:      shstrNameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrOff,
		Addralign: 1,
	})
	shdrs[shstrIndex].Size = uint64(shstr.buf.Len())
	shoff := alignUp(shstrOff+uint64(shstr.buf.Len()), 8)

	var out bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     uint64(img.Entry),
		Phoff:     headerSize,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(img.Segments)),
		Shentsize: sectionSize,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  uint16(shstrIndex),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	binary.Write(&out, binary.LittleEndian, &hdr)

	for _, seg := range img.Segments {
		first, last := seg.Sections[0], seg.Sections[len(seg.Sections)-1]
		memsz := uint64(hostarch.SizeBetween(first.Addr, last.End()))
		filesz := memsz
		if last.NoBits {
			filesz = uint64(hostarch.SizeBetween(first.Addr, last.Addr))
		}
		binary.Write(&out, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    offsets[index[first.Name]-1],
			Vaddr:  uint64(first.Addr),
			Paddr:  uint64(first.Addr) - img.PhysOffset,
			Filesz: filesz,
			Memsz:  memsz,
			Align:  hostarch.PageSize,
		})
	}

	pad := func(to uint64) {
		for uint64(out.Len()) < to {
			out.WriteByte(0)
		}
	}
	for i, s := range sections {
		if s.NoBits {
			continue
		}
		pad(offsets[i])
		out.Write(s.Data)
	}
	pad(symtabOff)
	out.Write(symtab.Bytes())
	out.Write(str.buf.Bytes())
	out.Write(shstr.buf.Bytes())
	pad(shoff)
	for _, sh := range shdrs {
		binary.Write(&out, binary.LittleEndian, sh)
	}
	return out.Bytes(), nil
}

// Symbols returns the symbol table of an ELF file, keyed by name.
func Symbols(data []byte) (map[string]hostarch.VirtAddr, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	m := make(map[string]hostarch.VirtAddr, len(syms))
	for _, s := range syms {
		m[s.Name] = hostarch.VirtAddr(s.Value)
	}
	return m, nil
}
