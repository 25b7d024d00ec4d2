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

package kernel

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"noctis.dev/noctis/pkg/elfimage"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/machine"
)

// Image layout.
const (
	// LoadAddress is the physical address the image is loaded at.
	LoadAddress hostarch.PhysAddr = 0x40_0000

	// ImageBase is the virtual address of the first section.
	ImageBase = hostarch.KernelCodeBase + hostarch.VirtAddr(LoadAddress)

	// TextArenaSize is the part of .text reserved for routines placed at
	// run time.
	TextArenaSize = 2 * hostarch.PageSize

	// BSSSize is the size of .bss.
	BSSSize = hostarch.PageSize
)

// Kernel routines.
const (
	SymEntry = "kernel_entry"
	SymMain  = "kernel_main"
	SymTaskA = "task_a"
	SymTaskB = "task_b"
)

// routines lists the image routines in .text order.
var routines = []string{SymEntry, SymMain, SymTaskA, SymTaskB}

// Banner is the boot banner, stored in .rodata.
const Banner = `
                     _    _
 _ __    ___    ___ | |_ (_) ___
| '_ \  / _ \  / __|| __|| |/ __|
| | | || (_) || (__ | |_ | |\__ \
|_| |_| \___/  \___| \__||_||___/


`

// bootMagic is stored in .data.
const bootMagic = 0x7369_7463_6f6e // "noctis"

// Layout is the address layout of a kernel image.
type Layout struct {
	Text, TextEnd     hostarch.VirtAddr
	Arena, ArenaEnd   hostarch.VirtAddr
	Rodata, RodataEnd hostarch.VirtAddr
	Data, DataEnd     hostarch.VirtAddr
	BSS, BSSEnd       hostarch.VirtAddr

	// Banner and BannerLen locate the banner in .rodata.
	Banner    hostarch.VirtAddr
	BannerLen uint64

	// Magic is a word in .data. BootFlag is a word in .bss set once the
	// kernel has booted.
	Magic    hostarch.VirtAddr
	BootFlag hostarch.VirtAddr

	// Routines maps routine names to addresses.
	Routines map[string]hostarch.VirtAddr
}

// Phys returns the physical address an image address is loaded at.
func Phys(v hostarch.VirtAddr) hostarch.PhysAddr {
	return hostarch.PhysAddr(v - hostarch.KernelCodeBase)
}

func (l *Layout) fields() map[string]*hostarch.VirtAddr {
	return map[string]*hostarch.VirtAddr{
		"__text":            &l.Text,
		"__text_end":        &l.TextEnd,
		"__text_arena":      &l.Arena,
		"__text_arena_end":  &l.ArenaEnd,
		"__rodata":          &l.Rodata,
		"__rodata_end":      &l.RodataEnd,
		"__data":            &l.Data,
		"__data_end":        &l.DataEnd,
		"__bss":             &l.BSS,
		"__bss_end":         &l.BSSEnd,
		"__banner":          &l.Banner,
		"__banner_end":      new(hostarch.VirtAddr),
		"__boot_magic":      &l.Magic,
		"__boot_flag":       &l.BootFlag,
	}
}

func pageAlign(v hostarch.VirtAddr) hostarch.VirtAddr {
	r, _ := v.RoundUp()
	return r
}

// BuildImage returns the kernel ELF image.
func BuildImage() ([]byte, error) {
	var text []byte
	var syms []elfimage.Symbol
	for _, name := range routines {
		code := machine.CodeStub(name)
		syms = append(syms, elfimage.Symbol{
			Name:    name,
			Value:   ImageBase.Add(hostarch.MSize(len(text))),
			Size:    machine.CodeSize,
			Type:    elf.STT_FUNC,
			Section: ".text",
		})
		text = append(text, code[:]...)
	}
	arena := pageAlign(ImageBase.Add(hostarch.MSize(len(text))))
	for ImageBase.Add(hostarch.MSize(len(text))) < arena.Add(TextArenaSize) {
		text = append(text, 0xcc)
	}
	textSec := &elfimage.Section{Name: ".text", Addr: ImageBase, Data: text, Flags: elf.SHF_EXECINSTR}

	rodataSec := &elfimage.Section{Name: ".rodata", Addr: pageAlign(textSec.End()), Data: []byte(Banner)}

	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data, bootMagic)
	dataSec := &elfimage.Section{Name: ".data", Addr: pageAlign(rodataSec.End()), Data: data, Flags: elf.SHF_WRITE}
	bssSec := &elfimage.Section{Name: ".bss", Addr: pageAlign(dataSec.End()), NoBits: true, Size: BSSSize, Flags: elf.SHF_WRITE}

	bounds := func(name, sec string, start, end hostarch.VirtAddr) {
		syms = append(syms,
			elfimage.Symbol{Name: name, Value: start, Section: sec},
			elfimage.Symbol{Name: name + "_end", Value: end, Section: sec},
		)
	}
	bounds("__text", ".text", textSec.Addr, pageAlign(textSec.End()))
	bounds("__text_arena", ".text", arena, arena.Add(TextArenaSize))
	bounds("__rodata", ".rodata", rodataSec.Addr, pageAlign(rodataSec.End()))
	bounds("__banner", ".rodata", rodataSec.Addr, rodataSec.End())
	bounds("__data", ".data", dataSec.Addr, bssSec.Addr)
	bounds("__bss", ".bss", bssSec.Addr, bssSec.End())
	syms = append(syms,
		elfimage.Symbol{Name: "__boot_magic", Value: dataSec.Addr, Size: 8, Type: elf.STT_OBJECT, Section: ".data"},
		elfimage.Symbol{Name: "__boot_flag", Value: bssSec.Addr, Size: 8, Type: elf.STT_OBJECT, Section: ".bss"},
	)

	img := &elfimage.Image{
		Entry:      ImageBase,
		PhysOffset: uint64(hostarch.KernelCodeBase),
		Segments: []elfimage.Segment{
			{Flags: elf.PF_R | elf.PF_X, Sections: []*elfimage.Section{textSec}},
			{Flags: elf.PF_R, Sections: []*elfimage.Section{rodataSec}},
			{Flags: elf.PF_R | elf.PF_W, Sections: []*elfimage.Section{dataSec, bssSec}},
		},
		Symbols: syms,
	}
	return img.Bytes()
}

// ParseLayout reads the layout of a kernel image from its symbol table.
func ParseLayout(image []byte) (*Layout, error) {
	syms, err := elfimage.Symbols(image)
	if err != nil {
		return nil, fmt.Errorf("reading kernel symbols: %w", err)
	}
	l := &Layout{Routines: make(map[string]hostarch.VirtAddr)}
	for name, field := range l.fields() {
		v, ok := syms[name]
		if !ok {
			return nil, fmt.Errorf("kernel image has no symbol %s", name)
		}
		*field = v
	}
	l.BannerLen = uint64(hostarch.SizeBetween(l.Banner, syms["__banner_end"]))
	for _, name := range routines {
		v, ok := syms[name]
		if !ok {
			return nil, fmt.Errorf("kernel image has no routine %s", name)
		}
		if v < l.Text || v >= l.Arena {
			return nil, fmt.Errorf("routine %s at %v is outside .text", name, v)
		}
		l.Routines[name] = v
	}
	for _, r := range [][2]hostarch.VirtAddr{
		{l.Text, l.TextEnd}, {l.Rodata, l.RodataEnd}, {l.Data, l.DataEnd}, {l.BSS, l.BSSEnd},
	} {
		if !r[0].IsPageAligned() || !r[1].IsPageAligned() || r[1] < r[0] {
			return nil, fmt.Errorf("section [%v, %v) is not page aligned", r[0], r[1])
		}
	}
	return l, nil
}
