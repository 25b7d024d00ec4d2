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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/bootinfo"
	"noctis.dev/noctis/pkg/firmware"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kernel"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct {
	regions bool
}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "print the firmware memory map or the kernel's region table"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap [-regions] - print the memory map.

Without -regions, the memory map the firmware reports at power on is
printed. With -regions, the boot loader is run and the region table it
passes to the kernel is printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memmap) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.regions, "regions", false, "run the boot loader and print the region table it hands to the kernel.")
}

// Execute implements subcommands.Command.Execute.
func (m *Memmap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if !m.regions {
		bs, err := firmware.New(hostarch.MSize(conf.MemorySize), os.DirFS(conf.Volume))
		if err != nil {
			return Errorf("firmware: %v", err)
		}
		descs, err := memoryMap(bs)
		if err != nil {
			return Errorf("%v", err)
		}
		printMemoryMap(os.Stdout, descs)
		return subcommands.ExitSuccess
	}

	s, err := newSystem(conf, io.Discard)
	if err != nil {
		return Errorf("boot loader failed: %v", err)
	}
	defer s.Machine.Close()
	regions, err := readRegions(s)
	if err != nil {
		return Errorf("%v", err)
	}
	fmt.Printf("Handoff: %v\n", s.Handoff)
	printRegions(os.Stdout, regions)
	printHandoffRegions(os.Stdout, s.Handoff, bootinfo.NewIndex(regions))
	return subcommands.ExitSuccess
}

// printHandoffRegions prints the region holding each area the loader hands
// to the kernel.
func printHandoffRegions(w io.Writer, h bootinfo.Handoff, idx *bootinfo.Index) {
	for _, a := range []struct {
		name string
		addr hostarch.VirtAddr
	}{
		{"heap", h.HeapBase},
		{"region table", h.Regions},
	} {
		pa, ok := a.addr.PhysAddr()
		if !ok {
			fmt.Fprintf(w, "%s at %v: not in the linear map\n", a.name, a.addr)
			continue
		}
		if r, ok := idx.Find(pa); ok {
			fmt.Fprintf(w, "%s at %v: in %v\n", a.name, pa, r)
		} else {
			fmt.Fprintf(w, "%s at %v: in no region\n", a.name, pa)
		}
	}
}

func memoryMap(bs *firmware.BootServices) ([]firmware.MemoryDescriptor, error) {
	n, _, err := bs.GetMemoryMap(nil)
	if err != nil && !errors.Is(err, firmware.BufferTooSmall) {
		return nil, fmt.Errorf("getting memory map size: %w", err)
	}
	buf := make([]firmware.MemoryDescriptor, n)
	n, _, err = bs.GetMemoryMap(buf)
	if err != nil {
		return nil, fmt.Errorf("getting memory map: %w", err)
	}
	return buf[:n], nil
}

// readRegions reads the region table the loader wrote for the kernel.
func readRegions(s *kernel.System) (*bootinfo.MemoryRegionArray, error) {
	pa, ok := s.Handoff.Regions.PhysAddr()
	if !ok {
		return nil, fmt.Errorf("region table address %v is not in the linear map", s.Handoff.Regions)
	}
	buf := make([]byte, bootinfo.ArraySize)
	if err := s.Machine.Memory().Read(pa, buf); err != nil {
		return nil, fmt.Errorf("reading region table: %w", err)
	}
	return bootinfo.DecodeMemoryRegionArray(buf)
}

func printMemoryMap(w io.Writer, descs []firmware.MemoryDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTART\tEND\tPAGES\tATTRIBUTES")
	for _, d := range descs {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%d\t%#x\n", d.Type, d.PhysicalStart, d.End(), d.NumberOfPages, d.Attribute)
	}
	tw.Flush()
}

func printRegions(w io.Writer, regions *bootinfo.MemoryRegionArray) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tBASE\tEND\tLENGTH")
	for _, r := range regions.All() {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n", r.Kind, r.Base, r.End(), r.Length)
	}
	fmt.Fprintf(tw, "%d regions, %v usable, %v reserved\n", regions.Count, regions.Total(bootinfo.Usable), regions.Total(bootinfo.Reserved))
	tw.Flush()
}
