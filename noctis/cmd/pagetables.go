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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kernel"
	"noctis.dev/noctis/pkg/ring0/pagetables"
)

// bootTimeout bounds how long inspection commands wait for the kernel.
const bootTimeout = 30 * time.Second

// bootForInspection boots the kernel with its console discarded and stops
// the machine once kernel_main has finished initialization.
func bootForInspection(ctx context.Context, conf *config.Config) (*kernel.System, error) {
	s, err := newSystem(conf, io.Discard)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()
	if err := bootUntil(ctx, s, (*kernel.Kernel).Booted); err != nil {
		s.Machine.Close()
		return nil, err
	}
	return s, nil
}

// Pagetables implements subcommands.Command for the "pagetables" command.
type Pagetables struct{}

// Name implements subcommands.Command.Name.
func (*Pagetables) Name() string {
	return "pagetables"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Pagetables) Synopsis() string {
	return "boot the kernel and print its page table"
}

// Usage implements subcommands.Command.Usage.
func (*Pagetables) Usage() string {
	return `pagetables - boot the kernel and print the mappings of its page table.

Adjacent pages with the same attributes are printed as one range.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Pagetables) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Pagetables) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	s, err := bootForInspection(ctx, conf)
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	defer s.Machine.Close()
	printMappings(os.Stdout, s.Kernel.PageTables())
	return subcommands.ExitSuccess
}

// mappingRange is a run of leaves mapping contiguous memory.
type mappingRange struct {
	virt  hostarch.VirtAddr
	phys  hostarch.PhysAddr
	size  hostarch.MSize
	attr  pagetables.Attr
	pages int
}

func (r *mappingRange) extends(virt hostarch.VirtAddr, phys hostarch.PhysAddr, attr pagetables.Attr) bool {
	return r.pages > 0 && r.attr == attr && r.virt.Add(r.size) == virt && r.phys.Add(r.size) == phys
}

// mappingRanges coalesces the leaves of pt.
func mappingRanges(pt *pagetables.PageTables) []mappingRange {
	var rs []mappingRange
	pt.Visit(func(virt hostarch.VirtAddr, phys hostarch.PhysAddr, size hostarch.MSize, attr pagetables.Attr) {
		if n := len(rs); n > 0 && rs[n-1].extends(virt, phys, attr) {
			rs[n-1].size += size
			rs[n-1].pages++
			return
		}
		rs = append(rs, mappingRange{virt: virt, phys: phys, size: size, attr: attr, pages: 1})
	})
	return rs
}

func printMappings(w io.Writer, pt *pagetables.PageTables) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "PML4 at %#x\n", pt.CR3())
	fmt.Fprintln(tw, "VIRTUAL\tPHYSICAL\tSIZE\tLEAVES\tATTRIBUTES")
	for _, r := range mappingRanges(pt) {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%d\t%v\n", r.virt, r.phys, r.size, r.pages, r.attr)
	}
	tw.Flush()
}
