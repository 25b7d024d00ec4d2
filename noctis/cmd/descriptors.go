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

	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/ring0"
)

// Descriptors implements subcommands.Command for the "descriptors" command.
type Descriptors struct {
	all bool
}

// Name implements subcommands.Command.Name.
func (*Descriptors) Name() string {
	return "descriptors"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Descriptors) Synopsis() string {
	return "boot the kernel and print its GDT, TSS and IDT"
}

// Usage implements subcommands.Command.Usage.
func (*Descriptors) Usage() string {
	return `descriptors [-all] - boot the kernel and print its descriptor tables.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Descriptors) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.all, "all", false, "print IDT gates routed to the unimplemented handler too.")
}

// Execute implements subcommands.Command.Execute.
func (d *Descriptors) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	s, err := bootForInspection(ctx, conf)
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	defer s.Machine.Close()
	printDescriptors(os.Stdout, s.Kernel.CPU(), d.all)
	return subcommands.ExitSuccess
}

func printDescriptors(w io.Writer, c *ring0.CPU, all bool) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "GDT at %v\n", c.GDTAddr())
	for i, d := range c.GDT() {
		fmt.Fprintf(tw, "  %#04x\t%v\n", i*8, d)
	}
	tss := c.TSS()
	fmt.Fprintf(tw, "TSS at %v\n", c.TSSAddr())
	fmt.Fprintf(tw, "  rsp0\t%#x\n", tss.RSP0())
	for n := 1; n <= 7; n++ {
		if v := tss.IST(n); v != 0 || all {
			fmt.Fprintf(tw, "  ist%d\t%#x\n", n, v)
		}
	}
	fmt.Fprintf(tw, "IDT at %v\n", c.IDTAddr())
	for v, g := range c.IDT() {
		if !g.Present() {
			continue
		}
		if _, ok := c.EntryAddr(ring0.Vector(v)); !ok && !all {
			continue
		}
		fmt.Fprintf(tw, "  %v\t%v\n", ring0.Vector(v), g)
	}
	tw.Flush()
}
