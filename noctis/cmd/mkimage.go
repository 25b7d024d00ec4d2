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
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/kernel"
	"noctis.dev/noctis/pkg/log"
)

// Mkimage implements subcommands.Command for the "mkimage" command.
type Mkimage struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Mkimage) Name() string {
	return "mkimage"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mkimage) Synopsis() string {
	return "write the kernel image to the boot volume"
}

// Usage implements subcommands.Command.Usage.
func (*Mkimage) Usage() string {
	return `mkimage [-o path] - write the kernel ELF image.

By default the image is written to the kernel file on the boot volume.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Mkimage) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.output, "o", "", "output path. Defaults to the kernel file on the boot volume.")
}

// Execute implements subcommands.Command.Execute.
func (m *Mkimage) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	path := m.output
	if path == "" {
		path = filepath.Join(conf.Volume, conf.KernelFile)
	}
	image, err := kernel.BuildImage()
	if err != nil {
		return Errorf("building kernel image: %v", err)
	}
	layout, err := kernel.ParseLayout(image)
	if err != nil {
		return Errorf("kernel image is malformed: %v", err)
	}
	if err := os.WriteFile(path, image, 0644); err != nil {
		return Errorf("error writing to %q: %v", path, err)
	}
	log.Infof("Wrote %d byte kernel image to %q", len(image), path)
	fmt.Printf("%s: %d bytes, entry %v\n", path, len(image), layout.Routines[kernel.SymEntry])
	for _, s := range []struct {
		name       string
		start, end fmt.Stringer
	}{
		{".text", layout.Text, layout.TextEnd},
		{".rodata", layout.Rodata, layout.RodataEnd},
		{".data", layout.Data, layout.DataEnd},
		{".bss", layout.BSS, layout.BSSEnd},
	} {
		fmt.Printf("  %-8s [%v, %v)\n", s.name, s.start, s.end)
	}
	return subcommands.ExitSuccess
}
