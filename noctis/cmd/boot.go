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
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct{}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the kernel from the boot volume"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [options] - boot the kernel from the boot volume.

The boot command creates a machine, runs the boot loader against the boot
volume (--volume) and jumps to the kernel. The serial console is written to
stdout. The machine runs until it stops, --duration elapses or the command
is interrupted.

EXAMPLE:
    $ noctis mkimage
    $ noctis --duration=2s boot
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Boot) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := newSystem(conf, os.Stdout)
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	defer s.Machine.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if conf.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Duration)
		defer cancel()
	}

	err = s.Run(ctx)
	st := s.Machine.Stats()
	log.Infof("Machine stopped: %v; %d interrupts, %d exceptions, %d context switches, %d halts", err, st.Interrupts, st.Exceptions, st.Switches, st.Halts)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return subcommands.ExitSuccess
	}
	return Errorf("machine stopped: %v", err)
}
