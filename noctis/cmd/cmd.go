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

// Package cmd holds implementations of the noctis commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/kernel"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/machine"
)

// ErrorLogger is where error messages are written to, in addition to the
// debug log. It may be nil.
var ErrorLogger io.Writer

// Errorf logs error to ErrorLogger, stderr and the debug log. It returns
// subcommands.ExitFailure for convenience with Execute methods.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf does, then exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// pollInterval is how often boot progress is checked.
const pollInterval = 10 * time.Millisecond

// errNotYet is returned by polls whose condition does not hold yet.
var errNotYet = errors.New("not yet")

// newSystem creates a machine from conf and loads the kernel from the boot
// volume into it. The caller must close the machine.
func newSystem(conf *config.Config, console io.Writer) (*kernel.System, error) {
	log.Infof("Effective flags: %s", strings.Join(conf.ToFlags(), " "))
	m, err := machine.New(conf.MachineConfig(console))
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	s, err := kernel.Load(m, os.DirFS(conf.Volume), conf.BootOpts())
	if err != nil {
		m.Close()
		return nil, err
	}
	return s, nil
}

// bootUntil runs s until cond holds, then stops it. It fails if the
// machine stops first.
func bootUntil(parent context.Context, s *kernel.System, cond func(*kernel.Kernel) bool) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	op := func() error {
		select {
		case err := <-errc:
			errc <- err
			return &backoff.PermanentError{Err: fmt.Errorf("machine stopped during boot: %w", err)}
		default:
		}
		if !cond(s.Kernel) {
			return errNotYet
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx))
	if errors.Is(err, errNotYet) {
		err = parent.Err()
	}
	cancel()
	<-errc
	return err
}
