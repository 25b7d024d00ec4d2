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

// Package cli is the main entrypoint for noctis.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/cmd"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/log"
)

var (
	// These flags configure host-side logging. The kernel's own log goes
	// to the serial console.
	logFile   = flag.String("log", "", "file path where host-side logs are written, default is stderr.")
	hostDebug = flag.Bool("host-debug", false, "enable debug logging of the machine and boot loader.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		out = f
		cmd.ErrorLogger = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))
	if *hostDebug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** noctis ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, PID %d", runtime.Version(), runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by noctis.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Mkimage), "")

	const debugGroup = "debug"
	cb(new(cmd.Pagetables), debugGroup)
	cb(new(cmd.Descriptors), debugGroup)
	cb(new(cmd.Memmap), debugGroup)
}

func newEmitter(format string, out io.Writer) log.Emitter {
	w := &log.Writer{Next: out}
	switch format {
	case "text", "kernel":
		return log.GoogleEmitter{Emitter: w}
	case "json":
		return log.JSONEmitter{Writer: w}
	}
	cmd.Fatalf("invalid log format %q, must be 'kernel', 'text' or 'json'", format)
	panic(fmt.Sprintf("unreachable: %s", format))
}
