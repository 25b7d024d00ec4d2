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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"noctis.dev/noctis/pkg/apic"
	"noctis.dev/noctis/pkg/bootloader"
	"noctis.dev/noctis/pkg/kernel"
	"noctis.dev/noctis/pkg/machine"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/sched"
)

// FileFlag names the flag holding the configuration file path.
const FileFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(FileFlag, "", "TOML configuration file. Flags given on the command line override its values.")

	// Machine.
	flagSet.Uint64("memory-size", uint64(machine.DefaultMemorySize), "physical memory size in bytes.")
	flagSet.Duration("timer-period", machine.DefaultTimerPeriod, "wall-clock time of one APIC timer period.")

	// Boot loader.
	flagSet.String("volume", ".", "host directory used as the boot volume.")
	flagSet.String("kernel-file", bootloader.KernelFile, "kernel file name on the boot volume.")
	flagSet.Uint64("kernel-stack-size", bootloader.KernelStackSize, "kernel boot stack size in bytes.")
	flagSet.Uint64("kernel-heap-size", bootloader.KernelHeapSize, "kernel heap size in bytes.")

	// Kernel.
	flagSet.Uint64("task-stack-size", sched.DefaultStackSize, "kernel stack size of each task in bytes.")
	flagSet.Uint64("tss-stack-size", uint64(ring0.DefaultStackSize), "size of the privilege level 0 stack and each interrupt stack in bytes.")
	flagSet.Uint("timer-divisor", apic.DefaultDivisor, "APIC timer divide configuration register value.")
	flagSet.Uint("timer-initial-count", apic.DefaultInitialCount, "APIC timer initial count.")
	flagSet.Duration("timer-log-interval", time.Second, "minimum interval between timer interrupt log messages.")
	flagSet.Uint64("quantum", sched.DefaultQuantum, "timer ticks a task runs before it is preempted.")

	// Debugging.
	flagSet.String("log-format", kernel.LogFormatKernel, "console log format: kernel (default), text or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Duration("duration", 0, "stop the machine after this long. Zero runs until the machine stops.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if the config flag is set, the configuration file it names.
// Precedence is: flags set on the command line, then the file, then flag
// defaults.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := forEachField(conf, func(name string, field reflect.Value) error {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		setField(field, fl)
		return nil
	}); err != nil {
		return nil, err
	}

	if fl := flagSet.Lookup(FileFlag); fl != nil && fl.Value.String() != "" {
		path := fl.Value.String()
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %q has unknown keys %v", path, undecoded)
		}
		// Flags given explicitly win over the file.
		set := make(map[string]bool)
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
		if err := forEachField(conf, func(name string, field reflect.Value) error {
			if set[name] {
				setField(field, flagSet.Lookup(name))
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Values equal to the defaults are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	forEachField(c, func(name string, field reflect.Value) error {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val := getVal(field); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
		}
		return nil
	})
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	found := false
	err := forEachField(c, func(fieldName string, field reflect.Value) error {
		if fieldName != name {
			return nil
		}
		found = true
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		// Use flag to convert the string value to the underlying flag type,
		// using the same rules as the command line.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		setField(field, fl)
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
	}
	// Validates the config again to ensure it's left in a consistent state.
	return c.validate()
}

// forEachField calls fn with each field of c that has a flag tag.
func forEachField(c *Config, fn func(name string, field reflect.Value) error) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if err := fn(name, obj.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func setField(field reflect.Value, fl *flag.Flag) {
	x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
	field.Set(x.Convert(field.Type()))
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
