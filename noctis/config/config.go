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

// Package config provides basic infrastructure to set configuration settings
// for noctis. Each setting is a field of Config with a flag tag naming its
// command line flag and a toml tag naming its key in the configuration file.
// Flags given on the command line take precedence over the file.
package config

import (
	"fmt"
	"io"
	"time"

	"noctis.dev/noctis/pkg/bootloader"
	"noctis.dev/noctis/pkg/firmware"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kernel"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/machine"
)

// Config holds configuration that is not part of the boot volume.
type Config struct {
	// MemorySize is the size of the machine's physical memory.
	MemorySize uint64 `flag:"memory-size" toml:"memory_size"`

	// KernelFile is the kernel's file name on the boot volume.
	KernelFile string `flag:"kernel-file" toml:"kernel_file"`

	// Volume is the host directory used as the boot volume.
	Volume string `flag:"volume" toml:"volume"`

	// KernelStackSize is the boot stack the loader allocates.
	KernelStackSize uint64 `flag:"kernel-stack-size" toml:"kernel_stack_size"`

	// KernelHeapSize is the heap the loader allocates.
	KernelHeapSize uint64 `flag:"kernel-heap-size" toml:"kernel_heap_size"`

	// TaskStackSize is the kernel stack of each spawned task.
	TaskStackSize uint64 `flag:"task-stack-size" toml:"task_stack_size"`

	// TSSStackSize is the size of rsp0 and each interrupt stack.
	TSSStackSize uint64 `flag:"tss-stack-size" toml:"tss_stack_size"`

	// TimerDivisor is the APIC divide configuration register value.
	TimerDivisor uint `flag:"timer-divisor" toml:"timer_divisor"`

	// TimerInitialCount is the APIC timer initial count.
	TimerInitialCount uint `flag:"timer-initial-count" toml:"timer_initial_count"`

	// TimerPeriod is the wall-clock time of one timer period.
	TimerPeriod time.Duration `flag:"timer-period" toml:"timer_period"`

	// TimerLogInterval limits timer interrupt logging.
	TimerLogInterval time.Duration `flag:"timer-log-interval" toml:"timer_log_interval"`

	// Quantum is the number of timer ticks a task runs before preemption.
	Quantum uint64 `flag:"quantum" toml:"quantum"`

	// LogFormat is the console log format: kernel, text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// Duration stops the machine after it has run this long. Zero runs it
	// until it stops by itself.
	Duration time.Duration `flag:"duration" toml:"duration"`
}

func (c *Config) validate() error {
	if c.MemorySize < firmware.MinMemorySize {
		return fmt.Errorf("memory size %#x is below the minimum %#x", c.MemorySize, uint64(firmware.MinMemorySize))
	}
	if c.MemorySize%hostarch.PageSize != 0 {
		return fmt.Errorf("memory size %#x is not page aligned", c.MemorySize)
	}
	if c.KernelFile == "" {
		return fmt.Errorf("kernel file name is empty")
	}
	for _, s := range []struct {
		name string
		size uint64
	}{
		{"kernel stack", c.KernelStackSize},
		{"kernel heap", c.KernelHeapSize},
		{"task stack", c.TaskStackSize},
		{"TSS stack", c.TSSStackSize},
	} {
		if s.size == 0 || s.size%hostarch.PageSize != 0 {
			return fmt.Errorf("%s size %#x must be a non-zero multiple of the page size", s.name, s.size)
		}
	}
	if c.KernelHeapSize >= c.MemorySize {
		return fmt.Errorf("kernel heap size %#x does not fit in memory size %#x", c.KernelHeapSize, c.MemorySize)
	}
	if c.TimerDivisor > 0b1111 {
		return fmt.Errorf("invalid timer divisor %#b", c.TimerDivisor)
	}
	if c.TimerInitialCount == 0 || c.TimerInitialCount > 1<<32-1 {
		return fmt.Errorf("timer initial count %#x out of range", c.TimerInitialCount)
	}
	if c.TimerPeriod <= 0 {
		return fmt.Errorf("timer period must be positive, got %v", c.TimerPeriod)
	}
	if c.Quantum == 0 {
		return fmt.Errorf("quantum must be at least one tick")
	}
	switch c.LogFormat {
	case kernel.LogFormatKernel, kernel.LogFormatText, kernel.LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q, must be %q, %q or %q", c.LogFormat, kernel.LogFormatKernel, kernel.LogFormatText, kernel.LogFormatJSON)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", c.Duration)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.MemorySize: %v", hostarch.MSize(c.MemorySize))
	log.Infof("Config.Volume: %s", c.Volume)
	log.Infof("Config.KernelFile: %s", c.KernelFile)
	log.Infof("Config.KernelStackSize: %#x, KernelHeapSize: %#x", c.KernelStackSize, c.KernelHeapSize)
	log.Infof("Config.TaskStackSize: %#x, TSSStackSize: %#x", c.TaskStackSize, c.TSSStackSize)
	log.Infof("Config.Timer: divisor %#b, initial count %#x, period %v", c.TimerDivisor, c.TimerInitialCount, c.TimerPeriod)
	log.Infof("Config.Quantum: %d", c.Quantum)
	log.Infof("Config.LogFormat: %s, Debug: %t", c.LogFormat, c.Debug)
	if c.Duration != 0 {
		log.Infof("Config.Duration: %v", c.Duration)
	}
}

// MachineConfig returns the machine configuration. console receives the
// machine's serial output.
func (c *Config) MachineConfig(console io.Writer) machine.Config {
	return machine.Config{
		MemorySize:  hostarch.MSize(c.MemorySize),
		TimerPeriod: c.TimerPeriod,
		Console:     console,
	}
}

// BootOpts returns the loader and kernel configuration.
func (c *Config) BootOpts() kernel.BootOpts {
	return kernel.BootOpts{
		Loader: bootloader.Opts{
			KernelFile: c.KernelFile,
			StackSize:  hostarch.MSize(c.KernelStackSize),
			HeapSize:   hostarch.MSize(c.KernelHeapSize),
		},
		Kernel: kernel.Config{
			TSSStackSize:      hostarch.MSize(c.TSSStackSize),
			TaskStackSize:     hostarch.MSize(c.TaskStackSize),
			Quantum:           c.Quantum,
			TimerDivisor:      uint32(c.TimerDivisor),
			TimerInitialCount: uint32(c.TimerInitialCount),
			TimerLogInterval:  c.TimerLogInterval,
			LogFormat:         c.LogFormat,
			Debug:             c.Debug,
		},
	}
}
