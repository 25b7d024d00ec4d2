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

// Package apic drives the local APIC timer.
package apic

import (
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/sync"
)

// Register offsets from the APIC base.
const (
	RegEOI          = 0xb0
	RegLVTTimer     = 0x320
	RegInitialCount = 0x380
	RegDivide       = 0x3e0
)

// TimerPeriodic selects periodic mode in the LVT timer entry.
const TimerPeriodic = 0b01 << 17

// Defaults for Init.
const (
	DefaultDivisor      = 0b110
	DefaultInitialCount = 0x1000000
)

// Registers is 32-bit register access, as the processor provides it.
type Registers interface {
	Read32(addr hostarch.VirtAddr) uint32
	Write32(addr hostarch.VirtAddr, v uint32)
}

// Opts configures the timer.
type Opts struct {
	// Divisor is the divide configuration register value.
	Divisor uint32

	// InitialCount is the count the timer reloads from.
	InitialCount uint32

	// Vector is the interrupt raised on expiry.
	Vector ring0.Vector
}

// Timer is the local APIC timer. It implements ring0.Timer.
type Timer struct {
	mu   sync.SpinLock
	regs Registers
	base hostarch.VirtAddr

	// count is the number of expiries seen. It wraps to 1, never 0.
	count uint32
}

// New returns a timer for the APIC at base.
func New(regs Registers, base hostarch.VirtAddr) *Timer {
	return &Timer{regs: regs, base: base}
}

func (t *Timer) reg(off uint64) hostarch.VirtAddr {
	return t.base.Add(hostarch.MSize(off))
}

// Init programs the timer for periodic interrupts. The LVT entry is written
// last so the timer starts with its count in place.
func (t *Timer) Init(opts Opts) {
	if opts.Divisor == 0 {
		opts.Divisor = DefaultDivisor
	}
	if opts.InitialCount == 0 {
		opts.InitialCount = DefaultInitialCount
	}
	if opts.Vector == 0 {
		opts.Vector = ring0.TimerVector
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs.Write32(t.reg(RegDivide), opts.Divisor)
	t.regs.Write32(t.reg(RegInitialCount), opts.InitialCount)
	t.regs.Write32(t.reg(RegLVTTimer), TimerPeriodic|uint32(opts.Vector))
	log.Infof("APIC timer: vector %#x, divide %#b, initial count %#x", uint32(opts.Vector), opts.Divisor, opts.InitialCount)
}

// Tick implements ring0.Timer.Tick.
func (t *Timer) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if t.count == 0 {
		t.count = 1
	}
}

// Count returns the number of ticks.
func (t *Timer) Count() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// EOI implements ring0.Timer.EOI.
func (t *Timer) EOI() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs.Write32(t.reg(RegEOI), 0)
}
