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

package machine

import (
	"fmt"

	"noctis.dev/noctis/pkg/atomicbitops"
)

// Local APIC register offsets.
const (
	apicID           = 0x20
	apicVersion      = 0x30
	apicTPR          = 0x80
	apicEOI          = 0xb0
	apicSVR          = 0xf0
	apicLVTTimer     = 0x320
	apicInitialCount = 0x380
	apicCurrentCount = 0x390
	apicDivide       = 0x3e0

	apicRegs = 0x400 / 16
)

// LVT bits.
const (
	lvtVectorMask = 0xff
	lvtMasked     = 1 << 16
	lvtModeShift  = 17
	lvtModeMask   = 3 << lvtModeShift
	lvtPeriodic   = 1 << lvtModeShift
)

// localAPIC is the local interrupt controller. Only the timer is wired.
type localAPIC struct {
	regs [apicRegs]atomicbitops.Uint32

	armed     atomicbitops.Bool
	pending   atomicbitops.Bool
	inService atomicbitops.Bool

	expiries atomicbitops.Uint64
	eois     atomicbitops.Uint64
}

func newLocalAPIC() *localAPIC {
	a := &localAPIC{}
	a.regs[apicVersion/16].Store(0x0005_0014)
	// Left software enabled by firmware, spurious vector 0xff.
	a.regs[apicSVR/16].Store(0x1ff)
	a.regs[apicLVTTimer/16].Store(lvtMasked)
	return a
}

func (a *localAPIC) reg(off uint64) (*atomicbitops.Uint32, error) {
	if off&0xf != 0 || off >= 0x400 {
		return nil, fmt.Errorf("unaligned or unknown APIC register %#x", off)
	}
	return &a.regs[off/16], nil
}

func (a *localAPIC) read32(off uint64) (uint32, error) {
	r, err := a.reg(off)
	if err != nil {
		return 0, err
	}
	switch off {
	case apicEOI:
		return 0, nil
	case apicCurrentCount:
		if a.armed.Load() {
			return a.regs[apicInitialCount/16].Load(), nil
		}
		return 0, nil
	}
	return r.Load(), nil
}

func (a *localAPIC) write32(off uint64, v uint32) error {
	r, err := a.reg(off)
	if err != nil {
		return err
	}
	switch off {
	case apicVersion, apicCurrentCount:
		// Read only.
		return nil
	case apicEOI:
		a.eois.Add(1)
		a.inService.Store(false)
		return nil
	}
	r.Store(v)
	if off == apicLVTTimer || off == apicInitialCount {
		a.rearm()
	}
	return nil
}

// rearm arms the timer when it has a count, an unmasked LVT entry and a
// valid vector.
func (a *localAPIC) rearm() {
	lvt := a.regs[apicLVTTimer/16].Load()
	count := a.regs[apicInitialCount/16].Load()
	a.armed.Store(count != 0 && lvt&lvtMasked == 0 && lvt&lvtVectorMask >= 16)
}

// expire records one timer expiry and returns true if an interrupt is now
// pending.
func (a *localAPIC) expire() bool {
	if !a.armed.Load() || a.regs[apicSVR/16].Load()&0x100 == 0 {
		return false
	}
	a.expiries.Add(1)
	if a.regs[apicLVTTimer/16].Load()&lvtModeMask != lvtPeriodic {
		a.armed.Store(false)
	}
	a.pending.Store(true)
	return true
}

// accept moves the pending interrupt in service and returns its vector.
func (a *localAPIC) accept() (uint32, bool) {
	if a.inService.Load() || !a.pending.Load() {
		return 0, false
	}
	a.pending.Store(false)
	a.inService.Store(true)
	return a.regs[apicLVTTimer/16].Load() & lvtVectorMask, true
}

// APICState describes the local APIC.
type APICState struct {
	LVTTimer     uint32
	InitialCount uint32
	Divide       uint32
	Armed        bool
	Expiries     uint64
	EOIs         uint64
}

// APIC returns the local APIC state.
func (m *Machine) APIC() APICState {
	a := m.apic
	return APICState{
		LVTTimer:     a.regs[apicLVTTimer/16].Load(),
		InitialCount: a.regs[apicInitialCount/16].Load(),
		Divide:       a.regs[apicDivide/16].Load(),
		Armed:        a.armed.Load(),
		Expiries:     a.expiries.Load(),
		EOIs:         a.eois.Load(),
	}
}
