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
	"context"
	"fmt"
	"runtime"
	"time"

	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/ring0"
)

// deliver delivers vector v through the IDT. An exception raised while
// setting up the delivery becomes a double fault; one raised while
// delivering a double fault stops the processor.
func (m *Machine) deliver(v ring0.Vector, code uint64) {
	err := m.enter(v, code)
	if err == nil {
		return
	}
	if v == ring0.DoubleFault {
		m.fail(fmt.Errorf("%w: %v", ErrTripleFault, err))
	}
	log.Debugf("machine: delivering %v: %v, raising double fault", v, err)
	m.stats.exceptions.Add(1)
	if err := m.enter(ring0.DoubleFault, 0); err != nil {
		m.fail(fmt.Errorf("%w: delivering %v: %v", ErrTripleFault, v, err))
	}
}

// enter builds the interrupt frame for v and calls the handler. It returns
// an error, with no state changed, if the frame cannot be built.
func (m *Machine) enter(v ring0.Vector, code uint64) error {
	off := uint64(v) * ring0.GateSize
	if off+ring0.GateSize-1 > uint64(m.idtr.Limit) {
		return fmt.Errorf("vector %v beyond IDT limit %#x", v, m.idtr.Limit)
	}
	var b [ring0.GateSize]byte
	if err := m.tryRead(m.idtr.Base+off, b[:]); err != nil {
		return fmt.Errorf("reading gate: %w", err)
	}
	gate := ring0.Gate64FromBytes(b[:])
	if !gate.Present() {
		return fmt.Errorf("gate for %v not present", v)
	}
	if t := gate.Type(); t != ring0.GateTypeInterrupt && t != ring0.GateTypeTrap {
		return fmt.Errorf("gate for %v has type %#x", v, t)
	}
	cs, err := m.descriptor(gate.Selector())
	if err != nil {
		return err
	}
	if !cs.IsCode() || cs.Flags()&ring0.SegmentDescriptorLong == 0 {
		return fmt.Errorf("gate selector %#x is not a 64-bit code segment", uint16(gate.Selector()))
	}
	sym, err := m.tryFetch(gate.Offset())
	if err != nil {
		return err
	}

	oldRSP := m.regs[ring0.RSP]
	rsp := oldRSP
	if ist := gate.IST(); ist != 0 {
		if m.tss == 0 {
			return fmt.Errorf("IST %d with no task register", ist)
		}
		if rsp, err = m.tryRead64(uint64(m.tss) + uint64(ring0.TSSOffsetIST(ist))); err != nil {
			return fmt.Errorf("reading IST %d: %w", ist, err)
		}
	}
	rsp &^= 0xf
	frame := []uint64{uint64(m.segs[ring0.SS]), oldRSP, m.rflags, uint64(m.cs), m.rip}
	if v.HasErrorCode() {
		frame = append(frame, code)
	}
	for _, w := range frame {
		rsp -= 8
		if err := m.tryWrite64(rsp, w); err != nil {
			return fmt.Errorf("pushing frame: %w", err)
		}
	}
	ripSlot := rsp
	if v.HasErrorCode() {
		ripSlot += 8
	}

	m.regs[ring0.RSP] = rsp
	m.cs = gate.Selector()
	if gate.Type() == ring0.GateTypeInterrupt {
		m.rflags &^= ring0.RFLAGS_IF
	}
	m.rip = gate.Offset()
	m.lastIret = 0
	sym.fn()
	if m.lastIret != ripSlot {
		m.fail(fmt.Errorf("%w: handler %s for %v returned without iretq", ErrTaskReturned, sym.name, v))
	}
	return nil
}

// Iretq implements ring0.Hardware.Iretq.
func (m *Machine) Iretq() {
	m.lastIret = m.regs[ring0.RSP]
	rip := m.Pop()
	cs := m.Pop()
	rflags := m.Pop()
	rsp := m.Pop()
	ss := m.Pop()
	m.rip = rip
	m.cs = ring0.Selector(cs)
	m.rflags = rflags | ring0.KernelFlagsSet
	m.regs[ring0.RSP] = rsp
	m.segs[ring0.SS] = ring0.Selector(ss)
}

// Cli implements ring0.Hardware.Cli.
func (m *Machine) Cli() {
	m.checkStopped()
	m.rflags &^= ring0.RFLAGS_IF
}

// Sti implements ring0.Hardware.Sti.
func (m *Machine) Sti() {
	m.checkStopped()
	m.rflags |= ring0.RFLAGS_IF
}

// Hlt implements ring0.Hardware.Hlt. With interrupts disabled the
// processor stops for good.
func (m *Machine) Hlt() {
	m.checkStopped()
	m.stats.halts.Add(1)
	if m.rflags&ring0.RFLAGS_IF == 0 {
		m.fail(fmt.Errorf("%w at rip %#x", ErrHalted, m.rip))
	}
	for {
		select {
		case <-m.irq:
		case <-m.done:
			runtime.Goexit()
		}
		if m.interrupt() {
			return
		}
	}
}

// Poll takes a pending interrupt, if interrupts are enabled.
func (m *Machine) Poll() {
	m.checkStopped()
	if m.rflags&ring0.RFLAGS_IF == 0 {
		return
	}
	select {
	case <-m.irq:
		m.interrupt()
	default:
	}
}

// interrupt delivers the pending APIC interrupt, if one can be accepted.
func (m *Machine) interrupt() bool {
	v, ok := m.apic.accept()
	if !ok {
		return false
	}
	m.stats.interrupts.Add(1)
	m.deliver(ring0.Vector(v), 0)
	return true
}

// Fire expires the APIC timer once.
func (m *Machine) Fire() {
	if m.apic.expire() {
		select {
		case m.irq <- struct{}{}:
		default:
		}
	}
}

// runTimer is the timer device.
func (m *Machine) runTimer(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TimerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			m.Fire()
		}
	}
}

// Int3 implements ring0.Hardware.Int3.
func (m *Machine) Int3() {
	m.checkStopped()
	m.stats.exceptions.Add(1)
	m.deliver(ring0.Breakpoint, 0)
}

// Ud2 implements ring0.Hardware.Ud2.
func (m *Machine) Ud2() {
	m.checkStopped()
	m.stats.exceptions.Add(1)
	m.deliver(ring0.InvalidOpcode, 0)
}

// gp raises a general protection fault with the given selector error code.
func (m *Machine) gp(sel ring0.Selector) {
	m.raise(&fault{vector: ring0.GeneralProtectionFault, code: uint64(sel) &^ 7, addr: m.rip})
}
