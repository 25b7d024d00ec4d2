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

package ring0

import (
	"fmt"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
)

// handledVectors are the vectors with an entry stub.
var handledVectors = []Vector{
	Breakpoint,
	InvalidOpcode,
	DoubleFault,
	GeneralProtectionFault,
	PageFault,
	TimerVector,
}

// linkEntries places the entry stubs in kernel text.
func (c *CPU) linkEntries() {
	c.entries = make(map[Vector]hostarch.VirtAddr, len(handledVectors))
	for _, v := range handledVectors {
		c.entries[v] = c.hw.Link(fmt.Sprintf("ring0.entry%d", uintptr(v)), c.entryStub(v))
	}
	c.unimplemented = c.hw.Link("ring0.unimplemented", c.unimplementedHandler)
}

// EntryAddr returns the entry stub address for v.
func (c *CPU) EntryAddr(v Vector) (hostarch.VirtAddr, bool) {
	addr, ok := c.entries[v]
	return addr, ok
}

// entryStub returns the stub for v. Every stub leaves the same layout on
// the stack: an error code (zero when the processor pushes none) below the
// processor frame, then the vector.
func (c *CPU) entryStub(v Vector) func() {
	return func() {
		if !v.HasErrorCode() {
			c.hw.Push(0)
		}
		c.hw.Push(uint64(v))
		c.interruptCommon()
	}
}

// interruptCommon saves the general purpose registers, calls the
// dispatcher with the frame and returns from the interrupt.
func (c *CPU) interruptCommon() {
	for r := R15; r >= RAX; r-- {
		c.hw.Push(c.hw.Reg(r))
	}
	frame := c.hw.Reg(RSP)
	c.hw.SetReg(RBP, frame)
	c.hw.SetReg(RSP, frame&^0xf)

	c.dispatch(hostarch.VirtAddr(frame))

	c.hw.SetReg(RSP, c.hw.Reg(RBP))
	c.hooks.Preempt()

	for r := RAX; r <= R15; r++ {
		v := c.hw.Pop()
		if r == RSP {
			continue
		}
		c.hw.SetReg(r, v)
	}
	c.hw.Pop() // Vector.
	c.hw.Pop() // Error code.
	c.hw.Iretq()
}

// unimplementedHandler is the target of gates without an entry stub.
func (c *CPU) unimplementedHandler() {
	log.Errorf("Unimplemented interrupt handler, rsp %#x", c.hw.Reg(RSP))
	c.HaltForever()
}
