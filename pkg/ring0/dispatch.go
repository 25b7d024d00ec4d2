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
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/log"
)

// dispatch handles the interrupt whose frame is at frameAddr.
func (c *CPU) dispatch(frameAddr hostarch.VirtAddr) {
	var b [FrameSize]byte
	c.hw.Read(frameAddr, b[:])
	f := DecodeInterruptFrame(b[:])

	switch v := Vector(f.Vector); v {
	case Breakpoint:
		log.Infof("EXCEPTION: BREAKPOINT\n%v", &f)
	case InvalidOpcode:
		log.Errorf("EXCEPTION: INVALID OPCODE at %#x\n%v", f.RIP, &f)
		c.HaltForever()
	case DoubleFault:
		log.Errorf("EXCEPTION: DOUBLE FAULT\n%v", &f)
		c.HaltForever()
	case GeneralProtectionFault:
		log.Errorf("EXCEPTION: GENERAL PROTECTION FAULT at %#x, error code %#x\n%v", f.RIP, f.ErrorCode, &f)
		c.HaltForever()
	case PageFault:
		log.Errorf("EXCEPTION: PAGE FAULT accessing %#x, error code %v\n%v", c.hw.CR2(), PageFaultErrorCode(f.ErrorCode), &f)
		c.HaltForever()
	case TimerVector:
		c.timerLog.Infof("Local timer interrupt")
		if c.timer != nil {
			c.timer.Tick()
			c.timer.EOI()
		}
		c.hooks.TimerTick()
	default:
		log.Errorf("Unhandled interrupt %v\n%v", v, &f)
		c.HaltForever()
	}
}
