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
	"io"

	"noctis.dev/noctis/pkg/sync"
)

// COM1 port base and register offsets of the 16550.
const (
	COM1 = 0x3f8

	serialData = 0 // THR/RBR, DLL with DLAB.
	serialIER  = 1 // DLM with DLAB.
	serialFCR  = 2
	serialLCR  = 3
	serialMCR  = 4
	serialLSR  = 5
	serialMSR  = 6
	serialSCR  = 7

	lcrDLAB     = 0x80
	mcrLoopback = 0x10
	lsrTHRE     = 0x20
	lsrTEMT     = 0x40
	fcrClearTx  = 0x04

	// serialFIFO is the transmit FIFO depth. A full FIFO drains on the
	// next status read.
	serialFIFO = 16
)

// serial is a 16550 on COM1 with no receive path.
type serial struct {
	mu  sync.Mutex
	out io.Writer

	ier, fcr, lcr, mcr, scr uint8
	dll, dlm                uint8

	fifo int
	sent uint64
}

func newSerial(out io.Writer) *serial {
	return &serial{out: out}
}

func (s *serial) decodes(port uint16) bool {
	return port >= COM1 && port < COM1+8
}

func (s *serial) outb(port uint16, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch port - COM1 {
	case serialData:
		if s.lcr&lcrDLAB != 0 {
			s.dll = v
			return
		}
		s.transmit(v)
	case serialIER:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = v
			return
		}
		s.ier = v
	case serialFCR:
		s.fcr = v
		if v&fcrClearTx != 0 {
			s.fifo = 0
		}
	case serialLCR:
		s.lcr = v
	case serialMCR:
		s.mcr = v
	case serialSCR:
		s.scr = v
	}
}

func (s *serial) transmit(v uint8) {
	if s.fifo >= serialFIFO {
		// Overrun: the byte is lost.
		return
	}
	s.fifo++
	s.sent++
	if s.mcr&mcrLoopback != 0 || s.out == nil {
		return
	}
	s.out.Write([]byte{v})
}

func (s *serial) in(port uint16) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch port - COM1 {
	case serialData:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		return 0
	case serialIER:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case serialLCR:
		return s.lcr
	case serialMCR:
		return s.mcr
	case serialLSR:
		if s.fifo >= serialFIFO {
			s.fifo = 0
			return 0
		}
		return lsrTHRE | lsrTEMT
	case serialSCR:
		return s.scr
	}
	return 0
}

// SerialState describes COM1.
type SerialState struct {
	Divisor uint16
	LCR     uint8
	Sent    uint64
}

// Serial returns the COM1 state.
func (m *Machine) Serial() SerialState {
	s := m.serial
	s.mu.Lock()
	defer s.mu.Unlock()
	return SerialState{
		Divisor: uint16(s.dlm)<<8 | uint16(s.dll),
		LCR:     s.lcr,
		Sent:    s.sent,
	}
}
