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

// Package uart drives a 16550 serial port with polled transmit.
package uart

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"noctis.dev/noctis/pkg/sync"
)

// COM1 is the first legacy serial port.
const COM1 = 0x3f8

// Register offsets.
const (
	regData = 0
	regIER  = 1
	regFCR  = 2
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5

	lsrTransmitEmpty = 0x20
)

// ErrTransmitTimeout is returned when the transmitter never becomes ready.
var ErrTransmitTimeout = errors.New("uart: transmitter not ready")

// errBusy is returned by a poll of a busy transmitter.
var errBusy = errors.New("transmitter busy")

// Ports is port I/O, as the processor provides it.
type Ports interface {
	Outb(port uint16, v uint8)
	Inb(port uint16) uint8
}

// UART is a 16550 serial port. It implements io.Writer.
type UART struct {
	mu    sync.SpinLock
	ports Ports
	base  uint16

	// MaxPolls bounds the status polls for one byte.
	MaxPolls uint64

	// PollInterval is the delay between status polls.
	PollInterval time.Duration

	// busy counts polls that found the transmitter busy.
	busy uint64
}

// New returns a driver for the port at base.
func New(ports Ports, base uint16) *UART {
	return &UART{
		ports:        ports,
		base:         base,
		MaxPolls:     1000,
		PollInterval: time.Microsecond,
	}
}

// Init programs 38400 baud, 8N1, FIFOs enabled and interrupts off.
func (u *UART) Init() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.out(regIER, 0x00)
	u.out(regLCR, 0x80) // DLAB.
	u.out(regData, 0x03)
	u.out(regIER, 0x00)
	u.out(regLCR, 0x03)
	u.out(regFCR, 0xc7)
	u.out(regMCR, 0x0b)
	u.out(regIER, 0x01)
}

func (u *UART) out(reg uint16, v uint8) {
	u.ports.Outb(u.base+reg, v)
}

func (u *UART) in(reg uint16) uint8 {
	return u.ports.Inb(u.base + reg)
}

// waitTransmit polls the line status until the holding register is empty.
func (u *UART) waitTransmit() error {
	poll := func() error {
		if u.in(regLSR)&lsrTransmitEmpty == 0 {
			u.busy++
			return errBusy
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(u.PollInterval), u.MaxPolls)
	if err := backoff.Retry(poll, b); err != nil {
		return ErrTransmitTimeout
	}
	return nil
}

// WriteByte transmits one byte.
func (u *UART) WriteByte(c byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writeByte(c)
}

func (u *UART) writeByte(c byte) error {
	if err := u.waitTransmit(); err != nil {
		return err
	}
	u.out(regData, c)
	return nil
}

// Write implements io.Writer.
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, c := range p {
		if err := u.writeByte(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// BusyPolls returns the number of polls that found the transmitter busy.
func (u *UART) BusyPolls() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.busy
}
