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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"

	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/ring0"
	"noctis.dev/noctis/pkg/sync"
)

// CodeSize is the size of the code stub placed at each image symbol.
const CodeSize = 16

// CodeStub returns the bytes an image places at the address of the routine
// called name. Control transfers to an image symbol check them.
func CodeStub(name string) [CodeSize]byte {
	var b [CodeSize]byte
	// endbr64
	copy(b[:], []byte{0xf3, 0x0f, 0x1e, 0xfa})
	h := fnv.New64a()
	h.Write([]byte(name))
	binary.LittleEndian.PutUint64(b[4:], h.Sum64())
	for i := 12; i < CodeSize; i++ {
		b[i] = 0xcc // int3
	}
	return b
}

// Resume addresses are return addresses pushed by SwitchContext. They lie
// in a range no symbol uses.
const (
	resumeBase  = 0xffff_ffff_fff0_0000
	resumeSlots = 1 << 16
)

type symbol struct {
	name string
	fn   func()

	// image is set for symbols whose code stub is in the loaded image.
	image bool
}

// textTable maps text addresses to routines.
type textTable struct {
	mu   sync.Mutex
	syms map[uint64]*symbol

	// [next, end) is free space for Link.
	next uint64
	end  uint64
}

func newTextTable() *textTable {
	return &textTable{syms: make(map[uint64]*symbol)}
}

func (t *textTable) lookup(addr uint64) (*symbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.syms[addr]
	return s, ok
}

// SetTextArena sets the range Link places routines in. The range must be
// mapped executable once paging is enabled.
func (m *Machine) SetTextArena(base hostarch.VirtAddr, size hostarch.MSize) {
	m.text.mu.Lock()
	defer m.text.mu.Unlock()
	m.text.next = uint64(base)
	m.text.end = uint64(base) + uint64(size)
}

// LinkAt places fn at addr. The image loaded at addr must hold
// CodeStub(name).
func (m *Machine) LinkAt(addr hostarch.VirtAddr, name string, fn func()) error {
	m.text.mu.Lock()
	defer m.text.mu.Unlock()
	if s, ok := m.text.syms[uint64(addr)]; ok {
		return fmt.Errorf("symbol %s at %v already holds %s", name, addr, s.name)
	}
	m.text.syms[uint64(addr)] = &symbol{name: name, fn: fn, image: true}
	return nil
}

// Link implements ring0.Hardware.Link. It places fn in the text arena.
func (m *Machine) Link(name string, fn func()) hostarch.VirtAddr {
	m.text.mu.Lock()
	addr := m.text.next
	if addr == 0 || addr+CodeSize > m.text.end {
		m.text.mu.Unlock()
		m.fail(fmt.Errorf("%w: no text arena space for %s", ErrBadJump, name))
	}
	m.text.next += CodeSize
	m.text.syms[addr] = &symbol{name: name, fn: fn}
	m.text.mu.Unlock()
	return hostarch.VirtAddr(addr)
}

// Symbol returns the name of the routine at addr.
func (m *Machine) Symbol(addr hostarch.VirtAddr) (string, bool) {
	s, ok := m.text.lookup(uint64(addr))
	if !ok {
		return "", false
	}
	return s.name, true
}

// tryFetch checks that addr holds a routine reachable for execution.
func (m *Machine) tryFetch(addr uint64) (*symbol, error) {
	s, ok := m.text.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrBadJump, addr)
	}
	t, f := m.translate(addr, accFetch)
	if f != nil {
		return nil, f
	}
	if s.image {
		var code [CodeSize]byte
		if err := m.mem.Read(t.pa, code[:]); err != nil {
			return nil, fmt.Errorf("%w: fetching %s: %v", ErrBusError, s.name, err)
		}
		if want := CodeStub(s.name); !bytes.Equal(code[:], want[:]) {
			return nil, fmt.Errorf("%w: code at %#x (phys %v) is not %s", ErrBadJump, addr, t.pa, s.name)
		}
	}
	return s, nil
}

// fetch is tryFetch for ordinary control transfers: translation faults are
// delivered, anything else stops the processor.
func (m *Machine) fetch(addr uint64) *symbol {
	for {
		s, err := m.tryFetch(addr)
		if err == nil {
			return s
		}
		f, ok := err.(*fault)
		if !ok {
			m.fail(err)
		}
		m.raise(f)
	}
}

// jump transfers control to the routine at addr on the calling goroutine.
func (m *Machine) jump(addr uint64) {
	s := m.fetch(addr)
	m.rip = addr
	s.fn()
}

// Call calls the routine at addr: the return address is pushed, the routine
// runs and, if it returns, the return address is popped again.
func (m *Machine) Call(addr hostarch.VirtAddr) {
	m.checkStopped()
	rip := m.rip
	m.Push(rip)
	m.jump(uint64(addr))
	m.rip = m.Pop()
}

// SwitchContext implements ring0.Hardware.SwitchContext.
//
// The callee-saved registers, stack pointer and flags go to prev and a
// resume address is left on the stack. The registers are loaded from next
// and the return address on the new stack is popped: a resume address hands
// the processor to the goroutine parked there, any other address starts the
// routine it holds on a new goroutine.
func (m *Machine) SwitchContext(prev, next *ring0.TaskContext) {
	m.checkStopped()
	m.stats.switches.Add(1)

	rip := m.rip
	resume := m.resumeAddr()
	wake := make(chan struct{})
	m.parked[resume] = wake
	m.Push(resume)

	prev.Rbx = m.regs[ring0.RBX]
	prev.Rbp = m.regs[ring0.RBP]
	prev.R12 = m.regs[ring0.R12]
	prev.R13 = m.regs[ring0.R13]
	prev.R14 = m.regs[ring0.R14]
	prev.R15 = m.regs[ring0.R15]
	prev.Rsp = m.regs[ring0.RSP]
	prev.Rflags = m.rflags

	m.regs[ring0.RBX] = next.Rbx
	m.regs[ring0.RBP] = next.Rbp
	m.regs[ring0.R12] = next.R12
	m.regs[ring0.R13] = next.R13
	m.regs[ring0.R14] = next.R14
	m.regs[ring0.R15] = next.R15
	m.regs[ring0.RSP] = next.Rsp
	m.rflags = next.Rflags | ring0.KernelFlagsSet

	m.ret(m.Pop())

	select {
	case <-wake:
	case <-m.done:
		runtime.Goexit()
	}
	m.rip = rip
}

// ret transfers control to addr, popped from the stack.
func (m *Machine) ret(addr uint64) {
	if wake, ok := m.parked[addr]; ok {
		delete(m.parked, addr)
		close(wake)
		return
	}
	s := m.fetch(addr)
	m.rip = addr
	m.spawn(s.fn)
}

// resumeAddr returns an unused resume address.
func (m *Machine) resumeAddr() uint64 {
	for {
		addr := uint64(resumeBase) + 16*(m.resumeNo%resumeSlots)
		m.resumeNo++
		if _, used := m.parked[addr]; !used {
			return addr
		}
	}
}
