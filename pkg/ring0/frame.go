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
	"encoding/binary"
	"fmt"
	"strings"
)

// Reg names a general purpose register, in the order they are saved in an
// InterruptFrame.
type Reg int

// Registers.
const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// NumGPRs is the number of general purpose registers.
	NumGPRs
)

var regNames = [NumGPRs]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String implements fmt.Stringer.
func (r Reg) String() string {
	if r < 0 || r >= NumGPRs {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return regNames[r]
}

// Interrupt frame layout. The general purpose registers are saved at the
// lowest addresses, followed by the vector and error code pushed by the
// entry stub and the frame pushed by the processor.
const (
	FrameOffsetVector = 0x80
	FrameOffsetError  = 0x88
	FrameOffsetRIP    = 0x90
	FrameOffsetCS     = 0x98
	FrameOffsetRFLAGS = 0xa0
	FrameOffsetRSP    = 0xa8
	FrameOffsetSS     = 0xb0

	// FrameSize is the size in bytes of an InterruptFrame.
	FrameSize = 0xb8
)

// InterruptFrame is the state saved on the stack by the interrupt entry
// path.
type InterruptFrame struct {
	Regs      [NumGPRs]uint64
	Vector    uint64
	ErrorCode uint64
	RIP       uint64
	CS        uint64
	RFLAGS    uint64
	RSP       uint64
	SS        uint64
}

// DecodeInterruptFrame decodes a frame from its in-memory form.
func DecodeInterruptFrame(b []byte) InterruptFrame {
	var f InterruptFrame
	for i := range f.Regs {
		f.Regs[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	f.Vector = binary.LittleEndian.Uint64(b[FrameOffsetVector:])
	f.ErrorCode = binary.LittleEndian.Uint64(b[FrameOffsetError:])
	f.RIP = binary.LittleEndian.Uint64(b[FrameOffsetRIP:])
	f.CS = binary.LittleEndian.Uint64(b[FrameOffsetCS:])
	f.RFLAGS = binary.LittleEndian.Uint64(b[FrameOffsetRFLAGS:])
	f.RSP = binary.LittleEndian.Uint64(b[FrameOffsetRSP:])
	f.SS = binary.LittleEndian.Uint64(b[FrameOffsetSS:])
	return f
}

// Bytes returns the in-memory form of f.
func (f *InterruptFrame) Bytes() [FrameSize]byte {
	var b [FrameSize]byte
	for i, r := range f.Regs {
		binary.LittleEndian.PutUint64(b[8*i:], r)
	}
	binary.LittleEndian.PutUint64(b[FrameOffsetVector:], f.Vector)
	binary.LittleEndian.PutUint64(b[FrameOffsetError:], f.ErrorCode)
	binary.LittleEndian.PutUint64(b[FrameOffsetRIP:], f.RIP)
	binary.LittleEndian.PutUint64(b[FrameOffsetCS:], f.CS)
	binary.LittleEndian.PutUint64(b[FrameOffsetRFLAGS:], f.RFLAGS)
	binary.LittleEndian.PutUint64(b[FrameOffsetRSP:], f.RSP)
	binary.LittleEndian.PutUint64(b[FrameOffsetSS:], f.SS)
	return b
}

// String formats the frame for fault reports.
func (f *InterruptFrame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "InterruptFrame {\n")
	fmt.Fprintf(&sb, "    vector: %#x, error_code: %#x\n", f.Vector, f.ErrorCode)
	fmt.Fprintf(&sb, "    rip: %#x, cs: %#x, rflags: %#x\n", f.RIP, f.CS, f.RFLAGS)
	fmt.Fprintf(&sb, "    rsp: %#x, ss: %#x\n", f.RSP, f.SS)
	for i := Reg(0); i < NumGPRs; i += 4 {
		fmt.Fprintf(&sb, "    %s: %#x, %s: %#x, %s: %#x, %s: %#x\n",
			i, f.Regs[i], i+1, f.Regs[i+1], i+2, f.Regs[i+2], i+3, f.Regs[i+3])
	}
	sb.WriteString("}")
	return sb.String()
}

// PageFaultErrorCode is the error code pushed for a page fault.
type PageFaultErrorCode uint64

// Page fault error code bits.
const (
	PageFaultPresent      PageFaultErrorCode = 1 << 0
	PageFaultWrite        PageFaultErrorCode = 1 << 1
	PageFaultUser         PageFaultErrorCode = 1 << 2
	PageFaultReserved     PageFaultErrorCode = 1 << 3
	PageFaultInstruction  PageFaultErrorCode = 1 << 4
	pageFaultKnownBitMask                    = PageFaultPresent | PageFaultWrite | PageFaultUser | PageFaultReserved | PageFaultInstruction
)

// String implements fmt.Stringer.
func (e PageFaultErrorCode) String() string {
	var parts []string
	if e&PageFaultPresent != 0 {
		parts = append(parts, "PROTECTION_VIOLATION")
	} else {
		parts = append(parts, "NOT_PRESENT")
	}
	if e&PageFaultWrite != 0 {
		parts = append(parts, "CAUSED_BY_WRITE")
	}
	if e&PageFaultUser != 0 {
		parts = append(parts, "USER_MODE")
	}
	if e&PageFaultReserved != 0 {
		parts = append(parts, "MALFORMED_TABLE")
	}
	if e&PageFaultInstruction != 0 {
		parts = append(parts, "INSTRUCTION_FETCH")
	}
	if rest := e &^ pageFaultKnownBitMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(parts, " | ")
}

// TaskContext is the callee-saved register set preserved across a context
// switch. The layout is fixed: the switch routine addresses fields by
// offset.
type TaskContext struct {
	Rbx    uint64
	Rbp    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rsp    uint64
	Rflags uint64
}

// Task context layout.
const (
	ContextOffsetRbx    = 0x00
	ContextOffsetRbp    = 0x08
	ContextOffsetR12    = 0x10
	ContextOffsetR13    = 0x18
	ContextOffsetR14    = 0x20
	ContextOffsetR15    = 0x28
	ContextOffsetRsp    = 0x30
	ContextOffsetRflags = 0x38
)
