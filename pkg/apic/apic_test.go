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

package apic

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/ring0"
)

type write struct {
	Off uint64
	Val uint32
}

type fakeRegs struct {
	writes []write
}

func (f *fakeRegs) Read32(addr hostarch.VirtAddr) uint32 { return 0 }

func (f *fakeRegs) Write32(addr hostarch.VirtAddr, v uint32) {
	f.writes = append(f.writes, write{uint64(addr - hostarch.LocalAPICBase), v})
}

func TestInit(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Opts
		want []write
	}{
		{
			name: "defaults",
			want: []write{
				{RegDivide, 0b110},
				{RegInitialCount, 0x1000000},
				{RegLVTTimer, 0x2002a},
			},
		},
		{
			name: "custom",
			opts: Opts{Divisor: 0b1011, InitialCount: 0x100, Vector: 0x30},
			want: []write{
				{RegDivide, 0b1011},
				{RegInitialCount, 0x100},
				{RegLVTTimer, 0x20030},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			regs := &fakeRegs{}
			New(regs, hostarch.LocalAPICBase).Init(tc.opts)
			if diff := cmp.Diff(tc.want, regs.writes); diff != "" {
				t.Errorf("register writes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEOI(t *testing.T) {
	regs := &fakeRegs{}
	New(regs, hostarch.LocalAPICBase).EOI()
	if diff := cmp.Diff([]write{{RegEOI, 0}}, regs.writes); diff != "" {
		t.Errorf("register writes mismatch (-want +got):\n%s", diff)
	}
}

func TestTickWrapsPastZero(t *testing.T) {
	timer := New(&fakeRegs{}, hostarch.LocalAPICBase)
	timer.Tick()
	timer.Tick()
	if got := timer.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	timer.count = math.MaxUint32
	timer.Tick()
	if got := timer.Count(); got != 1 {
		t.Errorf("Count after wrap = %d, want 1", got)
	}
}

var _ ring0.Timer = (*Timer)(nil)
