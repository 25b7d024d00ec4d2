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

package bootinfo

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"noctis.dev/noctis/pkg/hostarch"
)

func TestAddMerges(t *testing.T) {
	var a MemoryRegionArray
	for _, r := range []MemoryRegion{
		{Base: 0, Length: 0x1000, Kind: Usable},
		{Base: 0x1000, Length: 0x3000, Kind: Usable},
		{Base: 0x4000, Length: 0x1000, Kind: Reserved},
		{Base: 0x6000, Length: 0, Kind: Usable},
		{Base: 0x6000, Length: 0x2000, Kind: Usable},
	} {
		if err := a.Add(r); err != nil {
			t.Fatalf("Add(%v): %v", r, err)
		}
	}
	want := []MemoryRegion{
		{Base: 0, Length: 0x4000, Kind: Usable},
		{Base: 0x4000, Length: 0x1000, Kind: Reserved},
		{Base: 0x6000, Length: 0x2000, Kind: Usable},
	}
	if diff := cmp.Diff(want, a.All()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	if got := a.Total(Usable); got != 0x6000 {
		t.Errorf("Total(Usable) = %#x, want 0x6000", got)
	}
}

func TestAddFull(t *testing.T) {
	var a MemoryRegionArray
	for i := 0; i < MaxRegions; i++ {
		// Alternate kinds so nothing merges.
		r := MemoryRegion{Base: hostarch.PhysAddr(i * 0x1000), Length: 0x1000, Kind: RegionKind(i % 2)}
		if err := a.Add(r); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	err := a.Add(MemoryRegion{Base: 0x10_0000, Length: 0x1000, Kind: Usable})
	if !errors.Is(err, ErrTooManyRegions) {
		t.Errorf("Add to full table = %v, want ErrTooManyRegions", err)
	}
}

func TestEncoding(t *testing.T) {
	var a MemoryRegionArray
	a.Add(MemoryRegion{Base: 0x1000, Length: 0x9f000, Kind: Usable})
	a.Add(MemoryRegion{Base: 0xa0000, Length: 0x60000, Kind: Reserved})
	b := a.Bytes()
	if len(b) != ArraySize {
		t.Fatalf("len(Bytes()) = %d, want %d", len(b), ArraySize)
	}
	if got := b[16]; got != byte(Usable) {
		t.Errorf("kind byte = %d, want %d", got, Usable)
	}
	if got := b[RegionSize]; got != 0x00 || b[RegionSize+1] != 0x00 || b[RegionSize+2] != 0x0a {
		t.Errorf("second base bytes = % x, want 00 00 0a", b[RegionSize:RegionSize+3])
	}
	if got := b[MaxRegions*RegionSize]; got != 2 {
		t.Errorf("count byte = %d, want 2", got)
	}
	got, err := DecodeMemoryRegionArray(b)
	if err != nil {
		t.Fatalf("DecodeMemoryRegionArray: %v", err)
	}
	if diff := cmp.Diff(&a, got); diff != "" {
		t.Errorf("decoded table mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := DecodeMemoryRegionArray(make([]byte, ArraySize-1)); err == nil {
		t.Errorf("decoding a short table succeeded")
	}
	b := make([]byte, ArraySize)
	b[MaxRegions*RegionSize] = MaxRegions + 1
	if _, err := DecodeMemoryRegionArray(b); !errors.Is(err, ErrTooManyRegions) {
		t.Errorf("decoding count %d = %v, want ErrTooManyRegions", MaxRegions+1, err)
	}
}

func TestIndex(t *testing.T) {
	var a MemoryRegionArray
	a.Add(MemoryRegion{Base: 0x10_0000, Length: 0x10_0000, Kind: Usable})
	a.Add(MemoryRegion{Base: 0, Length: 0xa_0000, Kind: Usable})
	a.Add(MemoryRegion{Base: 0xa_0000, Length: 0x6_0000, Kind: Reserved})
	idx := NewIndex(&a)
	if idx.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", idx.Len())
	}
	for _, tc := range []struct {
		pa   hostarch.PhysAddr
		base hostarch.PhysAddr
		ok   bool
	}{
		{pa: 0, base: 0, ok: true},
		{pa: 0x9_ffff, base: 0, ok: true},
		{pa: 0xa_0000, base: 0xa_0000, ok: true},
		{pa: 0x1f_ffff, base: 0x10_0000, ok: true},
		{pa: 0x20_0000, ok: false},
	} {
		r, ok := idx.Find(tc.pa)
		if ok != tc.ok || (ok && r.Base != tc.base) {
			t.Errorf("Find(%v) = %v, %t, want base %v, %t", tc.pa, r, ok, tc.base, tc.ok)
		}
	}
	usable := idx.Usable()
	if len(usable) != 2 || usable[0].Base != 0 || usable[1].Base != 0x10_0000 {
		t.Errorf("Usable() = %v, want the two usable regions in order", usable)
	}
	if got := idx.Highest(); got != 0x20_0000 {
		t.Errorf("Highest() = %v, want 0x200000", got)
	}
}

func TestHandoffArgs(t *testing.T) {
	h := Handoff{
		Stack:    hostarch.LinearMapBase + 0x8000,
		HeapBase: hostarch.LinearMapBase + 0x100000,
		HeapSize: 0x1000000,
		Regions:  hostarch.LinearMapBase + 0x2000,
	}
	args := h.Args()
	if got := HandoffFromArgs(args[0], args[1], args[2], args[3]); got != h {
		t.Errorf("HandoffFromArgs(Args()) = %v, want %v", got, h)
	}
}
