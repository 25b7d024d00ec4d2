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
	"github.com/google/btree"
	"noctis.dev/noctis/pkg/hostarch"
)

// Index is an ordered index of memory regions by base address.
type Index struct {
	tree *btree.BTreeG[MemoryRegion]
}

// NewIndex indexes the valid regions of a.
func NewIndex(a *MemoryRegionArray) *Index {
	idx := &Index{
		tree: btree.NewG(8, func(x, y MemoryRegion) bool {
			return x.Base < y.Base
		}),
	}
	for _, r := range a.All() {
		idx.tree.ReplaceOrInsert(r)
	}
	return idx
}

// Len returns the number of regions.
func (idx *Index) Len() int {
	return idx.tree.Len()
}

// Find returns the region containing pa.
func (idx *Index) Find(pa hostarch.PhysAddr) (MemoryRegion, bool) {
	var (
		found MemoryRegion
		ok    bool
	)
	idx.tree.DescendLessOrEqual(MemoryRegion{Base: pa}, func(r MemoryRegion) bool {
		found, ok = r, r.Contains(pa)
		return false
	})
	return found, ok
}

// Usable returns the usable regions in address order.
func (idx *Index) Usable() []MemoryRegion {
	var rs []MemoryRegion
	idx.tree.Ascend(func(r MemoryRegion) bool {
		if r.Kind == Usable {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

// Highest returns the end of the highest region.
func (idx *Index) Highest() hostarch.PhysAddr {
	r, ok := idx.tree.Max()
	if !ok {
		return 0
	}
	return r.End()
}
