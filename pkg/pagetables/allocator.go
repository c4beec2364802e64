// Copyright 2026 The vmsim Authors.
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

package pagetables

import (
	"fmt"
	"sync"

	"github.com/vmsim/vmsim/pkg/hostarch"
)

// entrySize is the size of an entry in a table frame.
const entrySize = 8

// PTEs is a table node: one frame's worth of entries.
type PTEs struct {
	frame   hostarch.Frame
	entries []PTE
}

// Allocator is used to allocate and map PTEs.
//
// Allocators are not required to be thread-safe.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) hostarch.Frame

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical hostarch.Frame) *PTEs

	// FreePTEs frees a set of PTEs.
	FreePTEs(ptes *PTEs)
}

// FrameSource supplies the frames that back tables.
type FrameSource interface {
	Allocate() (hostarch.Frame, error)
	Free(hostarch.Frame)
}

// FrameAllocator is an Allocator whose tables each occupy a frame from a
// FrameSource, so table memory is accounted with the rest of physical
// memory.
type FrameAllocator struct {
	src     FrameSource
	entries int

	// mu protects allNodes.
	mu sync.Mutex

	// allNodes maps a table frame to its node.
	allNodes map[hostarch.Frame]*PTEs
}

// NewFrameAllocator returns an allocator of tables with 1<<bitsPerLevel
// entries each.
func NewFrameAllocator(src FrameSource, bitsPerLevel int) *FrameAllocator {
	if entries := (1 << bitsPerLevel) * entrySize; entries > hostarch.PageSize {
		panic(fmt.Sprintf("%d bits per level do not fit a table in a page", bitsPerLevel))
	}
	return &FrameAllocator{
		src:      src,
		entries:  1 << bitsPerLevel,
		allNodes: make(map[hostarch.Frame]*PTEs),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, error) {
	f, err := a.src.Allocate()
	if err != nil {
		return nil, err
	}
	ptes := &PTEs{
		frame:   f,
		entries: make([]PTE, a.entries),
	}
	for i := range ptes.entries {
		ptes.entries[i].addr = uint64(f) + uint64(i)*entrySize
	}
	a.mu.Lock()
	a.allNodes[f] = ptes
	a.mu.Unlock()
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *FrameAllocator) PhysicalFor(ptes *PTEs) hostarch.Frame {
	return ptes.frame
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(physical hostarch.Frame) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allNodes[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *FrameAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	if _, ok := a.allNodes[ptes.frame]; !ok {
		a.mu.Unlock()
		panic(fmt.Sprintf("freeing unknown table %v", ptes.frame))
	}
	delete(a.allNodes, ptes.frame)
	a.mu.Unlock()
	a.src.Free(ptes.frame)
}

// Tables returns the number of live tables.
func (a *FrameAllocator) Tables() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allNodes)
}
