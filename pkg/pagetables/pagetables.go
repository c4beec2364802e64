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

// Package pagetables provides a generic implementation of multi-level page
// tables whose leaves are either resident in a page frame or swapped out to
// a block run.
package pagetables

import (
	"fmt"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/errors"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// ErrNotMapped is returned by Translate for addresses without a valid user
// mapping.
var ErrNotMapped = errors.New(unix.EFAULT, "address not mapped")

const (
	// DefaultLevels is the default depth of the tree.
	DefaultLevels = 3

	// DefaultBitsPerLevel is the default number of address bits consumed
	// per level.
	DefaultBitsPerLevel = 9
)

// AccessObserver is notified of every resolution of a leaf entry outside the
// reserved regions.
type AccessObserver interface {
	OnAccess(pte *PTE)
}

// Opts are page table options.
type Opts struct {
	// Levels is the depth of the tree. Zero means DefaultLevels.
	Levels int

	// BitsPerLevel is the number of address bits consumed per level. Zero
	// means DefaultBitsPerLevel.
	BitsPerLevel int

	// Reserved lists address ranges whose resolutions are not reported to
	// the observer.
	Reserved []hostarch.AddrRange

	// Observer, if set, is notified of accesses.
	Observer AccessObserver
}

// PageTables is a page table.
//
// PageTables is not safe for concurrent use; the owning address space
// serialises access.
type PageTables struct {
	allocator Allocator
	root      *PTEs

	levels       int
	bitsPerLevel int
	maxVA        hostarch.Addr

	reserved []hostarch.AddrRange
	observer AccessObserver
}

// MaxVA returns the address space limit for a tree of the given geometry.
// The top bit of the translated range is left unused so that addresses
// never need sign extension.
func MaxVA(levels, bitsPerLevel int) hostarch.Addr {
	return hostarch.Addr(1) << (hostarch.PageShift + levels*bitsPerLevel - 1)
}

// New returns new PageTables.
func New(a Allocator, opts Opts) (*PageTables, error) {
	if opts.Levels == 0 {
		opts.Levels = DefaultLevels
	}
	if opts.BitsPerLevel == 0 {
		opts.BitsPerLevel = DefaultBitsPerLevel
	}
	if opts.Levels < 1 || hostarch.PageShift+opts.Levels*opts.BitsPerLevel > 64 {
		return nil, fmt.Errorf("invalid page table geometry: %d levels of %d bits", opts.Levels, opts.BitsPerLevel)
	}
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		allocator:    a,
		root:         root,
		levels:       opts.Levels,
		bitsPerLevel: opts.BitsPerLevel,
		maxVA:        MaxVA(opts.Levels, opts.BitsPerLevel),
		reserved:     opts.Reserved,
		observer:     opts.Observer,
	}, nil
}

// SetObserver replaces the access observer.
func (p *PageTables) SetObserver(o AccessObserver) {
	p.observer = o
}

// MaxVA returns one past the highest translatable address.
func (p *PageTables) MaxVA() hostarch.Addr {
	return p.maxVA
}

// Root returns the physical address of the root table.
func (p *PageTables) Root() hostarch.Frame {
	return p.allocator.PhysicalFor(p.root)
}

// IsReserved returns true if va lies in a reserved region.
func (p *PageTables) IsReserved(va hostarch.Addr) bool {
	for _, r := range p.reserved {
		if r.Contains(va) {
			return true
		}
	}
	return false
}

// shift returns the address shift of the given level; level 0 is the root.
func (p *PageTables) shift(level int) uint {
	return uint(hostarch.PageShift + p.bitsPerLevel*(p.levels-1-level))
}

func (p *PageTables) index(va hostarch.Addr, level int) int {
	return int(uint64(va)>>p.shift(level)) & (1<<p.bitsPerLevel - 1)
}

// walk finds the leaf entry for va, allocating intermediate tables if alloc
// is set. It returns nil if a table is missing and alloc is false.
func (p *PageTables) walk(va hostarch.Addr, alloc bool) (*PTE, error) {
	if va >= p.maxVA {
		panic(fmt.Sprintf("address %v out of range (max %v)", va, p.maxVA))
	}
	table := p.root
	for level := 0; level < p.levels-1; level++ {
		pte := &table.entries[p.index(va, level)]
		switch pte.State() {
		case StateTable:
			table = p.allocator.LookupPTEs(pte.frame)
			if table == nil {
				panic(fmt.Sprintf("walk of %v: entry %#x points at unknown table %v", va, pte.addr, pte.frame))
			}
		case StateUnmapped:
			if !alloc {
				return nil, nil
			}
			next, err := p.allocator.NewPTEs()
			if err != nil {
				return nil, err
			}
			pte.setTable(p.allocator.PhysicalFor(next))
			table = next
		default:
			panic(fmt.Sprintf("walk of %v: leaf entry %v at level %d", va, pte, level))
		}
	}
	return &table.entries[p.index(va, p.levels-1)], nil
}

// Resolve returns the leaf entry for va, allocating intermediate tables if
// alloc is set. It returns nil and no error if the entry's table does not
// exist and alloc is false. Table allocation failures are returned. If va is
// not reserved, the observer is told about the access.
//
// Precondition: va < MaxVA().
func (p *PageTables) Resolve(va hostarch.Addr, alloc bool) (*PTE, error) {
	pte, err := p.walk(va, alloc)
	if err != nil || pte == nil {
		return nil, err
	}
	if p.observer != nil && !p.IsReserved(va) {
		p.observer.OnAccess(pte)
	}
	return pte, nil
}

// Peek returns the leaf entry for va without allocating tables or notifying
// the observer.
func (p *PageTables) Peek(va hostarch.Addr) *PTE {
	pte, _ := p.walk(va, false)
	return pte
}

// Prepare allocates the tables leading to va and returns its leaf entry
// without notifying the observer.
func (p *PageTables) Prepare(va hostarch.Addr) (*PTE, error) {
	return p.walk(va, true)
}

// Translate returns the physical address backing va. The page must be
// valid and user accessible; swapped pages are not brought back.
func (p *PageTables) Translate(va hostarch.Addr) (uint64, error) {
	if va >= p.maxVA {
		return 0, ErrNotMapped
	}
	pte, err := p.Resolve(va, false)
	if err != nil {
		return 0, err
	}
	if pte == nil || !pte.Valid() || pte.flags&FlagUser == 0 {
		return 0, ErrNotMapped
	}
	return uint64(pte.frame) + va.PageOffset(), nil
}

// Map installs entries for the pages of [va, va+size) pointing at
// consecutive frames starting at frame. Remapping a live entry is fatal.
// Table allocation failures are returned; pages mapped before the failure
// stay mapped.
func (p *PageTables) Map(va hostarch.Addr, size uint64, frame hostarch.Frame, perms Flags) error {
	if size == 0 {
		panic("map: zero size")
	}
	end, ok := va.AddLength(size - 1)
	if !ok {
		panic(fmt.Sprintf("map: range %v+%#x wraps", va, size))
	}
	last := end.RoundDown()
	for a := va.RoundDown(); ; a += hostarch.PageSize {
		pte, err := p.Resolve(a, true)
		if err != nil {
			return err
		}
		if pte.Valid() || pte.Swapped() {
			panic(fmt.Sprintf("map: remap of %v (%v)", a, pte))
		}
		pte.SetResident(frame, perms)
		if a == last {
			return nil
		}
		frame += hostarch.PageSize
	}
}

// Unmap clears npages leaf entries starting at the page-aligned va. The
// entries must exist. Resident frames are passed to free if it is non-nil.
// Swapped entries are cleared and their runs returned for the caller to
// reclaim. Entries that are already clear are skipped. The cleared entries
// are passed to cleared, if it is non-nil, before being reset.
func (p *PageTables) Unmap(va hostarch.Addr, npages uint64, free func(hostarch.Frame), cleared func(*PTE)) []blockdev.Run {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("unmap: %v not aligned", va))
	}
	var runs []blockdev.Run
	for i := uint64(0); i < npages; i++ {
		a := va + hostarch.Addr(i<<hostarch.PageShift)
		pte := p.Peek(a)
		if pte == nil {
			panic(fmt.Sprintf("unmap: no entry for %v", a))
		}
		switch pte.State() {
		case StateUnmapped:
			continue
		case StateTable:
			panic(fmt.Sprintf("unmap: %v is not a leaf (%v)", a, pte))
		case StateSwapped:
			runs = append(runs, pte.run)
		case StateResident:
			if free != nil {
				free(pte.frame)
			}
		}
		if cleared != nil {
			cleared(pte)
		}
		pte.Clear()
	}
	return runs
}

// Release frees every table. All leaf entries must already be clear.
func (p *PageTables) Release() {
	p.freewalk(p.root, 0)
	p.root = nil
}

func (p *PageTables) freewalk(table *PTEs, level int) {
	for i := range table.entries {
		pte := &table.entries[i]
		switch pte.State() {
		case StateUnmapped:
		case StateTable:
			child := p.allocator.LookupPTEs(pte.frame)
			if child == nil {
				panic(fmt.Sprintf("freewalk: entry %#x points at unknown table %v", pte.addr, pte.frame))
			}
			p.freewalk(child, level+1)
			pte.Clear()
		default:
			panic(fmt.Sprintf("freewalk: live leaf %v at level %d", pte, level))
		}
	}
	p.allocator.FreePTEs(table)
}
