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
	"strings"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/hostarch"
)

// Flags are the bits of a page table entry.
type Flags uint16

// Entry flags, in the order the dump prints them.
const (
	FlagValid Flags = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagSwapped
	FlagDirty
	FlagPinned
)

// PermMask selects the permission bits.
const PermMask = FlagRead | FlagWrite | FlagExec | FlagUser

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagValid, "V"},
	{FlagRead, "R"},
	{FlagWrite, "W"},
	{FlagExec, "X"},
	{FlagUser, "U"},
	{FlagSwapped, "S"},
	{FlagDirty, "D"},
	{FlagPinned, "P"},
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var b strings.Builder
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			b.WriteString(fn.name)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// State is the residency state of an entry.
type State int

const (
	// StateUnmapped entries have neither a frame nor a block run.
	StateUnmapped State = iota

	// StateResident entries map a page frame.
	StateResident

	// StateSwapped entries hold their page in a block run on the swap
	// device and are not addressable.
	StateSwapped

	// StateTable entries point at a next-level table.
	StateTable
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateResident:
		return "resident"
	case StateSwapped:
		return "swapped"
	case StateTable:
		return "table"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PTE is a page table entry. Its location is either a page frame (resident
// pages and table pointers) or a block run (swapped pages); FlagSwapped
// selects which. FlagValid and FlagSwapped are never both set.
//
// A *PTE stays valid for as long as its table exists, and is the identity
// used by the replacement tracker.
type PTE struct {
	flags Flags
	frame hostarch.Frame
	run   blockdev.Run

	// addr is the physical address of the entry itself.
	addr uint64
}

// Flags returns the entry's flags.
func (p *PTE) Flags() Flags {
	return p.flags
}

// Valid returns true if the entry is addressable.
func (p *PTE) Valid() bool {
	return p.flags&FlagValid != 0
}

// Swapped returns true if the entry's page is on the swap device.
func (p *PTE) Swapped() bool {
	return p.flags&FlagSwapped != 0
}

// Pinned implements replacement.Entry.Pinned.
func (p *PTE) Pinned() bool {
	return p.flags&FlagPinned != 0
}

// Address implements replacement.Entry.Address. It returns the physical
// address of the entry.
func (p *PTE) Address() uint64 {
	return p.addr
}

// State returns the residency state of the entry.
func (p *PTE) State() State {
	switch {
	case p.flags&FlagSwapped != 0:
		return StateSwapped
	case p.flags&FlagValid == 0:
		return StateUnmapped
	case p.flags&(FlagRead|FlagWrite|FlagExec) == 0:
		return StateTable
	default:
		return StateResident
	}
}

// Frame returns the frame of a resident entry.
func (p *PTE) Frame() hostarch.Frame {
	if s := p.State(); s != StateResident {
		panic(fmt.Sprintf("Frame() of %v entry %#x", s, p.addr))
	}
	return p.frame
}

// Run returns the block run of a swapped entry.
func (p *PTE) Run() blockdev.Run {
	if s := p.State(); s != StateSwapped {
		panic(fmt.Sprintf("Run() of %v entry %#x", s, p.addr))
	}
	return p.run
}

// SetResident maps frame with the given permissions. The entry must be
// unmapped.
func (p *PTE) SetResident(frame hostarch.Frame, perms Flags) {
	if s := p.State(); s != StateUnmapped {
		panic(fmt.Sprintf("remap of %v entry %#x", s, p.addr))
	}
	if perms&(FlagRead|FlagWrite|FlagExec) == 0 {
		panic(fmt.Sprintf("leaf mapping of entry %#x without R, W or X", p.addr))
	}
	p.frame = frame
	p.run = 0
	p.flags = perms&PermMask | FlagValid
}

// SetSwapped moves a resident entry to run r, keeping its permission, dirty
// and pinned bits.
func (p *PTE) SetSwapped(r blockdev.Run) {
	if s := p.State(); s != StateResident {
		panic(fmt.Sprintf("swap out of %v entry %#x", s, p.addr))
	}
	p.frame = 0
	p.run = r
	p.flags = p.flags&^FlagValid | FlagSwapped
}

// Restore moves a swapped entry back to frame, keeping its permission,
// dirty and pinned bits.
func (p *PTE) Restore(frame hostarch.Frame) {
	if s := p.State(); s != StateSwapped {
		panic(fmt.Sprintf("swap in of %v entry %#x", s, p.addr))
	}
	p.frame = frame
	p.run = 0
	p.flags = p.flags&^FlagSwapped | FlagValid
}

// SetPinned sets or clears the pin bit. Only resident and swapped entries can
// be pinned.
func (p *PTE) SetPinned(pinned bool) {
	if s := p.State(); s != StateResident && s != StateSwapped {
		panic(fmt.Sprintf("pin of %v entry %#x", s, p.addr))
	}
	if pinned {
		p.flags |= FlagPinned
	} else {
		p.flags &^= FlagPinned
	}
}

// SetDirty marks a resident entry as written.
func (p *PTE) SetDirty() {
	if s := p.State(); s != StateResident {
		panic(fmt.Sprintf("dirtying %v entry %#x", s, p.addr))
	}
	p.flags |= FlagDirty
}

// ClearUser removes user access from the entry.
func (p *PTE) ClearUser() {
	p.flags &^= FlagUser
}

// Clear resets the entry to unmapped.
func (p *PTE) Clear() {
	p.flags = 0
	p.frame = 0
	p.run = 0
}

// setTable points the entry at a next-level table.
func (p *PTE) setTable(frame hostarch.Frame) {
	p.frame = frame
	p.run = 0
	p.flags = FlagValid
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	switch s := p.State(); s {
	case StateSwapped:
		return fmt.Sprintf("pte %#x: run %v flags %v", p.addr, p.run, p.flags)
	case StateUnmapped:
		return fmt.Sprintf("pte %#x: unmapped", p.addr)
	default:
		return fmt.Sprintf("pte %#x: %v %v flags %v", p.addr, s, p.frame, p.flags)
	}
}
