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

package mm

import (
	"context"
	"fmt"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/cleanup"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/pagetables"
)

// pageEnd rounds a byte size up to a page boundary.
func pageEnd(size uint64) hostarch.Addr {
	return hostarch.Addr(size).MustRoundUp()
}

// GrowTo extends the user address space to size bytes. New pages are
// zero-filled and mapped read/write/execute for the user, or, with lazy
// growth, left to be filled on first touch. On failure every page mapped by
// this call is released and ENOMEM is returned.
func (m *MemoryManager) GrowTo(ctx context.Context, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	if size < m.size {
		return fmt.Errorf("grow from %#x to %#x: %w", m.size, size, linuxerr.EINVAL)
	}
	end, ok := hostarch.Addr(size).RoundUp()
	if !ok || end > m.limit {
		return linuxerr.ENOMEM
	}
	start := pageEnd(m.size)

	mapped := uint64(0)
	cu := cleanup.Make(func() {
		if mapped > 0 {
			m.unmapLocked(start, mapped)
		}
	})
	defer cu.Clean()
	for va := start; va < end; va += hostarch.PageSize {
		if m.lazy {
			if _, err := m.pt.Prepare(va); err != nil {
				return linuxerr.ENOMEM
			}
			mapped++
			continue
		}
		fr, err := m.newZeroFrame()
		if err != nil {
			return err
		}
		if err := m.pt.Map(va, hostarch.PageSize, fr, UserPerms); err != nil {
			m.frames.Free(fr)
			return linuxerr.ENOMEM
		}
		mapped++
	}
	cu.Release()
	m.size = size
	return nil
}

// ShrinkTo reduces the user address space to size bytes. Frames of removed
// pages are freed; their swap runs are reclaimed after the address space is
// unlocked.
func (m *MemoryManager) ShrinkTo(ctx context.Context, size uint64) error {
	m.mu.Lock()
	runs, err := m.shrinkLocked(size)
	m.mu.Unlock()
	m.reclaim(ctx, runs)
	return err
}

func (m *MemoryManager) shrinkLocked(size uint64) ([]blockdev.Run, error) {
	m.checkLive()
	if size > m.size {
		return nil, fmt.Errorf("shrink from %#x to %#x: %w", m.size, size, linuxerr.EINVAL)
	}
	start, end := pageEnd(size), pageEnd(m.size)
	var runs []blockdev.Run
	if end > start {
		runs = m.unmapLocked(start, uint64(end-start)>>hostarch.PageShift)
	}
	m.size = size
	return runs, nil
}

// Duplicate copies the user address space of src into m, which must be
// empty. Resident pages are copied, swapped pages are read back into fresh
// frames of m, and pages not yet filled stay unfilled. Entry flags are
// preserved. On failure m is left empty.
func (m *MemoryManager) Duplicate(ctx context.Context, src *MemoryManager) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	src.checkLive()
	m.checkLive()
	if m.size != 0 {
		panic("duplicate into a non-empty address space")
	}

	ctx, tx := m.journal.Begin(ctx)
	defer tx.End()

	end := pageEnd(src.size)
	copied := uint64(0)
	cu := cleanup.Make(func() {
		if copied > 0 {
			m.unmapLocked(0, copied)
		}
	})
	defer cu.Clean()
	for va := hostarch.Addr(0); va < end; va += hostarch.PageSize {
		spte, _ := src.pt.Resolve(va, false)
		if spte == nil {
			panic(fmt.Sprintf("duplicate: no entry for %v", va))
		}
		if err := m.copyPage(ctx, src, va, spte); err != nil {
			return err
		}
		copied++
	}
	cu.Release()
	m.size = src.size
	framesCopied.IncrementBy(copied)
	return nil
}

// copyPage installs in m a copy of the page src maps at va.
//
// Preconditions: m.mu and src.mu must be locked.
func (m *MemoryManager) copyPage(ctx context.Context, src *MemoryManager, va hostarch.Addr, spte *pagetables.PTE) error {
	state := spte.State()
	if state == pagetables.StateUnmapped {
		if _, err := m.pt.Prepare(va); err != nil {
			return linuxerr.ENOMEM
		}
		return nil
	}
	fr, err := m.frames.Allocate()
	if err != nil {
		return linuxerr.ENOMEM
	}
	switch state {
	case pagetables.StateResident:
		copy(m.frames.Bytes(fr), src.frames.Bytes(spte.Frame()))
	case pagetables.StateSwapped:
		if err := src.swap.ReadSwapped(ctx, spte, fr); err != nil {
			m.frames.Free(fr)
			return err
		}
	default:
		panic(fmt.Sprintf("duplicate: %v at %v", spte, va))
	}
	if err := m.pt.Map(va, hostarch.PageSize, fr, spte.Flags()&pagetables.PermMask); err != nil {
		m.frames.Free(fr)
		return linuxerr.ENOMEM
	}
	pte := m.pt.Peek(va)
	if spte.Flags()&pagetables.FlagDirty != 0 {
		pte.SetDirty()
	}
	if spte.Pinned() {
		pte.SetPinned(true)
	}
	return nil
}

// MapFixed maps frame at va, outside the user range, with the given
// permissions. If owned is set the frame is freed when the mapping is
// removed.
func (m *MemoryManager) MapFixed(va hostarch.Addr, frame hostarch.Frame, perms pagetables.Flags, owned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	if va < m.limit {
		panic(fmt.Sprintf("fixed mapping at %v inside the user range", va))
	}
	if err := m.pt.Map(va, hostarch.PageSize, frame, perms); err != nil {
		return err
	}
	m.fixed = append(m.fixed, fixedMapping{va: va, owned: owned})
	return nil
}

// UnmapFixed removes the fixed mapping at va.
func (m *MemoryManager) UnmapFixed(va hostarch.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	for i, f := range m.fixed {
		if f.va != va {
			continue
		}
		free := m.frames.Free
		if !f.owned {
			free = nil
		}
		m.pt.Unmap(va, 1, free, m.forget)
		m.fixed = append(m.fixed[:i], m.fixed[i+1:]...)
		return
	}
	panic(fmt.Sprintf("no fixed mapping at %v", va))
}

// Destroy unmaps everything, frees the page tables and then reclaims the
// swap runs the address space held. The MemoryManager cannot be used
// afterwards.
func (m *MemoryManager) Destroy(ctx context.Context) {
	m.mu.Lock()
	m.checkLive()
	runs := m.unmapLocked(0, uint64(pageEnd(m.size))>>hostarch.PageShift)
	for _, f := range m.fixed {
		free := m.frames.Free
		if !f.owned {
			free = nil
		}
		m.pt.Unmap(f.va, 1, free, m.forget)
	}
	m.fixed = nil
	m.pt.Release()
	m.size = 0
	m.destroyed = true
	m.mu.Unlock()

	m.reclaim(ctx, runs)
}
