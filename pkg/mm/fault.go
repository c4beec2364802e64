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

	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/pagetables"
)

// Faultable returns true if an access to va can be satisfied by HandleFault:
// va is inside the user range and its page is either swapped out or not yet
// filled.
func (m *MemoryManager) Faultable(va hostarch.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || va >= pageEnd(m.size) {
		return false
	}
	pte := m.pt.Peek(va.RoundDown())
	if pte == nil {
		return false
	}
	s := pte.State()
	return s == pagetables.StateSwapped || s == pagetables.StateUnmapped
}

// HandleFault services a page fault at va. A swapped page is read back into
// a fresh frame; a page that was never filled gets a zeroed one.
//
// The page table entry for va must exist and must not be valid.
func (m *MemoryManager) HandleFault(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()

	va = va.RoundDown()
	pte, _ := m.pt.Resolve(va, false)
	if pte == nil {
		panic(fmt.Sprintf("page fault at %v (%v): no page table entry", va, at))
	}
	switch pte.State() {
	case pagetables.StateSwapped:
		fr, err := m.newZeroFrame()
		if err != nil {
			return err
		}
		ctx, tx := m.journal.Begin(ctx)
		err = m.swap.RestoreFromDisk(ctx, pte, fr)
		tx.End()
		if err != nil {
			m.frames.Free(fr)
			return err
		}
		faultCount.Increment("swap_in")
		m.faultLog.Debugf("Swapped in %v for %v access", va, at)
	case pagetables.StateUnmapped:
		fr, err := m.newZeroFrame()
		if err != nil {
			return err
		}
		pte.SetResident(fr, UserPerms)
		faultCount.Increment("zero_fill")
		m.faultLog.Debugf("Zero filled %v for %v access", va, at)
	default:
		panic(fmt.Sprintf("page fault at %v (%v) on %v", va, at, pte))
	}
	return nil
}
