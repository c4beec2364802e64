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

	"github.com/vmsim/vmsim/pkg/errors"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/pagetables"
	"golang.org/x/sys/unix"
)

// Advice is a hint about the expected use of a range of the address space.
type Advice int

// Advice values, in the order used by the madvise system call.
const (
	AdviceNormal Advice = iota
	AdviceWillNeed
	AdviceDontNeed
	AdvicePin
	AdviceUnpin
)

var adviceNames = []string{"normal", "willneed", "dontneed", "pin", "unpin"}

// String implements fmt.Stringer.String.
func (a Advice) String() string {
	if a < 0 || int(a) >= len(adviceNames) {
		return fmt.Sprintf("Advice(%d)", int(a))
	}
	return adviceNames[a]
}

// ParseAdvice returns the Advice named s.
func ParseAdvice(s string) (Advice, error) {
	for i, n := range adviceNames {
		if n == s {
			return Advice(i), nil
		}
	}
	return 0, fmt.Errorf("unknown advice %q", s)
}

// Errors returned by Advise.
var (
	ErrInvalidRange      = errors.New(unix.EINVAL, "advice range outside the address space")
	ErrUnsupportedAdvice = errors.New(unix.EINVAL, "unsupported advice")
)

// Advise applies advice to [base, base+length). The range must lie within
// the user address space; an empty range is then a no-op. All swap I/O of a
// call happens in one transaction.
//
// WillNeed brings swapped pages back and fills pages never touched.
// DontNeed writes resident pages that are not pinned to swap and frees their
// frames. Pin and Unpin set and clear the pin bit of every page in the
// range, whether resident or swapped; a page with neither state is fatal.
func (m *MemoryManager) Advise(ctx context.Context, base hostarch.Addr, length uint64, advice Advice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()

	end, ok := base.AddLength(length)
	if !ok || uint64(base) > m.size || uint64(end) > m.size {
		return ErrInvalidRange
	}
	if length == 0 {
		return nil
	}
	if advice < AdviceNormal || advice > AdviceUnpin {
		return ErrUnsupportedAdvice
	}
	adviceCount.Increment(advice.String())
	if advice == AdviceNormal {
		return nil
	}

	ctx, tx := m.journal.Begin(ctx)
	defer tx.End()

	first, last := base.RoundDown(), (end - 1).RoundDown()
	switch advice {
	case AdviceWillNeed:
		return m.willNeed(ctx, first, last)
	case AdviceDontNeed:
		return m.dontNeed(ctx, first, last)
	default:
		m.setPinned(first, last, advice == AdvicePin)
		return nil
	}
}

// Preconditions: m.mu must be locked and ctx must carry a transaction.
func (m *MemoryManager) willNeed(ctx context.Context, first, last hostarch.Addr) error {
	for va := first; va <= last; va += hostarch.PageSize {
		pte, _ := m.pt.Resolve(va, false)
		if pte == nil {
			continue
		}
		switch pte.State() {
		case pagetables.StateSwapped:
			fr, err := m.newZeroFrame()
			if err != nil {
				return err
			}
			if err := m.swap.RestoreFromDisk(ctx, pte, fr); err != nil {
				m.frames.Free(fr)
				return err
			}
		case pagetables.StateUnmapped:
			fr, err := m.newZeroFrame()
			if err != nil {
				return err
			}
			pte.SetResident(fr, UserPerms)
		}
	}
	return nil
}

// Preconditions: m.mu must be locked and ctx must carry a transaction.
func (m *MemoryManager) dontNeed(ctx context.Context, first, last hostarch.Addr) error {
	for va := first; va <= last; va += hostarch.PageSize {
		pte, _ := m.pt.Resolve(va, false)
		if pte == nil || !pte.Valid() || pte.Pinned() {
			continue
		}
		fr, err := m.swap.EvictToDisk(ctx, pte)
		if err != nil {
			return err
		}
		m.frames.Free(fr)
		m.tracker.Forget(pte)
	}
	return nil
}

// Preconditions: m.mu must be locked.
func (m *MemoryManager) setPinned(first, last hostarch.Addr, pinned bool) {
	for va := first; va <= last; va += hostarch.PageSize {
		pte := m.pt.Peek(va)
		if pte == nil {
			panic(fmt.Sprintf("madvise pin=%t: no page table entry for %v", pinned, va))
		}
		if s := pte.State(); s != pagetables.StateResident && s != pagetables.StateSwapped {
			panic(fmt.Sprintf("madvise pin=%t: %v is %v", pinned, va, s))
		}
	}
	for va := first; va <= last; va += hostarch.PageSize {
		pte, _ := m.pt.Resolve(va, false)
		pte.SetPinned(pinned)
	}
}
