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
	"bytes"
	"fmt"

	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/pagetables"
)

// Translate returns the physical address backing va. It fails with
// pagetables.ErrNotMapped unless the page is resident and user accessible.
func (m *MemoryManager) Translate(va hostarch.Addr) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	return m.pt.Translate(va)
}

// userBytes returns the bytes of the resident user page containing va,
// starting at va.
//
// Preconditions: m.mu must be locked.
func (m *MemoryManager) userBytes(va hostarch.Addr) ([]byte, error) {
	pa, err := m.pt.Translate(va)
	if err != nil {
		return nil, err
	}
	fr := hostarch.Frame(pa &^ uint64(hostarch.PageMask))
	return m.frames.Bytes(fr)[va.PageOffset():], nil
}

// CopyOut copies src to user memory at va. It returns the number of bytes
// copied, which is short of len(src) only with an error. Pages that are not
// resident are not faulted in.
func (m *MemoryManager) CopyOut(va hostarch.Addr, src []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	done := 0
	for done < len(src) {
		b, err := m.userBytes(va + hostarch.Addr(done))
		if err != nil {
			return done, err
		}
		done += copy(b, src[done:])
	}
	return done, nil
}

// CopyIn copies user memory at va into dst, with the same rules as CopyOut.
func (m *MemoryManager) CopyIn(va hostarch.Addr, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	done := 0
	for done < len(dst) {
		b, err := m.userBytes(va + hostarch.Addr(done))
		if err != nil {
			return done, err
		}
		done += copy(dst[done:], b)
	}
	return done, nil
}

// CopyInString copies a NUL terminated string of at most maxlen bytes,
// terminator excluded, from user memory at va. It returns ENAMETOOLONG if
// no terminator is found within maxlen+1 bytes.
func (m *MemoryManager) CopyInString(va hostarch.Addr, maxlen int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	var buf []byte
	for len(buf) <= maxlen {
		b, err := m.userBytes(va + hostarch.Addr(len(buf)))
		if err != nil {
			return "", err
		}
		if n := maxlen + 1 - len(buf); len(b) > n {
			b = b[:n]
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(append(buf, b[:i]...)), nil
		}
		buf = append(buf, b...)
	}
	return "", linuxerr.ENAMETOOLONG
}

// ClearUser removes user access from the page at va. It is used for stack
// guard pages.
func (m *MemoryManager) ClearUser(va hostarch.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	pte := m.pt.Peek(va.RoundDown())
	if pte == nil {
		panic(fmt.Sprintf("clear user access of %v: no page table entry", va))
	}
	pte.ClearUser()
}

// SetDirty marks the resident page at va as written.
func (m *MemoryManager) SetDirty(va hostarch.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	if pte := m.pt.Peek(va.RoundDown()); pte != nil && pte.Valid() {
		pte.SetDirty()
	}
}

// PageInfo describes the page table entry of one page.
type PageInfo struct {
	State   pagetables.State
	Flags   pagetables.Flags
	Tracked bool
}

// Page returns the state of the page containing va, and false if no leaf
// entry exists for it. It does not count as an access.
func (m *MemoryManager) Page(va hostarch.Addr) (PageInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	if va >= m.pt.MaxVA() {
		return PageInfo{}, false
	}
	pte := m.pt.Peek(va.RoundDown())
	if pte == nil {
		return PageInfo{}, false
	}
	return PageInfo{
		State:   pte.State(),
		Flags:   pte.Flags(),
		Tracked: m.tracker.Contains(pte),
	}, true
}
