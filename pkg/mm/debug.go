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
	"io"

	"github.com/vmsim/vmsim/pkg/replacement"
)

// VMPrint writes the page tables in the vmprint format.
func (m *MemoryManager) VMPrint(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	return m.pt.Print(w)
}

// PGPrint writes the replacement tracker in the pgprint format.
func (m *MemoryManager) PGPrint(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLive()
	return replacement.Print(w, m.tracker)
}

// Tracked returns the entry addresses held by the replacement tracker,
// oldest first.
func (m *MemoryManager) Tracked() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.tracker.Entries()
	addrs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.Address())
	}
	return addrs
}
