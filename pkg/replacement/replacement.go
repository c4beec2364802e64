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

// Package replacement tracks page replacement candidates.
//
// A Tracker keeps a bounded, ordered set of entries (page table slots). When
// a new entry arrives at a full tracker, the oldest entry that is not pinned
// is dropped to make room; if every tracked entry is pinned the newcomer is
// not admitted. Dropping an entry is bookkeeping only: the page itself is
// not touched.
package replacement

import (
	"bufio"
	"fmt"
	"io"

	"github.com/vmsim/vmsim/pkg/metric"
)

var (
	dropCount = metric.MustCreateNewUint64Metric("/replacement/drops", "Number of tracked entries dropped to admit a new one.")
	skipCount = metric.MustCreateNewUint64Metric("/replacement/admissions_skipped", "Number of accesses not admitted because every tracked entry was pinned.")
)

// Entry is a tracked slot.
type Entry interface {
	// Pinned returns true if the entry must not be chosen as a victim.
	Pinned() bool

	// Address identifies the entry in dumps.
	Address() uint64
}

// Policy selects the ordering discipline of a Tracker.
type Policy string

const (
	// FIFO orders entries by first admission.
	FIFO Policy = "fifo"

	// LRU orders entries by most recent access.
	LRU Policy = "lru"
)

// ParsePolicy converts a string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case FIFO, LRU:
		return p, nil
	default:
		return "", fmt.Errorf("unknown replacement policy %q (want %q or %q)", s, FIFO, LRU)
	}
}

// Tracker is a bounded set of replacement candidates.
//
// Trackers are not thread-safe; the owning address space serialises access.
type Tracker interface {
	// OnAccess records an access to e.
	OnAccess(e Entry)

	// Forget removes e if it is tracked.
	Forget(e Entry)

	// Contains returns true if e is tracked.
	Contains(e Entry) bool

	// Victim returns the entry that would be dropped next, if any.
	Victim() (Entry, bool)

	// Entries returns the tracked entries, next victim candidates first.
	Entries() []Entry

	// Len returns the number of tracked entries.
	Len() int

	// Capacity returns the maximum number of tracked entries.
	Capacity() int

	// Policy returns the tracker's policy.
	Policy() Policy
}

// New returns a Tracker with the given policy and capacity.
func New(policy Policy, capacity int) (Tracker, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("tracker capacity must be positive, got %d", capacity)
	}
	b := buffer{capacity: capacity, entries: make([]Entry, 0, capacity)}
	switch policy {
	case FIFO:
		return &fifo{b}, nil
	case LRU:
		return &lru{b}, nil
	default:
		return nil, fmt.Errorf("unknown replacement policy %q", policy)
	}
}

// Print writes the tracker dump:
//
//	Page replacement buffers
//	------Start------------
//	pte: 0x0000000080002018
//	------End--------------
func Print(w io.Writer, t Tracker) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("Page replacement buffers\n")
	bw.WriteString("------Start------------\n")
	for _, e := range t.Entries() {
		fmt.Fprintf(bw, "pte: 0x%016x\n", e.Address())
	}
	bw.WriteString("------End--------------\n")
	return bw.Flush()
}
