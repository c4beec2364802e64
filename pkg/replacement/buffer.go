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

package replacement

// buffer is the ordered entry list shared by both policies. entries[0] is
// the oldest.
type buffer struct {
	capacity int
	entries  []Entry
}

func (b *buffer) find(e Entry) int {
	for i, x := range b.entries {
		if x == e {
			return i
		}
	}
	return -1
}

func (b *buffer) remove(i int) {
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = nil
	b.entries = b.entries[:len(b.entries)-1]
}

// victim returns the index of the oldest unpinned entry, or -1.
func (b *buffer) victim() int {
	for i, e := range b.entries {
		if !e.Pinned() {
			return i
		}
	}
	return -1
}

// admit appends e, dropping the victim if the buffer is full. It returns
// false if e could not be admitted.
func (b *buffer) admit(e Entry) bool {
	if len(b.entries) >= b.capacity {
		v := b.victim()
		if v < 0 {
			skipCount.Increment()
			return false
		}
		b.remove(v)
		dropCount.Increment()
	}
	b.entries = append(b.entries, e)
	return true
}

// Forget implements Tracker.Forget.
func (b *buffer) Forget(e Entry) {
	if i := b.find(e); i >= 0 {
		b.remove(i)
	}
}

// Contains implements Tracker.Contains.
func (b *buffer) Contains(e Entry) bool {
	return b.find(e) >= 0
}

// Victim implements Tracker.Victim.
func (b *buffer) Victim() (Entry, bool) {
	if v := b.victim(); v >= 0 {
		return b.entries[v], true
	}
	return nil, false
}

// Entries implements Tracker.Entries.
func (b *buffer) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// Len implements Tracker.Len.
func (b *buffer) Len() int {
	return len(b.entries)
}

// Capacity implements Tracker.Capacity.
func (b *buffer) Capacity() int {
	return b.capacity
}

// fifo keeps entries in admission order; repeated accesses do not reorder.
type fifo struct {
	buffer
}

// OnAccess implements Tracker.OnAccess.
func (f *fifo) OnAccess(e Entry) {
	if f.find(e) >= 0 {
		return
	}
	f.admit(e)
}

// Policy implements Tracker.Policy.
func (*fifo) Policy() Policy {
	return FIFO
}

// lru keeps entries in access order; an access moves a tracked entry to the
// newest position.
type lru struct {
	buffer
}

// OnAccess implements Tracker.OnAccess.
func (l *lru) OnAccess(e Entry) {
	if i := l.find(e); i >= 0 {
		l.remove(i)
		l.entries = append(l.entries, e)
		return
	}
	l.admit(e)
}

// Policy implements Tracker.Policy.
func (*lru) Policy() Policy {
	return LRU
}
