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
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/pagetables"
	"github.com/vmsim/vmsim/pkg/pgalloc"
	"github.com/vmsim/vmsim/pkg/replacement"
	"github.com/vmsim/vmsim/pkg/swap"
)

const logBlocks = 32

type testEnv struct {
	mf      *pgalloc.MemoryFile
	dev     *blockdev.Device
	backend *blockdev.MemBackend
	log     *journal.Log
	store   *swap.Store
}

func newTestEnv(t *testing.T, frames, runs uint32) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: frames})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	reserved := journal.ReservedBlocks(logBlocks)
	first := (reserved + blockdev.PageBlocks - 1) / blockdev.PageBlocks * blockdev.PageBlocks
	dev, backend, err := blockdev.NewMem(first+runs*blockdev.PageBlocks, reserved)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	l, err := journal.Open(dev, logBlocks)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	return &testEnv{mf: mf, dev: dev, backend: backend, log: l, store: swap.NewStore(mf, dev)}
}

func (e *testEnv) newMM(t *testing.T, opts Opts) *MemoryManager {
	t.Helper()
	opts.Frames = e.mf
	opts.Swap = e.store
	opts.Journal = e.log
	if opts.Policy == "" {
		opts.Policy = replacement.FIFO
	}
	if opts.TrackerCapacity == 0 {
		opts.TrackerCapacity = 8
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func page(i int) hostarch.Addr {
	return hostarch.Addr(i) << hostarch.PageShift
}

func mustGrow(t *testing.T, m *MemoryManager, pages int) {
	t.Helper()
	if err := m.GrowTo(context.Background(), uint64(page(pages))); err != nil {
		t.Fatalf("GrowTo(%d pages): %v", pages, err)
	}
}

func mustAdvise(t *testing.T, m *MemoryManager, first, n int, a Advice) {
	t.Helper()
	if err := m.Advise(context.Background(), page(first), uint64(page(n)), a); err != nil {
		t.Fatalf("Advise(page %d, %d pages, %v): %v", first, n, a, err)
	}
}

// fill writes a page of b at page i.
func fill(t *testing.T, m *MemoryManager, i int, b byte) {
	t.Helper()
	if _, err := m.CopyOut(page(i), bytes.Repeat([]byte{b}, hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut(page %d): %v", i, err)
	}
}

// check verifies that page i is resident and holds b.
func check(t *testing.T, m *MemoryManager, i int, b byte) {
	t.Helper()
	got := make([]byte, hostarch.PageSize)
	if _, err := m.CopyIn(page(i), got); err != nil {
		t.Fatalf("CopyIn(page %d): %v", i, err)
	}
	if want := bytes.Repeat([]byte{b}, hostarch.PageSize); !bytes.Equal(got, want) {
		t.Errorf("page %d holds %#x..., want %#x", i, got[0], b)
	}
}

func state(t *testing.T, m *MemoryManager, i int) pagetables.State {
	t.Helper()
	info, ok := m.Page(page(i))
	if !ok {
		t.Fatalf("page %d has no entry", i)
	}
	return info.State
}

func tracked(t *testing.T, m *MemoryManager, n int) []int {
	t.Helper()
	var got []int
	for i := 0; i < n; i++ {
		if info, ok := m.Page(page(i)); ok && info.Tracked {
			got = append(got, i)
		}
	}
	return got
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	f()
}

func TestGrowShrinkDestroy(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	baseline, _ := e.mf.Usage()
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 3)
	if got, want := m.Size(), uint64(page(3)); got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}
	for i := 0; i < 3; i++ {
		info, _ := m.Page(page(i))
		if want := UserPerms | pagetables.FlagValid; info.Flags != want {
			t.Errorf("page %d flags = %v, want %v", i, info.Flags, want)
		}
		check(t, m, i, 0)
	}

	if err := m.ShrinkTo(context.Background(), uint64(page(1))); err != nil {
		t.Fatalf("ShrinkTo: %v", err)
	}
	for i := 1; i < 3; i++ {
		if s := state(t, m, i); s != pagetables.StateUnmapped {
			t.Errorf("page %d state after shrink = %v, want %v", i, s, pagetables.StateUnmapped)
		}
	}
	if err := m.ShrinkTo(context.Background(), uint64(page(2))); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("ShrinkTo above size: got %v, want EINVAL", err)
	}

	m.Destroy(context.Background())
	if used, _ := e.mf.Usage(); used != baseline {
		t.Errorf("frames in use after Destroy = %d, want %d", used, baseline)
	}
	mustPanic(t, "GrowTo after Destroy", func() { m.GrowTo(context.Background(), 0) })
}

func TestGrowOutOfMemoryRollsBack(t *testing.T) {
	e := newTestEnv(t, 8, 16)
	m := e.newMM(t, Opts{})
	if err := m.GrowTo(context.Background(), uint64(page(16))); !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("GrowTo: got %v, want ENOMEM", err)
	}
	if got := m.Size(); got != 0 {
		t.Errorf("Size() after failed grow = %#x, want 0", got)
	}
	for i := 0; i < 16; i++ {
		if info, ok := m.Page(page(i)); ok && info.State != pagetables.StateUnmapped {
			t.Errorf("page %d left %v after failed grow", i, info.State)
		}
	}
	if got := m.Tracked(); len(got) != 0 {
		t.Errorf("tracker holds %d entries after failed grow", len(got))
	}
	m.Destroy(context.Background())
	if used, _ := e.mf.Usage(); used != 0 {
		t.Errorf("frames in use after Destroy = %d, want 0", used)
	}
}

func TestGrowBeyondLimit(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{Limit: page(4)})
	if err := m.GrowTo(context.Background(), uint64(page(5))); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("GrowTo past the limit: got %v, want ENOMEM", err)
	}
	mustGrow(t, m, 4)
}

func TestSwapRoundTrip(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 4)
	fill(t, m, 1, 0x5a)

	mustAdvise(t, m, 1, 1, AdviceDontNeed)
	if s := state(t, m, 1); s != pagetables.StateSwapped {
		t.Fatalf("page 1 state = %v, want %v", s, pagetables.StateSwapped)
	}
	if info, _ := m.Page(page(1)); info.Tracked {
		t.Errorf("page is still tracked after DontNeed")
	}
	if _, err := m.Translate(page(1)); err != pagetables.ErrNotMapped {
		t.Errorf("Translate of a swapped page: got %v, want %v", err, pagetables.ErrNotMapped)
	}
	// Resolving a swapped slot is an access: it is admitted again even
	// though it stays on disk.
	if info, _ := m.Page(page(1)); !info.Tracked || info.State != pagetables.StateSwapped {
		t.Errorf("after Translate: tracked = %t, state = %v; want true, %v", info.Tracked, info.State, pagetables.StateSwapped)
	}
	if _, err := m.CopyIn(page(1), make([]byte, 1)); err != pagetables.ErrNotMapped {
		t.Errorf("CopyIn of a swapped page: got %v, want %v", err, pagetables.ErrNotMapped)
	}
	if used, _ := e.dev.Usage(); used != 1 {
		t.Errorf("runs in use = %d, want 1", used)
	}

	if !m.Faultable(page(1)) {
		t.Fatalf("Faultable(page 1) = false for a swapped page")
	}
	if err := m.HandleFault(context.Background(), page(1)+12, hostarch.Read); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	check(t, m, 1, 0x5a)
	if used, _ := e.dev.Usage(); used != 0 {
		t.Errorf("runs in use after swap in = %d, want 0", used)
	}
	mustPanic(t, "fault on a resident page", func() {
		m.HandleFault(context.Background(), page(1), hostarch.Read)
	})
}

func TestPersistsAcrossCycles(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	for cycle := 0; cycle < 3; cycle++ {
		b := byte(0x10 + cycle)
		fill(t, m, 0, b)
		mustAdvise(t, m, 0, 1, AdviceDontNeed)
		if err := m.HandleFault(context.Background(), page(0), hostarch.Write); err != nil {
			t.Fatalf("cycle %d: HandleFault: %v", cycle, err)
		}
		check(t, m, 0, b)
	}
	if used, _ := e.dev.Usage(); used != 0 {
		t.Errorf("runs in use = %d, want 0", used)
	}
}

func TestPinScenario(t *testing.T) {
	e := newTestEnv(t, 64, 32)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 16)
	for i := 0; i < 16; i++ {
		fill(t, m, i, byte(i))
	}

	mustAdvise(t, m, 6, 1, AdvicePin)
	mustAdvise(t, m, 6, 4, AdviceDontNeed)
	if s := state(t, m, 6); s != pagetables.StateResident {
		t.Errorf("pinned page 6 state = %v, want %v", s, pagetables.StateResident)
	}
	for i := 7; i <= 9; i++ {
		if s := state(t, m, i); s != pagetables.StateSwapped {
			t.Errorf("page %d state = %v, want %v", i, s, pagetables.StateSwapped)
		}
	}

	if err := m.HandleFault(context.Background(), page(8), hostarch.Write); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	check(t, m, 8, 8)
	for _, i := range []int{7, 9} {
		if s := state(t, m, i); s != pagetables.StateSwapped {
			t.Errorf("page %d state after faulting page 8 = %v, want %v", i, s, pagetables.StateSwapped)
		}
	}

	mustAdvise(t, m, 6, 1, AdviceUnpin)
	mustAdvise(t, m, 6, 1, AdviceDontNeed)
	if s := state(t, m, 6); s != pagetables.StateSwapped {
		t.Errorf("unpinned page 6 state = %v, want %v", s, pagetables.StateSwapped)
	}
}

func TestPinSurvivesSwap(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	fill(t, m, 1, 0x77)
	mustAdvise(t, m, 1, 1, AdviceDontNeed)
	mustAdvise(t, m, 1, 1, AdvicePin)
	info, _ := m.Page(page(1))
	if info.State != pagetables.StateSwapped || info.Flags&pagetables.FlagPinned == 0 {
		t.Fatalf("page 1 = %v %v, want swapped and pinned", info.State, info.Flags)
	}
	mustAdvise(t, m, 1, 1, AdviceWillNeed)
	info, _ = m.Page(page(1))
	if info.State != pagetables.StateResident || info.Flags&pagetables.FlagPinned == 0 {
		t.Errorf("page 1 = %v %v, want resident and pinned", info.State, info.Flags)
	}
	check(t, m, 1, 0x77)
}

func TestPinUnfilledPageIsFatal(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{LazyGrowth: true})
	mustGrow(t, m, 2)
	mustPanic(t, "pin of an unfilled page", func() {
		m.Advise(context.Background(), 0, uint64(page(2)), AdvicePin)
	})
}

func TestAdviseValidation(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	mustAdvise(t, m, 0, 1, AdvicePin)
	flags := func() []pagetables.Flags {
		var fs []pagetables.Flags
		for i := 0; i < 2; i++ {
			info, ok := m.Page(page(i))
			if !ok {
				t.Fatalf("page %d has no entry", i)
			}
			fs = append(fs, info.Flags)
		}
		return fs
	}
	before := flags()
	if before[0]&pagetables.FlagPinned == 0 {
		t.Fatalf("page 0 flags %v, want pinned", before[0])
	}

	for _, tc := range []struct {
		name   string
		base   hostarch.Addr
		length uint64
		advice Advice
		want   error
	}{
		{"past end", 0, uint64(page(3)), AdviceDontNeed, ErrInvalidRange},
		{"base past end", page(3), 0, AdviceDontNeed, ErrInvalidRange},
		{"wraps", page(1), ^uint64(0), AdviceDontNeed, ErrInvalidRange},
		{"empty at end", page(2), 0, AdviceDontNeed, nil},
		{"empty unknown advice", 0, 0, Advice(9), nil},
		{"unknown advice", 0, 1, Advice(9), ErrUnsupportedAdvice},
		{"normal", 0, uint64(page(2)), AdviceNormal, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := m.Advise(context.Background(), tc.base, tc.length, tc.advice); err != tc.want {
				t.Errorf("Advise: got %v, want %v", err, tc.want)
			}
			for i := 0; i < 2; i++ {
				if s := state(t, m, i); s != pagetables.StateResident {
					t.Errorf("page %d state = %v, want %v", i, s, pagetables.StateResident)
				}
			}
			if diff := cmp.Diff(before, flags()); diff != "" {
				t.Errorf("flags changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestWillNeedFillsByPage(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{LazyGrowth: true})
	mustGrow(t, m, 3)
	for i := 0; i < 3; i++ {
		if s := state(t, m, i); s != pagetables.StateUnmapped {
			t.Fatalf("lazy page %d state = %v, want %v", i, s, pagetables.StateUnmapped)
		}
	}
	if err := m.Advise(context.Background(), page(1)+10, uint64(page(1)), AdviceWillNeed); err != nil {
		t.Fatalf("Advise: %v", err)
	}
	want := []pagetables.State{pagetables.StateUnmapped, pagetables.StateResident, pagetables.StateResident}
	for i, w := range want {
		if s := state(t, m, i); s != w {
			t.Errorf("page %d state = %v, want %v", i, s, w)
		}
	}
	check(t, m, 1, 0)
	check(t, m, 2, 0)
}

func TestLazyFault(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{LazyGrowth: true})
	mustGrow(t, m, 1)
	if m.Faultable(page(1)) {
		t.Errorf("Faultable past the end = true")
	}
	if !m.Faultable(page(0)) {
		t.Fatalf("Faultable(page 0) = false for an unfilled page")
	}
	if err := m.HandleFault(context.Background(), page(0), hostarch.Write); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	check(t, m, 0, 0)
	if m.Faultable(page(0)) {
		t.Errorf("Faultable(page 0) = true for a resident page")
	}
}

func TestFaultWithoutEntryIsFatal(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustPanic(t, "fault without an entry", func() {
		m.HandleFault(context.Background(), page(100), hostarch.Read)
	})
}

func TestTrackerCapacity(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{TrackerCapacity: 4})
	mustGrow(t, m, 10)
	if got := len(m.Tracked()); got != 4 {
		t.Errorf("tracker holds %d entries, want 4", got)
	}
	if diff := cmp.Diff([]int{6, 7, 8, 9}, tracked(t, m, 10)); diff != "" {
		t.Errorf("tracked pages mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackerPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy replacement.Policy
		want   []int
	}{
		{replacement.FIFO, []int{1, 2, 3}},
		{replacement.LRU, []int{0, 2, 3}},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			e := newTestEnv(t, 64, 16)
			m := e.newMM(t, Opts{Policy: tc.policy, TrackerCapacity: 3})
			mustGrow(t, m, 3)
			check(t, m, 0, 0)
			mustGrow(t, m, 4)
			if diff := cmp.Diff(tc.want, tracked(t, m, 4)); diff != "" {
				t.Errorf("tracked pages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTrackerSkipsWhenAllPinned(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{TrackerCapacity: 2})
	mustGrow(t, m, 2)
	mustAdvise(t, m, 0, 2, AdvicePin)
	mustGrow(t, m, 3)
	if diff := cmp.Diff([]int{0, 1}, tracked(t, m, 3)); diff != "" {
		t.Errorf("tracked pages mismatch (-want +got):\n%s", diff)
	}
}

func TestReservedNotTracked(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{Reserved: []hostarch.AddrRange{{Start: 0, End: page(2)}}})
	mustGrow(t, m, 4)
	check(t, m, 0, 0)
	if diff := cmp.Diff([]int{2, 3}, tracked(t, m, 4)); diff != "" {
		t.Errorf("tracked pages mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicate(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	parent := e.newMM(t, Opts{})
	mustGrow(t, parent, 4)
	for i := 0; i < 4; i++ {
		fill(t, parent, i, byte(0xa0+i))
	}
	parent.SetDirty(page(0))
	mustAdvise(t, parent, 1, 1, AdvicePin)
	mustAdvise(t, parent, 2, 1, AdviceDontNeed)
	if err := parent.ShrinkTo(context.Background(), uint64(page(4))-100); err != nil {
		t.Fatalf("ShrinkTo: %v", err)
	}

	child := e.newMM(t, Opts{})
	if err := child.Duplicate(context.Background(), parent); err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if got, want := child.Size(), parent.Size(); got != want {
		t.Errorf("child Size() = %#x, want %#x", got, want)
	}
	for i := 0; i < 4; i++ {
		check(t, child, i, byte(0xa0+i))
	}
	if info, _ := child.Page(page(0)); info.Flags&pagetables.FlagDirty == 0 {
		t.Errorf("child page 0 lost the dirty bit: %v", info.Flags)
	}
	if info, _ := child.Page(page(1)); info.Flags&pagetables.FlagPinned == 0 {
		t.Errorf("child page 1 lost the pin bit: %v", info.Flags)
	}
	if s := state(t, parent, 2); s != pagetables.StateSwapped {
		t.Errorf("parent page 2 state = %v, want %v", s, pagetables.StateSwapped)
	}

	fill(t, child, 3, 0xff)
	check(t, parent, 3, 0xa3)
}

func TestDuplicateOutOfMemory(t *testing.T) {
	e := newTestEnv(t, 12, 16)
	parent := e.newMM(t, Opts{})
	mustGrow(t, parent, 6)
	child := e.newMM(t, Opts{})
	if err := child.Duplicate(context.Background(), parent); !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("Duplicate: got %v, want ENOMEM", err)
	}
	if got := child.Size(); got != 0 {
		t.Errorf("child Size() = %#x, want 0", got)
	}
	child.Destroy(context.Background())
	parent.Destroy(context.Background())
	if used, _ := e.mf.Usage(); used != 0 {
		t.Errorf("frames in use = %d, want 0", used)
	}
}

func TestShrinkReclaimsSwap(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	mustAdvise(t, m, 1, 1, AdviceDontNeed)
	if used, _ := e.dev.Usage(); used != 1 {
		t.Fatalf("runs in use = %d, want 1", used)
	}
	if err := m.ShrinkTo(context.Background(), uint64(page(1))); err != nil {
		t.Fatalf("ShrinkTo: %v", err)
	}
	if used, _ := e.dev.Usage(); used != 0 {
		t.Errorf("runs in use after shrink = %d, want 0", used)
	}
}

func TestIOErrors(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 1)
	fill(t, m, 0, 0x42)

	e.backend.FailWrites.Store(true)
	if err := m.Advise(context.Background(), 0, uint64(page(1)), AdviceDontNeed); !errors.Is(err, linuxerr.EIO) {
		t.Fatalf("DontNeed on a failing device: got %v, want EIO", err)
	}
	if s := state(t, m, 0); s != pagetables.StateResident {
		t.Errorf("page 0 state = %v, want %v", s, pagetables.StateResident)
	}
	e.backend.FailWrites.Store(false)

	mustAdvise(t, m, 0, 1, AdviceDontNeed)
	e.backend.FailReads.Store(true)
	if err := m.HandleFault(context.Background(), 0, hostarch.Read); !errors.Is(err, linuxerr.EIO) {
		t.Fatalf("HandleFault on a failing device: got %v, want EIO", err)
	}
	if s := state(t, m, 0); s != pagetables.StateSwapped {
		t.Errorf("page 0 state = %v, want %v", s, pagetables.StateSwapped)
	}
	e.backend.FailReads.Store(false)
	if err := m.HandleFault(context.Background(), 0, hostarch.Read); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	check(t, m, 0, 0x42)
}

func TestSwapFull(t *testing.T) {
	e := newTestEnv(t, 64, 1)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	mustAdvise(t, m, 0, 1, AdviceDontNeed)
	if err := m.Advise(context.Background(), page(1), uint64(page(1)), AdviceDontNeed); !errors.Is(err, linuxerr.ENOSPC) {
		t.Errorf("DontNeed with a full device: got %v, want ENOSPC", err)
	}
}

func TestCopyInString(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	va := page(1) - 3
	if _, err := m.CopyOut(va, []byte("hello\x00")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if got, err := m.CopyInString(va, 16); err != nil || got != "hello" {
		t.Errorf("CopyInString = %q, %v, want \"hello\"", got, err)
	}
	if _, err := m.CopyInString(va, 4); !errors.Is(err, linuxerr.ENAMETOOLONG) {
		t.Errorf("CopyInString with a short limit: got %v, want ENAMETOOLONG", err)
	}
	if _, err := m.CopyOut(page(2)-2, []byte("ab")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if _, err := m.CopyInString(page(2)-2, 16); err != pagetables.ErrNotMapped {
		t.Errorf("CopyInString past the end: got %v, want %v", err, pagetables.ErrNotMapped)
	}
}

func TestClearUser(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{})
	mustGrow(t, m, 2)
	m.ClearUser(page(0))
	if _, err := m.Translate(page(0)); err != pagetables.ErrNotMapped {
		t.Errorf("Translate of a guard page: got %v, want %v", err, pagetables.ErrNotMapped)
	}
	if m.Faultable(page(0)) {
		t.Errorf("Faultable(guard page) = true")
	}
}

func TestFixedMappings(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	baseline, _ := e.mf.Usage()
	shared, err := e.mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m := e.newMM(t, Opts{})
	top := m.MaxVA() - hostarch.PageSize
	if err := m.MapFixed(top, shared, pagetables.FlagRead|pagetables.FlagExec, false); err != nil {
		t.Fatalf("MapFixed: %v", err)
	}
	own, err := e.mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.MapFixed(top-hostarch.PageSize, own, pagetables.FlagRead|pagetables.FlagWrite, true); err != nil {
		t.Fatalf("MapFixed: %v", err)
	}
	mustPanic(t, "fixed mapping in the user range", func() {
		m.MapFixed(0, own, pagetables.FlagRead, false)
	})
	m.UnmapFixed(top)
	if info, ok := m.Page(top); !ok || info.State != pagetables.StateUnmapped {
		t.Errorf("Page(top) after UnmapFixed = %v, %t", info, ok)
	}
	if err := m.MapFixed(top, shared, pagetables.FlagRead|pagetables.FlagExec, false); err != nil {
		t.Fatalf("MapFixed after UnmapFixed: %v", err)
	}
	m.Destroy(context.Background())
	if used, _ := e.mf.Usage(); used != baseline+1 {
		t.Errorf("frames in use = %d, want %d", used, baseline+1)
	}
	e.mf.Free(shared)
}

func TestPrint(t *testing.T) {
	e := newTestEnv(t, 64, 16)
	m := e.newMM(t, Opts{TrackerCapacity: 2})
	mustGrow(t, m, 1)
	var vm, pg bytes.Buffer
	if err := m.VMPrint(&vm); err != nil {
		t.Fatalf("VMPrint: %v", err)
	}
	if !bytes.HasPrefix(vm.Bytes(), []byte("page table 0x")) {
		t.Errorf("VMPrint output starts with %q", vm.String())
	}
	if err := m.PGPrint(&pg); err != nil {
		t.Fatalf("PGPrint: %v", err)
	}
	if got := bytes.Count(pg.Bytes(), []byte("pte: ")); got != 1 {
		t.Errorf("PGPrint lists %d entries, want 1:\n%s", got, pg.String())
	}
}
