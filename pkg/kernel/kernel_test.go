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

package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/mm"
	"github.com/vmsim/vmsim/pkg/pagetables"
	"github.com/vmsim/vmsim/pkg/pgalloc"
	"github.com/vmsim/vmsim/pkg/replacement"
	"golang.org/x/sync/errgroup"
)

const logBlocks = 64

func newTestKernel(t *testing.T, frames uint32, lazy bool) (*Kernel, *pgalloc.MemoryFile) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: frames})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	reserved := journal.ReservedBlocks(logBlocks)
	dev, _, err := blockdev.NewMem(reserved+256*blockdev.PageBlocks, reserved)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	l, err := journal.Open(dev, logBlocks)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	k, err := New(Opts{
		Frames:          mf,
		Device:          dev,
		Journal:         l,
		Policy:          replacement.FIFO,
		TrackerCapacity: 8,
		LazyGrowth:      lazy,
		InitialPages:    3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k, mf
}

func page(i int) hostarch.Addr {
	return hostarch.Addr(i) << hostarch.PageShift
}

func mustNewProcess(t *testing.T, k *Kernel) *Process {
	t.Helper()
	p, err := k.NewProcess(context.Background())
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	return p
}

func mustSbrk(t *testing.T, p *Process, n int64) hostarch.Addr {
	t.Helper()
	old, err := p.Sbrk(context.Background(), n)
	if err != nil {
		t.Fatalf("Sbrk(%d): %v", n, err)
	}
	return old
}

func TestProcessLayout(t *testing.T) {
	k, _ := newTestKernel(t, 64, false)
	p := mustNewProcess(t, k)
	m := p.MemoryManager()

	for _, tc := range []struct {
		name  string
		va    hostarch.Addr
		flags pagetables.Flags
	}{
		{"text", page(0), mm.UserPerms | pagetables.FlagValid},
		{"guard", page(1), mm.UserPerms&^pagetables.FlagUser | pagetables.FlagValid},
		{"stack", page(2), mm.UserPerms | pagetables.FlagValid},
		{"trapframe", k.TrapFrame(), pagetables.FlagRead | pagetables.FlagWrite | pagetables.FlagValid},
		{"trampoline", k.Trampoline(), pagetables.FlagRead | pagetables.FlagExec | pagetables.FlagValid},
	} {
		info, ok := m.Page(tc.va)
		if !ok {
			t.Errorf("%s page at %v has no entry", tc.name, tc.va)
			continue
		}
		if info.Flags != tc.flags {
			t.Errorf("%s page flags = %v, want %v", tc.name, info.Flags, tc.flags)
		}
		if info.Tracked {
			t.Errorf("%s page is tracked", tc.name)
		}
	}

	if _, err := p.Load(context.Background(), page(1), 1); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("Load of the guard page: got %v, want EFAULT", err)
	}
	if _, err := p.Load(context.Background(), k.Trampoline(), 1); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("Load of the trampoline: got %v, want EFAULT", err)
	}
	if got := mustSbrk(t, p, 0); got != k.HeapBase() {
		t.Errorf("initial break = %v, want %v", got, k.HeapBase())
	}
}

func TestStoreLoadThroughSwap(t *testing.T) {
	k, _ := newTestKernel(t, 64, false)
	p := mustNewProcess(t, k)
	heap := mustSbrk(t, p, int64(page(4)))
	ctx := context.Background()

	data := bytes.Repeat([]byte("vmsim"), 1000)
	va := heap + page(1) - 7
	if err := p.Store(ctx, va, data); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if info, _ := p.MemoryManager().Page(va); info.Flags&pagetables.FlagDirty == 0 {
		t.Errorf("stored page is not dirty: %v", info.Flags)
	}
	if err := p.Madvise(ctx, heap, uint64(page(4)), mm.AdviceDontNeed); err != nil {
		t.Fatalf("Madvise: %v", err)
	}
	got, err := p.Load(ctx, va, len(data))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Load returned different data")
	}
	if info, _ := p.MemoryManager().Page(heap + page(3)); info.State != pagetables.StateSwapped {
		t.Errorf("untouched page state = %v, want %v", info.State, pagetables.StateSwapped)
	}
}

func TestLazyHeap(t *testing.T) {
	k, _ := newTestKernel(t, 64, true)
	p := mustNewProcess(t, k)
	heap := mustSbrk(t, p, int64(page(2)))
	if info, _ := p.MemoryManager().Page(heap); info.State != pagetables.StateUnmapped {
		t.Fatalf("lazy heap page state = %v, want %v", info.State, pagetables.StateUnmapped)
	}
	got, err := p.Load(context.Background(), heap+page(1), 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, got); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
	if info, _ := p.MemoryManager().Page(heap); info.State != pagetables.StateUnmapped {
		t.Errorf("untouched lazy page state = %v, want %v", info.State, pagetables.StateUnmapped)
	}
}

func TestSbrkShrink(t *testing.T) {
	k, _ := newTestKernel(t, 64, false)
	p := mustNewProcess(t, k)
	heap := mustSbrk(t, p, int64(page(2)))
	ctx := context.Background()
	if err := p.Store(ctx, heap+page(1), []byte{1}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	mustSbrk(t, p, -int64(page(1)))
	if err := p.Store(ctx, heap+page(1), []byte{1}); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("Store past the break: got %v, want EFAULT", err)
	}
	if _, err := p.Sbrk(ctx, -int64(page(100))); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Sbrk below zero: got %v, want EINVAL", err)
	}
}

func TestForkAndExit(t *testing.T) {
	k, mf := newTestKernel(t, 128, false)
	ctx := context.Background()
	parent := mustNewProcess(t, k)
	heap := mustSbrk(t, parent, int64(page(3)))
	for i := 0; i < 3; i++ {
		if err := parent.Store(ctx, heap+page(i), []byte{byte(i + 1)}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if err := parent.Madvise(ctx, heap+page(1), uint64(page(1)), mm.AdviceDontNeed); err != nil {
		t.Fatalf("Madvise: %v", err)
	}

	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if got := child.Parent(); got != parent.PID() {
		t.Errorf("child parent = %v, want %v", got, parent.PID())
	}
	for i := 0; i < 3; i++ {
		got, err := child.Load(ctx, heap+page(i), 1)
		if err != nil {
			t.Fatalf("child Load: %v", err)
		}
		if got[0] != byte(i+1) {
			t.Errorf("child page %d holds %d, want %d", i, got[0], i+1)
		}
	}
	if err := child.Store(ctx, heap, []byte{9}); err != nil {
		t.Fatalf("child Store: %v", err)
	}
	if got, _ := parent.Load(ctx, heap, 1); got[0] != 1 {
		t.Errorf("parent sees the child's store: %d", got[0])
	}

	var pids []PID
	for _, p := range k.Processes() {
		pids = append(pids, p.PID())
	}
	if diff := cmp.Diff([]PID{parent.PID(), child.PID()}, pids); diff != "" {
		t.Errorf("process table mismatch (-want +got):\n%s", diff)
	}

	if err := k.Release(); !errors.Is(err, linuxerr.EBUSY) {
		t.Errorf("Release with live processes: got %v, want EBUSY", err)
	}
	for _, p := range []*Process{child, parent} {
		if err := p.Exit(ctx); err != nil {
			t.Fatalf("Exit(%v): %v", p.PID(), err)
		}
	}
	if err := parent.Exit(ctx); !errors.Is(err, linuxerr.ESRCH) {
		t.Errorf("second Exit: got %v, want ESRCH", err)
	}
	if k.Lookup(parent.PID()) != nil {
		t.Errorf("exited process still in the table")
	}
	if err := k.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if used, _ := mf.Usage(); used != 0 {
		t.Errorf("frames in use = %d, want 0", used)
	}
}

func TestFaultFailureKillsProcess(t *testing.T) {
	k, mf := newTestKernel(t, 24, true)
	ctx := context.Background()
	p := mustNewProcess(t, k)
	heap := mustSbrk(t, p, int64(page(32)))

	var err error
	for i := 0; i < 32 && err == nil; i++ {
		err = p.Store(ctx, heap+page(i), []byte{1})
	}
	if !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("Store with memory exhausted: got %v, want ENOMEM", err)
	}
	if k.Lookup(p.PID()) != nil {
		t.Errorf("killed process still in the table")
	}
	if _, err := p.Sbrk(ctx, 0); !errors.Is(err, linuxerr.ESRCH) {
		t.Errorf("Sbrk after kill: got %v, want ESRCH", err)
	}
	if err := k.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if used, _ := mf.Usage(); used != 0 {
		t.Errorf("frames in use = %d, want 0", used)
	}
}

func TestConcurrentProcesses(t *testing.T) {
	k, _ := newTestKernel(t, 512, false)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		b := byte(i + 1)
		g.Go(func() error {
			ctx := context.Background()
			p, err := k.NewProcess(ctx)
			if err != nil {
				return err
			}
			heap, err := p.Sbrk(ctx, int64(page(8)))
			if err != nil {
				return err
			}
			data := bytes.Repeat([]byte{b}, int(page(8)))
			if err := p.Store(ctx, heap, data); err != nil {
				return err
			}
			if err := p.Madvise(ctx, heap, uint64(page(8)), mm.AdviceDontNeed); err != nil {
				return err
			}
			got, err := p.Load(ctx, heap, len(data))
			if err != nil {
				return err
			}
			if !bytes.Equal(got, data) {
				return fmt.Errorf("process %v read back different data", p.PID())
			}
			return p.Exit(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := len(k.Processes()); n != 0 {
		t.Errorf("%d processes left", n)
	}
}
