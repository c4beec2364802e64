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

// Package kernel provides processes on top of the memory manager: their
// address space layout, user memory accesses with fault handling, fork and
// exit.
//
// Lock order:
//
//	Kernel.mu
//	  Process.mu
//
// Neither lock is held while calling into a MemoryManager.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/cleanup"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/metric"
	"github.com/vmsim/vmsim/pkg/mm"
	"github.com/vmsim/vmsim/pkg/pagetables"
	"github.com/vmsim/vmsim/pkg/pgalloc"
	"github.com/vmsim/vmsim/pkg/replacement"
	"github.com/vmsim/vmsim/pkg/swap"
)

var (
	processesCreated = metric.MustCreateNewUint64Metric("/kernel/processes_created", "Number of processes created, including forks.")
	processesKilled  = metric.MustCreateNewUint64Metric("/kernel/processes_killed", "Number of processes killed by an unserviceable page fault.")
)

// PID is a process identifier.
type PID int32

// InitPID is the PID given to the first process.
const InitPID PID = 1

// String returns a decimal representation of the PID.
func (pid PID) String() string {
	return fmt.Sprintf("%d", pid)
}

// Opts configures a Kernel.
type Opts struct {
	// Frames, Device and Journal are shared by all processes.
	Frames  *pgalloc.MemoryFile
	Device  *blockdev.Device
	Journal *journal.Log

	// Policy and TrackerCapacity configure each process's tracker.
	Policy          replacement.Policy
	TrackerCapacity int

	// Levels is the number of page table levels.
	Levels int

	// LazyGrowth defers filling heap pages to their first touch.
	LazyGrowth bool

	// InitialPages is the size of the initial program image: a text page,
	// a guard page and a stack page when there are at least three.
	InitialPages int
}

// Kernel owns the physical resources shared by processes and the process
// table.
type Kernel struct {
	opts  Opts
	store *swap.Store

	// trampoline is mapped at the top of every address space and never
	// freed by a process.
	trampoline hostarch.Frame

	// maxVA is the top of every address space.
	maxVA hostarch.Addr

	mu      sync.Mutex
	procs   *btree.BTreeG[*Process]
	nextPID PID
}

func lessByPID(a, b *Process) bool {
	return a.pid < b.pid
}

// New creates a kernel with an empty process table.
func New(opts Opts) (*Kernel, error) {
	if opts.Frames == nil || opts.Device == nil || opts.Journal == nil {
		return nil, fmt.Errorf("kernel needs frames, a device and a journal")
	}
	if opts.Levels == 0 {
		opts.Levels = pagetables.DefaultLevels
	}
	if opts.InitialPages < 0 {
		return nil, fmt.Errorf("negative initial image size %d", opts.InitialPages)
	}
	tramp, err := opts.Frames.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating trampoline: %w", err)
	}
	opts.Frames.Zero(tramp)
	return &Kernel{
		opts:       opts,
		store:      swap.NewStore(opts.Frames, opts.Device),
		trampoline: tramp,
		maxVA:      pagetables.MaxVA(opts.Levels, pagetables.DefaultBitsPerLevel),
		procs:      btree.NewG[*Process](8, lessByPID),
		nextPID:    InitPID,
	}, nil
}

// Trampoline returns the address of the trampoline page.
func (k *Kernel) Trampoline() hostarch.Addr {
	return k.maxVA - hostarch.PageSize
}

// TrapFrame returns the address of the per-process trapframe page.
func (k *Kernel) TrapFrame() hostarch.Addr {
	return k.maxVA - 2*hostarch.PageSize
}

// HeapBase returns the address of the first heap byte of a new process.
func (k *Kernel) HeapBase() hostarch.Addr {
	return hostarch.Addr(k.opts.InitialPages) << hostarch.PageShift
}

// Release frees the kernel's own resources. Every process must have exited.
func (k *Kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if n := k.procs.Len(); n != 0 {
		return fmt.Errorf("%d processes still running: %w", n, linuxerr.EBUSY)
	}
	k.opts.Frames.Free(k.trampoline)
	return nil
}

// Lookup returns the live process with the given PID, or nil.
func (k *Kernel) Lookup(pid PID) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, _ := k.procs.Get(&Process{pid: pid})
	return p
}

// Processes returns the live processes ordered by PID.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps := make([]*Process, 0, k.procs.Len())
	k.procs.Ascend(func(p *Process) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

func (k *Kernel) register(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p.pid = k.nextPID
	k.nextPID++
	k.procs.ReplaceOrInsert(p)
	processesCreated.Increment()
}

func (k *Kernel) unregister(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.procs.Delete(p)
}

// newAddressSpace creates an address space holding only the trampoline and
// a fresh trapframe.
func (k *Kernel) newAddressSpace(ctx context.Context) (*mm.MemoryManager, error) {
	trapframe := k.TrapFrame()
	m, err := mm.New(mm.Opts{
		Frames:          k.opts.Frames,
		Swap:            k.store,
		Journal:         k.opts.Journal,
		Policy:          k.opts.Policy,
		TrackerCapacity: k.opts.TrackerCapacity,
		Levels:          k.opts.Levels,
		Reserved: []hostarch.AddrRange{
			{Start: 0, End: k.HeapBase()},
			{Start: trapframe, End: k.maxVA},
		},
		Limit:      trapframe,
		LazyGrowth: k.opts.LazyGrowth,
	})
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { m.Destroy(ctx) })
	defer cu.Clean()

	if err := m.MapFixed(k.Trampoline(), k.trampoline, pagetables.FlagRead|pagetables.FlagExec, false); err != nil {
		return nil, err
	}
	tf, err := k.opts.Frames.Allocate()
	if err != nil {
		return nil, err
	}
	k.opts.Frames.Zero(tf)
	if err := m.MapFixed(trapframe, tf, pagetables.FlagRead|pagetables.FlagWrite, true); err != nil {
		k.opts.Frames.Free(tf)
		return nil, err
	}
	cu.Release()
	return m, nil
}

// NewProcess creates a process holding the initial program image.
func (k *Kernel) NewProcess(ctx context.Context) (*Process, error) {
	m, err := k.newAddressSpace(ctx)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { m.Destroy(ctx) })
	defer cu.Clean()

	if n := k.opts.InitialPages; n > 0 {
		size := uint64(k.HeapBase())
		if err := m.GrowTo(ctx, size); err != nil {
			return nil, err
		}
		if k.opts.LazyGrowth {
			if err := m.Advise(ctx, 0, size, mm.AdviceWillNeed); err != nil {
				return nil, err
			}
		}
		if n >= 3 {
			m.ClearUser(k.HeapBase() - 2*hostarch.PageSize)
		}
	}
	cu.Release()

	p := &Process{k: k, mm: m}
	k.register(p)
	log.Debugf("Created process %v", p.pid)
	return p, nil
}
