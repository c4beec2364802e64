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

// Package mm provides the memory management of a process: its page tables,
// its replacement tracker, demand paging and swap driven by advice.
//
// Lock order:
//
//	parent MemoryManager.mu (Duplicate only)
//	  MemoryManager.mu
//	    journal transaction
//	      pgalloc.MemoryFile and blockdev.Device internal locks
//
// Block runs released while MemoryManager.mu is held are reclaimed after it
// is dropped, in a transaction of their own.
package mm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/metric"
	"github.com/vmsim/vmsim/pkg/pagetables"
	"github.com/vmsim/vmsim/pkg/replacement"
	"github.com/vmsim/vmsim/pkg/swap"
)

var (
	faultCount   = metric.MustCreateNewUint64Metric("/mm/page_faults", "Number of page faults handled.", metric.NewField("kind", "swap_in", "zero_fill"))
	adviceCount  = metric.MustCreateNewUint64Metric("/mm/advice", "Number of advice calls that passed validation.", metric.NewField("advice", "normal", "willneed", "dontneed", "pin", "unpin"))
	runsReclaim  = metric.MustCreateNewUint64Metric("/mm/runs_reclaimed", "Number of swap runs reclaimed after their mappings were removed.")
	framesCopied = metric.MustCreateNewUint64Metric("/mm/fork_pages_copied", "Number of pages copied into child address spaces.")
)

// UserPerms are the permissions of heap pages.
const UserPerms = pagetables.FlagRead | pagetables.FlagWrite | pagetables.FlagExec | pagetables.FlagUser

// Frames is the physical memory used by an address space.
type Frames interface {
	pagetables.FrameSource
	Bytes(hostarch.Frame) []byte
	Zero(hostarch.Frame)
}

// Opts configures a MemoryManager.
type Opts struct {
	// Frames backs pages and page tables.
	Frames Frames

	// Swap moves pages to the swap device.
	Swap *swap.Store

	// Journal provides the transactions swap I/O runs in.
	Journal *journal.Log

	// Policy and TrackerCapacity configure the replacement tracker.
	Policy          replacement.Policy
	TrackerCapacity int

	// Levels and BitsPerLevel configure the page table geometry. Zero
	// selects the defaults.
	Levels       int
	BitsPerLevel int

	// Reserved lists regions excluded from replacement tracking.
	Reserved []hostarch.AddrRange

	// Limit bounds the user address space. Zero means two pages below the
	// top of the address space.
	Limit hostarch.Addr

	// LazyGrowth makes GrowTo leave new pages to be filled on first
	// touch.
	LazyGrowth bool
}

// fixedMapping is a page outside the user range mapped by MapFixed.
type fixedMapping struct {
	va    hostarch.Addr
	owned bool
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	frames  Frames
	swap    *swap.Store
	journal *journal.Log
	lazy    bool
	limit   hostarch.Addr

	faultLog log.Logger

	// mu is the process lock. It protects the fields below and the page
	// table entries.
	mu        sync.Mutex
	pt        *pagetables.PageTables
	tracker   replacement.Tracker
	size      uint64
	fixed     []fixedMapping
	destroyed bool
}

// trackerObserver feeds page table accesses to a replacement tracker.
type trackerObserver struct {
	t replacement.Tracker
}

// OnAccess implements pagetables.AccessObserver.OnAccess.
func (o trackerObserver) OnAccess(pte *pagetables.PTE) {
	o.t.OnAccess(pte)
}

// New creates an empty address space.
func New(opts Opts) (*MemoryManager, error) {
	if opts.Frames == nil || opts.Swap == nil || opts.Journal == nil {
		return nil, fmt.Errorf("memory manager needs frames, swap and a journal")
	}
	tracker, err := replacement.New(opts.Policy, opts.TrackerCapacity)
	if err != nil {
		return nil, err
	}
	bits := opts.BitsPerLevel
	if bits == 0 {
		bits = pagetables.DefaultBitsPerLevel
	}
	pt, err := pagetables.New(pagetables.NewFrameAllocator(opts.Frames, bits), pagetables.Opts{
		Levels:       opts.Levels,
		BitsPerLevel: bits,
		Reserved:     opts.Reserved,
		Observer:     trackerObserver{tracker},
	})
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit == 0 || limit > pt.MaxVA() {
		limit = pt.MaxVA() - 2*hostarch.PageSize
	}
	return &MemoryManager{
		frames:   opts.Frames,
		swap:     opts.Swap,
		journal:  opts.Journal,
		lazy:     opts.LazyGrowth,
		limit:    limit,
		faultLog: log.BasicRateLimitedLogger(time.Second),
		pt:       pt,
		tracker:  tracker,
	}, nil
}

// Size returns the size of the user address space in bytes.
func (m *MemoryManager) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// MaxVA returns one past the highest translatable address.
func (m *MemoryManager) MaxVA() hostarch.Addr {
	return m.pt.MaxVA()
}

func (m *MemoryManager) checkLive() {
	if m.destroyed {
		panic("use of a destroyed address space")
	}
}

// newZeroFrame allocates a zeroed frame.
func (m *MemoryManager) newZeroFrame() (hostarch.Frame, error) {
	fr, err := m.frames.Allocate()
	if err != nil {
		return 0, linuxerr.ENOMEM
	}
	m.frames.Zero(fr)
	return fr, nil
}

// forget drops an entry that is being unmapped from the tracker.
func (m *MemoryManager) forget(pte *pagetables.PTE) {
	m.tracker.Forget(pte)
}

// unmapLocked removes npages user pages starting at va, freeing frames and
// returning the runs of swapped pages.
//
// Preconditions: m.mu must be locked.
func (m *MemoryManager) unmapLocked(va hostarch.Addr, npages uint64) []blockdev.Run {
	return m.pt.Unmap(va, npages, m.frames.Free, m.forget)
}

// reclaim frees runs in a transaction of its own. It must not be called
// with m.mu held.
func (m *MemoryManager) reclaim(ctx context.Context, runs []blockdev.Run) {
	if len(runs) == 0 {
		return
	}
	ctx, tx := m.journal.Begin(ctx)
	m.swap.Release(ctx, runs)
	tx.End()
	runsReclaim.IncrementBy(uint64(len(runs)))
	log.Debugf("Reclaimed %d swap runs", len(runs))
}
