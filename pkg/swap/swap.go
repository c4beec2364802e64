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

// Package swap moves pages between page frames and the swap device.
//
// Both directions run inside the journal transaction carried by the caller's
// context and rewrite the page table entry only once the data movement has
// succeeded, so a failure leaves the entry as it was.
package swap

import (
	"context"
	"fmt"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/metric"
	"github.com/vmsim/vmsim/pkg/pagetables"
)

var (
	pageOuts = metric.MustCreateNewUint64Metric("/swap/page_outs", "Number of pages written to the swap device.")
	pageIns  = metric.MustCreateNewUint64Metric("/swap/page_ins", "Number of pages read back from the swap device.")
)

// FrameMemory gives access to the contents of page frames.
type FrameMemory interface {
	Bytes(hostarch.Frame) []byte
}

// Store moves pages to and from a block device.
type Store struct {
	mem FrameMemory
	dev *blockdev.Device
}

// NewStore returns a Store over the given memory and device.
func NewStore(mem FrameMemory, dev *blockdev.Device) *Store {
	return &Store{mem: mem, dev: dev}
}

func mustTx(ctx context.Context, op string) *journal.Tx {
	tx := journal.FromContext(ctx)
	if tx == nil {
		panic(fmt.Sprintf("swap: %s outside a transaction", op))
	}
	return tx
}

// EvictToDisk writes the page of the resident entry pte to a fresh block
// run and turns pte into a swapped entry. It returns the frame that backed
// the page; the caller owns it and frees it. A full device yields ENOSPC and
// a failing one EIO; in both cases pte is unchanged.
func (s *Store) EvictToDisk(ctx context.Context, pte *pagetables.PTE) (hostarch.Frame, error) {
	tx := mustTx(ctx, "eviction")
	frame := pte.Frame()
	r, err := s.dev.AllocRun()
	if err != nil {
		return 0, err
	}
	if err := tx.WritePage(r, s.mem.Bytes(frame)); err != nil {
		s.dev.FreeRun(r)
		return 0, err
	}
	pte.SetSwapped(r)
	pageOuts.Increment()
	return frame, nil
}

// RestoreFromDisk reads the page of the swapped entry pte into frame and
// turns pte back into a resident entry mapping frame. The block run is
// released when the transaction commits. A failing device yields EIO and
// leaves pte unchanged; frame still belongs to the caller then.
func (s *Store) RestoreFromDisk(ctx context.Context, pte *pagetables.PTE, frame hostarch.Frame) error {
	tx := mustTx(ctx, "restore")
	r := pte.Run()
	if err := tx.ReadPage(r, s.mem.Bytes(frame)); err != nil {
		return err
	}
	tx.FreeRun(r)
	pte.Restore(frame)
	pageIns.Increment()
	return nil
}

// ReadSwapped copies the page held by the swapped entry pte into frame
// without changing pte.
func (s *Store) ReadSwapped(ctx context.Context, pte *pagetables.PTE, frame hostarch.Frame) error {
	tx := mustTx(ctx, "read")
	return tx.ReadPage(pte.Run(), s.mem.Bytes(frame))
}

// Release schedules the runs for reclamation in the transaction carried by
// ctx.
func (s *Store) Release(ctx context.Context, runs []blockdev.Run) {
	tx := mustTx(ctx, "release")
	for _, r := range runs {
		tx.FreeRun(r)
	}
}
