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

// Package blockdev implements the swap block device: a flat array of
// 512-byte blocks over a Backend, with an allocator handing out page-sized
// runs of blocks.
//
// The first Reserved blocks of the device belong to the journal and are
// never handed out as runs.
package blockdev

import (
	"fmt"
	"io"
	"sync"

	"github.com/vmsim/vmsim/pkg/bitmap"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/log"
)

const (
	// BlockSize is the size of a device block in bytes.
	BlockSize = 512

	// PageBlocks is the number of blocks holding one page.
	PageBlocks = hostarch.PageSize / BlockSize
)

// Run identifies PageBlocks contiguous blocks holding one swapped page. Its
// value is the number of the first block.
type Run uint32

// String implements fmt.Stringer.String.
func (r Run) String() string {
	return fmt.Sprintf("%#x", uint32(r))
}

// Backend is the storage under a Device. *os.File implements it.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// Device is a block device with a run allocator. It is safe for concurrent
// use; callers serialise writes to the same blocks.
type Device struct {
	backend  Backend
	blocks   uint32
	reserved uint32

	// unlock releases the exclusive lock on the backing file, if any.
	unlock func() error

	// mu protects used.
	mu   sync.Mutex
	used bitmap.Bitmap
}

// New creates a Device of the given number of blocks over backend. The first
// reserved blocks are excluded from run allocation.
func New(backend Backend, blocks, reserved uint32) (*Device, error) {
	if reserved >= blocks {
		return nil, fmt.Errorf("reserved blocks (%d) must be fewer than device blocks (%d)", reserved, blocks)
	}
	if blocks-reserved < PageBlocks {
		return nil, fmt.Errorf("device of %d blocks has no room for a page run after %d reserved blocks", blocks, reserved)
	}
	return &Device{
		backend:  backend,
		blocks:   blocks,
		reserved: reserved,
		used:     bitmap.New(blocks),
	}, nil
}

// Blocks returns the size of the device in blocks.
func (d *Device) Blocks() uint32 {
	return d.blocks
}

// Reserved returns the number of blocks at the start of the device that are
// excluded from run allocation.
func (d *Device) Reserved() uint32 {
	return d.reserved
}

func (d *Device) checkRange(block uint32, n int) {
	if n%BlockSize != 0 {
		panic(fmt.Sprintf("block I/O of %d bytes is not a multiple of the block size", n))
	}
	if uint64(block)+uint64(n/BlockSize) > uint64(d.blocks) {
		panic(fmt.Sprintf("block I/O [%d, +%d) past the end of a %d block device", block, n/BlockSize, d.blocks))
	}
}

// ReadBlocks reads len(p)/BlockSize blocks starting at block into p. Device
// failures are reported as EIO.
func (d *Device) ReadBlocks(block uint32, p []byte) error {
	d.checkRange(block, len(p))
	if _, err := d.backend.ReadAt(p, int64(block)*BlockSize); err != nil && err != io.EOF {
		log.Warningf("Block device read at block %d failed: %v", block, err)
		return linuxerr.EIO
	}
	return nil
}

// WriteBlocks writes p to the device starting at block. Device failures are
// reported as EIO.
func (d *Device) WriteBlocks(block uint32, p []byte) error {
	d.checkRange(block, len(p))
	if _, err := d.backend.WriteAt(p, int64(block)*BlockSize); err != nil {
		log.Warningf("Block device write at block %d failed: %v", block, err)
		return linuxerr.EIO
	}
	return nil
}

// Sync flushes the backend.
func (d *Device) Sync() error {
	if err := d.backend.Sync(); err != nil {
		log.Warningf("Block device sync failed: %v", err)
		return linuxerr.EIO
	}
	return nil
}

// AllocRun reserves a free run of PageBlocks blocks. It returns ENOSPC when
// the device is full.
func (d *Device) AllocRun() (Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	first, err := d.used.FirstZeroRun(d.reserved, PageBlocks, PageBlocks)
	if err != nil {
		return 0, linuxerr.ENOSPC
	}
	d.used.AddRange(first, first+PageBlocks)
	return Run(first), nil
}

// MarkRun records r as allocated. It is used when recovering runs that are
// referenced by state outside the allocator.
func (d *Device) MarkRun(r Run) {
	d.checkRun(r)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used.AddRange(uint32(r), uint32(r)+PageBlocks)
}

// FreeRun returns r to the allocator. Freeing a run that is not allocated
// is a fatal error.
func (d *Device) FreeRun(r Run) {
	d.checkRun(r)
	d.mu.Lock()
	defer d.mu.Unlock()
	for b := uint32(r); b < uint32(r)+PageBlocks; b++ {
		if !d.used.Has(b) {
			panic(fmt.Sprintf("freeing run %v: block %d is not allocated", r, b))
		}
	}
	d.used.ClearRange(uint32(r), uint32(r)+PageBlocks)
}

// RunAllocated returns true if r is currently allocated.
func (d *Device) RunAllocated(r Run) bool {
	d.checkRun(r)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used.Has(uint32(r))
}

func (d *Device) checkRun(r Run) {
	if uint32(r)%PageBlocks != 0 || uint32(r) < d.reserved || uint64(r)+PageBlocks > uint64(d.blocks) {
		panic(fmt.Sprintf("invalid block run %v", r))
	}
}

// Usage returns the number of allocated runs and the number of runs the
// device can hold.
func (d *Device) Usage() (used, total uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := (d.reserved + PageBlocks - 1) / PageBlocks * PageBlocks
	return d.used.GetNumOnes() / PageBlocks, (d.blocks - first) / PageBlocks
}

// ReadRun reads the page stored in r into p.
func (d *Device) ReadRun(r Run, p []byte) error {
	if len(p) != hostarch.PageSize {
		panic(fmt.Sprintf("run read into a %d byte buffer", len(p)))
	}
	return d.ReadBlocks(uint32(r), p)
}

// Close releases the backend and the lock on the backing file.
func (d *Device) Close() error {
	err := d.backend.Close()
	if d.unlock != nil {
		if uerr := d.unlock(); err == nil {
			err = uerr
		}
		d.unlock = nil
	}
	return err
}
