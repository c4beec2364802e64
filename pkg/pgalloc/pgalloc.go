// Copyright 2018 The vmsim Authors.
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

// Package pgalloc contains the page frame allocator of the simulated
// machine. Physical memory is a fixed pool of page frames carved out of an
// anonymous host mapping; each frame is identified by its simulated physical
// address.
package pgalloc

import (
	"fmt"
	"sync"

	"github.com/vmsim/vmsim/pkg/bitmap"
	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/log"
	"golang.org/x/sys/unix"
)

// DefaultBase is the physical address of the first frame.
const DefaultBase hostarch.Frame = 0x80000000

const (
	// allocJunk fills newly allocated frames so that stale contents are
	// never mistaken for zeroed memory.
	allocJunk = 0x05

	// freeJunk fills freed frames to catch dangling references.
	freeJunk = 0x01
)

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Frames is the number of page frames in the pool.
	Frames uint32

	// Base is the physical address of the first frame. If zero,
	// DefaultBase is used.
	Base hostarch.Frame
}

// MemoryFile is a fixed-size pool of page frames. It is safe for concurrent
// use.
type MemoryFile struct {
	base   hostarch.Frame
	frames uint32

	// mem is the host mapping backing every frame. It is immutable after
	// construction; frame contents are owned by the frame's holder.
	mem []byte

	// mu protects used.
	mu   sync.Mutex
	used bitmap.Bitmap
}

// NewMemoryFile maps the backing memory for opts.Frames page frames.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("memory file needs at least one frame")
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if uint64(base)&hostarch.PageMask != 0 {
		return nil, fmt.Errorf("base %v is not page aligned", base)
	}
	mem, err := unix.Mmap(-1, 0, int(opts.Frames)*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d frames: %w", opts.Frames, err)
	}
	log.Debugf("Memory file: %d frames at %v", opts.Frames, base)
	return &MemoryFile{
		base:   base,
		frames: opts.Frames,
		mem:    mem,
		used:   bitmap.New(opts.Frames),
	}, nil
}

// Destroy releases the backing memory. No frame may be used afterwards.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem == nil {
		return nil
	}
	err := unix.Munmap(f.mem)
	f.mem = nil
	return err
}

func (f *MemoryFile) index(fr hostarch.Frame) uint32 {
	if fr < f.base || uint64(fr)&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("frame %v is not a frame of this memory file", fr))
	}
	i := uint64(fr-f.base) >> hostarch.PageShift
	if i >= uint64(f.frames) {
		panic(fmt.Sprintf("frame %v is outside the memory file", fr))
	}
	return uint32(i)
}

// Allocate returns an unused frame. The frame's contents are unspecified;
// callers that need zeroed memory must call Zero. It returns ENOMEM when the
// pool is exhausted.
func (f *MemoryFile) Allocate() (hostarch.Frame, error) {
	f.mu.Lock()
	i, err := f.used.FirstZero(0)
	if err != nil {
		f.mu.Unlock()
		return 0, linuxerr.ENOMEM
	}
	f.used.Add(i)
	f.mu.Unlock()

	fr := f.base + hostarch.Frame(uint64(i)<<hostarch.PageShift)
	fill(f.Bytes(fr), allocJunk)
	return fr, nil
}

// Free returns fr to the pool. Freeing a frame that is not allocated is a
// fatal error.
func (f *MemoryFile) Free(fr hostarch.Frame) {
	i := f.index(fr)
	fill(f.Bytes(fr), freeJunk)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used.Has(i) {
		panic(fmt.Sprintf("double free of frame %v", fr))
	}
	f.used.Remove(i)
}

// Bytes returns the page-sized slice backing fr.
func (f *MemoryFile) Bytes(fr hostarch.Frame) []byte {
	off := int(f.index(fr)) * hostarch.PageSize
	return f.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Zero fills fr with zeroes.
func (f *MemoryFile) Zero(fr hostarch.Frame) {
	clear(f.Bytes(fr))
}

// Contains returns true if fr is a frame of this memory file.
func (f *MemoryFile) Contains(fr hostarch.Frame) bool {
	if fr < f.base || uint64(fr)&hostarch.PageMask != 0 {
		return false
	}
	return uint64(fr-f.base)>>hostarch.PageShift < uint64(f.frames)
}

// Usage returns the number of allocated frames and the pool size.
func (f *MemoryFile) Usage() (used, total uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.GetNumOnes(), f.frames
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
