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

package blockdev

import (
	"errors"
	"sync"
	"sync/atomic"
)

var errInjected = errors.New("injected device failure")

// MemBackend is an in-memory Backend. Reads and writes can be made to fail,
// which simulates a failing disk.
type MemBackend struct {
	// FailReads and FailWrites make every subsequent read or write fail.
	FailReads  atomic.Bool
	FailWrites atomic.Bool

	mu   sync.Mutex
	data []byte
}

// NewMemBackend returns a zeroed backend of size bytes.
func NewMemBackend(size int) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.ReadAt.
func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	if m.FailReads.Load() {
		return 0, errInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	if m.FailWrites.Load() {
		return 0, errInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

// Sync implements Backend.Sync.
func (m *MemBackend) Sync() error {
	if m.FailWrites.Load() {
		return errInjected
	}
	return nil
}

// Close implements Backend.Close.
func (m *MemBackend) Close() error {
	return nil
}

// NewMem returns a device over a fresh MemBackend.
func NewMem(blocks, reserved uint32) (*Device, *MemBackend, error) {
	b := NewMemBackend(int(blocks) * BlockSize)
	d, err := New(b, blocks, reserved)
	if err != nil {
		return nil, nil, err
	}
	return d, b, nil
}
