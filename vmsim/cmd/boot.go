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

package cmd

import (
	"fmt"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/cleanup"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/kernel"
	"github.com/vmsim/vmsim/pkg/pgalloc"
	"github.com/vmsim/vmsim/pkg/replacement"
	"github.com/vmsim/vmsim/pkg/scenario"
	"github.com/vmsim/vmsim/vmsim/config"
)

// Machine is a kernel together with the memory and swap device it runs on.
type Machine struct {
	Kernel *kernel.Kernel

	frames *pgalloc.MemoryFile
	dev    *blockdev.Device
}

// Boot creates a machine configured by conf, with the overrides of s if s
// is not nil. The swap device is the file at swapPath, or memory if
// swapPath is empty.
func Boot(conf *config.Config, s *scenario.Scenario, swapPath string) (*Machine, error) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: uint32(conf.Frames)})
	if err != nil {
		return nil, fmt.Errorf("creating memory: %w", err)
	}
	cu := cleanup.Make(func() { mf.Destroy() })
	defer cu.Clean()

	logBlocks := uint32(conf.LogBlocks)
	reserved := journal.ReservedBlocks(logBlocks)
	var dev *blockdev.Device
	if swapPath == "" {
		dev, _, err = blockdev.NewMem(uint32(conf.SwapBlocks), reserved)
	} else {
		dev, err = blockdev.Open(blockdev.FileOpts{
			Path:        swapPath,
			Blocks:      uint32(conf.SwapBlocks),
			Reserved:    reserved,
			LockTimeout: conf.SwapLockTimeout,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("creating swap device: %w", err)
	}
	cu.Add(func() { dev.Close() })

	l, err := journal.Open(dev, logBlocks)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	opts := kernel.Opts{
		Frames:          mf,
		Device:          dev,
		Journal:         l,
		Policy:          replacement.Policy(conf.Policy),
		TrackerCapacity: conf.TrackerSize,
		Levels:          conf.Levels,
		LazyGrowth:      conf.LazyGrowth,
		InitialPages:    conf.InitialPages,
	}
	if s != nil {
		s.Apply(&opts)
	}
	k, err := kernel.New(opts)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &Machine{Kernel: k, frames: mf, dev: dev}, nil
}

// Shutdown releases the machine. Every process must have exited.
func (m *Machine) Shutdown() error {
	err := m.Kernel.Release()
	if cerr := m.dev.Close(); err == nil {
		err = cerr
	}
	if derr := m.frames.Destroy(); err == nil {
		err = derr
	}
	return err
}
