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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. Each setting that can be changed from the command line must
// have a corresponding field in Config, with a matching flag tag.
package config

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"github.com/vmsim/vmsim/pkg/bitmap"
	"github.com/vmsim/vmsim/pkg/journal"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/replacement"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// Policy is the page replacement policy: fifo or lru.
	Policy string `flag:"policy" toml:"policy"`

	// TrackerSize is the capacity of each process's replacement tracker.
	TrackerSize int `flag:"tracker-size" toml:"tracker-size"`

	// Levels is the number of page table levels.
	Levels int `flag:"levels" toml:"levels"`

	// Frames is the number of physical page frames.
	Frames int `flag:"frames" toml:"frames"`

	// SwapFile is the path of the swap device. Empty means an in-memory
	// device.
	SwapFile string `flag:"swap-file" toml:"swap-file"`

	// SwapBlocks is the size of the swap device in 512-byte blocks,
	// journal included.
	SwapBlocks int `flag:"swap-blocks" toml:"swap-blocks"`

	// LogBlocks is the size of the journal's log area in blocks.
	LogBlocks int `flag:"log-blocks" toml:"log-blocks"`

	// SwapLockTimeout bounds the wait for the swap file lock.
	SwapLockTimeout time.Duration `flag:"swap-lock-timeout" toml:"swap-lock-timeout"`

	// LazyGrowth leaves new heap pages to be filled on first touch.
	LazyGrowth bool `flag:"lazy-growth" toml:"lazy-growth"`

	// InitialPages is the size of the initial program image in pages.
	InitialPages int `flag:"initial-pages" toml:"initial-pages"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// DebugLog is the path of an additional log file. %COMMAND%, %PID%
	// and %TIMESTAMP% are expanded.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// Metrics is the path metrics are written to after a run, in the
	// Prometheus text format.
	Metrics string `flag:"metrics" toml:"metrics"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// validate checks that the configuration is consistent.
func (c *Config) validate() error {
	if _, err := replacement.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.TrackerSize <= 0 {
		return fmt.Errorf("tracker-size must be positive, got %d", c.TrackerSize)
	}
	if c.Levels < 2 || c.Levels > 4 {
		return fmt.Errorf("levels must be between 2 and 4, got %d", c.Levels)
	}
	if c.Frames <= 0 || uint64(c.Frames) > uint64(bitmap.MaxBitEntryLimit) {
		return fmt.Errorf("frames out of range: %d", c.Frames)
	}
	if c.LogBlocks < 8 {
		return fmt.Errorf("log-blocks must be at least 8, got %d", c.LogBlocks)
	}
	if min := int(journal.ReservedBlocks(uint32(c.LogBlocks))) + 16; c.SwapBlocks < min {
		return fmt.Errorf("swap-blocks must be at least %d with %d log blocks, got %d", min, c.LogBlocks, c.SwapBlocks)
	}
	if c.InitialPages < 0 {
		return fmt.Errorf("initial-pages must not be negative, got %d", c.InitialPages)
	}
	if c.SwapLockTimeout < 0 {
		return fmt.Errorf("swap-lock-timeout must not be negative, got %v", c.SwapLockTimeout)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// WriteTOML writes c in the configuration file format.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("  %s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
