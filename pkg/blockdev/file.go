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
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/vmsim/vmsim/pkg/log"
)

// FileOpts configures a file-backed device.
type FileOpts struct {
	// Path is the backing file. It is created if missing and grown to
	// Blocks blocks.
	Path string

	// Blocks is the size of the device in blocks.
	Blocks uint32

	// Reserved is the number of leading blocks excluded from run
	// allocation.
	Reserved uint32

	// LockTimeout bounds how long Open waits for another user of the
	// backing file to release it.
	LockTimeout time.Duration
}

// lockFile takes an exclusive lock on path+".lock", retrying until timeout
// elapses.
func lockFile(path string, timeout time.Duration) (func() error, error) {
	l := flock.New(path + ".lock")

	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 1 * time.Millisecond
		eb.MaxInterval = 100 * time.Millisecond
		eb.MaxElapsedTime = timeout
		b = eb
	}

	op := func() error {
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error acquiring lock on %q: %v", l.Path(), err))
		}
		if !ok {
			return fmt.Errorf("swap file %q is in use", path)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return l.Unlock, nil
}

// Open opens or creates a file-backed device, holding an exclusive lock on
// the backing file until Close.
func Open(opts FileOpts) (*Device, error) {
	unlock, err := lockFile(opts.Path, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("opening swap file: %w", err)
	}
	size := int64(opts.Blocks) * BlockSize
	if fi, err := f.Stat(); err != nil {
		f.Close()
		unlock()
		return nil, fmt.Errorf("stat swap file: %w", err)
	} else if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			unlock()
			return nil, fmt.Errorf("growing swap file to %d bytes: %w", size, err)
		}
	}
	d, err := New(f, opts.Blocks, opts.Reserved)
	if err != nil {
		f.Close()
		unlock()
		return nil, err
	}
	d.unlock = unlock
	log.Infof("Swap device %q: %d blocks, %d reserved", opts.Path, opts.Blocks, opts.Reserved)
	return d, nil
}
