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
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/mm"
	"github.com/vmsim/vmsim/pkg/pagetables"
)

// Process is a single-threaded user process.
type Process struct {
	k   *Kernel
	pid PID

	// mm is the process's address space. It is immutable; the
	// MemoryManager serialises its own operations.
	mm *mm.MemoryManager

	// mu protects the fields below.
	mu     sync.Mutex
	parent PID
	exited bool
}

// PID returns the process identifier.
func (p *Process) PID() PID {
	return p.pid
}

// Parent returns the PID of the process that forked p, or 0.
func (p *Process) Parent() PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// MemoryManager returns the process's address space.
func (p *Process) MemoryManager() *mm.MemoryManager {
	return p.mm
}

// checkAlive returns ESRCH once the process has exited.
func (p *Process) checkAlive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return linuxerr.ESRCH
	}
	return nil
}

// Sbrk grows or shrinks the heap by n bytes and returns the previous break.
func (p *Process) Sbrk(ctx context.Context, n int64) (hostarch.Addr, error) {
	if err := p.checkAlive(); err != nil {
		return 0, err
	}
	old := p.mm.Size()
	switch {
	case n > 0:
		if err := p.mm.GrowTo(ctx, old+uint64(n)); err != nil {
			return 0, err
		}
	case n < 0:
		if uint64(-n) > old {
			return 0, linuxerr.EINVAL
		}
		if err := p.mm.ShrinkTo(ctx, old-uint64(-n)); err != nil {
			return 0, err
		}
	}
	return hostarch.Addr(old), nil
}

// Madvise applies advice to [addr, addr+length).
func (p *Process) Madvise(ctx context.Context, addr hostarch.Addr, length uint64, advice mm.Advice) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.mm.Advise(ctx, addr, length, advice)
}

// userAccess runs fn over [va, va+n) one page at a time. A page that is
// swapped out or not yet filled is faulted in and fn retried.
func (p *Process) userAccess(ctx context.Context, va hostarch.Addr, n int, at hostarch.AccessType, fn func(va hostarch.Addr, start, end int) error) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	for done := 0; done < n; {
		cur := va + hostarch.Addr(done)
		end := done + int(hostarch.PageSize-cur.PageOffset())
		if end > n {
			end = n
		}
		err := fn(cur, done, end)
		if err == nil {
			done = end
			continue
		}
		if err != pagetables.ErrNotMapped || !p.mm.Faultable(cur) {
			return fmt.Errorf("%v access at %v: %w", at, cur, linuxerr.EFAULT)
		}
		if err := p.mm.HandleFault(ctx, cur, at); err != nil {
			processesKilled.Increment()
			log.Warningf("Process %v killed: page fault at %v: %v", p.pid, cur, err)
			if exitErr := p.Exit(ctx); exitErr != nil {
				log.Warningf("Exit of process %v: %v", p.pid, exitErr)
			}
			return fmt.Errorf("process %v killed by page fault at %v: %w", p.pid, cur, err)
		}
	}
	return nil
}

// Load reads n bytes of user memory at va.
func (p *Process) Load(ctx context.Context, va hostarch.Addr, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := p.userAccess(ctx, va, n, hostarch.Read, func(va hostarch.Addr, start, end int) error {
		_, err := p.mm.CopyIn(va, buf[start:end])
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Store writes data to user memory at va and marks the pages dirty.
func (p *Process) Store(ctx context.Context, va hostarch.Addr, data []byte) error {
	return p.userAccess(ctx, va, len(data), hostarch.Write, func(va hostarch.Addr, start, end int) error {
		if _, err := p.mm.CopyOut(va, data[start:end]); err != nil {
			return err
		}
		p.mm.SetDirty(va)
		return nil
	})
}

// Fork creates a child process with a copy of p's address space.
func (p *Process) Fork(ctx context.Context) (*Process, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	m, err := p.k.newAddressSpace(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Duplicate(ctx, p.mm); err != nil {
		m.Destroy(ctx)
		return nil, err
	}
	child := &Process{k: p.k, mm: m, parent: p.pid}
	p.k.register(child)
	log.Debugf("Process %v forked %v", p.pid, child.pid)
	return child, nil
}

// Exit tears down the address space and removes p from the process table.
func (p *Process) Exit(ctx context.Context) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return linuxerr.ESRCH
	}
	p.exited = true
	p.mu.Unlock()

	p.mm.Destroy(ctx)
	p.k.unregister(p)
	log.Debugf("Process %v exited", p.pid)
	return nil
}

// VMPrint writes the process's page tables.
func (p *Process) VMPrint(w io.Writer) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.mm.VMPrint(w)
}

// PGPrint writes the process's replacement tracker.
func (p *Process) PGPrint(w io.Writer) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.mm.PGPrint(w)
}
