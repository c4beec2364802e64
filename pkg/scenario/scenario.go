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

// Package scenario runs scripted sequences of process operations against a
// kernel. Scenarios are YAML documents:
//
//	name: discard
//	policy: lru
//	steps:
//	  - {op: sbrk, pages: 4}
//	  - {op: store, page: 1, data: "hello"}
//	  - {op: madvise, page: 0, pages: 4, advice: dontneed}
//	  - {op: load, page: 1, len: 5}
//	  - {op: expect, data: "hello"}
//	  - {op: expect, page: 0, state: swapped}
//
// Pages are numbered from the heap base of a new process.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmsim/vmsim/pkg/errors/linuxerr"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/kernel"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/mm"
	"github.com/vmsim/vmsim/pkg/replacement"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Scenario is one scripted run.
type Scenario struct {
	Name string `yaml:"name"`

	// Policy, TrackerSize and Lazy override the kernel configuration when
	// set.
	Policy      string `yaml:"policy,omitempty"`
	TrackerSize int    `yaml:"tracker-size,omitempty"`
	Lazy        *bool  `yaml:"lazy,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is a single operation.
type Step struct {
	Op string `yaml:"op"`

	// Proc selects the process by creation order within the scenario; 0 is
	// the initial process.
	Proc int `yaml:"proc,omitempty"`

	Page   int    `yaml:"page,omitempty"`
	Offset int    `yaml:"offset,omitempty"`
	Pages  int64  `yaml:"pages,omitempty"`
	Len    int    `yaml:"len,omitempty"`
	Data   string `yaml:"data,omitempty"`
	Advice string `yaml:"advice,omitempty"`
	State  string `yaml:"state,omitempty"`

	// Error, if set, is the errno name the operation must fail with.
	Error string `yaml:"error,omitempty"`
}

// Parse decodes every scenario document in r.
func Parse(r io.Reader) ([]*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var scenarios []*Scenario
	for {
		s := &Scenario{}
		if err := dec.Decode(s); err != nil {
			if errors.Is(err, io.EOF) {
				return scenarios, nil
			}
			return nil, fmt.Errorf("decoding scenario %d: %w", len(scenarios), err)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
		}
		scenarios = append(scenarios, s)
	}
}

// LoadFile reads the scenarios in the file at path.
func LoadFile(path string) ([]*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scenarios, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scenarios, nil
}

var ops = map[string]bool{
	"sbrk": true, "store": true, "load": true, "madvise": true, "fork": true,
	"exit": true, "vmprint": true, "pgprint": true, "expect": true, "echo": true,
}

func (s *Scenario) validate() error {
	if s.Policy != "" {
		if _, err := replacement.ParsePolicy(s.Policy); err != nil {
			return err
		}
	}
	if s.TrackerSize < 0 {
		return fmt.Errorf("negative tracker size %d", s.TrackerSize)
	}
	for i, st := range s.Steps {
		if !ops[st.Op] {
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Op == "madvise" {
			if _, err := mm.ParseAdvice(st.Advice); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	return nil
}

// Apply overrides the kernel options the scenario sets.
func (s *Scenario) Apply(opts *kernel.Opts) {
	if s.Policy != "" {
		opts.Policy = replacement.Policy(s.Policy)
	}
	if s.TrackerSize != 0 {
		opts.TrackerCapacity = s.TrackerSize
	}
	if s.Lazy != nil {
		opts.LazyGrowth = *s.Lazy
	}
}

// runner holds the state of one scenario run.
type runner struct {
	k     *kernel.Kernel
	out   io.Writer
	procs []*kernel.Process
	last  []byte
}

// Run executes the scenario on k, writing dumps to out. Processes left
// running at the end are exited.
func (s *Scenario) Run(ctx context.Context, k *kernel.Kernel, out io.Writer) error {
	p, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	r := &runner{k: k, out: out, procs: []*kernel.Process{p}}
	defer r.exitAll(ctx)
	for i := range s.Steps {
		st := &s.Steps[i]
		log.Debugf("Scenario %q step %d: %s", s.Name, i, st.Op)
		err := r.step(ctx, st)
		if st.Error != "" {
			if err = checkErrno(err, st.Error); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return nil
}

func (r *runner) exitAll(ctx context.Context) {
	for _, p := range r.procs {
		if r.k.Lookup(p.PID()) != nil {
			p.Exit(ctx)
		}
	}
}

func checkErrno(err error, want string) error {
	if err == nil {
		return fmt.Errorf("succeeded, want %s", want)
	}
	errno, ok := linuxerr.ErrnoOf(err)
	if !ok || unix.ErrnoName(errno) != want {
		return fmt.Errorf("failed with %v, want %s", err, want)
	}
	return nil
}

func (r *runner) addr(st *Step) hostarch.Addr {
	return r.k.HeapBase() + hostarch.Addr(st.Page)<<hostarch.PageShift + hostarch.Addr(st.Offset)
}

func (r *runner) step(ctx context.Context, st *Step) error {
	if st.Proc < 0 || st.Proc >= len(r.procs) {
		return fmt.Errorf("no process %d", st.Proc)
	}
	p := r.procs[st.Proc]
	switch st.Op {
	case "sbrk":
		_, err := p.Sbrk(ctx, st.Pages<<hostarch.PageShift)
		return err
	case "store":
		return p.Store(ctx, r.addr(st), []byte(st.Data))
	case "load":
		b, err := p.Load(ctx, r.addr(st), st.Len)
		if err != nil {
			return err
		}
		r.last = b
		return nil
	case "madvise":
		advice, err := mm.ParseAdvice(st.Advice)
		if err != nil {
			return err
		}
		return p.Madvise(ctx, r.addr(st), uint64(st.Pages)<<hostarch.PageShift, advice)
	case "fork":
		child, err := p.Fork(ctx)
		if err != nil {
			return err
		}
		r.procs = append(r.procs, child)
		return nil
	case "exit":
		return p.Exit(ctx)
	case "vmprint":
		return p.VMPrint(r.out)
	case "pgprint":
		return p.PGPrint(r.out)
	case "expect":
		return r.expect(p, st)
	case "echo":
		_, err := fmt.Fprintln(r.out, st.Data)
		return err
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

// expect checks the data returned by the last load and, if State is set,
// the state of the page.
func (r *runner) expect(p *kernel.Process, st *Step) error {
	if r.k.Lookup(p.PID()) == nil {
		return linuxerr.ESRCH
	}
	if st.State == "" {
		if !bytes.Equal(r.last, []byte(st.Data)) {
			return fmt.Errorf("last load returned %q, want %q", r.last, st.Data)
		}
		return nil
	}
	info, ok := p.MemoryManager().Page(r.addr(st))
	if !ok {
		return fmt.Errorf("page %d has no entry", st.Page)
	}
	if got := info.State.String(); got != st.State {
		return fmt.Errorf("page %d is %s, want %s", st.Page, got, st.State)
	}
	return nil
}
