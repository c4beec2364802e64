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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/metric"
	"github.com/vmsim/vmsim/pkg/scenario"
	"github.com/vmsim/vmsim/vmsim/config"
	"golang.org/x/sync/errgroup"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	parallel int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-parallel=N] <scenario.yaml>... - runs every scenario of the files, each on its own machine, and prints their output in order
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.parallel, "parallel", 0, "maximum number of scenarios running at once. 0 means no limit.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	scenarios, err := loadScenarios(f.Args())
	if err != nil {
		return Errorf("%v", err)
	}
	results, err := runScenarios(ctx, conf, scenarios, r.parallel)
	for _, res := range results {
		fmt.Fprintf(os.Stdout, "=== %s\n", res.name)
		os.Stdout.Write(res.out.Bytes())
	}
	if err != nil {
		return Errorf("%v", err)
	}
	if conf.Metrics != "" {
		if err := writeMetricsFile(conf.Metrics); err != nil {
			return Errorf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

// loadScenarios reads every scenario of the files at paths, in order.
func loadScenarios(paths []string) ([]*scenario.Scenario, error) {
	var all []*scenario.Scenario
	for _, path := range paths {
		s, err := scenario.LoadFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, s...)
	}
	return all, nil
}

// result is the output of one scenario.
type result struct {
	name string
	out  bytes.Buffer
}

// swapPath returns the swap file of scenario i of n. Each scenario gets a
// file of its own since a swap file can only be used by one device.
func swapPath(conf *config.Config, i, n int) string {
	if conf.SwapFile == "" || n == 1 {
		return conf.SwapFile
	}
	return fmt.Sprintf("%s.%d", conf.SwapFile, i)
}

// runScenarios runs scenarios concurrently, at most limit at a time if limit
// is positive. Every scenario runs to completion; the first failure is
// returned.
func runScenarios(ctx context.Context, conf *config.Config, scenarios []*scenario.Scenario, limit int) ([]*result, error) {
	results := make([]*result, len(scenarios))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, s := range scenarios {
		i, s := i, s
		res := &result{name: s.Name}
		results[i] = res
		g.Go(func() error {
			return runOne(ctx, conf, s, swapPath(conf, i, len(scenarios)), &res.out)
		})
	}
	return results, g.Wait()
}

func runOne(ctx context.Context, conf *config.Config, s *scenario.Scenario, swap string, out io.Writer) error {
	m, err := Boot(conf, s, swap)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	log.Infof("Running scenario %q", s.Name)
	runErr := s.Run(ctx, m.Kernel, out)
	if err := m.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return fmt.Errorf("scenario %q: %w", s.Name, runErr)
	}
	return nil
}

// writeMetricsFile writes the metrics in the Prometheus text format to the
// file at path.
func writeMetricsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := metric.WritePrometheus(f); err != nil {
		f.Close()
		return fmt.Errorf("writing metrics: %w", err)
	}
	return f.Close()
}
