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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidMetricName indicates that a metric name is not well-formed.
	ErrInvalidMetricName = errors.New("metric name is not well-formed")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Metrics with a field keep one counter per allowed field value.
type Uint64Metric struct {
	name        string
	description string

	// field is nil for metrics without a breakdown.
	field *Field

	// values holds one counter per allowed field value, or a single counter.
	values []atomic.Uint64
}

type metricSet struct {
	mu          sync.Mutex
	initialized bool
	metrics     map[string]*Uint64Metric
}

// allMetrics are the registered metrics.
var allMetrics = metricSet{metrics: make(map[string]*Uint64Metric)}

// Initialize freezes the metric set. Metrics can no longer be registered
// afterwards.
func Initialize() {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	allMetrics.initialized = true
}

func verifyName(name string) error {
	if len(name) < 2 || name[0] != '/' {
		return ErrInvalidMetricName
	}
	for _, c := range name[1:] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return ErrInvalidMetricName
		}
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name. At most one field may be given.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	if err := verifyName(name); err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	if len(fields) > 1 {
		return nil, fmt.Errorf("%q: at most one field is supported, got %d", name, len(fields))
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		values:      make([]atomic.Uint64, 1),
	}
	if len(fields) == 1 {
		f := fields[0]
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("%q: field %q has no allowed values", name, f.name)
		}
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.allowedValues))
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return nil, ErrInitializationDone
	}
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %q has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %q requires exactly one field value, got %v", m.name, fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %q: value %q is not allowed for field %q", m.name, fieldValues[0], m.field.name))
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// Name returns the metric's registered name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// PrometheusName returns the metric name in Prometheus form, e.g.
// "/vm/page_faults" becomes "vmsim_vm_page_faults".
func (m *Uint64Metric) PrometheusName() string {
	return "vmsim_" + strings.ReplaceAll(strings.TrimPrefix(m.name, "/"), "/", "_")
}

// registered returns all metrics sorted by name.
func registered() []*Uint64Metric {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}
