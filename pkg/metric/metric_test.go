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

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/common/expfmt"
)

func TestRegistration(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/registration", "A test metric.")
	m.Increment()
	m.IncrementBy(4)
	if got := m.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}

	if _, err := NewUint64Metric("/test/registration", "Duplicate."); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate registration error = %v, want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("no_slash", ""); !errors.Is(err, ErrInvalidMetricName) {
		t.Errorf("bad name error = %v, want %v", err, ErrInvalidMetricName)
	}
	if _, err := NewUint64Metric("/test/two_fields", "", NewField("a", "x"), NewField("b", "y")); err == nil {
		t.Errorf("registration with two fields should fail")
	}
}

func TestFieldValues(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/fields", "", NewField("kind", "swap_in", "zero_fill"))
	m.Increment("swap_in")
	m.IncrementBy(3, "zero_fill")
	if got := m.Value("swap_in"); got != 1 {
		t.Errorf("Value(swap_in) = %d, want 1", got)
	}
	if got := m.Value("zero_fill"); got != 3 {
		t.Errorf("Value(zero_fill) = %d, want 3", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with an unknown field value should panic")
		}
	}()
	m.Increment("bogus")
}

func TestWritePrometheus(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/export", "Exported counter.", NewField("op", "read", "write"))
	m.IncrementBy(7, "write")

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("failed to parse exported metrics: %v", err)
	}
	mf, ok := parsed["vmsim_test_export"]
	if !ok {
		t.Fatalf("vmsim_test_export missing from %v", parsed)
	}
	if got := mf.GetHelp(); got != "Exported counter." {
		t.Errorf("help = %q", got)
	}
	values := make(map[string]float64)
	for _, metric := range mf.GetMetric() {
		values[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	if values["read"] != 0 || values["write"] != 7 {
		t.Errorf("exported values = %v, want read=0 write=7", values)
	}
}
