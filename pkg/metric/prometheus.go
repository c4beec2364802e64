// Copyright 2023 The vmsim Authors.
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
	"fmt"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// family converts the metric into a Prometheus counter family.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(m.PrometheusName()),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	if m.description != "" {
		mf.Help = proto.String(m.description)
	}
	if m.field == nil {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[0].Load()))},
		})
		return mf
	}
	for i, v := range m.field.allowedValues {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{
				Name:  proto.String(m.field.name),
				Value: proto.String(v),
			}},
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[i].Load()))},
		})
	}
	return mf
}

// Snapshot returns the current value of every registered metric as
// Prometheus metric families, sorted by name.
func Snapshot() []*dto.MetricFamily {
	ms := registered()
	families := make([]*dto.MetricFamily, 0, len(ms))
	for _, m := range ms {
		families = append(families, m.family())
	}
	return families
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range Snapshot() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
