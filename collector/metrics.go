// Copyright 2023 SPPMon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"context"

	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/internal/logs"
)

// MetricRecorder funnels telemetry rows from the REST layer into the
// metrics measurement, tagging them with the run ID. Telemetry must
// never fail a collector, so errors are only logged.
type MetricRecorder struct {
	buffer recordBuffer
	log    logs.StructuredLogger
	runID  string
}

func NewMetricRecorder(buffer recordBuffer, log logs.StructuredLogger, runID string) *MetricRecorder {
	return &MetricRecorder{buffer: buffer, log: log, runID: runID}
}

func (m *MetricRecorder) RecordMetric(ctx context.Context, record map[string]any) {
	if _, ok := record["runId"]; !ok {
		record["runId"] = m.runID
	}
	if err := m.buffer.Buffer(ctx, influx.MeasurementMetrics, []map[string]any{record}, nil); err != nil {
		m.log.Warnf("recording telemetry row: %v", err)
	}
}
