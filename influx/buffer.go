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

package influx

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sppmontools/sppmon/influx/query"
	"github.com/sppmontools/sppmon/influx/schema"
	"github.com/sppmontools/sppmon/internal/logs"
)

// LineWriter is the slice of the storage client the buffer needs.
type LineWriter interface {
	Write(ctx context.Context, database, retention string, lines []string, batchSize int) error
}

const (
	defaultBatchSize  = 10000
	fallbackBatchSize = 500
)

type bufferKey struct {
	measurement string
	retention   string
}

type bufferQueue struct {
	measurement *schema.Measurement
	inserts     []*query.Insert
}

// Buffer is the per-measurement insert queue in front of the storage
// client. Records buffered under an override retention policy land in a
// separate queue keyed by (measurement, retention) so they hit the right
// storage bucket.
//
// The buffer is not safe for concurrent use; collectors run sequentially
// by design, and serial writes per measurement are what keeps the
// timestamp-collision guard of the harvester sound.
type Buffer struct {
	catalog *Catalog
	writer  LineWriter
	log     logs.StructuredLogger
	// RunID tags self-metric rows so overlapping scheduled invocations can
	// be told apart when reading them back.
	runID string

	queues map[bufferKey]*bufferQueue
	order  []bufferKey
	now    func() time.Time
}

// NewBuffer wires the buffer to its catalog and writer.
func NewBuffer(catalog *Catalog, writer LineWriter, log logs.StructuredLogger, runID string) *Buffer {
	return &Buffer{
		catalog: catalog,
		writer:  writer,
		log:     log,
		runID:   runID,
		queues:  make(map[bufferKey]*bufferQueue),
		now:     time.Now,
	}
}

// Buffer splits records by the measurement's schema and queues them. When a
// queue grows past twice the batch size it is flushed immediately.
func (b *Buffer) Buffer(ctx context.Context, measurementName string, records []map[string]any, overrideRP *schema.RetentionPolicy) error {
	m, ok := b.catalog.Measurement(measurementName)
	if !ok {
		return fmt.Errorf("buffering into undeclared measurement %q", measurementName)
	}
	if overrideRP != nil {
		m = m.WithRetention(overrideRP)
	}
	key := bufferKey{measurement: m.Name, retention: m.Retention.Name}
	queue, ok := b.queues[key]
	if !ok {
		queue = &bufferQueue{measurement: m}
		b.queues[key] = queue
		b.order = append(b.order, key)
	}
	captured := b.now()
	for _, record := range records {
		tags, fields, ts := m.SplitRecord(record, captured)
		if len(fields) == 0 {
			// no field and no autofill target: the TSDB would reject the point
			b.log.Warnf("dropping empty record for measurement %q", m.Name)
			continue
		}
		queue.inserts = append(queue.inserts, &query.Insert{
			Measurement: m,
			Tags:        tags,
			Fields:      fields,
			Timestamp:   ts,
		})
	}
	if len(queue.inserts) > 2*defaultBatchSize {
		return b.flushQueue(ctx, key, false)
	}
	return nil
}

// Pending reports the queued insert count for a measurement, summed over
// every retention policy it routes to.
func (b *Buffer) Pending(measurementName string) int {
	pending := 0
	for key, queue := range b.queues {
		if key.measurement == measurementName {
			pending += len(queue.inserts)
		}
	}
	return pending
}

// Flush drains every queue. Classified-retryable write errors are retried
// once with the fallback batch size; queues are cleared regardless of
// outcome so the buffer cannot grow without bound. Each drained queue
// appends a self-metric row, which a subsequent Flush call sends.
func (b *Buffer) Flush(ctx context.Context) error {
	var errs *multierror.Error
	// iterate over a snapshot: flushing appends the metrics queue
	keys := append([]bufferKey(nil), b.order...)
	for _, key := range keys {
		if err := b.flushQueue(ctx, key, false); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (b *Buffer) flushQueue(ctx context.Context, key bufferKey, fallback bool) error {
	queue, ok := b.queues[key]
	if !ok || len(queue.inserts) == 0 {
		return nil
	}
	m := queue.measurement
	lines := make([]string, len(queue.inserts))
	for i, insert := range queue.inserts {
		lines[i] = insert.String()
	}
	count := len(lines)
	// records are gone from the queue whatever happens next
	queue.inserts = nil

	batchSize := defaultBatchSize
	if fallback {
		batchSize = fallbackBatchSize
	}
	start := b.now()
	err := b.writer.Write(ctx, m.Retention.Database, m.Retention.Name, lines, batchSize)
	if failure, ok := err.(*WriteFailure); ok && failure.Retryable && !fallback {
		b.log.Warnf("write of %d rows into %q failed (%s), retrying with batch size %d",
			count, m.Name, failure.Message, fallbackBatchSize)
		start = b.now()
		err = b.writer.Write(ctx, m.Retention.Database, m.Retention.Name, lines, fallbackBatchSize)
	}
	elapsed := b.now().Sub(start)

	metric := map[string]any{
		"keyword":     "INSERT",
		"tableName":   m.Name,
		"runId":       b.runID,
		"duration_ms": float64(elapsed.Milliseconds()),
		"itemCount":   count,
	}
	if err != nil {
		metric["error"] = err.Error()
	}
	if metricsErr := b.bufferMetric(metric); metricsErr != nil {
		b.log.Errorf("recording write metric: %v", metricsErr)
	}
	if err != nil {
		return fmt.Errorf("flushing %d rows into %s.%s: %w", count, m.Retention.Database, m.Name, err)
	}
	return nil
}

// bufferMetric enqueues without the auto-flush check; a metrics row must
// never trigger a recursive flush of the queue being flushed.
func (b *Buffer) bufferMetric(record map[string]any) error {
	m, ok := b.catalog.Measurement(MeasurementMetrics)
	if !ok {
		return fmt.Errorf("metrics measurement %q not declared", MeasurementMetrics)
	}
	key := bufferKey{measurement: m.Name, retention: m.Retention.Name}
	queue, ok := b.queues[key]
	if !ok {
		queue = &bufferQueue{measurement: m}
		b.queues[key] = queue
		b.order = append(b.order, key)
	}
	tags, fields, ts := m.SplitRecord(record, b.now())
	queue.inserts = append(queue.inserts, &query.Insert{
		Measurement: m,
		Tags:        tags,
		Fields:      fields,
		Timestamp:   ts,
	})
	return nil
}

// Disconnect flushes twice: once for the data queues and once for the
// self-metric rows the first pass produced.
func (b *Buffer) Disconnect(ctx context.Context) error {
	var errs *multierror.Error
	if err := b.Flush(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := b.Flush(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
