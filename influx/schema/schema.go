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

// Package schema holds the declarative shape of the time-series database:
// measurements with typed fields and tags, and retention policies. The
// catalog in the parent package owns the instances; everything here is
// plain data plus the record-splitting rules used by the write pipeline.
package schema

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sppmontools/sppmon/internal/units"
)

// FieldType is the storage type of a measurement field.
type FieldType int

const (
	Int FieldType = iota
	Float
	Bool
	String
	// Timestamp fields are coerced to integer epoch seconds on write.
	Timestamp
)

func (t FieldType) String() string {
	switch t {
	case Int:
		return "INT"
	case Float:
		return "FLOAT"
	case Bool:
		return "BOOL"
	case String:
		return "STRING"
	case Timestamp:
		return "TIMESTAMP"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// Field is one named, typed slot of a measurement.
type Field struct {
	Name string
	Type FieldType
}

// RetentionPolicy expires rows older than its duration at the TSDB layer.
type RetentionPolicy struct {
	Name     string
	Database string
	Duration units.Duration
	// ShardDuration is optional; the zero value leaves the TSDB default.
	ShardDuration units.Duration
	Replication   int
	Default       bool
}

// Equal is the structural equality reconciliation uses: every attribute has
// to match, otherwise the live policy gets altered.
func (rp *RetentionPolicy) Equal(other *RetentionPolicy) bool {
	if rp == nil || other == nil {
		return rp == other
	}
	// An unset shard duration accepts whatever the TSDB chose; otherwise a
	// declared-but-different shard duration would alter on every reconcile.
	shardEqual := rp.ShardDuration.IsZero() || other.ShardDuration.IsZero() ||
		rp.ShardDuration.Equal(other.ShardDuration)
	return rp.Name == other.Name &&
		rp.Database == other.Database &&
		rp.Duration.Equal(other.Duration) &&
		shardEqual &&
		rp.Replication == other.Replication &&
		rp.Default == other.Default
}

func (rp *RetentionPolicy) String() string {
	return fmt.Sprintf("%s.%s", rp.Database, rp.Name)
}

// Measurement is a named, schematized bucket of time-stamped rows.
type Measurement struct {
	Name string
	// Fields is ordered; the first String field is the autofill target for
	// rows that would otherwise carry zero fields.
	Fields []Field
	Tags   []string
	// TimeKey names the record key providing the row timestamp. Empty means
	// the default candidates apply, falling back to the capture time.
	TimeKey   string
	Retention *RetentionPolicy
}

// Default record keys recognized as the row timestamp when no explicit time
// key is declared. Later entries win: logTime overrides the capture stamp.
var defaultTimeKeys = []string{"time", "sppmonCaptureTimestampS", "logTime"}

// CaptureTimeKey is the key collectors stamp onto records at fetch time.
const CaptureTimeKey = "sppmonCaptureTimestampS"

// AutofillSentinel fills the first String field of a row that formatted to
// zero fields; the TSDB rejects field-less points and dropping the row would
// lose its tags.
const AutofillSentinel = "autofilled"

// FieldType looks up a declared field.
func (m *Measurement) FieldType(name string) (FieldType, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return 0, false
}

// HasTag reports whether name is part of the measurement's tag set.
func (m *Measurement) HasTag(name string) bool {
	for _, t := range m.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// WithRetention returns a shallow clone bound to a different retention
// policy. The write buffer uses it to route override-RP records into the
// right storage bucket without redeclaring the measurement.
func (m *Measurement) WithRetention(rp *RetentionPolicy) *Measurement {
	clone := *m
	clone.Retention = rp
	return &clone
}

// SplitRecord partitions a raw record into (tags, fields, timestamp) by the
// measurement's schema. Keys that are neither a declared tag nor a declared
// field are dropped. A record that yields zero fields gets the autofill
// sentinel in the first String field.
func (m *Measurement) SplitRecord(record map[string]any, captured time.Time) (map[string]string, map[string]any, int64) {
	tags := make(map[string]string)
	fields := make(map[string]any)
	for key, value := range record {
		if value == nil {
			continue
		}
		if m.HasTag(key) {
			tags[key] = fmt.Sprint(value)
			continue
		}
		if ft, ok := m.FieldType(key); ok {
			if coerced, ok := coerceField(ft, value); ok {
				fields[key] = coerced
			}
		}
	}
	if len(fields) == 0 {
		for _, f := range m.Fields {
			if f.Type == String {
				fields[f.Name] = AutofillSentinel
				break
			}
		}
	}
	return tags, fields, m.rowTimestamp(record, captured)
}

func (m *Measurement) rowTimestamp(record map[string]any, captured time.Time) int64 {
	if m.TimeKey != "" {
		if raw, ok := record[m.TimeKey]; ok {
			if ts, ok := epochValue(raw); ok {
				return EpochSeconds(ts)
			}
		}
		return captured.Unix()
	}
	ts := captured.Unix()
	for _, key := range defaultTimeKeys {
		if raw, ok := record[key]; ok {
			if v, ok := epochValue(raw); ok {
				ts = EpochSeconds(v)
			}
		}
	}
	return ts
}

// EpochSeconds truncates a higher-precision epoch timestamp to seconds by
// repeated division by 1000 while it exceeds the eleven-digit threshold.
func EpochSeconds(ts int64) int64 {
	for ts >= 100_000_000_000 || ts <= -100_000_000_000 {
		ts /= 1000
	}
	return ts
}

func epochValue(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func coerceField(ft FieldType, value any) (any, bool) {
	switch ft {
	case Int:
		switch v := value.(type) {
		case int64:
			return v, true
		case int:
			return int64(v), true
		case float64:
			return int64(v), true
		case bool:
			if v {
				return int64(1), true
			}
			return int64(0), true
		case string:
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, false
			}
			return parsed, true
		}
	case Float:
		switch v := value.(type) {
		case float64:
			return v, true
		case int64:
			return float64(v), true
		case int:
			return float64(v), true
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, false
			}
			return parsed, true
		}
	case Bool:
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return nil, false
			}
			return parsed, true
		}
	case String:
		return fmt.Sprint(value), true
	case Timestamp:
		if ts, ok := epochValue(value); ok {
			return EpochSeconds(ts), true
		}
	}
	return nil, false
}
