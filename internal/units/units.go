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

// Package units parses the two small grammars shared by the schema catalog,
// the job-log harvester and the message parsers: retention-style duration
// literals ("14d", "1w6h", "INF") and size/throughput expressions
// ("12.5 MB", "130 MB/s", "75%").
package units

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseError reports an input that does not belong to either grammar.
// Unknown units are never guessed at; the error propagates to the caller.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Input, e.Reason)
}

func parseErrorf(input, format string, v ...any) error {
	return &ParseError{Input: input, Reason: fmt.Sprintf(format, v...)}
}

// Duration is a retention-style duration: either a finite span or the
// infinite sentinel. The zero value is a finite zero duration.
//
// The literal form is preserved so that a parsed duration renders back
// byte-identically ("14d" stays "14d", it does not become "2w"). Equality
// comparisons use seconds, not text.
type Duration struct {
	literal  string
	span     time.Duration
	infinite bool
}

// Infinite is the unlimited retention duration. It renders as "INF";
// the TSDB rejects a bare lowercase "inf" as a numeric literal.
var Infinite = Duration{literal: "INF", infinite: true}

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"µs": time.Microsecond,
	"us": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
}

// ParseDuration parses a duration literal: one or more (integer)(unit) pairs
// concatenated, e.g. "14d", "1w6h", "0s", or the case-insensitive token
// "INF".
func ParseDuration(s string) (Duration, error) {
	trimmed := strings.TrimSpace(s)
	if strings.EqualFold(trimmed, "INF") {
		return Infinite, nil
	}
	if trimmed == "" {
		return Duration{}, parseErrorf(s, "empty duration literal")
	}
	var total time.Duration
	rest := trimmed
	for rest != "" {
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9') {
			i++
		}
		if i == 0 {
			return Duration{}, parseErrorf(s, "missing numeric portion before %q", rest)
		}
		value, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return Duration{}, parseErrorf(s, "bad number %q: %v", rest[:i], err)
		}
		j := i
		for j < len(rest) && !unicode.IsDigit(rune(rest[j])) {
			j++
		}
		unit, ok := durationUnits[rest[i:j]]
		if !ok {
			return Duration{}, parseErrorf(s, "unknown duration unit %q", rest[i:j])
		}
		total += time.Duration(value) * unit
		rest = rest[j:]
	}
	return Duration{literal: trimmed, span: total}, nil
}

// MustParseDuration is ParseDuration for literals known at compile time.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Infinite reports whether the duration is the unlimited sentinel.
func (d Duration) Infinite() bool { return d.infinite }

// IsZero reports an unset finite duration.
func (d Duration) IsZero() bool { return !d.infinite && d.span == 0 }

// Seconds returns the total span in whole seconds. Infinite panics callers
// should have guarded against; it returns the maximum int64 instead.
func (d Duration) Seconds() int64 {
	if d.infinite {
		return int64(^uint64(0) >> 1)
	}
	return int64(d.span / time.Second)
}

// Span returns the finite span. Zero for the infinite sentinel.
func (d Duration) Span() time.Duration {
	if d.infinite {
		return 0
	}
	return d.span
}

// HMS decomposes the span into whole hours, leftover minutes and seconds.
func (d Duration) HMS() (hours, minutes, seconds int64) {
	total := d.Seconds()
	return total / 3600, (total % 3600) / 60, total % 60
}

// Equal compares by span, not literal text: "24h" equals "1d".
func (d Duration) Equal(other Duration) bool {
	if d.infinite || other.infinite {
		return d.infinite == other.infinite
	}
	return d.span == other.span
}

// Less reports whether d is strictly shorter than other. Infinite compares
// greater than every finite duration.
func (d Duration) Less(other Duration) bool {
	if d.infinite {
		return false
	}
	if other.infinite {
		return true
	}
	return d.span < other.span
}

// Min returns the shorter of the two durations.
func Min(a, b Duration) Duration {
	if b.Less(a) {
		return b
	}
	return a
}

// String renders the duration the way it was written. Zero value renders
// "0s".
func (d Duration) String() string {
	if d.literal == "" {
		return "0s"
	}
	return d.literal
}

// MarshalText lets durations sit directly in config structs.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses the literal grammar, including "INF".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Size/throughput multipliers. The vendor spells binary sizes both as "MiB"
// and "MB"; the log corpus uses them interchangeably for the same counters,
// so both map to the binary multiplier. Throughput units ("MB/s") carry the
// multiplier of their storage counterpart.
var sizeUnits = map[string]float64{
	"":    1,
	"b":   1,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"k":   1 << 10,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"m":   1 << 20,
	"gb":  1 << 30,
	"gib": 1 << 30,
	"g":   1 << 30,
	"tb":  1 << 40,
	"tib": 1 << 40,
	"t":   1 << 40,
}

// Dual-purpose time-like units normalize to seconds.
var timeLikeUnits = map[string]float64{
	"second":  1,
	"seconds": 1,
	"sec":     1,
	"secs":    1,
	"min":     60,
	"mins":    60,
	"minute":  60,
	"minutes": 60,
	"hour":    3600,
	"hours":   3600,
	"d":       86400,
	"w":       604800,
}

// ParseSize parses a scalar-with-unit expression ("12.5 MB", "130 MB/s",
// "42 GiB", "75%", "13 seconds") to its canonical bytes / bytes-per-second /
// seconds value. Percentages pass through unchanged.
func ParseSize(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	i := 0
	for i < len(trimmed) && (unicode.IsDigit(rune(trimmed[i])) || trimmed[i] == '.' || trimmed[i] == '-' || trimmed[i] == '+') {
		i++
	}
	if i == 0 {
		return 0, parseErrorf(s, "no numeric portion")
	}
	value, err := strconv.ParseFloat(trimmed[:i], 64)
	if err != nil {
		return 0, parseErrorf(s, "bad number %q: %v", trimmed[:i], err)
	}
	return ParseValueUnit(value, strings.TrimSpace(trimmed[i:]))
}

// ParseValueUnit applies a unit to an already-separated scalar.
func ParseValueUnit(value float64, unit string) (float64, error) {
	u := strings.TrimSpace(unit)
	if u == "%" {
		return value, nil
	}
	lower := strings.ToLower(strings.TrimSuffix(u, "/s"))
	if mult, ok := sizeUnits[lower]; ok {
		return value * mult, nil
	}
	if mult, ok := timeLikeUnits[lower]; ok {
		return value * mult, nil
	}
	return 0, parseErrorf(fmt.Sprintf("%v %s", value, unit), "unknown unit %q", unit)
}
