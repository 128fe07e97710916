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

// Package collector runs the monitoring collectors against the SPP server
// and buffers their rows for the TSDB. Collectors run sequentially in
// registration order; a failing collector is recorded and skipped, never
// fatal for the run.
package collector

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/influx/query"
	"github.com/sppmontools/sppmon/influx/schema"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/rest"
)

// Level orders the nested scheduling groups. Each level includes every
// level below it: --hourly runs the constant collectors too, --all runs
// everything.
type Level int

const (
	LevelConstant Level = iota
	LevelHourly
	LevelDaily
	LevelAll
)

func (l Level) String() string {
	switch l {
	case LevelConstant:
		return "constant"
	case LevelHourly:
		return "hourly"
	case LevelDaily:
		return "daily"
	case LevelAll:
		return "all"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Collector is one named unit of work.
type Collector struct {
	Name  string
	Level Level
	Run   func(ctx context.Context) error
}

// apiClient is the slice of the REST client collectors use.
type apiClient interface {
	GetObjects(ctx context.Context, req rest.PageRequest) ([]map[string]any, error)
}

// queryRunner is the slice of the storage client the harvester reads with.
type queryRunner interface {
	Query(ctx context.Context, sel *query.Select) (influx.ResultSet, error)
}

// recordBuffer is the write side.
type recordBuffer interface {
	Buffer(ctx context.Context, measurement string, records []map[string]any, overrideRP *schema.RetentionPolicy) error
}

// Runner executes collectors and keeps the run-wide error list. Errors
// never stop the sequence; they decide the exit code at the end.
type Runner struct {
	log        logs.StructuredLogger
	collectors []Collector
	errs       []error
}

func NewRunner(log logs.StructuredLogger) *Runner {
	return &Runner{log: log}
}

func (r *Runner) Add(c Collector) {
	r.collectors = append(r.collectors, c)
}

// Run executes every collector accepted by enabled, in registration
// order. Each failure is recorded and the next collector still runs.
func (r *Runner) Run(ctx context.Context, enabled func(Collector) bool) {
	for _, c := range r.collectors {
		if enabled != nil && !enabled(c) {
			continue
		}
		r.log.Infof("running collector %s", c.Name)
		if err := c.Run(ctx); err != nil {
			r.log.Errorf("collector %s: %v", c.Name, err)
			r.errs = append(r.errs, fmt.Errorf("collector %s: %w", c.Name, err))
		}
	}
}

// Errors reports everything recorded during Run.
func (r *Runner) Errors() []error {
	return r.errs
}

// Err folds the error list for callers that want a single value.
func (r *Runner) Err() error {
	var errs *multierror.Error
	for _, err := range r.errs {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Selection decides which collectors run, combining the nested level
// with individual toggles.
type Selection struct {
	Level    Level
	HasLevel bool
	Toggles  map[string]bool
}

// Enabled reports whether a collector is selected. A toggle always wins;
// otherwise the collector runs when its level is within the requested one.
func (s Selection) Enabled(c Collector) bool {
	if s.Toggles[c.Name] {
		return true
	}
	return s.HasLevel && c.Level <= s.Level
}
