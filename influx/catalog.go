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
	"sort"

	"github.com/sppmontools/sppmon/influx/query"
	"github.com/sppmontools/sppmon/influx/schema"
	"github.com/sppmontools/sppmon/internal/units"
)

// CQTemplate builds a continuous query for a measurement that is not yet
// declared at template-declaration time. The catalog evaluates templates
// lazily inside DeclareMeasurement, passing the measurement instance and a
// generated name.
type CQTemplate func(m *schema.Measurement, name string) (*query.ContinuousQuery, error)

// Catalog is the in-memory registry of measurements, retention policies and
// continuous queries for one database. It is seeded declaratively at process
// start and reconciled against the live TSDB before any write.
type Catalog struct {
	Database string

	measurements map[string]*schema.Measurement
	order        []string
	policies     map[string]*schema.RetentionPolicy
	queries      []*query.ContinuousQuery
	defaultRP    *schema.RetentionPolicy
}

// NewCatalog creates a catalog whose catalog-wide default retention policy
// is the TSDB built-in autogen (infinite, default).
func NewCatalog(database string) *Catalog {
	c := &Catalog{
		Database:     database,
		measurements: make(map[string]*schema.Measurement),
		policies:     make(map[string]*schema.RetentionPolicy),
	}
	c.defaultRP = c.Autogen()
	c.policies[c.defaultRP.Name] = c.defaultRP
	return c
}

// Well-known retention policy factory. Durations mirror the operational
// tiers: a short high-frequency buffer, medium-term detail, long-term
// non-downsampled history and the infinite bucket for heavily downsampled
// series.

// Autogen is the TSDB built-in policy, seeded as infinite default.
func (c *Catalog) Autogen() *schema.RetentionPolicy {
	return &schema.RetentionPolicy{
		Name: "autogen", Database: c.Database,
		Duration: units.Infinite, Replication: 1, Default: true,
	}
}

// Days14 buffers high-count series for two weeks.
func (c *Catalog) Days14() *schema.RetentionPolicy {
	return &schema.RetentionPolicy{
		Name: "rp_days_14", Database: c.Database,
		Duration: units.MustParseDuration("14d"), Replication: 1,
	}
}

// Days90 holds medium-term detail rows.
func (c *Catalog) Days90() *schema.RetentionPolicy {
	return &schema.RetentionPolicy{
		Name: "rp_days_90", Database: c.Database,
		Duration: units.MustParseDuration("90d"), Replication: 1,
	}
}

// HalfYear holds non-downsampled history for 186 days.
func (c *Catalog) HalfYear() *schema.RetentionPolicy {
	return &schema.RetentionPolicy{
		Name: "rp_days_186", Database: c.Database,
		Duration: units.MustParseDuration("186d"), Replication: 1,
	}
}

// Year holds non-downsampled history for a year.
func (c *Catalog) Year() *schema.RetentionPolicy {
	return &schema.RetentionPolicy{
		Name: "rp_days_365", Database: c.Database,
		Duration: units.MustParseDuration("365d"), Replication: 1,
	}
}

// Forever keeps heavily downsampled series indefinitely.
func (c *Catalog) Forever() *schema.RetentionPolicy {
	return &schema.RetentionPolicy{
		Name: "rp_inf", Database: c.Database,
		Duration: units.Infinite, Replication: 1,
	}
}

// MeasurementOptions carries the optional parts of a declaration.
type MeasurementOptions struct {
	Tags    []string
	TimeKey string
	// Retention defaults to the catalog-wide default (autogen, infinite).
	Retention         *schema.RetentionPolicy
	ContinuousQueries []CQTemplate
}

// DeclareMeasurement registers a measurement, adds its retention policy to
// the set of known policies and instantiates any deferred CQ templates
// against the new measurement.
func (c *Catalog) DeclareMeasurement(name string, fields []schema.Field, opts MeasurementOptions) (*schema.Measurement, error) {
	if _, ok := c.measurements[name]; ok {
		return nil, fmt.Errorf("measurement %q declared twice", name)
	}
	rp := opts.Retention
	if rp == nil {
		rp = c.defaultRP
	}
	if existing, ok := c.policies[rp.Name]; ok {
		if !existing.Equal(rp) {
			return nil, fmt.Errorf("retention policy %q redeclared with different attributes", rp.Name)
		}
		rp = existing
	} else {
		c.policies[rp.Name] = rp
	}
	m := &schema.Measurement{
		Name:      name,
		Fields:    fields,
		Tags:      opts.Tags,
		TimeKey:   opts.TimeKey,
		Retention: rp,
	}
	for i, tmpl := range opts.ContinuousQueries {
		cq, err := tmpl(m, fmt.Sprintf("cq_%s_%d", name, i))
		if err != nil {
			return nil, fmt.Errorf("measurement %q: %w", name, err)
		}
		if dest := cq.Select.IntoTarget(); dest != nil {
			if _, ok := c.policies[dest.Retention]; !ok {
				return nil, fmt.Errorf("continuous query %q targets unknown retention policy %q", cq.Name, dest.Retention)
			}
		}
		c.queries = append(c.queries, cq)
	}
	c.measurements[name] = m
	c.order = append(c.order, name)
	return m, nil
}

// RegisterRetentionPolicy adds a policy that no measurement references
// directly (continuous query destinations).
func (c *Catalog) RegisterRetentionPolicy(rp *schema.RetentionPolicy) *schema.RetentionPolicy {
	if existing, ok := c.policies[rp.Name]; ok {
		return existing
	}
	c.policies[rp.Name] = rp
	return rp
}

// Measurement looks up a declared measurement.
func (c *Catalog) Measurement(name string) (*schema.Measurement, bool) {
	m, ok := c.measurements[name]
	return m, ok
}

// Measurements returns all declared measurements in declaration order.
func (c *Catalog) Measurements() []*schema.Measurement {
	out := make([]*schema.Measurement, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.measurements[name])
	}
	return out
}

// RetentionPolicy looks up a known policy by name.
func (c *Catalog) RetentionPolicy(name string) (*schema.RetentionPolicy, bool) {
	rp, ok := c.policies[name]
	return rp, ok
}

// RetentionPolicies returns all known policies, declaration order not
// guaranteed.
func (c *Catalog) RetentionPolicies() []*schema.RetentionPolicy {
	out := make([]*schema.RetentionPolicy, 0, len(c.policies))
	for _, rp := range c.policies {
		out = append(out, rp)
	}
	return out
}

// ContinuousQueries returns all materialized continuous queries.
func (c *Catalog) ContinuousQueries() []*query.ContinuousQuery {
	return c.queries
}

// Downsample is the most common CQ template: aggregate fields GROUP BY
// time(bucket) plus the measurement's tag set (or * when it has none), INTO
// the same measurement name under a different retention policy. The
// aggregation expressions follow the TSDB's own grammar and are carried as
// opaque text.
func (c *Catalog) Downsample(aggregations []string, bucket string, dest *schema.RetentionPolicy) CQTemplate {
	dest = c.RegisterRetentionPolicy(dest)
	return func(m *schema.Measurement, name string) (*query.ContinuousQuery, error) {
		sel := query.NewSelect(m, aggregations...)
		sel, err := sel.Into(query.Into{
			Database:    c.Database,
			Retention:   dest.Name,
			Measurement: m.Name,
		})
		if err != nil {
			return nil, err
		}
		group := []string{fmt.Sprintf("time(%s)", bucket)}
		if len(m.Tags) > 0 {
			group = append(group, m.Tags...)
		} else {
			group = append(group, "*")
		}
		if _, err := sel.GroupBy(group...); err != nil {
			return nil, err
		}
		return query.NewContinuousQuery(name, c.Database, sel)
	}
}

// ReconcilePlan is the set of operations that brings the live database in
// line with the catalog. Policies and queries present live but unknown to
// the catalog are left untouched.
type ReconcilePlan struct {
	CreateRPs []*schema.RetentionPolicy
	AlterRPs  []*schema.RetentionPolicy
	DropCQs   []string
	CreateCQs []*query.ContinuousQuery
}

// Empty reports a no-op plan; reconciling twice in a row must produce one.
func (p *ReconcilePlan) Empty() bool {
	return len(p.CreateRPs) == 0 && len(p.AlterRPs) == 0 &&
		len(p.DropCQs) == 0 && len(p.CreateCQs) == 0
}

// Plan diffs the catalog against the live state. liveCQs maps CQ name to the
// exact statement text the TSDB reports; any textual drift forces
// drop-and-recreate because continuous queries cannot be altered.
func (c *Catalog) Plan(liveRPs []*schema.RetentionPolicy, liveCQs map[string]string) (*ReconcilePlan, error) {
	defaults := 0
	for _, rp := range c.policies {
		if rp.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return nil, fmt.Errorf("catalog for %q declares %d default retention policies, want exactly 1", c.Database, defaults)
	}

	liveByName := make(map[string]*schema.RetentionPolicy, len(liveRPs))
	for _, rp := range liveRPs {
		liveByName[rp.Name] = rp
	}
	plan := &ReconcilePlan{}
	for _, name := range sortedPolicyNames(c.policies) {
		want := c.policies[name]
		live, ok := liveByName[name]
		switch {
		case !ok:
			plan.CreateRPs = append(plan.CreateRPs, want)
		case !want.Equal(live):
			plan.AlterRPs = append(plan.AlterRPs, want)
		}
	}
	for _, cq := range c.queries {
		liveText, ok := liveCQs[cq.Name]
		switch {
		case !ok:
			plan.CreateCQs = append(plan.CreateCQs, cq)
		case liveText != cq.String():
			plan.DropCQs = append(plan.DropCQs, cq.Name)
			plan.CreateCQs = append(plan.CreateCQs, cq)
		}
	}
	return plan, nil
}

func sortedPolicyNames(policies map[string]*schema.RetentionPolicy) []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	// autogen first, then lexicographic: the default policy should exist
	// before measurements reference it.
	sort.Slice(names, func(i, j int) bool {
		if names[i] == "autogen" || names[j] == "autogen" {
			return names[i] == "autogen"
		}
		return names[i] < names[j]
	})
	return names
}

// SchemaStore is the slice of the storage client reconciliation needs.
type SchemaStore interface {
	CreateDatabase(ctx context.Context, name string) error
	ListRetentionPolicies(ctx context.Context, database string) ([]*schema.RetentionPolicy, error)
	CreateRetentionPolicy(ctx context.Context, rp *schema.RetentionPolicy) error
	AlterRetentionPolicy(ctx context.Context, rp *schema.RetentionPolicy) error
	ListContinuousQueries(ctx context.Context, database string) (map[string]string, error)
	CreateContinuousQuery(ctx context.Context, cq *query.ContinuousQuery) error
	DropContinuousQuery(ctx context.Context, database, name string) error
}

// Reconcile creates the database if needed, computes the plan against the
// live state and applies it. It runs before any write of an invocation.
func (c *Catalog) Reconcile(ctx context.Context, store SchemaStore) (*ReconcilePlan, error) {
	if err := store.CreateDatabase(ctx, c.Database); err != nil {
		return nil, fmt.Errorf("setting up database %q: %w", c.Database, err)
	}
	liveRPs, err := store.ListRetentionPolicies(ctx, c.Database)
	if err != nil {
		return nil, err
	}
	liveCQs, err := store.ListContinuousQueries(ctx, c.Database)
	if err != nil {
		return nil, err
	}
	plan, err := c.Plan(liveRPs, liveCQs)
	if err != nil {
		return nil, err
	}
	for _, rp := range plan.CreateRPs {
		if err := store.CreateRetentionPolicy(ctx, rp); err != nil {
			return plan, fmt.Errorf("creating retention policy %s: %w", rp, err)
		}
	}
	for _, rp := range plan.AlterRPs {
		if err := store.AlterRetentionPolicy(ctx, rp); err != nil {
			return plan, fmt.Errorf("altering retention policy %s: %w", rp, err)
		}
	}
	for _, name := range plan.DropCQs {
		if err := store.DropContinuousQuery(ctx, c.Database, name); err != nil {
			return plan, fmt.Errorf("dropping continuous query %q: %w", name, err)
		}
	}
	for _, cq := range plan.CreateCQs {
		if err := store.CreateContinuousQuery(ctx, cq); err != nil {
			return plan, fmt.Errorf("creating continuous query %q: %w", cq.Name, err)
		}
	}
	return plan, nil
}
