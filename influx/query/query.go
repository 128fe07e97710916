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

// Package query is the typed algebra for everything sent to the TSDB:
// line-protocol inserts, SELECT/DELETE statements and CREATE CONTINUOUS
// QUERY statements. Rendering is lossless; equality is defined on the
// rendered text, which is the contract schema reconciliation relies on.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sppmontools/sppmon/influx/schema"
)

// Keyword selects the statement kind of a Select node.
type Keyword string

const (
	KeywordSelect Keyword = "SELECT"
	KeywordDelete Keyword = "DELETE"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

// Into names the destination of a SELECT ... INTO clause.
type Into struct {
	Database    string
	Retention   string
	Measurement string
}

func (i Into) render() string {
	parts := make([]string, 0, 3)
	if i.Database != "" {
		parts = append(parts, i.Database)
	}
	if i.Retention != "" {
		parts = append(parts, i.Retention)
	}
	parts = append(parts, i.Measurement)
	return strings.Join(parts, ".")
}

// Select is a SELECT or DELETE statement. Construct via NewSelect/NewDelete;
// direct literals skip the construction invariants.
type Select struct {
	keyword Keyword
	// exactly one of measurement / subQuery is set
	measurement *schema.Measurement
	subQuery    *Select
	// altRetention overrides the measurement's own retention policy in the
	// FROM clause; sourceDatabase fully qualifies it for cross-database
	// statements.
	altRetention   string
	sourceDatabase string
	fields         []string
	into           *Into
	where          string
	groupBy        []string
	orderDesc      bool
	orderByTime    bool
	limit          int
	slimit         int
}

// NewSelect builds a SELECT over a measurement. fields carries opaque
// aggregation expressions in the TSDB's own grammar ("mean(x) AS x"); an
// empty list renders as *.
func NewSelect(m *schema.Measurement, fields ...string) *Select {
	return &Select{keyword: KeywordSelect, measurement: m, fields: fields}
}

// NewSelectFrom builds a SELECT over a nested sub-query. Only SELECT may
// nest; DELETE over a sub-query has no TSDB equivalent.
func NewSelectFrom(inner *Select, fields ...string) (*Select, error) {
	if inner == nil {
		return nil, fmt.Errorf("nested select requires an inner query")
	}
	return &Select{keyword: KeywordSelect, subQuery: inner, fields: fields}, nil
}

// NewDelete builds a DELETE over a measurement. The DELETE grammar forbids
// INTO, field lists, GROUP BY, ORDER BY and limits; the setters below reject
// them.
func NewDelete(m *schema.Measurement) *Select {
	return &Select{keyword: KeywordDelete, measurement: m}
}

// Keyword reports the statement kind.
func (s *Select) Keyword() Keyword { return s.keyword }

// Measurement returns the directly addressed measurement, nil for nested
// sources.
func (s *Select) Measurement() *schema.Measurement { return s.measurement }

// AltRetention reads from a retention policy other than the measurement's own.
func (s *Select) AltRetention(rp string) *Select {
	s.altRetention = rp
	return s
}

// SourceDatabase fully qualifies the FROM clause with a database name;
// database copies read across databases this way.
func (s *Select) SourceDatabase(db string) *Select {
	s.sourceDatabase = db
	return s
}

// Clone returns an independent copy; the copy-database CQ rewriter mutates
// clones instead of doing string surgery on rendered text.
func (s *Select) Clone() *Select {
	clone := *s
	clone.fields = append([]string(nil), s.fields...)
	clone.groupBy = append([]string(nil), s.groupBy...)
	if s.into != nil {
		into := *s.into
		clone.into = &into
	}
	if s.subQuery != nil {
		clone.subQuery = s.subQuery.Clone()
	}
	return &clone
}

// Into adds an INTO clause. Errors on DELETE.
func (s *Select) Into(target Into) (*Select, error) {
	if s.keyword == KeywordDelete {
		return nil, fmt.Errorf("DELETE does not allow INTO")
	}
	s.into = &target
	return s, nil
}

// IntoTarget returns the INTO clause, nil when absent.
func (s *Select) IntoTarget() *Into { return s.into }

// Where sets the raw WHERE predicate.
func (s *Select) Where(predicate string) *Select {
	s.where = predicate
	return s
}

// WherePredicate returns the raw WHERE predicate.
func (s *Select) WherePredicate() string { return s.where }

// AndWhere conjoins an additional predicate with any existing one.
func (s *Select) AndWhere(predicate string) *Select {
	if s.where == "" {
		s.where = predicate
	} else {
		s.where = s.where + " AND " + predicate
	}
	return s
}

// GroupBy sets the GROUP BY list ("time(1w)", tag names, or "*"). Errors on
// DELETE.
func (s *Select) GroupBy(terms ...string) (*Select, error) {
	if s.keyword == KeywordDelete {
		return nil, fmt.Errorf("DELETE does not allow GROUP BY")
	}
	s.groupBy = terms
	return s, nil
}

// OrderByTime orders results by time. Errors on DELETE.
func (s *Select) OrderByTime(desc bool) (*Select, error) {
	if s.keyword == KeywordDelete {
		return nil, fmt.Errorf("DELETE does not allow ORDER BY")
	}
	s.orderByTime = true
	s.orderDesc = desc
	return s, nil
}

// Limit caps the row count. Errors on DELETE.
func (s *Select) Limit(n int) (*Select, error) {
	if s.keyword == KeywordDelete {
		return nil, fmt.Errorf("DELETE does not allow LIMIT")
	}
	s.limit = n
	return s, nil
}

// SLimit caps the series count. Errors on DELETE.
func (s *Select) SLimit(n int) (*Select, error) {
	if s.keyword == KeywordDelete {
		return nil, fmt.Errorf("DELETE does not allow SLIMIT")
	}
	s.slimit = n
	return s, nil
}

func (s *Select) renderFrom() string {
	if s.subQuery != nil {
		return fmt.Sprintf("(%s)", s.subQuery.String())
	}
	name := s.measurement.Name
	if s.sourceDatabase != "" {
		return s.sourceDatabase + "." + s.altRetention + "." + name
	}
	if s.altRetention != "" {
		return s.altRetention + "." + name
	}
	return name
}

// String renders the statement: clauses in fixed order, runs of whitespace
// collapsed.
func (s *Select) String() string {
	var b strings.Builder
	b.WriteString(string(s.keyword))
	if s.keyword != KeywordDelete {
		b.WriteString(" ")
		if len(s.fields) == 0 {
			b.WriteString("*")
		} else {
			b.WriteString(strings.Join(s.fields, ", "))
		}
	}
	if s.into != nil {
		b.WriteString(" INTO " + s.into.render())
	}
	b.WriteString(" FROM " + s.renderFrom())
	if s.where != "" {
		b.WriteString(" WHERE " + s.where)
	}
	if len(s.groupBy) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(s.groupBy, ", "))
	}
	if s.orderByTime {
		direction := "ASC"
		if s.orderDesc {
			direction = "DESC"
		}
		b.WriteString(" ORDER BY time " + direction)
	}
	if s.limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", s.limit))
	}
	if s.slimit > 0 {
		b.WriteString(fmt.Sprintf(" SLIMIT %d", s.slimit))
	}
	return collapse(b.String())
}

// Equal compares rendered text.
func (s *Select) Equal(other *Select) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.String() == other.String()
}

// ContinuousQuery is a named server-side downsampling rule.
type ContinuousQuery struct {
	Name     string
	Database string
	Select   *Select
	// Resample* are optional; both empty omits the RESAMPLE clause.
	ResampleEvery string
	ResampleFor   string
}

// NewContinuousQuery validates the CQ construction invariant: the inner
// SELECT must carry an INTO clause, otherwise the TSDB rejects the create.
func NewContinuousQuery(name, database string, sel *Select) (*ContinuousQuery, error) {
	if sel == nil || sel.keyword != KeywordSelect {
		return nil, fmt.Errorf("continuous query %q requires an inner SELECT", name)
	}
	if sel.into == nil {
		return nil, fmt.Errorf("continuous query %q requires an INTO-bearing SELECT", name)
	}
	return &ContinuousQuery{Name: name, Database: database, Select: sel}, nil
}

// String renders the full CREATE CONTINUOUS QUERY statement, whitespace
// collapsed. Reconciliation compares this text against the live TSDB.
func (cq *ContinuousQuery) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE CONTINUOUS QUERY %s ON %s", cq.Name, cq.Database)
	if cq.ResampleEvery != "" || cq.ResampleFor != "" {
		b.WriteString(" RESAMPLE")
		if cq.ResampleEvery != "" {
			b.WriteString(" EVERY " + cq.ResampleEvery)
		}
		if cq.ResampleFor != "" {
			b.WriteString(" FOR " + cq.ResampleFor)
		}
	}
	fmt.Fprintf(&b, " BEGIN %s END", cq.Select.String())
	return collapse(b.String())
}

// Equal compares rendered text; any drift forces drop-and-recreate because
// the TSDB cannot alter a continuous query.
func (cq *ContinuousQuery) Equal(other *ContinuousQuery) bool {
	if cq == nil || other == nil {
		return cq == other
	}
	return cq.String() == other.String()
}

// Insert is one row bound for the write pipeline: measurement, tag map,
// field map, epoch-second timestamp.
type Insert struct {
	Measurement *schema.Measurement
	Tags        map[string]string
	Fields      map[string]any
	// Timestamp is epoch seconds; zero means "let the TSDB stamp it",
	// which the pipeline never relies on.
	Timestamp int64
}

// String renders the line-protocol form:
// measurement[,tagk=tagv...] fieldk=fieldv[,...] [ts]
// Tag keys, tag values and field keys are escape-encoded; string field
// values are double-quoted. Keys render in sorted order so the output is
// stable.
func (q *Insert) String() string {
	var b strings.Builder
	b.WriteString(escapeKey(q.Measurement.Name))
	for _, k := range sortedKeys(q.Tags) {
		b.WriteString(",")
		b.WriteString(escapeKey(k))
		b.WriteString("=")
		b.WriteString(escapeKey(q.Tags[k]))
	}
	b.WriteString(" ")
	fieldKeys := make([]string, 0, len(q.Fields))
	for k := range q.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(escapeKey(k))
		b.WriteString("=")
		b.WriteString(renderFieldValue(q.Measurement, k, q.Fields[k]))
	}
	if q.Timestamp != 0 {
		fmt.Fprintf(&b, " %d", q.Timestamp)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// keyEscaper covers tag keys, tag values, field keys and the measurement
// name: '=' , ' ' , ',' and newlines become backslash-escaped.
var keyEscaper = strings.NewReplacer(
	"=", `\=`,
	" ", `\ `,
	",", `\,`,
	"\n", `\n`,
)

func escapeKey(s string) string {
	return keyEscaper.Replace(s)
}

// stringValueEscaper additionally escapes the quote character for quoted
// field values.
var stringValueEscaper = strings.NewReplacer(
	`"`, `\"`,
	"\n", `\n`,
)

func renderFieldValue(m *schema.Measurement, key string, value any) string {
	if ft, ok := m.FieldType(key); ok && ft == schema.Timestamp {
		if ts, ok := value.(int64); ok {
			return fmt.Sprintf("%di", schema.EpochSeconds(ts))
		}
	}
	switch v := value.(type) {
	case int64:
		return fmt.Sprintf("%di", v)
	case int:
		return fmt.Sprintf("%di", v)
	case float64:
		// %v keeps integral floats short (42 not 42.000000)
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return `"` + stringValueEscaper.Replace(fmt.Sprint(v)) + `"`
	}
}
