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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sppmontools/sppmon/influx/query"
	"github.com/sppmontools/sppmon/influx/schema"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/internal/units"
)

// ClientConfig mirrors the influxDB block of the config file.
type ClientConfig struct {
	Address   string
	Port      int
	SSL       bool
	VerifySSL bool
	Username  string
	Password  string
	// ReadUser, when it exists server-side, is granted read on every
	// database the agent creates.
	ReadUser string
	// Timeout for ordinary requests; database copies temporarily replace it.
	Timeout time.Duration
}

const copyDatabaseTimeout = 7200 * time.Second

// Client is a thin HTTP wrapper over the TSDB's line-protocol and query
// endpoints. All writes use second precision.
type Client struct {
	baseURL  string
	username string
	password string
	readUser string
	http     *http.Client
	log      logs.StructuredLogger
}

// NewClient builds the client; it does not touch the network.
func NewClient(cfg ClientConfig, log logs.StructuredLogger) *Client {
	scheme := "http"
	transport := http.DefaultTransport
	if cfg.SSL {
		scheme = "https"
		if !cfg.VerifySSL {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  fmt.Sprintf("%s://%s:%d", scheme, cfg.Address, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		readUser: cfg.ReadUser,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		log: log,
	}
}

// Ping verifies reachability, retrying briefly so a restarting TSDB does
// not fail the whole invocation.
func (c *Client) Ping(ctx context.Context) error {
	ping := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ping returned status %d", resp.StatusCode)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 3), ctx)
	return backoff.Retry(ping, policy)
}

// ResultSet is the parsed body of a query response.
type ResultSet struct {
	Series []Series
}

// Series is one (measurement, tag-set) group of rows.
type Series struct {
	Name    string
	Tags    map[string]string
	Columns []string
	Values  [][]any
}

// Rows zips columns and values into records, merging the series tags in.
func (s Series) Rows() []map[string]any {
	rows := make([]map[string]any, 0, len(s.Values))
	for _, value := range s.Values {
		row := make(map[string]any, len(s.Columns)+len(s.Tags))
		for i, col := range s.Columns {
			if i < len(value) {
				row[col] = value[i]
			}
		}
		for k, v := range s.Tags {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows
}

// Rows flattens all series.
func (r ResultSet) Rows() []map[string]any {
	var rows []map[string]any
	for _, s := range r.Series {
		rows = append(rows, s.Rows()...)
	}
	return rows
}

type rawResponse struct {
	Results []struct {
		StatementID int    `json:"statement_id"`
		Error       string `json:"error"`
		Series      []struct {
			Name    string            `json:"name"`
			Tags    map[string]string `json:"tags"`
			Columns []string          `json:"columns"`
			Values  [][]any           `json:"values"`
		} `json:"series"`
	} `json:"results"`
	Error string `json:"error"`
}

func (c *Client) runQuery(ctx context.Context, db, q string, post bool) (ResultSet, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("epoch", "s")
	if db != "" {
		params.Set("db", db)
	}
	method := http.MethodGet
	endpoint := c.baseURL + "/query?" + params.Encode()
	var body io.Reader
	if post {
		method = http.MethodPost
		endpoint = c.baseURL + "/query"
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return ResultSet{}, err
	}
	if post {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return ResultSet{}, fmt.Errorf("query %q: %w", q, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return ResultSet{}, err
	}
	var raw rawResponse
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ResultSet{}, fmt.Errorf("query %q: unparseable response (status %d): %w", q, resp.StatusCode, err)
	}
	if raw.Error != "" {
		return ResultSet{}, fmt.Errorf("query %q: %s", q, raw.Error)
	}
	var result ResultSet
	for _, res := range raw.Results {
		if res.Error != "" {
			return result, fmt.Errorf("query %q: %s", q, res.Error)
		}
		for _, s := range res.Series {
			result.Series = append(result.Series, Series(s))
		}
	}
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("query %q: status %d", q, resp.StatusCode)
	}
	return result, nil
}

// Query executes a SELECT or DELETE. DELETE and SELECT INTO mutate and go
// through POST; plain reads use GET.
func (c *Client) Query(ctx context.Context, sel *query.Select) (ResultSet, error) {
	db := ""
	if m := sel.Measurement(); m != nil && m.Retention != nil {
		db = m.Retention.Database
	}
	post := sel.Keyword() == query.KeywordDelete || sel.IntoTarget() != nil
	return c.runQuery(ctx, db, sel.String(), post)
}

// CreateDatabase is idempotent. If a designated read-only user exists it is
// granted read on the database; a missing user is a warning, not an error.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	if _, err := c.runQuery(ctx, "", fmt.Sprintf("CREATE DATABASE %q", name), true); err != nil {
		return err
	}
	if c.readUser == "" {
		return nil
	}
	users, err := c.runQuery(ctx, "", "SHOW USERS", false)
	if err != nil {
		return err
	}
	for _, row := range users.Rows() {
		if row["user"] == c.readUser {
			_, err := c.runQuery(ctx, "", fmt.Sprintf("GRANT READ ON %q TO %q", name, c.readUser), true)
			return err
		}
	}
	c.log.Warnf("read user %q does not exist on the TSDB; skipping grant on %q", c.readUser, name)
	return nil
}

func renderRetentionPolicy(verb string, rp *schema.RetentionPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s RETENTION POLICY %q ON %q DURATION %s REPLICATION %d",
		verb, rp.Name, rp.Database, rp.Duration, rp.Replication)
	if !rp.ShardDuration.IsZero() && !rp.ShardDuration.Infinite() {
		fmt.Fprintf(&b, " SHARD DURATION %s", rp.ShardDuration)
	}
	if rp.Default {
		b.WriteString(" DEFAULT")
	}
	return b.String()
}

// CreateRetentionPolicy creates rp on its database.
func (c *Client) CreateRetentionPolicy(ctx context.Context, rp *schema.RetentionPolicy) error {
	_, err := c.runQuery(ctx, "", renderRetentionPolicy("CREATE", rp), true)
	return err
}

// AlterRetentionPolicy aligns an existing policy with rp.
func (c *Client) AlterRetentionPolicy(ctx context.Context, rp *schema.RetentionPolicy) error {
	_, err := c.runQuery(ctx, "", renderRetentionPolicy("ALTER", rp), true)
	return err
}

// DropRetentionPolicy exists for operator tooling; reconciliation never
// drops policies.
func (c *Client) DropRetentionPolicy(ctx context.Context, database, name string) error {
	_, err := c.runQuery(ctx, "", fmt.Sprintf("DROP RETENTION POLICY %q ON %q", name, database), true)
	return err
}

// ListRetentionPolicies fetches the live policies of a database. The TSDB
// reports an infinite duration as "0s".
func (c *Client) ListRetentionPolicies(ctx context.Context, database string) ([]*schema.RetentionPolicy, error) {
	result, err := c.runQuery(ctx, "", fmt.Sprintf("SHOW RETENTION POLICIES ON %q", database), false)
	if err != nil {
		return nil, err
	}
	var policies []*schema.RetentionPolicy
	for _, row := range result.Rows() {
		rp := &schema.RetentionPolicy{Database: database}
		if name, ok := row["name"].(string); ok {
			rp.Name = name
		}
		rp.Duration = parseLiveDuration(row["duration"])
		rp.ShardDuration = parseLiveDuration(row["shardGroupDuration"])
		if n, ok := row["replicaN"].(float64); ok {
			rp.Replication = int(n)
		}
		if def, ok := row["default"].(bool); ok {
			rp.Default = def
		}
		policies = append(policies, rp)
	}
	return policies, nil
}

func parseLiveDuration(raw any) units.Duration {
	s, ok := raw.(string)
	if !ok {
		return units.Duration{}
	}
	d, err := units.ParseDuration(s)
	if err != nil {
		return units.Duration{}
	}
	if d.Seconds() == 0 {
		// "0s" is the TSDB's spelling of "keep forever"
		return units.Infinite
	}
	return d
}

// ListContinuousQueries returns name → exact statement text for a database.
func (c *Client) ListContinuousQueries(ctx context.Context, database string) (map[string]string, error) {
	result, err := c.runQuery(ctx, "", "SHOW CONTINUOUS QUERIES", false)
	if err != nil {
		return nil, err
	}
	queries := make(map[string]string)
	for _, series := range result.Series {
		if series.Name != database {
			continue
		}
		for _, row := range series.Rows() {
			name, _ := row["name"].(string)
			text, _ := row["query"].(string)
			if name != "" {
				queries[name] = text
			}
		}
	}
	return queries, nil
}

// CreateContinuousQuery registers cq verbatim.
func (c *Client) CreateContinuousQuery(ctx context.Context, cq *query.ContinuousQuery) error {
	_, err := c.runQuery(ctx, "", cq.String(), true)
	return err
}

// DropContinuousQuery removes a CQ; the TSDB has no alter, so drift is
// handled as drop-then-recreate.
func (c *Client) DropContinuousQuery(ctx context.Context, database, name string) error {
	_, err := c.runQuery(ctx, "", fmt.Sprintf("DROP CONTINUOUS QUERY %q ON %q", name, database), true)
	return err
}

// WriteFailure classifies a failed write for the buffer's retry decision.
type WriteFailure struct {
	// Retryable marks connection/server errors and unclassified client
	// errors: the buffer retries those once with the fallback batch size.
	Retryable bool
	Message   string
}

func (e *WriteFailure) Error() string {
	return e.Message
}

var droppedPattern = regexp.MustCompile(`points beyond retention policy dropped=(\d+)`)

// partialDropCount extracts N from a retention-drop partial write message,
// -1 when the message is something else.
func partialDropCount(message string) int {
	match := droppedPattern.FindStringSubmatch(message)
	if match == nil {
		return -1
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return -1
	}
	return n
}

// Write sends rendered line-protocol points in batches of batchSize with
// second precision. Outcomes per batch:
//   - retention-policy drops below the batch size are unavoidable and ignored
//   - "unable to parse" partial writes are logged; the rest of the batch is
//     already stored
//   - anything else returns a retryable WriteFailure
func (c *Client) Write(ctx context.Context, database, retention string, lines []string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 10000
	}
	var parseFailure *WriteFailure
	for start := 0; start < len(lines); start += batchSize {
		end := start + batchSize
		if end > len(lines) {
			end = len(lines)
		}
		batch := lines[start:end]
		if err := c.writeBatch(ctx, database, retention, batch); err != nil {
			failure, ok := err.(*WriteFailure)
			if !ok || failure.Retryable {
				return err
			}
			c.log.Warnf("partial write into %s.%s: %s", database, retention, failure.Message)
			parseFailure = failure
		}
	}
	if parseFailure != nil {
		return parseFailure
	}
	return nil
}

func (c *Client) writeBatch(ctx context.Context, database, retention string, batch []string) error {
	params := url.Values{}
	params.Set("db", database)
	params.Set("precision", "s")
	if retention != "" {
		params.Set("rp", retention)
	}
	endpoint := c.baseURL + "/write?" + params.Encode()
	body := strings.NewReader(strings.Join(batch, "\n"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return &WriteFailure{Retryable: true, Message: err.Error()}
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return &WriteFailure{Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	payload, _ := io.ReadAll(resp.Body)
	message := string(payload)
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &parsed) == nil && parsed.Error != "" {
		message = parsed.Error
	}
	if dropped := partialDropCount(message); dropped >= 0 && dropped < len(batch) {
		c.log.Debugf("%d points beyond retention policy dropped on %s.%s", dropped, database, retention)
		return nil
	}
	if strings.Contains(message, "unable to parse") {
		return &WriteFailure{Retryable: false, Message: message}
	}
	return &WriteFailure{Retryable: true, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, message)}
}

// CopyReport summarizes a database copy. Hard drops mean data beyond the
// per-statement partial-write ceiling was lost; the operator has to re-run
// that statement with a narrower WHERE clause.
type CopyReport struct {
	Statements  int
	Transferred int64
	SoftDropped int
	HardDropped int
	Failed      []string
}

// The TSDB caps a partial-write report at this count; hitting it exactly
// means an unknown amount beyond it was dropped.
const partialWriteCeiling = 10000

// CopyDatabase bulk-migrates every catalog measurement and continuous-query
// destination from the catalog's database into dst. Individual statements
// may fail without aborting the rest. For the duration of the copy the
// client uses a long timeout.
func (c *Client) CopyDatabase(ctx context.Context, catalog *Catalog, dst string) (*CopyReport, error) {
	if err := c.CreateDatabase(ctx, dst); err != nil {
		return nil, err
	}
	for _, rp := range catalog.RetentionPolicies() {
		clone := *rp
		clone.Database = dst
		if rp.Name == "autogen" {
			continue
		}
		if err := c.CreateRetentionPolicy(ctx, &clone); err != nil {
			return nil, fmt.Errorf("creating retention policy %q on %q: %w", rp.Name, dst, err)
		}
	}

	originalTimeout := c.http.Timeout
	c.http.Timeout = copyDatabaseTimeout
	defer func() { c.http.Timeout = originalTimeout }()

	report := &CopyReport{}
	for _, stmt := range copyStatements(catalog, dst) {
		report.Statements++
		result, err := c.runQuery(ctx, catalog.Database, stmt, true)
		if err != nil {
			if dropped := partialDropCount(err.Error()); dropped >= 0 {
				if dropped >= partialWriteCeiling {
					report.HardDropped++
					c.log.Errorf("data loss copying to %q, re-run with a narrower WHERE: %s", dst, stmt)
				} else {
					report.SoftDropped++
				}
				continue
			}
			report.Failed = append(report.Failed, stmt)
			c.log.Errorf("copy statement failed: %s: %v", stmt, err)
			continue
		}
		report.Transferred += writtenCount(result)
	}
	return report, nil
}

// copyStatements renders the SELECT INTO set: for every measurement one
// statement sourced from autogen and one from its own retention policy, and
// for every continuous query its INTO rewritten to dst with a
// retention-bounded WHERE, again in both source variants.
func copyStatements(catalog *Catalog, dst string) []string {
	var statements []string
	bounded := func(sel *query.Select, d units.Duration) *query.Select {
		if !d.Infinite() && !d.IsZero() {
			sel.AndWhere(fmt.Sprintf("time > now() - %s", d))
		}
		return sel
	}
	for _, m := range catalog.Measurements() {
		rp := m.Retention
		for _, sourceRP := range sourceVariants(rp.Name) {
			sel := query.NewSelect(m).SourceDatabase(catalog.Database).AltRetention(sourceRP)
			sel, err := sel.Into(query.Into{Database: dst, Retention: rp.Name, Measurement: m.Name})
			if err != nil {
				continue
			}
			if _, err := sel.GroupBy("*"); err != nil {
				continue
			}
			statements = append(statements, bounded(sel, rp.Duration).String())
		}
	}
	for _, cq := range catalog.ContinuousQueries() {
		into := cq.Select.IntoTarget()
		if into == nil {
			continue
		}
		destRP, ok := catalog.RetentionPolicy(into.Retention)
		if !ok {
			continue
		}
		sourceName := ""
		if m := cq.Select.Measurement(); m != nil && m.Retention != nil {
			sourceName = m.Retention.Name
		}
		for _, sourceRP := range sourceVariants(sourceName) {
			sel := cq.Select.Clone().SourceDatabase(catalog.Database).AltRetention(sourceRP)
			retargeted := *into
			retargeted.Database = dst
			sel, err := sel.Into(retargeted)
			if err != nil {
				continue
			}
			statements = append(statements, bounded(sel, destRP.Duration).String())
		}
	}
	return statements
}

func sourceVariants(rpName string) []string {
	if rpName == "" || rpName == "autogen" {
		return []string{"autogen"}
	}
	return []string{rpName, "autogen"}
}

func writtenCount(result ResultSet) int64 {
	var total int64
	for _, s := range result.Series {
		if s.Name != "result" {
			continue
		}
		for _, row := range s.Rows() {
			if n, ok := row["written"].(float64); ok {
				total += int64(n)
			}
		}
	}
	return total
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
