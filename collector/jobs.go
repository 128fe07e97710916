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
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sppmontools/sppmon/collector/messages"
	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/influx/query"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/internal/set"
	"github.com/sppmontools/sppmon/internal/units"
	"github.com/sppmontools/sppmon/rest"
)

// storedSentinel is the literal the session rows carry once their logs
// are harvested. The TSDB stores it as a string, so comparisons use the
// exact spelling.
const storedSentinel = "True"

var fullLogTypes = []string{"INFO", "DEBUG", "ERROR", "SUMMARY", "WARN"}
var summaryLogTypes = []string{"SUMMARY"}

// sessionAllowList is what the harvester needs from the jobsession API;
// everything else the endpoint returns is ballast.
var sessionAllowList = []string{
	"id", "jobId", "jobName", "start", "end", "duration", "status",
	"indexStatus", "subPolicyType", "type", "numTasks", "percent",
	"properties.statistics",
}

// Harvester ingests job sessions and their logs. Sessions are harvested
// exactly once: a session row is re-inserted with jobsLogsStored="True"
// only after its logs and derived rows were buffered, and the swap that
// flips the flag deletes and re-inserts the whole unharvested window in
// one step.
type Harvester struct {
	api     apiClient
	db      queryRunner
	buffer  recordBuffer
	catalog *influx.Catalog
	log     logs.StructuredLogger

	// logRetention caps how far back sessions are harvested; the RP of the
	// session measurement caps it further.
	logRetention units.Duration
	// fullLogs selects every log type instead of just the summaries.
	fullLogs bool

	// maxVMBackupSecond backs the per-run timestamp collision guard for
	// the VM backup summary rows.
	maxVMBackupSecond int64

	now func() time.Time
}

func NewHarvester(api apiClient, db queryRunner, buffer recordBuffer, catalog *influx.Catalog,
	log logs.StructuredLogger, logRetention units.Duration, fullLogs bool) *Harvester {
	return &Harvester{
		api:          api,
		db:           db,
		buffer:       buffer,
		catalog:      catalog,
		log:          log,
		logRetention: logRetention,
		fullLogs:     fullLogs,
		now:          time.Now,
	}
}

// CollectJobs pulls the job list, finds sessions the TSDB does not have
// yet, and buffers them together with their per-resource statistics.
func (h *Harvester) CollectJobs(ctx context.Context) error {
	jobs, err := h.api.GetObjects(ctx, rest.PageRequest{
		Endpoint:  "api/endeavour/job",
		ArrayName: "jobs",
		AllowList: []string{"id", "name"},
	})
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	var errs *multierror.Error
	for _, job := range jobs {
		jobID, _ := job["id"].(string)
		jobName, _ := job["name"].(string)
		if jobID == "" {
			continue
		}
		if err := h.collectJobSessions(ctx, jobID, jobName); err != nil {
			h.log.Errorf("collecting sessions of job %s: %v", jobID, err)
			errs = multierror.Append(errs, fmt.Errorf("job %s: %w", jobID, err))
		}
	}
	return errs.ErrorOrNil()
}

func (h *Harvester) collectJobSessions(ctx context.Context, jobID, jobName string) error {
	m, _ := h.catalog.Measurement(influx.MeasurementJobs)
	retention := m.Retention.Duration

	known := set.Set[string]{}
	sel := query.NewSelect(m).
		Where(fmt.Sprintf("jobId = '%s' AND time > now() - %s", jobID, retention))
	result, err := h.db.Query(ctx, sel)
	if err != nil {
		return fmt.Errorf("reading stored sessions: %w", err)
	}
	for _, row := range result.Rows() {
		if id, ok := row["id"].(string); ok {
			known.Add(id)
		}
	}

	apiSessions, err := h.api.GetObjects(ctx, rest.PageRequest{
		Endpoint:  "api/endeavour/jobsession",
		Params:    url.Values{"filter": []string{apiFilter(filterTerm{"jobId", "=", jobID})}},
		ArrayName: "sessions",
		AllowList: sessionAllowList,
	})
	if err != nil {
		return fmt.Errorf("fetching sessions: %w", err)
	}

	// The endpoint has no time filter; drop anything the RP would expire
	// right back out. Strictly newer than the cutoff only.
	cutoffMs := int64(math.MinInt64)
	if !retention.Infinite() {
		cutoffMs = h.now().Add(-time.Duration(retention.Seconds()) * time.Second).UnixMilli()
	}

	seen := set.Set[string]{}
	for _, session := range apiSessions {
		id, _ := session["id"].(string)
		start, ok := numeric(session["start"])
		if id != "" && ok && int64(start) > cutoffMs {
			seen.Add(id)
		}
	}
	wanted := seen.Difference(known)

	var missing []map[string]any
	var statistics []map[string]any
	for _, session := range apiSessions {
		id, _ := session["id"].(string)
		if !wanted.Contains(id) {
			continue
		}
		if session["jobName"] == nil {
			session["jobName"] = jobName
		}
		statistics = append(statistics, explodeStatistics(session, jobID)...)
		delete(session, "statistics")
		missing = append(missing, session)
	}
	if len(missing) == 0 {
		return nil
	}
	if err := h.buffer.Buffer(ctx, influx.MeasurementJobs, missing, nil); err != nil {
		return err
	}
	if len(statistics) > 0 {
		if err := h.buffer.Buffer(ctx, influx.MeasurementJobStatistics, statistics, nil); err != nil {
			return err
		}
	}
	h.log.Infof("buffered %d new sessions for job %s", len(missing), jobID)
	return nil
}

// explodeStatistics turns the nested properties.statistics list into one
// job_statistics row per (session, resourceType).
func explodeStatistics(session map[string]any, jobID string) []map[string]any {
	stats, _ := session["statistics"].([]any)
	if len(stats) == 0 {
		return nil
	}
	var rows []map[string]any
	for _, entry := range stats {
		stat, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		row := map[string]any{
			"jobId":        jobID,
			"jobName":      session["jobName"],
			"jobSessionId": session["id"],
			"start":        session["start"],
		}
		for _, key := range []string{"resourceType", "total", "success", "failed", "skipped"} {
			if value, ok := stat[key]; ok {
				row[key] = value
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// CollectJobLogs harvests the logs of every unharvested session within
// the retention window and flips the stored flag with an atomic swap.
func (h *Harvester) CollectJobLogs(ctx context.Context) error {
	m, ok := h.catalog.Measurement(influx.MeasurementJobs)
	if !ok {
		return fmt.Errorf("session measurement %q not declared", influx.MeasurementJobs)
	}
	window := units.Min(h.logRetention, m.Retention.Duration)
	predicate := fmt.Sprintf("jobsLogsStored != '%s' AND time > now() - %s", storedSentinel, window)

	result, err := h.db.Query(ctx, query.NewSelect(m).Where(predicate))
	if err != nil {
		return fmt.Errorf("discovering unharvested sessions: %w", err)
	}
	sessions := result.Rows()
	if len(sessions) == 0 {
		return nil
	}
	h.log.Infof("harvesting logs for %d sessions", len(sessions))

	var errs *multierror.Error
	swap := make([]map[string]any, 0, len(sessions))
	harvested := 0
	for _, session := range sessions {
		updated, err := h.harvestSession(ctx, session)
		if err != nil {
			// the session stays unharvested and is retried next run
			h.log.Errorf("harvesting session %v: %v", session["id"], err)
			errs = multierror.Append(errs, err)
			swap = append(swap, session)
			continue
		}
		swap = append(swap, updated)
		harvested++
	}

	// Atomic swap: one DELETE over the discovery predicate, then the bulk
	// re-insert. Sessions that failed go back in unchanged.
	if harvested > 0 {
		del := query.NewDelete(m).Where(predicate)
		if _, err := h.db.Query(ctx, del); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("atomic swap delete: %w", err))
			return errs.ErrorOrNil()
		}
		if err := h.buffer.Buffer(ctx, influx.MeasurementJobs, swap, nil); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("atomic swap insert: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// harvestSession fetches and buffers one session's logs and derived rows,
// returning the updated session record. Any error leaves the stored flag
// untouched.
func (h *Harvester) harvestSession(ctx context.Context, session map[string]any) (map[string]any, error) {
	sessionID, _ := session["id"].(string)
	if sessionID == "" {
		return nil, fmt.Errorf("session row without id: %v", session)
	}
	logTypes := summaryLogTypes
	if h.fullLogs {
		logTypes = fullLogTypes
	}
	terms := []filterTerm{
		{"jobsessionId", "=", sessionID},
		{"type", "IN", logTypes},
	}
	if !h.fullLogs {
		// summaries are only fetched to be parsed; skip unknown IDs server-side
		terms = append(terms, filterTerm{"messageId", "IN", messages.KnownIDs()})
	}
	logRecords, err := h.api.GetObjects(ctx, rest.PageRequest{
		Endpoint:  "api/endeavour/log/job",
		Params:    url.Values{"filter": []string{apiFilter(terms...)}},
		ArrayName: "logs",
	})
	if err != nil {
		return nil, fmt.Errorf("fetching logs of session %s: %w", sessionID, err)
	}

	derived := map[string][]map[string]any{}
	buffered := make([]map[string]any, 0, len(logRecords))
	for _, record := range logRecords {
		enriched, err := h.enrichLog(record, session, sessionID)
		if err != nil {
			h.log.Warnf("dropping malformed log of session %s: %v", sessionID, err)
			continue
		}
		if destination, row := h.deriveRow(enriched); row != nil {
			derived[destination] = append(derived[destination], row)
		}
		stringifyParams(enriched)
		buffered = append(buffered, enriched)
	}

	if err := h.buffer.Buffer(ctx, influx.MeasurementJobLogs, buffered, nil); err != nil {
		return nil, fmt.Errorf("buffering logs of session %s: %w", sessionID, err)
	}
	// Derived rows are best effort: the session still counts as stored.
	for destination, rows := range derived {
		if err := h.buffer.Buffer(ctx, destination, rows, nil); err != nil {
			h.log.Errorf("buffering %d derived rows into %s: %v", len(rows), destination, err)
		}
	}

	updated := make(map[string]any, len(session)+2)
	for key, value := range session {
		updated[key] = value
	}
	updated["jobLogsCount"] = len(buffered)
	updated["jobsLogsStored"] = storedSentinel
	return updated, nil
}

// enrichLog injects session context into a raw API log record and aligns
// its key names with the jobLogs schema.
func (h *Harvester) enrichLog(record, session map[string]any, sessionID string) (map[string]any, error) {
	if _, ok := record["messageId"]; !ok {
		return nil, fmt.Errorf("log without messageId: %v", record)
	}
	enriched := make(map[string]any, len(record)+4)
	for key, value := range record {
		enriched[key] = value
	}
	if id, ok := enriched["id"]; ok {
		enriched["jobLogId"] = id
		delete(enriched, "id")
	}
	delete(enriched, "jobsessionId")
	enriched["jobSessionId"] = sessionID
	enriched["jobId"] = session["jobId"]
	enriched["jobName"] = session["jobName"]
	enriched["jobExecutionTime"] = session["start"]
	return enriched, nil
}

// deriveRow runs the message registry over one enriched log. A nil row
// means the log produced nothing, which is not an error.
func (h *Harvester) deriveRow(log map[string]any) (string, map[string]any) {
	messageID, _ := log["messageId"].(string)
	handler, ok := messages.Lookup(messageID)
	if !ok {
		return "", nil
	}
	params, _ := log["messageParams"].([]any)
	row := handler.Map(params)
	if len(row) == 0 {
		return "", nil
	}
	for _, field := range handler.SessionFields {
		name := field.RenameTo
		if name == "" {
			name = field.Name
		}
		if value, ok := log[field.Name]; ok {
			row[name] = value
		}
	}
	row["logTime"] = log["logTime"]
	if handler.Destination == influx.MeasurementVMBackup {
		h.dedupVMBackupTimestamp(row)
	}
	return handler.Destination, row
}

// dedupVMBackupTimestamp keeps VM backup summary timestamps strictly
// increasing at second precision within one run. Rows of this measurement
// often share their whole tag set, and the TSDB silently overwrites rows
// with equal tags and timestamp; uniqueness wins over millisecond
// accuracy here. The bump preserves the digit scale of the input.
func (h *Harvester) dedupVMBackupTimestamp(row map[string]any) {
	raw, ok := numeric(row["logTime"])
	if !ok {
		return
	}
	ts := int64(raw)
	scale := int64(1)
	for v := ts; v >= 100_000_000_000 || v <= -100_000_000_000; v /= 1000 {
		scale *= 1000
	}
	second := ts / scale
	if second <= h.maxVMBackupSecond {
		second = h.maxVMBackupSecond + 1
	}
	h.maxVMBackupSecond = second
	row["logTime"] = second * scale
}

// stringifyParams flattens the positional params array to its JSON text;
// the jobLogs measurement stores it verbatim.
func stringifyParams(log map[string]any) {
	params, ok := log["messageParams"]
	if !ok {
		return
	}
	if _, isString := params.(string); isString {
		return
	}
	text, err := json.Marshal(params)
	if err != nil {
		delete(log, "messageParams")
		return
	}
	log["messageParams"] = string(text)
}

// filterTerm is one clause of the API's JSON filter syntax.
type filterTerm struct {
	Property string
	Op       string
	Value    any
}

func apiFilter(terms ...filterTerm) string {
	clauses := make([]map[string]any, 0, len(terms))
	for _, term := range terms {
		clauses = append(clauses, map[string]any{
			"property": term.Property,
			"op":       term.Op,
			"value":    term.Value,
		})
	}
	text, err := json.Marshal(clauses)
	if err != nil {
		return "[]"
	}
	return string(text)
}

func numeric(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int64:
		return float64(value), true
	case int:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
