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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/influx/query"
	"github.com/sppmontools/sppmon/influx/schema"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/internal/units"
	"github.com/sppmontools/sppmon/rest"
)

type fakeAPI struct {
	respond  func(req rest.PageRequest) ([]map[string]any, error)
	requests []rest.PageRequest
}

func (f *fakeAPI) GetObjects(_ context.Context, req rest.PageRequest) ([]map[string]any, error) {
	f.requests = append(f.requests, req)
	return f.respond(req)
}

type fakeDB struct {
	respond func(sel *query.Select) (influx.ResultSet, error)
	queries []string
}

func (f *fakeDB) Query(_ context.Context, sel *query.Select) (influx.ResultSet, error) {
	f.queries = append(f.queries, sel.String())
	if f.respond == nil {
		return influx.ResultSet{}, nil
	}
	return f.respond(sel)
}

type bufferedCall struct {
	measurement string
	records     []map[string]any
}

type fakeRecordBuffer struct {
	calls []bufferedCall
	fail  map[string]error
}

func (f *fakeRecordBuffer) Buffer(_ context.Context, measurement string, records []map[string]any, _ *schema.RetentionPolicy) error {
	f.calls = append(f.calls, bufferedCall{measurement, records})
	return f.fail[measurement]
}

func (f *fakeRecordBuffer) recordsFor(measurement string) []map[string]any {
	var all []map[string]any
	for _, call := range f.calls {
		if call.measurement == measurement {
			all = append(all, call.records...)
		}
	}
	return all
}

func testHarvester(t *testing.T, api *fakeAPI, db *fakeDB, buffer *fakeRecordBuffer) *Harvester {
	t.Helper()
	catalog, err := influx.Definitions("spp")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHarvester(api, db, buffer, catalog, logs.DiscardLogger(),
		units.MustParseDuration("60d"), false)
	h.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return h
}

func TestCollectJobsBuffersOnlyMissingSessions(t *testing.T) {
	api := &fakeAPI{respond: func(req rest.PageRequest) ([]map[string]any, error) {
		switch req.Endpoint {
		case "api/endeavour/job":
			return []map[string]any{{"id": "10", "name": "daily"}}, nil
		case "api/endeavour/jobsession":
			return []map[string]any{
				// already in the DB
				{"id": "s1", "start": float64(1_699_990_000_000), "status": "COMPLETED"},
				// new
				{"id": "s2", "start": float64(1_699_995_000_000), "status": "COMPLETED",
					"statistics": []any{
						map[string]any{"resourceType": "vm", "total": float64(12), "success": float64(11), "failed": float64(1)},
					}},
				// exactly at the retention cutoff: excluded by the strict test
				{"id": "s0", "start": float64(1_700_000_000_000 - 90*86400*1000), "status": "COMPLETED"},
			}, nil
		default:
			t.Fatalf("unexpected endpoint %s", req.Endpoint)
			return nil, nil
		}
	}}
	db := &fakeDB{respond: func(sel *query.Select) (influx.ResultSet, error) {
		return influx.ResultSet{Series: []influx.Series{{
			Name:    "jobs",
			Columns: []string{"time", "id"},
			Values:  [][]any{{float64(1_699_990_000), "s1"}},
		}}}, nil
	}}
	buffer := &fakeRecordBuffer{}
	h := testHarvester(t, api, db, buffer)

	if err := h.CollectJobs(context.Background()); err != nil {
		t.Fatal(err)
	}
	sessions := buffer.recordsFor(influx.MeasurementJobs)
	if len(sessions) != 1 || sessions[0]["id"] != "s2" {
		t.Fatalf("buffered sessions = %v, want only s2", sessions)
	}
	if sessions[0]["jobName"] != "daily" {
		t.Errorf("jobName not injected: %v", sessions[0])
	}
	if _, ok := sessions[0]["statistics"]; ok {
		t.Error("statistics not stripped from the session record")
	}
	stats := buffer.recordsFor(influx.MeasurementJobStatistics)
	if len(stats) != 1 || stats[0]["resourceType"] != "vm" || stats[0]["jobSessionId"] != "s2" {
		t.Errorf("statistics rows = %v", stats)
	}
	if !strings.Contains(db.queries[0], "jobId = '10'") {
		t.Errorf("session lookup query = %s", db.queries[0])
	}
}

// unharvestedSessions mimics a real read-back: start comes back as a
// stored field in epoch seconds, matching the row time.
func unharvestedSessions() influx.ResultSet {
	return influx.ResultSet{Series: []influx.Series{{
		Name:    "jobs",
		Columns: []string{"time", "id", "jobId", "jobName", "status", "jobsLogsStored", "start"},
		Values: [][]any{
			{float64(1_699_990_000), "A", "10", "daily", "COMPLETED", nil, float64(1_699_990_000)},
			{float64(1_699_991_000), "B", "10", "daily", "COMPLETED", nil, float64(1_699_991_000)},
		},
	}}}
}

func TestCollectJobLogsAtomicSwapUnderPartialFailure(t *testing.T) {
	api := &fakeAPI{respond: func(req rest.PageRequest) ([]map[string]any, error) {
		filter := req.Params.Get("filter")
		switch {
		case strings.Contains(filter, `"A"`):
			return []map[string]any{
				{"id": float64(1), "messageId": "CTGGA0000", "type": "SUMMARY",
					"message": "done", "messageParams": []any{}, "logTime": float64(1_699_990_500_000)},
				{"id": float64(2), "messageId": "CTGGA0001", "type": "SUMMARY",
					"message": "done too", "messageParams": []any{}, "logTime": float64(1_699_990_600_000)},
			}, nil
		case strings.Contains(filter, `"B"`):
			return nil, errors.New("log endpoint went away")
		default:
			t.Fatalf("unexpected filter %s", filter)
			return nil, nil
		}
	}}
	db := &fakeDB{respond: func(sel *query.Select) (influx.ResultSet, error) {
		if sel.Keyword() == query.KeywordDelete {
			return influx.ResultSet{}, nil
		}
		return unharvestedSessions(), nil
	}}
	buffer := &fakeRecordBuffer{}
	h := testHarvester(t, api, db, buffer)

	err := h.CollectJobLogs(context.Background())
	if err == nil {
		t.Fatal("failure of session B not reported")
	}

	var deletes []string
	for _, q := range db.queries {
		if strings.HasPrefix(q, "DELETE") {
			deletes = append(deletes, q)
		}
	}
	if len(deletes) != 1 || !strings.Contains(deletes[0], "jobsLogsStored != 'True'") {
		t.Fatalf("swap deletes = %v", deletes)
	}

	swapped := buffer.recordsFor(influx.MeasurementJobs)
	if len(swapped) != 2 {
		t.Fatalf("swap re-inserted %d sessions, want 2", len(swapped))
	}
	byID := map[string]map[string]any{}
	for _, row := range swapped {
		byID[row["id"].(string)] = row
	}
	if byID["A"]["jobsLogsStored"] != "True" || byID["A"]["jobLogsCount"] != 2 {
		t.Errorf("session A = %v", byID["A"])
	}
	// re-inserted sessions keep their original start so the swap does not
	// migrate them to harvest time
	if byID["A"]["start"] != float64(1_699_990_000) || byID["B"]["start"] != float64(1_699_991_000) {
		t.Errorf("swap changed session start: A=%v B=%v", byID["A"]["start"], byID["B"]["start"])
	}
	if byID["B"]["jobsLogsStored"] == "True" {
		t.Errorf("failed session B marked stored: %v", byID["B"])
	}
	if _, ok := byID["B"]["jobLogsCount"]; ok {
		t.Errorf("failed session B gained a log count: %v", byID["B"])
	}

	stored := buffer.recordsFor(influx.MeasurementJobLogs)
	if len(stored) != 2 {
		t.Fatalf("jobLogs rows = %d, want 2 (A only)", len(stored))
	}
	if stored[0]["jobLogId"] != float64(1) || stored[0]["jobSessionId"] != "A" {
		t.Errorf("log renames missing: %v", stored[0])
	}
	if _, ok := stored[0]["id"]; ok {
		t.Errorf("raw id survived the rename: %v", stored[0])
	}
	if stored[0]["jobExecutionTime"] != float64(1_699_990_000) {
		t.Errorf("jobExecutionTime = %v", stored[0]["jobExecutionTime"])
	}
	if _, ok := stored[0]["messageParams"].(string); !ok {
		t.Errorf("messageParams not stringified: %v", stored[0]["messageParams"])
	}
}

func TestCollectJobLogsSwapDeleteFailureKeepsSessions(t *testing.T) {
	api := &fakeAPI{respond: func(req rest.PageRequest) ([]map[string]any, error) {
		return []map[string]any{}, nil
	}}
	db := &fakeDB{respond: func(sel *query.Select) (influx.ResultSet, error) {
		if sel.Keyword() == query.KeywordDelete {
			return influx.ResultSet{}, errors.New("delete refused")
		}
		return unharvestedSessions(), nil
	}}
	buffer := &fakeRecordBuffer{}
	h := testHarvester(t, api, db, buffer)

	if err := h.CollectJobLogs(context.Background()); err == nil {
		t.Fatal("swap delete failure not reported")
	}
	if rows := buffer.recordsFor(influx.MeasurementJobs); len(rows) != 0 {
		t.Errorf("sessions re-inserted after failed delete: %v", rows)
	}
}

func TestDeriveRowProducesVMBackupRow(t *testing.T) {
	h := testHarvester(t, &fakeAPI{}, &fakeDB{}, &fakeRecordBuffer{})
	log := map[string]any{
		"messageId": "CTGGA2384",
		"logTime":   float64(1_700_000_000_000),
		"messageParams": []any{
			"vm-1", "proxy1", "vsnap1", "vmware", "NBD",
			"1 GB", "100 MB/s", "5 seconds", "2", "2", "COMPLETED",
		},
	}
	destination, row := h.deriveRow(log)
	if destination != influx.MeasurementVMBackup {
		t.Fatalf("destination = %q", destination)
	}
	if row["messageId"] != "CTGGA2384" {
		t.Errorf("messageId not copied: %v", row)
	}
	if row["logTime"] != int64(1_700_000_000_000) {
		t.Errorf("logTime = %v", row["logTime"])
	}
}

func TestDeriveRowShapeMismatchIsSilent(t *testing.T) {
	h := testHarvester(t, &fakeAPI{}, &fakeDB{}, &fakeRecordBuffer{})
	destination, row := h.deriveRow(map[string]any{
		"messageId":     "CTGGA2384",
		"logTime":       float64(1_700_000_000_000),
		"messageParams": []any{"way", "too", "short"},
	})
	if destination != "" || row != nil {
		t.Errorf("mismatch produced a row: %q %v", destination, row)
	}
}

func TestVMBackupTimestampDedup(t *testing.T) {
	h := testHarvester(t, &fakeAPI{}, &fakeDB{}, &fakeRecordBuffer{})
	inputs := []float64{1_700_000_000_000, 1_700_000_000_500, 1_700_000_001_000}
	want := []int64{1_700_000_000_000, 1_700_000_001_000, 1_700_000_002_000}
	for i, in := range inputs {
		row := map[string]any{"logTime": in}
		h.dedupVMBackupTimestamp(row)
		if row["logTime"] != want[i] {
			t.Errorf("row %d logTime = %v, want %d", i, row["logTime"], want[i])
		}
	}
}

func TestVMBackupTimestampDedupSecondScale(t *testing.T) {
	h := testHarvester(t, &fakeAPI{}, &fakeDB{}, &fakeRecordBuffer{})
	for i, in := range []float64{1_700_000_000, 1_700_000_000} {
		row := map[string]any{"logTime": in}
		h.dedupVMBackupTimestamp(row)
		want := int64(1_700_000_000 + i)
		if row["logTime"] != want {
			t.Errorf("row %d logTime = %v, want %d", i, row["logTime"], want)
		}
	}
}
