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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sppmontools/sppmon/internal/logs"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(ClientConfig{
		Address:  u.Hostname(),
		Username: "admin",
		Password: "pw",
		Timeout:  5 * time.Second,
	}, logs.DiscardLogger())
	client.baseURL = server.URL
	return client
}

func TestWriteSuccess(t *testing.T) {
	var gotBody string
	var gotQuery url.Values
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	})
	lines := []string{"jobs,jobId=1 duration=3i 100", "jobs,jobId=2 duration=4i 101"}
	if err := client.Write(context.Background(), "spp", "rp_days_90", lines, 10000); err != nil {
		t.Fatal(err)
	}
	if gotBody != strings.Join(lines, "\n") {
		t.Errorf("body = %q", gotBody)
	}
	if gotQuery.Get("db") != "spp" || gotQuery.Get("rp") != "rp_days_90" || gotQuery.Get("precision") != "s" {
		t.Errorf("query params = %v", gotQuery)
	}
}

func TestWriteBatches(t *testing.T) {
	var requests int
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNoContent)
	})
	lines := make([]string, 25)
	for i := range lines {
		lines[i] = fmt.Sprintf("m f=%di %d", i, i+1)
	}
	if err := client.Write(context.Background(), "spp", "", lines, 10); err != nil {
		t.Fatal(err)
	}
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}
}

func TestWriteRetentionDropIsIgnored(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"partial write: points beyond retention policy dropped=5"}`)
	})
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "m f=1i 1"
	}
	if err := client.Write(context.Background(), "spp", "", lines, 10000); err != nil {
		t.Errorf("retention drop below batch size should be ignored, got %v", err)
	}
}

func TestWriteParseFailureIsNotRetryable(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"partial write: unable to parse 'garbage': missing fields"}`)
	})
	err := client.Write(context.Background(), "spp", "", []string{"garbage"}, 10000)
	failure, ok := err.(*WriteFailure)
	if !ok {
		t.Fatalf("err = %v, want WriteFailure", err)
	}
	if failure.Retryable {
		t.Error("parse failure classified retryable")
	}
}

func TestWriteServerErrorIsRetryable(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "timeout", http.StatusInternalServerError)
	})
	err := client.Write(context.Background(), "spp", "", []string{"m f=1i 1"}, 10000)
	failure, ok := err.(*WriteFailure)
	if !ok {
		t.Fatalf("err = %v, want WriteFailure", err)
	}
	if !failure.Retryable {
		t.Error("server error classified non-retryable")
	}
}

func TestListRetentionPoliciesParsesInfinite(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"statement_id":0,"series":[{
			"columns":["name","duration","shardGroupDuration","replicaN","default"],
			"values":[
				["autogen","0s","168h0m0s",1,true],
				["rp_days_90","2160h0m0s","24h0m0s",1,false]
			]}]}]}`)
	})
	policies, err := client.ListRetentionPolicies(context.Background(), "spp")
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies", len(policies))
	}
	if !policies[0].Duration.Infinite() {
		t.Error("autogen 0s not mapped to infinite")
	}
	if policies[1].Duration.Seconds() != 90*86400 {
		t.Errorf("rp_days_90 duration = %d", policies[1].Duration.Seconds())
	}
	if !policies[0].Default || policies[1].Default {
		t.Error("default flags wrong")
	}
}

func TestListContinuousQueriesFiltersDatabase(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"statement_id":0,"series":[
			{"name":"spp","columns":["name","query"],"values":[["cq_jobs_0","CREATE CONTINUOUS QUERY ..."]]},
			{"name":"otherdb","columns":["name","query"],"values":[["cq_x","..."]]}
		]}]}`)
	})
	queries, err := client.ListContinuousQueries(context.Background(), "spp")
	if err != nil {
		t.Fatal(err)
	}
	if len(queries) != 1 || queries["cq_jobs_0"] == "" {
		t.Errorf("queries = %v", queries)
	}
}

func TestCopyStatements(t *testing.T) {
	catalog, err := Definitions("spp")
	if err != nil {
		t.Fatal(err)
	}
	statements := copyStatements(catalog, "sppnew")
	if len(statements) == 0 {
		t.Fatal("no copy statements generated")
	}
	var sawJobsOwnRP, sawJobsAutogen, sawCQVariant bool
	for _, stmt := range statements {
		if strings.Contains(stmt, "INTO sppnew.rp_days_90.jobs FROM spp.rp_days_90.jobs") &&
			strings.Contains(stmt, "WHERE time > now() - 90d") &&
			strings.Contains(stmt, "GROUP BY *") {
			sawJobsOwnRP = true
		}
		if strings.Contains(stmt, "INTO sppnew.rp_days_90.jobs FROM spp.autogen.jobs") {
			sawJobsAutogen = true
		}
		if strings.Contains(stmt, "INTO sppnew.rp_inf.jobs FROM spp.rp_days_90.jobs") {
			sawCQVariant = true
		}
	}
	if !sawJobsOwnRP || !sawJobsAutogen || !sawCQVariant {
		t.Errorf("missing variants (ownRP=%t autogen=%t cq=%t) in:\n%s",
			sawJobsOwnRP, sawJobsAutogen, sawCQVariant, strings.Join(statements, "\n"))
	}
}

func TestPartialDropCount(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
	}{
		{"partial write: points beyond retention policy dropped=5", 5},
		{"partial write: points beyond retention policy dropped=10000", 10000},
		{"unable to parse 'x'", -1},
		{"", -1},
	} {
		if got := partialDropCount(tc.in); got != tc.want {
			t.Errorf("partialDropCount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
