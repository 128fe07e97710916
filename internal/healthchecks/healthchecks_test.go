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

package healthchecks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sppmontools/sppmon/internal/logs"
)

type stubCheck struct {
	name string
	err  error
}

func (c stubCheck) Name() string { return c.name }

func (c stubCheck) RunCheck(context.Context, logs.StructuredLogger) error { return c.err }

func TestRunAllReportsEveryCheck(t *testing.T) {
	registry := Registry{
		stubCheck{name: "ok"},
		stubCheck{name: "structured", err: HealthCheckError{
			Code: "SPP_LOGIN_FAILED", Message: "no session", Action: "fix credentials",
		}},
		stubCheck{name: "plain", err: errors.New("dial refused")},
	}
	results, err := registry.RunAll(context.Background(), logs.DiscardLogger())
	if err == nil {
		t.Fatal("failures not summarized")
	}
	if !strings.Contains(err.Error(), "2 of 3") {
		t.Errorf("summary = %v", err)
	}
	if !strings.Contains(results["ok"], "PASS") {
		t.Errorf("ok = %s", results["ok"])
	}
	if !strings.Contains(results["structured"], "ERROR_CODE: SPP_LOGIN_FAILED") ||
		!strings.Contains(results["structured"], "Solution: fix credentials") {
		t.Errorf("structured = %s", results["structured"])
	}
	if !strings.Contains(results["plain"], "Result: ERROR") {
		t.Errorf("plain = %s", results["plain"])
	}
}

func TestRunAllPassesClean(t *testing.T) {
	results, err := registry(2).RunAll(context.Background(), logs.DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("results = %v", results)
	}
}

func registry(n int) Registry {
	r := Registry{}
	for i := 0; i < n; i++ {
		r = append(r, stubCheck{name: string(rune('a' + i))})
	}
	return r
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestInfluxCheckWrapsFailure(t *testing.T) {
	err := InfluxCheck{Client: stubPinger{err: errors.New("conn refused")}}.
		RunCheck(context.Background(), logs.DiscardLogger())
	var typed HealthCheckError
	if !errors.As(err, &typed) || typed.Code != "INFLUX_UNREACHABLE" {
		t.Errorf("err = %v", err)
	}
	if !errors.Is(err, typed.Err) {
		t.Error("cause not wrapped")
	}
}
