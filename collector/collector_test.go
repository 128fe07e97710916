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
	"testing"

	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/rest"
)

func TestRunnerContinuesPastFailures(t *testing.T) {
	runner := NewRunner(logs.DiscardLogger())
	var order []string
	runner.Add(Collector{Name: "first", Run: func(context.Context) error {
		order = append(order, "first")
		return errors.New("boom")
	}})
	runner.Add(Collector{Name: "second", Run: func(context.Context) error {
		order = append(order, "second")
		return nil
	}})
	runner.Run(context.Background(), nil)
	if len(order) != 2 {
		t.Fatalf("ran %v, want both despite the failure", order)
	}
	if len(runner.Errors()) != 1 {
		t.Errorf("errors = %v", runner.Errors())
	}
	if runner.Err() == nil {
		t.Error("folded error is nil")
	}
}

func TestSelectionLevelsAreNested(t *testing.T) {
	constant := Collector{Name: "cpu", Level: LevelConstant}
	hourly := Collector{Name: "jobs", Level: LevelHourly}
	daily := Collector{Name: "vms", Level: LevelDaily}

	hourlySel := Selection{Level: LevelHourly, HasLevel: true}
	if !hourlySel.Enabled(constant) || !hourlySel.Enabled(hourly) {
		t.Error("--hourly must include the constant collectors")
	}
	if hourlySel.Enabled(daily) {
		t.Error("--hourly ran a daily collector")
	}

	allSel := Selection{Level: LevelAll, HasLevel: true}
	for _, c := range []Collector{constant, hourly, daily} {
		if !allSel.Enabled(c) {
			t.Errorf("--all skipped %s", c.Name)
		}
	}
}

func TestSelectionToggleWinsWithoutLevel(t *testing.T) {
	sel := Selection{Toggles: map[string]bool{"jobs": true}}
	if !sel.Enabled(Collector{Name: "jobs", Level: LevelDaily}) {
		t.Error("toggle did not enable its collector")
	}
	if sel.Enabled(Collector{Name: "vms", Level: LevelConstant}) {
		t.Error("collector ran without level or toggle")
	}
}

func TestCollectSitesRenamesKeys(t *testing.T) {
	api := &fakeAPI{respond: func(req rest.PageRequest) ([]map[string]any, error) {
		return []map[string]any{
			{"id": "1", "name": "primary", "description": "hq"},
		}, nil
	}}
	buffer := &fakeRecordBuffer{}
	inv := NewInventory(api, buffer, logs.DiscardLogger())
	if err := inv.CollectSites(context.Background()); err != nil {
		t.Fatal(err)
	}
	sites := buffer.recordsFor(influx.MeasurementSites)
	if len(sites) != 1 {
		t.Fatalf("sites = %v", sites)
	}
	site := sites[0]
	if site["siteId"] != "1" || site["siteName"] != "primary" {
		t.Errorf("renames missing: %v", site)
	}
	if _, ok := site["id"]; ok {
		t.Errorf("raw id kept: %v", site)
	}
}

func TestCollectStoragesComputesUsage(t *testing.T) {
	api := &fakeAPI{respond: func(req rest.PageRequest) ([]map[string]any, error) {
		return []map[string]any{
			{"storageId": "st1", "total": float64(1000), "used": float64(250), "free": float64(750)},
			{"storageId": "st2", "free": float64(10)},
		}, nil
	}}
	buffer := &fakeRecordBuffer{}
	inv := NewInventory(api, buffer, logs.DiscardLogger())
	if err := inv.CollectStorages(context.Background()); err != nil {
		t.Fatal(err)
	}
	storages := buffer.recordsFor(influx.MeasurementStorages)
	if storages[0]["pct_used"] != float64(25) {
		t.Errorf("pct_used = %v", storages[0]["pct_used"])
	}
	if _, ok := storages[1]["pct_used"]; ok {
		t.Errorf("pct_used fabricated without totals: %v", storages[1])
	}
}
