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

package messages

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sppmontools/sppmon/influx"
)

func TestOffice365BytesParse(t *testing.T) {
	handler, ok := Lookup("CTGGA2636")
	if !ok {
		t.Fatal("CTGGA2636 not registered")
	}
	if handler.Destination != influx.MeasurementOffice365Bytes {
		t.Errorf("destination = %q", handler.Destination)
	}
	row := handler.Map([]any{"Inbox", "Folder (Server: mail01, Transfer Size: 12.5 MB)"})
	want := map[string]any{
		"itemName":         "Inbox",
		"itemType":         "Folder",
		"serverName":       "mail01",
		"transferredBytes": int64(13_107_200),
	}
	if diff := cmp.Diff(want, row); diff != "" {
		t.Errorf("row diff (-want +got):\n%s", diff)
	}
}

func TestOffice365BytesShapeMismatch(t *testing.T) {
	handler, _ := Lookup("CTGGA2636")
	for _, params := range [][]any{
		{},
		{"Inbox"},
		{"Inbox", "no parenthetical here"},
		{"Inbox", "Folder (Server: mail01, Transfer Size: lots)"},
	} {
		if row := handler.Map(params); len(row) != 0 {
			t.Errorf("Map(%v) = %v, want empty", params, row)
		}
	}
}

func TestVMBackupSummaryLongForm(t *testing.T) {
	handler, _ := Lookup("CTGGA2384")
	if handler.Destination != influx.MeasurementVMBackup {
		t.Errorf("destination = %q", handler.Destination)
	}
	row := handler.Map([]any{
		"vm-web-01", "proxy1", "vsnap1", "vmware", "NBD",
		"2.5 GB", "130 MB/s", "13 seconds", "4", "5", "COMPLETED",
	})
	if row["transferredBytes"] != int64(2.5*(1<<30)) {
		t.Errorf("transferredBytes = %v", row["transferredBytes"])
	}
	if row["throughputBytesPerSec"] != int64(130*(1<<20)) {
		t.Errorf("throughputBytesPerSec = %v", row["throughputBytesPerSec"])
	}
	if row["queueTimeSec"] != int64(13) {
		t.Errorf("queueTimeSec = %v", row["queueTimeSec"])
	}
	if row["protectedVMDKs"] != int64(4) || row["TotalVMDKs"] != int64(5) {
		t.Errorf("VMDK counts = %v / %v", row["protectedVMDKs"], row["TotalVMDKs"])
	}
	if row["status"] != "COMPLETED" || row["proxy"] != "proxy1" {
		t.Errorf("tags = %v", row)
	}
}

func TestVMBackupCountsComputesTotal(t *testing.T) {
	handler, _ := Lookup("CTGGA0071")
	row := handler.Map([]any{float64(3), float64(2), "1 GB", "50 MB/s", "0 seconds"})
	if row["protectedVMDKs"] != int64(3) || row["TotalVMDKs"] != int64(5) {
		t.Errorf("counts = %v / %v", row["protectedVMDKs"], row["TotalVMDKs"])
	}
}

func TestReplicateSummaryLabelledParams(t *testing.T) {
	handler, _ := Lookup("CTGGA2458")
	row := handler.Map([]any{"Total sessions: 12", "Failed: 2", "Duration: 90 seconds"})
	want := map[string]any{"total": int64(12), "failed": int64(2), "duration": int64(90)}
	if diff := cmp.Diff(want, row); diff != "" {
		t.Errorf("row diff (-want +got):\n%s", diff)
	}
}

func TestUnknownMessageIDNotRegistered(t *testing.T) {
	if _, ok := Lookup("CTGGA9999"); ok {
		t.Error("unknown messageId resolved to a handler")
	}
}

func TestKnownIDsSortedAndComplete(t *testing.T) {
	ids := KnownIDs()
	if len(ids) != 7 {
		t.Fatalf("registered IDs = %d, want 7", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Errorf("ids not sorted: %v", ids)
		}
	}
}
