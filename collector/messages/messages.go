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

// Package messages turns recognized job-log message IDs into rows for
// derived measurements. The registry is the single place the SPP log
// vocabulary is known; adding a derived measurement means one entry here
// plus its catalog declaration.
package messages

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/internal/units"
)

// ParamMapper maps a log's positional messageParams to field and tag
// values. A nil or empty result means the params did not match the
// expected shape; the log is skipped without error.
type ParamMapper func(params []any) map[string]any

// SessionField names a value copied from the enriched log record into the
// derived row. RenameTo, when set, changes the key.
type SessionField struct {
	Name     string
	RenameTo string
}

// Handler is one registry entry.
type Handler struct {
	Destination   string
	Map           ParamMapper
	SessionFields []SessionField
}

var registry = map[string]Handler{
	// Per-VM backup summary, long form: every statistic spelled out.
	"CTGGA2384": {
		Destination:   influx.MeasurementVMBackup,
		Map:           mapVMBackupSummary,
		SessionFields: []SessionField{{Name: "messageId"}},
	},
	// Per-VM backup summary, short form: VMDK counts plus transfer stats.
	"CTGGA0071": {
		Destination:   influx.MeasurementVMBackup,
		Map:           mapVMBackupCounts,
		SessionFields: []SessionField{{Name: "messageId"}},
	},
	"CTGGA2458": {
		Destination:   influx.MeasurementVMReplicateSum,
		Map:           mapReplicateSummary,
		SessionFields: []SessionField{{Name: "messageId"}},
	},
	"CTGGA2303": {
		Destination:   influx.MeasurementVMReplicate,
		Map:           mapReplicateStats,
		SessionFields: []SessionField{{Name: "messageId"}},
	},
	"CTGGA2082": {
		Destination:   influx.MeasurementOffice365,
		Map:           mapOffice365Users,
		SessionFields: []SessionField{{Name: "jobId"}, {Name: "jobSessionId"}, {Name: "messageId"}},
	},
	"CTGGA2566": {
		Destination:   influx.MeasurementOffice365,
		Map:           mapOffice365Items,
		SessionFields: []SessionField{{Name: "jobId"}, {Name: "jobSessionId"}, {Name: "messageId"}},
	},
	"CTGGA2636": {
		Destination:   influx.MeasurementOffice365Bytes,
		Map:           mapOffice365Bytes,
		SessionFields: []SessionField{{Name: "jobId"}, {Name: "jobSessionId"}},
	},
}

// Lookup returns the handler for a message ID, if one is registered.
func Lookup(messageID string) (Handler, bool) {
	handler, ok := registry[messageID]
	return handler, ok
}

// KnownIDs lists every registered message ID, sorted, for use as an
// API-side filter.
func KnownIDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func mapVMBackupSummary(params []any) map[string]any {
	if len(params) < 11 {
		return nil
	}
	transferred, err1 := asBytes(params[5])
	throughput, err2 := asBytes(params[6])
	queueSec, err3 := asBytes(params[7])
	protected, err4 := asInt(params[8])
	total, err5 := asInt(params[9])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return nil
	}
	return map[string]any{
		"name":                  asString(params[0]),
		"proxy":                 asString(params[1]),
		"vsnaps":                asString(params[2]),
		"type":                  asString(params[3]),
		"transportType":         asString(params[4]),
		"transferredBytes":      transferred,
		"throughputBytesPerSec": throughput,
		"queueTimeSec":          queueSec,
		"protectedVMDKs":        protected,
		"TotalVMDKs":            total,
		"status":                asString(params[10]),
	}
}

func mapVMBackupCounts(params []any) map[string]any {
	if len(params) < 5 {
		return nil
	}
	protected, err1 := asInt(params[0])
	failed, err2 := asInt(params[1])
	transferred, err3 := asBytes(params[2])
	throughput, err4 := asBytes(params[3])
	queueSec, err5 := asBytes(params[4])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return nil
	}
	return map[string]any{
		"protectedVMDKs":        protected,
		"TotalVMDKs":            protected + failed,
		"transferredBytes":      transferred,
		"throughputBytesPerSec": throughput,
		"queueTimeSec":          queueSec,
	}
}

// mapReplicateSummary handles "Total sessions: N" style labelled params.
func mapReplicateSummary(params []any) map[string]any {
	if len(params) < 3 {
		return nil
	}
	total, err1 := asInt(afterColon(asString(params[0])))
	failed, err2 := asInt(afterColon(asString(params[1])))
	duration, err3 := asBytes(afterColon(asString(params[2])))
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return map[string]any{
		"total":    total,
		"failed":   failed,
		"duration": duration,
	}
}

func mapReplicateStats(params []any) map[string]any {
	if len(params) < 3 {
		return nil
	}
	replicated, err1 := asBytes(params[0])
	throughput, err2 := asBytes(params[1])
	duration, err3 := asBytes(params[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return map[string]any{
		"replicatedBytes":       replicated,
		"throughputBytesPerSec": throughput,
		"duration":              duration,
	}
}

func mapOffice365Users(params []any) map[string]any {
	if len(params) < 1 {
		return nil
	}
	users, err := asInt(params[0])
	if err != nil {
		return nil
	}
	return map[string]any{"imported365Users": users}
}

func mapOffice365Items(params []any) map[string]any {
	if len(params) < 1 {
		return nil
	}
	items, err := asInt(params[0])
	if err != nil {
		return nil
	}
	// the message reports one count covering both views of the selection
	return map[string]any{
		"protectedItems": items,
		"selectedItems":  items,
	}
}

// office365BytesPattern matches the second param of CTGGA2636, e.g.
// "Folder (Server: mail01, Transfer Size: 12.5 MB)".
var office365BytesPattern = regexp.MustCompile(`^(.+?) \(Server: ([^,]+), Transfer Size: ([^)]+)\)$`)

func mapOffice365Bytes(params []any) map[string]any {
	if len(params) < 2 {
		return nil
	}
	match := office365BytesPattern.FindStringSubmatch(strings.TrimSpace(asString(params[1])))
	if match == nil {
		return nil
	}
	transferred, err := asBytes(match[3])
	if err != nil {
		return nil
	}
	return map[string]any{
		"itemName":         asString(params[0]),
		"itemType":         match[1],
		"serverName":       strings.TrimSpace(match[2]),
		"transferredBytes": transferred,
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// asInt accepts JSON numbers and numeric strings.
func asInt(v any) (int64, error) {
	switch value := v.(type) {
	case float64:
		return int64(value), nil
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, err
		}
		return int64(parsed), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// asBytes normalizes a scalar-with-unit string ("12.5 MB", "13 seconds")
// or a plain number to its canonical integer value.
func asBytes(v any) (int64, error) {
	switch value := v.(type) {
	case float64:
		return int64(value), nil
	case int64:
		return value, nil
	case string:
		parsed, err := units.ParseSize(value)
		if err != nil {
			return 0, err
		}
		return int64(math.Round(parsed)), nil
	default:
		return 0, fmt.Errorf("not a sized value: %v", v)
	}
}

func afterColon(s string) string {
	if _, rest, found := strings.Cut(s, ":"); found {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(s)
}
