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
	"github.com/sppmontools/sppmon/influx/schema"
)

// Measurement names referenced across collectors. Declared here once; the
// catalog is the single source of truth for their schema.
const (
	MeasurementJobs           = "jobs"
	MeasurementJobLogs        = "jobLogs"
	MeasurementJobStatistics  = "jobStatistics"
	MeasurementVMBackup       = "vmBackupSummary"
	MeasurementVMReplicateSum = "vmReplicateSummary"
	MeasurementVMReplicate    = "vmReplicateStats"
	MeasurementOffice365      = "office365Stats"
	MeasurementOffice365Bytes = "office365TransfBytes"
	MeasurementVMs            = "vms"
	MeasurementStorages       = "storages"
	MeasurementSites          = "sites"
	MeasurementCPURAM         = "cpuram"
	MeasurementProcessStats   = "processStats"
	MeasurementMetrics        = "influx_metrics"
)

// Definitions seeds the catalog with the full SPP measurement set. The
// session measurement keeps id in the tag set so that a re-insert with the
// same timestamp overwrites the row (the atomic swap relies on this); the
// per-log id stays a field because of its cardinality.
func Definitions(database string) (*Catalog, error) {
	c := NewCatalog(database)

	if _, err := c.DeclareMeasurement(MeasurementJobs,
		[]schema.Field{
			// start doubles as the time key; storing it lets a SELECT * row
			// re-insert at its original time during the harvest swap.
			{Name: "start", Type: schema.Timestamp},
			{Name: "end", Type: schema.Timestamp},
			{Name: "duration", Type: schema.Int},
			{Name: "indexStatus", Type: schema.String},
			{Name: "subPolicyType", Type: schema.String},
			{Name: "type", Type: schema.String},
			{Name: "numTasks", Type: schema.Int},
			{Name: "percent", Type: schema.Float},
			{Name: "jobsLogsStored", Type: schema.String},
			{Name: "jobLogsCount", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"id", "jobId", "jobName", "status"},
			TimeKey:   "start",
			Retention: c.Days90(),
			ContinuousQueries: []CQTemplate{
				c.Downsample([]string{
					"mean(duration) AS duration",
					"count(id) AS count",
				}, "1w", c.Forever()),
			},
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementJobLogs,
		[]schema.Field{
			{Name: "jobLogId", Type: schema.String},
			{Name: "message", Type: schema.String},
			{Name: "messageParams", Type: schema.String},
			{Name: "jobExecutionTime", Type: schema.Timestamp},
		},
		MeasurementOptions{
			Tags:      []string{"jobId", "jobName", "jobSessionId", "messageId", "type"},
			TimeKey:   "logTime",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementJobStatistics,
		[]schema.Field{
			{Name: "total", Type: schema.Int},
			{Name: "success", Type: schema.Int},
			{Name: "failed", Type: schema.Int},
			{Name: "skipped", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"jobId", "jobName", "jobSessionId", "resourceType"},
			TimeKey:   "start",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementVMBackup,
		[]schema.Field{
			{Name: "name", Type: schema.String},
			{Name: "transferredBytes", Type: schema.Int},
			{Name: "throughputBytesPerSec", Type: schema.Int},
			{Name: "queueTimeSec", Type: schema.Int},
			{Name: "protectedVMDKs", Type: schema.Int},
			{Name: "TotalVMDKs", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"status", "proxy", "vsnaps", "type", "transportType", "messageId"},
			TimeKey:   "logTime",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementVMReplicateSum,
		[]schema.Field{
			{Name: "total", Type: schema.Int},
			{Name: "failed", Type: schema.Int},
			{Name: "duration", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"messageId"},
			TimeKey:   "logTime",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementVMReplicate,
		[]schema.Field{
			{Name: "replicatedBytes", Type: schema.Int},
			{Name: "throughputBytesPerSec", Type: schema.Int},
			{Name: "duration", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"messageId"},
			TimeKey:   "logTime",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementOffice365,
		[]schema.Field{
			{Name: "imported365Users", Type: schema.Int},
			{Name: "protectedItems", Type: schema.Int},
			{Name: "selectedItems", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"jobId", "jobSessionId", "messageId"},
			TimeKey:   "logTime",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementOffice365Bytes,
		[]schema.Field{
			{Name: "itemName", Type: schema.String},
			{Name: "transferredBytes", Type: schema.Int},
		},
		MeasurementOptions{
			Tags:      []string{"itemType", "serverName", "jobId", "jobSessionId"},
			TimeKey:   "logTime",
			Retention: c.Days90(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementVMs,
		[]schema.Field{
			{Name: "commited", Type: schema.Int},
			{Name: "uncommited", Type: schema.Int},
			{Name: "memory", Type: schema.Int},
			{Name: "cpu", Type: schema.Int},
			{Name: "powerState", Type: schema.String},
			{Name: "osName", Type: schema.String},
			{Name: "isProtected", Type: schema.String},
		},
		MeasurementOptions{
			Tags:      []string{"id", "name", "host", "datacenterName"},
			Retention: c.Days14(),
			ContinuousQueries: []CQTemplate{
				c.Downsample([]string{
					"mean(commited) AS commited",
					"mean(memory) AS memory",
					"count(id) AS count",
				}, "1d", c.Forever()),
			},
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementStorages,
		[]schema.Field{
			{Name: "free", Type: schema.Int},
			{Name: "total", Type: schema.Int},
			{Name: "used", Type: schema.Int},
			{Name: "pct_used", Type: schema.Float},
		},
		MeasurementOptions{
			Tags:      []string{"storageId", "name", "type", "site", "hostAddress"},
			Retention: c.HalfYear(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementSites,
		[]schema.Field{
			{Name: "throttleRates", Type: schema.String},
			{Name: "description", Type: schema.String},
		},
		MeasurementOptions{
			Tags:      []string{"siteId", "siteName"},
			Retention: c.Year(),
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementCPURAM,
		[]schema.Field{
			{Name: "cpuUtil", Type: schema.Float},
			{Name: "memorySize", Type: schema.Int},
			{Name: "memoryUtil", Type: schema.Float},
			{Name: "dataSize", Type: schema.Int},
			{Name: "dataUtil", Type: schema.Float},
		},
		MeasurementOptions{
			Retention: c.Days14(),
			ContinuousQueries: []CQTemplate{
				c.Downsample([]string{
					"mean(cpuUtil) AS cpuUtil",
					"mean(memoryUtil) AS memoryUtil",
				}, "1h", c.Days90()),
			},
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementProcessStats,
		[]schema.Field{
			{Name: "cpuPercent", Type: schema.Float},
			{Name: "rssBytes", Type: schema.Int},
			{Name: "uptimeSec", Type: schema.Int},
		},
		MeasurementOptions{
			Tags: []string{"runId"},
		}); err != nil {
		return nil, err
	}

	if _, err := c.DeclareMeasurement(MeasurementMetrics,
		[]schema.Field{
			{Name: "duration_ms", Type: schema.Float},
			{Name: "itemCount", Type: schema.Int},
			{Name: "errorCount", Type: schema.Int},
			{Name: "error", Type: schema.String},
		},
		MeasurementOptions{
			Tags: []string{"keyword", "tableName", "endpoint", "runId"},
		}); err != nil {
		return nil, err
	}

	return c, nil
}
