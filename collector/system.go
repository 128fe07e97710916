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
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"

	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/rest"
)

// Inventory pulls the flat inventory endpoints: VMs, storage systems and
// sites. They all follow the same fetch-filter-buffer shape; only the
// harvester needs more than that.
type Inventory struct {
	api    apiClient
	buffer recordBuffer
	log    logs.StructuredLogger
}

func NewInventory(api apiClient, buffer recordBuffer, log logs.StructuredLogger) *Inventory {
	return &Inventory{api: api, buffer: buffer, log: log}
}

func (i *Inventory) CollectVMs(ctx context.Context) error {
	vms, err := i.api.GetObjects(ctx, rest.PageRequest{
		Endpoint:  "api/hypervisor/vm",
		ArrayName: "vms",
		AllowList: []string{
			"id", "name", "host", "datacenterName", "commited", "uncommited",
			"memory", "cpu", "powerState", "osName", "isProtected",
		},
		AddTimeStamp: true,
	})
	if err != nil {
		return fmt.Errorf("listing vms: %w", err)
	}
	return i.buffer.Buffer(ctx, influx.MeasurementVMs, vms, nil)
}

func (i *Inventory) CollectStorages(ctx context.Context) error {
	storages, err := i.api.GetObjects(ctx, rest.PageRequest{
		Endpoint:  "api/storage",
		ArrayName: "storages",
		AllowList: []string{
			"storageId", "name", "type", "site", "hostAddress",
			"capacity.free", "capacity.total", "capacity.used",
		},
		AddTimeStamp: true,
	})
	if err != nil {
		return fmt.Errorf("listing storages: %w", err)
	}
	for _, storage := range storages {
		total, okTotal := numeric(storage["total"])
		used, okUsed := numeric(storage["used"])
		if okTotal && okUsed && total > 0 {
			storage["pct_used"] = used / total * 100
		}
	}
	return i.buffer.Buffer(ctx, influx.MeasurementStorages, storages, nil)
}

func (i *Inventory) CollectSites(ctx context.Context) error {
	sites, err := i.api.GetObjects(ctx, rest.PageRequest{
		Endpoint:     "api/site",
		ArrayName:    "sites",
		AllowList:    []string{"id", "name", "throttleRates", "description"},
		AddTimeStamp: true,
	})
	if err != nil {
		return fmt.Errorf("listing sites: %w", err)
	}
	// the sites schema keeps id/name free for other uses
	for _, site := range sites {
		if id, ok := site["id"]; ok {
			site["siteId"] = id
			delete(site, "id")
		}
		if name, ok := site["name"]; ok {
			site["siteName"] = name
			delete(site, "name")
		}
	}
	return i.buffer.Buffer(ctx, influx.MeasurementSites, sites, nil)
}

// SelfMonitor samples the local host and the agent's own process. The
// host numbers mirror what the operator would read off top(1); the
// process row helps spot agent leaks between releases.
type SelfMonitor struct {
	buffer recordBuffer
	log    logs.StructuredLogger
	runID  string
	// dataPath is the mount whose usage feeds dataSize/dataUtil,
	// normally the TSDB storage volume.
	dataPath string
}

func NewSelfMonitor(buffer recordBuffer, log logs.StructuredLogger, runID, dataPath string) *SelfMonitor {
	if dataPath == "" {
		dataPath = "/"
	}
	return &SelfMonitor{buffer: buffer, log: log, runID: runID, dataPath: dataPath}
}

func (s *SelfMonitor) CollectCPURAM(ctx context.Context) error {
	record := map[string]any{}
	if percents, err := cpu.Percent(time.Second, false); err != nil {
		s.log.Warnf("reading cpu utilization: %v", err)
	} else if len(percents) > 0 {
		record["cpuUtil"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		s.log.Warnf("reading memory: %v", err)
	} else {
		record["memorySize"] = int64(vm.Total)
		record["memoryUtil"] = vm.UsedPercent
	}
	if usage, err := disk.Usage(s.dataPath); err != nil {
		s.log.Warnf("reading disk usage of %s: %v", s.dataPath, err)
	} else {
		record["dataSize"] = int64(usage.Total)
		record["dataUtil"] = usage.UsedPercent
	}
	if len(record) == 0 {
		return fmt.Errorf("no system stats readable")
	}
	return s.buffer.Buffer(ctx, influx.MeasurementCPURAM, []map[string]any{record}, nil)
}

func (s *SelfMonitor) CollectProcessStats(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("opening own process: %w", err)
	}
	record := map[string]any{"runId": s.runID}
	if percent, err := proc.CPUPercent(); err == nil {
		record["cpuPercent"] = percent
	}
	if info, err := proc.MemoryInfo(); err == nil {
		record["rssBytes"] = int64(info.RSS)
	}
	if created, err := proc.CreateTime(); err == nil {
		record["uptimeSec"] = time.Now().UnixMilli()/1000 - created/1000
	}
	return s.buffer.Buffer(ctx, influx.MeasurementProcessStats, []map[string]any{record}, nil)
}
