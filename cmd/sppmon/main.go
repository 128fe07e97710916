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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/sppmontools/sppmon/collector"
	"github.com/sppmontools/sppmon/config"
	"github.com/sppmontools/sppmon/influx"
	"github.com/sppmontools/sppmon/internal/healthchecks"
	"github.com/sppmontools/sppmon/internal/logs"
	"github.com/sppmontools/sppmon/internal/version"
	"github.com/sppmontools/sppmon/rest"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
	exitStartup = 3
)

var (
	cfgPath     = flag.String("cfg", "", "path to the sppmon config file (required)")
	logFile     = flag.String("logFile", "", "path of the rotated log file; empty logs to stderr")
	verbose     = flag.Bool("verbose", false, "mirror the log to stderr")
	debug       = flag.Bool("debug", false, "log at debug level")
	testMode    = flag.Bool("test", false, "run connectivity checks and exit")
	showVersion = flag.Bool("version", false, "print the version and exit")

	levelConstant = flag.Bool("constant", false, "run the constant collectors")
	levelHourly   = flag.Bool("hourly", false, "run the hourly collectors (includes constant)")
	levelDaily    = flag.Bool("daily", false, "run the daily collectors (includes hourly)")
	levelAll      = flag.Bool("all", false, "run every collector")

	jobsFlag     = flag.Bool("jobs", false, "collect job sessions")
	jobLogsFlag  = flag.Bool("jobLogs", false, "harvest job session logs")
	vmsFlag      = flag.Bool("vms", false, "collect the VM inventory")
	storagesFlag = flag.Bool("storages", false, "collect the storage inventory")
	sitesFlag    = flag.Bool("sites", false, "collect the site inventory")
	cpuFlag      = flag.Bool("cpu", false, "sample local cpu/ram/disk")
	procFlag     = flag.Bool("processStats", false, "sample the agent's own process")

	copyDatabase = flag.String("copy_database", "", "copy all data into the named database and exit")
	loadedSystem = flag.Bool("loadedSystem", false, "use gentler request pacing for a busy server")
	fullLogs     = flag.Bool("fullLogs", false, "harvest every log type, not only summaries")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Version)
		return
	}
	if *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "the --cfg flag is required")
		flag.Usage()
		os.Exit(exitUsage)
	}
	os.Exit(run())
}

func run() int {
	log := logs.New(logs.Options{File: *logFile, Verbose: *verbose, Debug: *debug})
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Errorf("startup: %v", err)
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := influx.Definitions(cfg.InfluxDB.Database)
	if err != nil {
		log.Errorf("startup: declaring schema: %v", err)
		return exitStartup
	}
	db := influx.NewClient(influx.ClientConfig{
		Address:   cfg.InfluxDB.Address,
		Port:      cfg.InfluxDB.Port,
		SSL:       cfg.InfluxDB.SSL,
		VerifySSL: cfg.InfluxDB.VerifySSL,
		Username:  cfg.InfluxDB.Username,
		Password:  cfg.InfluxDB.Password.SecretValue(),
		ReadUser:  cfg.InfluxDB.ReadUser,
	}, log)
	defer db.Close()

	runID := uuid.NewString()
	buffer := influx.NewBuffer(catalog, db, log, runID)
	recorder := collector.NewMetricRecorder(buffer, log, runID)

	profile := rest.NormalProfile()
	if *loadedSystem {
		profile = rest.LoadedProfile()
	}
	api := rest.NewClient(rest.ClientConfig{
		Address:  cfg.SPPServer.Address,
		Port:     cfg.SPPServer.Port,
		Username: cfg.SPPServer.Username,
		Password: cfg.SPPServer.Password.SecretValue(),
		Profile:  profile,
	}, log, recorder)

	if *testMode {
		registry := healthchecks.Registry{
			healthchecks.ReachabilityCheck{CheckName: "InfluxDB Reachable",
				Address: cfg.InfluxDB.Address, Port: cfg.InfluxDB.Port},
			healthchecks.ReachabilityCheck{CheckName: "SPP Server Reachable",
				Address: cfg.SPPServer.Address, Port: cfg.SPPServer.Port},
			healthchecks.InfluxCheck{Client: db},
			healthchecks.SPPLoginCheck{Client: api},
		}
		if _, err := registry.RunAll(ctx, log); err != nil {
			log.Errorf("%v", err)
			return exitRuntime
		}
		return exitOK
	}

	if err := db.Ping(ctx); err != nil {
		log.Errorf("startup: TSDB unreachable: %v", err)
		return exitStartup
	}
	plan, err := catalog.Reconcile(ctx, db)
	if err != nil {
		log.Errorf("startup: schema reconciliation: %v", err)
		return exitStartup
	}
	if !plan.Empty() {
		log.Infof("schema reconciled: %d RPs created, %d altered, %d CQs replaced",
			len(plan.CreateRPs), len(plan.AlterRPs), len(plan.CreateCQs))
	}

	if *copyDatabase != "" {
		report, err := db.CopyDatabase(ctx, catalog, *copyDatabase)
		if err != nil {
			log.Errorf("copying database: %v", err)
			return exitRuntime
		}
		log.Infof("copied into %q: %d statements, %d rows, %d dropped beyond retention, %d failed statements",
			*copyDatabase, report.Statements, report.Transferred, report.SoftDropped, len(report.Failed))
		if len(report.Failed) > 0 {
			return exitRuntime
		}
		return exitOK
	}

	if err := api.Login(ctx); err != nil {
		log.Errorf("startup: %v", err)
		return exitStartup
	}
	defer api.Logout(context.Background())

	harvester := collector.NewHarvester(api, db, buffer, catalog, log,
		cfg.SPPServer.JobLogRetention, *fullLogs)
	inventory := collector.NewInventory(api, buffer, log)
	selfmon := collector.NewSelfMonitor(buffer, log, runID, "")

	runner := collector.NewRunner(log)
	runner.Add(collector.Collector{Name: "cpu", Level: collector.LevelConstant, Run: selfmon.CollectCPURAM})
	runner.Add(collector.Collector{Name: "processStats", Level: collector.LevelConstant, Run: selfmon.CollectProcessStats})
	runner.Add(collector.Collector{Name: "jobs", Level: collector.LevelHourly, Run: harvester.CollectJobs})
	runner.Add(collector.Collector{Name: "jobLogs", Level: collector.LevelHourly, Run: harvester.CollectJobLogs})
	runner.Add(collector.Collector{Name: "vms", Level: collector.LevelDaily, Run: inventory.CollectVMs})
	runner.Add(collector.Collector{Name: "storages", Level: collector.LevelDaily, Run: inventory.CollectStorages})
	runner.Add(collector.Collector{Name: "sites", Level: collector.LevelDaily, Run: inventory.CollectSites})

	runner.Run(ctx, selection().Enabled)

	if err := buffer.Disconnect(ctx); err != nil {
		log.Errorf("flushing buffered rows: %v", err)
		return exitRuntime
	}
	if errs := runner.Errors(); len(errs) > 0 {
		log.Errorf("run finished with %d collector errors; see the log file for details", len(errs))
		return exitRuntime
	}
	log.Infof("run %s finished cleanly", runID)
	return exitOK
}

// selection folds the level flags and per-collector toggles. The levels
// nest: each one implies everything below it.
func selection() collector.Selection {
	sel := collector.Selection{Toggles: map[string]bool{
		"jobs":         *jobsFlag,
		"jobLogs":      *jobLogsFlag,
		"vms":          *vmsFlag,
		"storages":     *storagesFlag,
		"sites":        *sitesFlag,
		"cpu":          *cpuFlag,
		"processStats": *procFlag,
	}}
	switch {
	case *levelAll:
		sel.Level, sel.HasLevel = collector.LevelAll, true
	case *levelDaily:
		sel.Level, sel.HasLevel = collector.LevelDaily, true
	case *levelHourly:
		sel.Level, sel.HasLevel = collector.LevelHourly, true
	case *levelConstant:
		sel.Level, sel.HasLevel = collector.LevelConstant, true
	}
	return sel
}
