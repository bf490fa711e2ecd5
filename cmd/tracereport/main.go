package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ExecLens/go-exec-trace/trace"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	dumpDir := flag.String("dumps", "", "Directory of trace dump files to archive and report on")
	funcIdent := flag.String("function", "", "Function identifier the dumps belong to (required with -dumps)")
	reportJsonFile := flag.String("json", "tracereport.json", "File to output trace run details")
	reportChartsFile := flag.String("charts", "tracereport.png", "File to output trace overview chart image")
	printDiff := flag.Bool("diff", true, "Print a unified diff when exactly two distinct runs were recorded")
	flag.Parse()

	if *dumpDir != "" {
		if *funcIdent == "" {
			log.Fatalf("%s-function is required with -dumps", trace.ErrorLogPrefix)
		}
		reportFromDumps(*dumpDir, *funcIdent, *reportJsonFile, *reportChartsFile, *printDiff)
		return
	}

	// No dump directory, re-render charts from a previously written report.
	data, err := os.ReadFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read trace report: %v", trace.ErrorLogPrefix, err)
	}
	var metrics trace.TraceReportMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		log.Fatalf("%sFailed to unmarshal trace report: %v", trace.ErrorLogPrefix, err)
	}

	charts, err := trace.RenderTraceCharts(metrics)
	if err != nil {
		log.Fatalf("%sFailed to render charts: %v", trace.ErrorLogPrefix, err)
	}
	if err = os.WriteFile(*reportChartsFile, charts, 0644); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", trace.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}

func reportFromDumps(dumpDir, funcIdent, jsonFile, chartsFile string, printDiff bool) {
	archive := trace.NewTraceArchive(trace.NewMemStorage())
	keys, err := archive.ArchiveDir(dumpDir, funcIdent)
	if err != nil {
		log.Fatalf("%sFailed to archive dumps: %v", trace.ErrorLogPrefix, err)
	} else if len(keys) == 0 {
		log.Fatalf("%sNo trace dumps found in %s", trace.ErrorLogPrefix, dumpDir)
	}

	traces := make([]*trace.Trace, len(keys))
	for i, key := range keys {
		if traces[i], err = archive.Load(key); err != nil {
			log.Fatalf("%sFailed to load archived trace: %v", trace.ErrorLogPrefix, err)
		}
	}

	if err := trace.WriteTraceReport(jsonFile, chartsFile, funcIdent, traces); err != nil {
		log.Fatalf("%sFailed to write report files: %v", trace.ErrorLogPrefix, err)
	}
	log.Printf("Report written for %d distinct run(s) of %s", len(keys), funcIdent)

	if printDiff && len(traces) == 2 {
		diff, err := trace.DiffTraces(traces[0], traces[1], keys[0], keys[1])
		if err != nil {
			log.Fatalf("%sFailed to diff runs: %v", trace.ErrorLogPrefix, err)
		}
		fmt.Print(diff)
	}
}
