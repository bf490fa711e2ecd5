package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/ExecLens/go-exec-trace/trace"
	"github.com/ExecLens/go-exec-trace/trace/cmd"
)

const pprofDebug = false

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	config, err := cmd.ParseFlags(nil) // No custom flags for standard exectrace
	if err != nil {
		log.Fatalf("%s%v", trace.ErrorLogPrefix, err)
	}
	config.TestOutput = os.Stdout // stream test output as it runs

	engine := trace.NewTraceEngine(config)
	result, err := engine.Run()
	if err != nil {
		log.Fatalf("%s%v", trace.ErrorLogPrefix, err)
	}

	if config.TestName == "" {
		log.Printf("Function %s instrumented, run the project to record trace dumps in %s",
			result.Function.ShortIdent(), result.DumpDir)
		return // leave instrumentation in place for the manual run
	}

	log.Printf("Archived %d distinct run(s) of %s", len(result.TraceKeys), result.Function.ShortIdent())
	for _, key := range result.TraceKeys {
		log.Println("  " + key)
	}
	for _, err := range engine.Restore() {
		log.Printf("%sRestore failure: %v", trace.ErrorLogPrefix, err)
	}
}
