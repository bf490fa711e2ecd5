package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// testOutputBufferLimit bounds how much go test output is retained for error reporting.
const testOutputBufferLimit = 1024 * 64

// Config holds settings and state for a TraceEngine.
type Config struct {
	ProjectDir     string
	PackagePattern string // package pattern to search, "./..." when empty
	FunctionName   string // function to trace, "Name" or "Receiver.Name"
	TestName       string // optional test function to run once instrumented
	OutputDir      string // directory for trace dump files, project dir when empty
	MaxFieldDepth  int
	MaxFieldLen    int
	CacheMB        int
	ReportJsonFile, ReportChartsFile string
	TmpCopy                          bool
	// TestOutput optionally receives live go test output in addition to the
	// bounded buffer retained for failure reporting.
	TestOutput io.Writer
	// Computed fields
	Gopath, Gomodcache, AbsProjDir string
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
	// Internal state tracking
	prepared         bool
	defaultOutputDir bool
}

// Prepare validates the configuration and resolves computed fields.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.ProjectDir == "" {
		return errors.New("project directory is required")
	} else if c.FunctionName == "" {
		return errors.New("function name is required")
	}
	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	}
	c.AbsProjDir = absProjDir
	if c.PackagePattern == "" {
		c.PackagePattern = "./..."
	}

	// Apply defaults before range validation
	if c.MaxFieldDepth == 0 {
		c.MaxFieldDepth = 20
	}
	if c.MaxFieldLen == 0 {
		c.MaxFieldLen = 1024
	}
	if c.CacheMB == 0 {
		c.CacheMB = 200
	}
	if c.MaxFieldDepth < 1 || c.MaxFieldDepth > 100 {
		return fmt.Errorf("max field depth must be between 1 and 100, got %d", c.MaxFieldDepth)
	} else if c.MaxFieldLen < 1 || c.MaxFieldLen > 1048576 { // 1MB limit
		return fmt.Errorf("max field length must be between 1 and 1048576, got %d", c.MaxFieldLen)
	} else if c.CacheMB < 1 || c.CacheMB > 10240 { // 10GB limit
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}

	if c.OutputDir == "" {
		c.OutputDir = c.AbsProjDir
		c.defaultOutputDir = true
	} else {
		absOut, err := filepath.Abs(c.OutputDir)
		if err != nil {
			return fmt.Errorf("error resolving output directory: %w", err)
		}
		c.OutputDir = absOut
		if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", c.OutputDir, err)
		}
	}

	if c.ReportJsonFile != "" {
		if err := c.validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}
	if c.ReportChartsFile != "" {
		if err := c.validateOutputPath(c.ReportChartsFile); err != nil {
			return fmt.Errorf("invalid charts report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

// validateOutputPath validates that an output file path can be written to.
func (c *Config) validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}

func (c *Config) goEnv() []string {
	return GoEnv(c.Gopath, c.Gomodcache)
}

// RunResult reports what a trace session produced.
type RunResult struct {
	// Function is the resolved instrumentation target.
	Function *Function
	// DumpDir is where the runtime writes trace dump files.
	DumpDir string
	// TraceKeys holds the archive keys of recorded runs, set when a test ran.
	TraceKeys []string
	// Traces holds the archived runs matching TraceKeys.
	Traces []*Trace
}

// TraceEngine instruments a single function so its executions are recorded,
// optionally driving the function through a test and archiving the results.
type TraceEngine struct {
	Config       *Config
	instrumenter SourceInstrumenter
}

// NewTraceEngine creates an engine for the given config.
func NewTraceEngine(config *Config) *TraceEngine {
	return &TraceEngine{Config: config}
}

// Run resolves the target function, injects the trace runtime, and rewrites
// the function to record execution. When a test name is configured the test is
// run, the resulting dump files archived, and report files written. The
// project remains instrumented until Restore is called, unless TmpCopy moved
// the work into a temp directory.
func (e *TraceEngine) Run() (*RunResult, error) {
	startTime := time.Now()

	if !e.Config.prepared {
		if err := e.Config.Prepare(); err != nil {
			return nil, err
		}
	}

	if e.Config.TmpCopy {
		cleanup, err := e.setupTempEnvironment()
		if err != nil {
			return nil, err
		}
		defer cleanup()
	}

	info, err := ReadModuleInfo(e.Config.AbsProjDir)
	if err != nil {
		return nil, err
	} else if err := info.SupportsTraceRuntime(); err != nil {
		return nil, err
	}
	log.Printf("Tracing %s in module %s", e.Config.FunctionName, info.Name)

	fn, err := ResolveFunction(e.Config.AbsProjDir, e.Config.PackagePattern, e.Config.FunctionName)
	if err != nil {
		return nil, err
	}
	if within, err := fileWithinDir(fn.FilePath, e.Config.AbsProjDir); err != nil {
		return nil, err
	} else if !within {
		return nil, fmt.Errorf("function %s resolved outside project: %s", fn.FunctionIdent, fn.FilePath)
	}

	if err := e.instrument(fn); err != nil {
		e.restoreAfterFailure()
		return nil, err
	}
	log.Printf("Instrumented %s at %s:%d", fn.ShortIdent(), fn.FilePath, fn.EntryLineNumber)

	result := &RunResult{Function: fn, DumpDir: e.Config.OutputDir}
	if e.Config.TestName == "" {
		return result, nil // leave instrumented for a manual run
	}

	var testOutput bytes.Buffer
	// TeeWriter ignores nil writers, so an unset TestOutput only buffers
	out := TeeWriter(newLimitedRollingBufferWriter(&testOutput, testOutputBufferLimit), e.Config.TestOutput)
	if err := ExecGoTest(e.Config.AbsProjDir, e.Config.goEnv(), out, e.Config.TestName); err != nil {
		return nil, fmt.Errorf("test %s failed: %w\n%s",
			e.Config.TestName, err, limitStringLines(testOutput.String(), 40, false))
	}

	result.TraceKeys, result.Traces, err = e.archiveDumps(fn.FunctionIdent)
	if err != nil {
		return nil, err
	}
	log.Printf("Recorded %d distinct run(s) in %s", len(result.TraceKeys), time.Since(startTime).Round(time.Millisecond))

	if err := WriteTraceReport(e.Config.ReportJsonFile, e.Config.ReportChartsFile,
		fn.FunctionIdent, result.Traces); err != nil {
		return nil, fmt.Errorf("error writing report files: %w", err)
	}
	return result, nil
}

func (e *TraceEngine) instrument(fn *Function) error {
	pkgDir := filepath.Dir(fn.FilePath)
	if err := e.instrumenter.InjectTraceClient(pkgDir, e.Config.OutputDir,
		e.Config.MaxFieldDepth, e.Config.MaxFieldLen); err != nil {
		return fmt.Errorf("error injecting trace client: %w", err)
	}
	if err := e.instrumenter.InstrumentFunction(fn); err != nil {
		return fmt.Errorf("error instrumenting %s: %w", fn.ShortIdent(), err)
	}
	if err := e.instrumenter.Commit(); err != nil {
		return fmt.Errorf("error committing instrumentation: %w", err)
	}
	return nil
}

// Restore undoes the instrumentation applied by Run.
func (e *TraceEngine) Restore() []error {
	return e.instrumenter.Restore(e.Config.goEnv())
}

func (e *TraceEngine) restoreAfterFailure() {
	// nothing has been built against the instrumented source yet, restoring
	// the files is enough and the build cache can be left alone
	for _, err := range e.instrumenter.Restore(nil) {
		log.Printf("%sRestore failure: %v", ErrorLogPrefix, err)
	}
}

// archiveDumps stores the dump files the test run produced and loads them back
// for reporting. Storage is scratch space, removed once the traces are loaded.
func (e *TraceEngine) archiveDumps(funcIdent string) ([]string, []*Trace, error) {
	storageDir, err := os.MkdirTemp("", "exectrace-store-*")
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create storage dir: %w", err)
	}
	store, err := NewBadgerStorage(storageDir, e.Config.CacheMB)
	if err != nil {
		_ = os.RemoveAll(storageDir)
		return nil, nil, fmt.Errorf("error opening storage: %w", err)
	}
	defer store.Close()

	archive := NewTraceArchive(store)
	keys, err := archive.ArchiveDir(e.Config.OutputDir, funcIdent)
	if err != nil {
		return nil, nil, fmt.Errorf("error archiving trace dumps: %w", err)
	}
	traces := make([]*Trace, len(keys))
	for i, key := range keys {
		if traces[i], err = archive.Load(key); err != nil {
			return nil, nil, err
		}
	}
	return keys, traces, nil
}

func (e *TraceEngine) setupTempEnvironment() (func(), error) {
	tempRoot, err := os.MkdirTemp("", "exectrace-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create temp dir: %w", err)
	}
	cleanup := func() {
		if err := WriteChmod(context.Background(), tempRoot); err != nil {
			log.Printf("%sFailed to Chmod temp dir for cleanup: %v", ErrorLogPrefix, err)
		}
		if err := os.RemoveAll(tempRoot); err != nil {
			log.Printf("%sFailed to remove temp dir %s: %v", ErrorLogPrefix, tempRoot, err)
		}
	}

	newProj := filepath.Join(tempRoot, "project")
	if err := CopyDir(context.Background(), e.Config.AbsProjDir, newProj, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("unable to copy project: %w", err)
	}
	e.Config.AbsProjDir = newProj
	if e.Config.defaultOutputDir {
		e.Config.OutputDir = newProj
	}
	return cleanup, nil
}
