package cmd

import (
	"errors"
	"flag"
	"go/build"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ExecLens/go-exec-trace/trace"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*trace.Config, error) {
	config := &trace.Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	projectDir := flag.String("project", "", "Path to the project directory")
	functionName := flag.String("function", "", "Function to trace, Name or Receiver.Name")
	packagePattern := flag.String("pkg", "", "Package pattern to search for the function (default ./...)")
	testName := flag.String("test", "", "Test function to run once instrumented (e.g., TestSum)")
	outputDir := flag.String("outputdir", "", "Directory for trace dump files (default project directory)")
	reportJsonFile := flag.String("json", "tracereport.json", "File to output trace run details")
	reportChartsFile := flag.String("charts", "tracereport.png", "File to output trace overview chart image")
	maxFieldDepth := flag.Int("fielddepth", 20, "Maximum field recurse depth, increases accuracy but also memory usage")
	maxFieldLen := flag.Int("fieldlen", 1024, "Maximum slice and string length recorded per variable")
	cacheMB := flag.Int("cachemb", 200, "Cache memory budget in MB")
	tmpCopy := flag.Bool("tmpcopy", false, "Copy project to temp directory before instrumenting")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Validate standard flags
	if *projectDir == "" || *functionName == "" {
		return nil, errors.New("usage: -project ../foo -function MyFunc [-test TestMyFunc]")
	}

	// Populate config
	config.ProjectDir = *projectDir
	config.FunctionName = *functionName
	config.PackagePattern = *packagePattern
	config.TestName = *testName
	config.OutputDir = *outputDir
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.MaxFieldDepth = *maxFieldDepth
	config.MaxFieldLen = *maxFieldLen
	config.CacheMB = *cacheMB
	config.TmpCopy = *tmpCopy

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	// Path resolution and environment setup
	if err := setupEnvironment(config); err != nil {
		return nil, err
	}

	return config, nil
}

func setupEnvironment(c *trace.Config) error {
	// Setup GOPATH and GOMODCACHE
	c.Gopath = build.Default.GOPATH
	c.Gomodcache = os.Getenv("GOMODCACHE")
	if c.Gomodcache == "" {
		if c.Gopath == "" {
			return errors.New("neither GOMODCACHE nor GOPATH is set")
		}
		c.Gomodcache = filepath.Join(c.Gopath, "pkg", "mod")
	}

	return nil
}
