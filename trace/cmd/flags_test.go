package cmd

import (
	"flag"
	"go/build"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ExecLens/go-exec-trace/trace"
)

// withFlagEnv resets the global flag state and go environment around a ParseFlags call.
func withFlagEnv(t *testing.T, args []string, run func()) {
	t.Helper()

	oldArgs := os.Args
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	os.Args = append([]string{os.Args[0]}, args...)

	oldGopath := build.Default.GOPATH
	build.Default.GOPATH = t.TempDir()
	oldGomod := os.Getenv("GOMODCACHE")
	require.NoError(t, os.Setenv("GOMODCACHE", t.TempDir()))
	defer func() {
		os.Args = oldArgs
		build.Default.GOPATH = oldGopath
		_ = os.Setenv("GOMODCACHE", oldGomod)
	}()

	run()
}

func TestParseFlags(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		proj := t.TempDir()
		withFlagEnv(t, []string{"-project", proj, "-function", "Sum"}, func() {
			cfg, err := ParseFlags(nil)
			require.NoError(t, err)

			assert.Equal(t, proj, cfg.ProjectDir)
			assert.Equal(t, "Sum", cfg.FunctionName)
			assert.Equal(t, 20, cfg.MaxFieldDepth)
			assert.Equal(t, 1024, cfg.MaxFieldLen)
			assert.Equal(t, "tracereport.json", cfg.ReportJsonFile)
			assert.False(t, cfg.TmpCopy)
			// AbsProjDir is set by Config.Prepare(), not ParseFlags
			assert.Empty(t, cfg.AbsProjDir)
		})
	})

	t.Run("full_options", func(t *testing.T) {
		proj := t.TempDir()
		out := t.TempDir()
		args := []string{"-project", proj, "-function", "Counter.Add", "-pkg", "./internal/...",
			"-test", "TestCounterAdd", "-outputdir", out, "-fielddepth", "5", "-fieldlen", "64",
			"-cachemb", "32", "-json", "out.json", "-charts", "out.svg", "-tmpcopy"}
		withFlagEnv(t, args, func() {
			cfg, err := ParseFlags(nil)
			require.NoError(t, err)

			assert.Equal(t, "Counter.Add", cfg.FunctionName)
			assert.Equal(t, "./internal/...", cfg.PackagePattern)
			assert.Equal(t, "TestCounterAdd", cfg.TestName)
			assert.Equal(t, out, cfg.OutputDir)
			assert.Equal(t, 5, cfg.MaxFieldDepth)
			assert.Equal(t, 64, cfg.MaxFieldLen)
			assert.Equal(t, 32, cfg.CacheMB)
			assert.Equal(t, "out.json", cfg.ReportJsonFile)
			assert.Equal(t, "out.svg", cfg.ReportChartsFile)
			assert.True(t, cfg.TmpCopy)
		})
	})

	t.Run("custom_flags", func(t *testing.T) {
		proj := t.TempDir()
		args := []string{"-project", proj, "-function", "Sum", "-str", "val", "-num", "2", "-ok"}
		cfs := []CustomFlag{
			{Name: "str", DefaultValue: "", Usage: "", Type: "string"},
			{Name: "num", DefaultValue: 0, Usage: "", Type: "int"},
			{Name: "ok", DefaultValue: false, Usage: "", Type: "bool"},
		}
		withFlagEnv(t, args, func() {
			cfg, err := ParseFlags(cfs)
			require.NoError(t, err)

			assert.Equal(t, "val", cfg.CustomFlags["str"])
			assert.Equal(t, "2", cfg.CustomFlags["num"])
			assert.Equal(t, "true", cfg.CustomFlags["ok"])
		})
	})

	t.Run("custom_flags_with_defaults", func(t *testing.T) {
		proj := t.TempDir()
		args := []string{"-project", proj, "-function", "Sum"}
		cfs := []CustomFlag{
			{Name: "defaultstr", DefaultValue: "default", Usage: "test string", Type: "string"},
			{Name: "defaultnum", DefaultValue: 42, Usage: "test int", Type: "int"},
			{Name: "defaultbool", DefaultValue: true, Usage: "test bool", Type: "bool"},
		}
		withFlagEnv(t, args, func() {
			cfg, err := ParseFlags(cfs)
			require.NoError(t, err)

			assert.Equal(t, "default", cfg.CustomFlags["defaultstr"])
			assert.Equal(t, "42", cfg.CustomFlags["defaultnum"])
			assert.Equal(t, "true", cfg.CustomFlags["defaultbool"])
		})
	})

	t.Run("missing_function", func(t *testing.T) {
		proj := t.TempDir()
		withFlagEnv(t, []string{"-project", proj}, func() {
			_, err := ParseFlags(nil)
			require.Error(t, err)
		})
	})

	t.Run("missing_project", func(t *testing.T) {
		withFlagEnv(t, []string{"-function", "Sum"}, func() {
			_, err := ParseFlags(nil)
			require.Error(t, err)
		})
	})
}

func TestConfigSetupEnvironment(t *testing.T) {
	tests := []struct {
		name          string
		useGomodcache bool
		useGopath     bool
		wantErr       bool
	}{
		{name: "gomodcache_env", useGomodcache: true, useGopath: true},
		{name: "gopath_only", useGopath: true},
		{name: "missing_both", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := trace.Config{ProjectDir: t.TempDir()}

			var gomodcache, gopath string
			if tt.useGomodcache {
				gomodcache = t.TempDir()
				gopath = t.TempDir()
			} else if tt.useGopath {
				gopath = t.TempDir()
			}
			oldGomod := os.Getenv("GOMODCACHE")
			_ = os.Setenv("GOMODCACHE", gomodcache)
			oldGopath := build.Default.GOPATH
			build.Default.GOPATH = gopath
			defer func() {
				_ = os.Setenv("GOMODCACHE", oldGomod)
				build.Default.GOPATH = oldGopath
			}()

			err := setupEnvironment(&cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, gopath, cfg.Gopath)
			expected := ""
			if tt.useGomodcache {
				expected = gomodcache
			} else if tt.useGopath {
				expected = filepath.Join(gopath, "pkg", "mod")
			}
			assert.Equal(t, expected, cfg.Gomodcache)
		})
	}
}
