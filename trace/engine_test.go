package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineTestSource = `package demo

func Sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
`

func writeEngineTestProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/engdemo\n\ngo 1.21\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte(engineTestSource), 0o644))
	return dir
}

func TestConfigPrepare(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		c := &Config{ProjectDir: dir, FunctionName: "Sum"}
		require.NoError(t, c.Prepare())
		assert.Equal(t, "./...", c.PackagePattern)
		assert.Equal(t, 20, c.MaxFieldDepth)
		assert.Equal(t, 1024, c.MaxFieldLen)
		assert.Equal(t, 200, c.CacheMB)
		assert.Equal(t, c.AbsProjDir, c.OutputDir)
		assert.True(t, filepath.IsAbs(c.AbsProjDir))
	})

	t.Run("repeat_prepare", func(t *testing.T) {
		t.Parallel()

		c := &Config{ProjectDir: t.TempDir(), FunctionName: "Sum"}
		require.NoError(t, c.Prepare())
		assert.Error(t, c.Prepare())
	})

	t.Run("output_dir_created", func(t *testing.T) {
		t.Parallel()

		outDir := filepath.Join(t.TempDir(), "traces")
		c := &Config{ProjectDir: t.TempDir(), FunctionName: "Sum", OutputDir: outDir}
		require.NoError(t, c.Prepare())
		assert.DirExists(t, c.OutputDir)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			name   string
			config Config
		}{
			{name: "no_project", config: Config{FunctionName: "Sum"}},
			{name: "no_function", config: Config{ProjectDir: "."}},
			{name: "depth_range", config: Config{ProjectDir: ".", FunctionName: "Sum", MaxFieldDepth: 200}},
			{name: "len_range", config: Config{ProjectDir: ".", FunctionName: "Sum", MaxFieldLen: -1}},
			{name: "cache_range", config: Config{ProjectDir: ".", FunctionName: "Sum", CacheMB: 99999}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				c := tc.config
				assert.Error(t, c.Prepare())
			})
		}
	})
}

func TestTraceEngineRunInstrumentsProject(t *testing.T) {
	t.Parallel()

	dir := writeEngineTestProject(t)
	engine := NewTraceEngine(&Config{ProjectDir: dir, FunctionName: "Sum"})
	result, err := engine.Run()
	require.NoError(t, err)
	require.NotNil(t, result.Function)
	assert.Equal(t, "example.com/engdemo:Sum", result.Function.FunctionIdent)
	assert.Equal(t, dir, result.DumpDir)
	assert.Empty(t, result.TraceKeys) // no test configured, nothing executed

	instrumented, err := os.ReadFile(filepath.Join(dir, "demo.go"))
	require.NoError(t, err)
	assert.Contains(t, string(instrumented), recordStateFuncName)
	assert.Contains(t, string(instrumented), dumpStateFuncName)
	assert.Contains(t, string(instrumented), instrumentedMarker)
	assert.FileExists(t, filepath.Join(dir, injectedFilenamePrefix+"client_gen.go"))
	assert.FileExists(t, filepath.Join(dir, "demo.go.bkp"))

	// restore directly with a nil env so the host build cache is untouched
	assert.Empty(t, engine.instrumenter.Restore(nil))
	restored, err := os.ReadFile(filepath.Join(dir, "demo.go"))
	require.NoError(t, err)
	assert.Equal(t, engineTestSource, string(restored))
	assert.NoFileExists(t, filepath.Join(dir, injectedFilenamePrefix+"client_gen.go"))
	assert.NoFileExists(t, filepath.Join(dir, "demo.go.bkp"))
}

func TestTraceEngineRunFunctionNotFound(t *testing.T) {
	t.Parallel()

	dir := writeEngineTestProject(t)
	engine := NewTraceEngine(&Config{ProjectDir: dir, FunctionName: "Absent"})
	_, err := engine.Run()
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestTraceEngineRunUnsupportedGoVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/old\n\ngo 1.15\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte(engineTestSource), 0o644))

	engine := NewTraceEngine(&Config{ProjectDir: dir, FunctionName: "Sum"})
	_, err := engine.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace runtime")
}

func TestTraceEngineRunUnsupportedFunction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/switchdemo\n\ngo 1.21\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte(`package demo

func Pick(x int) string {
	switch x {
	case 1:
		return "one"
	default:
		return "other"
	}
}
`), 0o644))

	engine := NewTraceEngine(&Config{ProjectDir: dir, FunctionName: "Pick"})
	_, err := engine.Run()
	require.ErrorIs(t, err, ErrUnsupportedStmt)

	// failed instrumentation must leave the source untouched
	content, err := os.ReadFile(filepath.Join(dir, "demo.go"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "switch x"))
	assert.False(t, strings.Contains(string(content), recordStateFuncName))
}
