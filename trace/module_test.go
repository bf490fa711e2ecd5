package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestGoMod(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte(content), 0o644))
	return dir
}

func TestReadModuleInfo(t *testing.T) {
	t.Parallel()

	dir := writeTestGoMod(t, `module example.com/demo

go 1.21

require (
	github.com/stretchr/testify v1.11.1
	golang.org/x/mod v0.29.0 // indirect
)
`)
	info, err := ReadModuleInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, "example.com/demo", info.Name)
	assert.Equal(t, "1.21", info.GoVersion)
	assert.Equal(t, dir, info.Dir)
	assert.Equal(t, filepath.Join(dir, "go.mod"), info.GoModPath)

	ver, ok := info.DependencyVersion("github.com/stretchr/testify")
	assert.True(t, ok)
	assert.Equal(t, "v1.11.1", ver)
	_, ok = info.DependencyVersion("github.com/absent/module")
	assert.False(t, ok)
}

func TestReadModuleInfoErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing_gomod", func(t *testing.T) {
		t.Parallel()

		_, err := ReadModuleInfo(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		dir := writeTestGoMod(t, "module \"unterminated\n")
		_, err := ReadModuleInfo(dir)
		assert.Error(t, err)
	})

	t.Run("no_module_directive", func(t *testing.T) {
		t.Parallel()

		dir := writeTestGoMod(t, "go 1.21\n")
		_, err := ReadModuleInfo(dir)
		assert.ErrorContains(t, err, "no module directive")
	})
}

func TestSupportsTraceRuntime(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		goVersion string
		expectErr bool
	}{
		{name: "current", goVersion: "1.21"},
		{name: "minimum", goVersion: "1.16"},
		{name: "patch_version", goVersion: "1.21.5"},
		{name: "missing_directive", goVersion: ""},
		{name: "too_old", goVersion: "1.15", expectErr: true},
		{name: "invalid", goVersion: "one.two", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			info := &ModuleInfo{Name: "example.com/demo", GoVersion: tc.goVersion}
			err := info.SupportsTraceRuntime()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
