package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResolveTestProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/resolvetest\n\ngo 1.21\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calc.go"), []byte(`package calc

type Counter struct {
	total int
}

func (c *Counter) Add(v int) int {
	c.total += v
	return c.total
}

func Double(x int) int {
	return x * 2
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calc_test.go"), []byte(`package calc

func Double(x int) int { // shadow declared in test file must be ignored
	return x
}
`), 0o644))
	return dir
}

func TestResolveFunction(t *testing.T) {
	t.Parallel()

	dir := writeResolveTestProject(t)

	fn, err := ResolveFunction(dir, "", "Double")
	require.NoError(t, err)
	assert.Equal(t, "Double", fn.FunctionName)
	assert.Equal(t, "example.com/resolvetest", fn.PackageName)
	assert.Equal(t, filepath.Join(dir, "calc.go"), fn.FilePath)
	assert.Equal(t, uint32(12), fn.EntryLineNumber)
	assert.Equal(t, "Double", shortFunctionName(fn.FunctionIdent))
}

func TestResolveFunctionMethod(t *testing.T) {
	t.Parallel()

	dir := writeResolveTestProject(t)

	fn, err := ResolveFunction(dir, "", "Counter.Add")
	require.NoError(t, err)
	assert.Equal(t, "Add", fn.FunctionName)
	assert.Equal(t, "*Counter.Add", shortFunctionName(fn.FunctionIdent))

	starred, err := ResolveFunction(dir, "", "*Counter.Add")
	require.NoError(t, err)
	assert.Equal(t, fn.FunctionIdent, starred.FunctionIdent)
}

func TestResolveFunctionNotFound(t *testing.T) {
	t.Parallel()

	dir := writeResolveTestProject(t)

	_, err := ResolveFunction(dir, "", "Absent")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestResolveFunctionAmbiguous(t *testing.T) {
	t.Parallel()

	dir := writeResolveTestProject(t)
	subDir := filepath.Join(dir, "other")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "other.go"), []byte(`package other

func Double(x int) int {
	return x + x
}
`), 0o644))

	_, err := ResolveFunction(dir, "", "Double")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestShortFunctionName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Fn", shortFunctionName("example.com/pkg:Fn"))
	assert.Equal(t, "Recv.Fn", shortFunctionName("example.com/pkg:Recv.Fn"))
	assert.Equal(t, "Fn", shortFunctionName("Fn"))
}
