package trace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
)

// minimumGoVersion is the oldest go directive the injected runtime supports,
// the generated client relies on os.CreateTemp.
const minimumGoVersion = "v1.16"

// ModuleInfo describes the go.mod of a project targeted for instrumentation.
type ModuleInfo struct {
	// Dir is the project root directory.
	Dir string
	// GoModPath is the full path of the parsed go.mod file.
	GoModPath string
	// Name is the module path from the module directive.
	Name string
	// GoVersion is the go directive value, empty if the file has none.
	GoVersion string
	// Deps maps required module paths to their versions.
	Deps map[string]string
}

// ReadModuleInfo parses the go.mod at the root of projectDir.
func ReadModuleInfo(projectDir string) (*ModuleInfo, error) {
	goModPath := filepath.Join(projectDir, "go.mod")
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", goModPath, err)
	}
	f, err := modfile.Parse(goModPath, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s failed: %w", goModPath, err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return nil, fmt.Errorf("no module directive in %s", goModPath)
	}

	info := &ModuleInfo{
		Dir:       projectDir,
		GoModPath: goModPath,
		Name:      f.Module.Mod.Path,
		Deps:      make(map[string]string, len(f.Require)),
	}
	if f.Go != nil {
		info.GoVersion = f.Go.Version
	}
	for _, r := range f.Require {
		info.Deps[r.Mod.Path] = r.Mod.Version
	}
	return info, nil
}

// DependencyVersion returns the required version of a module, if present.
func (m *ModuleInfo) DependencyVersion(modName string) (string, bool) {
	ver, ok := m.Deps[modName]
	return ver, ok
}

// SupportsTraceRuntime verifies the module's go directive is recent enough for
// the injected runtime source. Modules without a go directive are accepted.
func (m *ModuleInfo) SupportsTraceRuntime() error {
	if m.GoVersion == "" {
		return nil
	}
	ver := "v" + m.GoVersion
	if !semver.IsValid(ver) {
		return fmt.Errorf("invalid go directive %q in %s", m.GoVersion, m.GoModPath)
	} else if semver.Compare(ver, minimumGoVersion) < 0 {
		return fmt.Errorf("module %s requires go %s, need at least %s for trace runtime",
			m.Name, m.GoVersion, minimumGoVersion[1:])
	}
	return nil
}
