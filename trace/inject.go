package trace

import (
	"bytes"
	"cmp"
	"embed"
	"fmt"
	"go/ast"
	"go/build"
	"go/format"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-analyze/bulk"
	"golang.org/x/sync/errgroup"
)

// embed the runtime template into the binary
//
//go:embed traceclient.go
var tmplFS embed.FS
var astFileLock = newDefaultStripedMutex()

// SourceInstrumenter rewrites Go source files so a selected function records
// an execution trace. Parsed files are cached until committed, and every
// on-disk change is backed up so Restore can undo the whole session.
type SourceInstrumenter struct {
	cleanupLock    sync.Mutex
	cleanupActions []func() error
	fileNodeMap    sync.Map
	commitLock     sync.Mutex
	commitActions  map[string]func(*bytes.Buffer) error
}

func goCacheClean(goenv []string) error {
	cmd := exec.Command("go", "clean", "-cache", "-testcache")
	cmd.Env = mergeSafeEnv(goenv)
	return cmd.Run()
}

// Restore restores the modified files to their original state.
// The go environment enables clearing the build cache so stale instrumented
// objects are not reused; a nil environment skips the clean and only restores
// files.
func (m *SourceInstrumenter) Restore(goenv []string) (result []error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	if len(m.cleanupActions) == 0 {
		return // shortcut
	}
	for _, f := range m.cleanupActions {
		if err := f(); err != nil {
			result = append(result, err)
		}
	}
	m.cleanupActions = m.cleanupActions[:0] // clear completed actions
	if goenv != nil {
		if err := goCacheClean(goenv); err != nil {
			result = append(result, fmt.Errorf("failure to clean go cache: %w", err))
		}
	}
	return
}

func (m *SourceInstrumenter) addCleanupAction(f func() error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	m.cleanupActions = append(m.cleanupActions, f)
}

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
}

// loadParsedFileNode provides the currently parsed file.
// fileLock must be held before invoking, and until fileNode changes are done.
func (m *SourceInstrumenter) loadParsedFileNode(filepath string) (*token.FileSet, *ast.File, error) {
	file, ok := m.fileNodeMap.Load(filepath)
	if ok {
		pf := file.(*parsedFile)
		return pf.fset, pf.file, nil
	}

	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, filepath, nil, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("ast parse failure %s: %w", filepath, err)
	}
	m.fileNodeMap.Store(filepath, &parsedFile{
		fset: fset,
		file: fileNode,
	})

	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	if m.commitActions == nil {
		m.commitActions = make(map[string]func(*bytes.Buffer) error)
	}
	m.commitActions[filepath] = func(buf *bytes.Buffer) error {
		buf.Reset()
		if err := format.Node(buf, fset, fileNode); err != nil {
			return fmt.Errorf("ast format failure %s: %w", filepath, err)
		} else if err := m.backupOrigFile(filepath); err != nil {
			return err
		} else if err := os.WriteFile(filepath, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("ast write failure %s: %w", filepath, err)
		}
		return nil
	}
	return fset, fileNode, nil
}

// discardParsedFileNode drops a cached file so a failed rewrite never reaches
// disk through a later commit.
func (m *SourceInstrumenter) discardParsedFileNode(filepath string) {
	m.fileNodeMap.Delete(filepath)
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	delete(m.commitActions, filepath)
}

// CommitFile writes pending edits for a single file.
func (m *SourceInstrumenter) CommitFile(filepath string) error {
	lock := astFileLock.Lock(filepath)
	defer lock.Unlock()
	return m.commitFileInternal(filepath)
}

func (m *SourceInstrumenter) commitFileInternal(filepath string) error {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()

	if action, ok := m.commitActions[filepath]; ok {
		delete(m.commitActions, filepath)
		m.fileNodeMap.Delete(filepath)
		var buf bytes.Buffer
		return action(&buf)
	}
	return nil
}

// Commit flushes all pending AST modifications to disk.
func (m *SourceInstrumenter) Commit() error {
	writeCount := runtime.NumCPU()
	bufChan := make(chan *bytes.Buffer, writeCount)
	for i := 0; i < writeCount; i++ {
		bufChan <- bytes.NewBuffer(nil)
	}
	var errGroup errgroup.Group
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	for _, action := range m.commitActions {
		buf := <-bufChan
		errGroup.Go(func() error {
			defer func() {
				bufChan <- buf
			}()
			buf.Reset()
			return action(buf)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}
	m.commitActions = nil // set to nil to allow GC
	m.fileNodeMap.Clear()
	return nil
}

// InjectTraceClient writes the embedded runtime into the package directory so
// instrumented functions can resolve the record and dump calls. outputDir
// configures where dump files are written, empty selects the OS temp dir.
func (m *SourceInstrumenter) InjectTraceClient(pkgDir, outputDir string, maxFieldDepth, maxFieldLen int) error {
	if matches, _ := filepath.Glob(filepath.Join(pkgDir, injectedFilenamePrefix+"*_gen.go")); len(matches) > 0 {
		return nil // already been injected into the package
	}

	clientSrc, err := tmplFS.ReadFile("traceclient.go")
	if err != nil {
		return fmt.Errorf("load embedded traceclient: %w", err)
	}

	// rewrite package and replace const values
	var buf bytes.Buffer
	pkgName, err := detectPackageName(pkgDir)
	if err != nil {
		return err
	}
	clientFile := filepath.Join(pkgDir, injectedFilenamePrefix+"client_gen.go")
	clientTxt, err := rewriteTraceClientTemplate(&buf, clientSrc, pkgName, map[string]string{
		"traceExecOutputDir":     strconv.Quote(outputDir),
		"traceExecFieldMaxDepth": strconv.Itoa(maxFieldDepth),
		"traceExecFieldMaxLen":   strconv.Itoa(maxFieldLen),
	})
	if err != nil {
		return fmt.Errorf("rewrite traceclient failure: %w", err)
	} else if err := os.WriteFile(clientFile, clientTxt, 0o644); err != nil {
		return err
	}
	m.addCleanupAction(func() error {
		return os.Remove(clientFile)
	})
	return nil
}

// InstrumentFunction rewrites the function body so every statement records
// state and every return path flushes the trace. Already-instrumented
// functions are left untouched. The rewrite happens on the cached AST, use
// Commit or CommitFile to write it out.
func (m *SourceInstrumenter) InstrumentFunction(fn *Function) error {
	lock := astFileLock.Lock(fn.FilePath)
	defer lock.Unlock()

	fset, fileNode, err := m.loadParsedFileNode(fn.FilePath)
	if err != nil {
		return err
	}
	funcDecl := findFuncDecl(fileNode, fn.PackageName, fn.FunctionIdent)
	if funcDecl == nil {
		return fmt.Errorf("function %s not found in %s", fn.FunctionIdent, fn.FilePath)
	} else if funcDecl.Body == nil {
		return fmt.Errorf("%w: %s in %s", ErrNoFunctionBody, fn.FunctionIdent, fn.FilePath)
	} else if hasInstrumentedMarker(funcDecl) {
		return nil // already instrumented
	}

	if err := instrumentFuncDecl(fset, funcDecl); err != nil {
		// drop the cached node, partially validated state must not commit
		m.discardParsedFileNode(fn.FilePath)
		return err
	}
	// mark as updated, registering new comment groups so the marker is
	// printed on commit and guards later sessions too
	newDoc := funcDecl.Doc == nil
	if newDoc {
		funcDecl.Doc = &ast.CommentGroup{}
	}
	funcDecl.Doc.List = append(funcDecl.Doc.List, &ast.Comment{
		Slash: funcDecl.Pos() - 1,
		Text:  "// " + instrumentedMarker,
	})
	if newDoc {
		fileNode.Comments = append(fileNode.Comments, funcDecl.Doc)
		slices.SortFunc(fileNode.Comments, func(a, b *ast.CommentGroup) int {
			return cmp.Compare(a.Pos(), b.Pos())
		})
	}
	return nil
}

func makeFileFilter(dir string) func(fi fs.FileInfo) bool {
	return func(fi fs.FileInfo) bool {
		name := fi.Name()
		// ignore tests files, they may be in a different pkg
		if strings.HasSuffix(name, "_test.go") {
			return false
		}
		// drop any file that the default go/build would ignore
		match, err := build.Default.MatchFile(dir, name)
		return err == nil && match
	}
}

// detectPackageName returns the single non-test package defined in dir.
// It fails if the directory is empty, contains only *_test.go packages, or mixes two different packages.
func detectPackageName(dir string) (string, error) {
	// parse only the package clause
	pkgs, err := parser.ParseDir(token.NewFileSet(), dir, makeFileFilter(dir), parser.PackageClauseOnly)
	if err != nil {
		return "", err
	} else if len(pkgs) == 0 {
		return "", fmt.Errorf("no non-test or main packages found in %s", dir)
	}
	pkgNames := bulk.MapKeysSlice(pkgs)
	if len(pkgNames) > 1 {
		return "", fmt.Errorf("multiple packages found in %s: %v", dir, pkgNames)
	}
	return pkgNames[0], nil
}

// rewriteTraceClientTemplate sets the package name and constant values for the
// injected runtime.
func rewriteTraceClientTemplate(buf *bytes.Buffer, src []byte, newPkg string,
	constantReplacements map[string]string) ([]byte, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	// overwrite the package identifier
	file.Name = ast.NewIdent(newPkg)

	// mutate targeted consts inside the AST
	updateConstLiterals(file, constantReplacements)

	buf.Reset()
	if err := format.Node(buf, fset, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// updateConstLiterals walks every const and var declaration and, if it finds an
// identifier that matches one of the keys in `values`, replaces the *literal*
// on the same index position within the ValueSpec. Values starting with a
// quote are written as string literals, everything else as integers.
func updateConstLiterals(f *ast.File, values map[string]string) {
	if len(values) == 0 {
		return
	}
	for _, decl := range f.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || (genDecl.Tok != token.CONST && genDecl.Tok != token.VAR) {
			continue
		}
		for _, spec := range genDecl.Specs {
			vspec := spec.(*ast.ValueSpec)
			for i, ident := range vspec.Names {
				if v, hasReplacement := values[ident.Name]; hasReplacement {
					kind := token.INT
					if strings.HasPrefix(v, `"`) {
						kind = token.STRING
					}
					lit := &ast.BasicLit{
						Kind:  kind,
						Value: v,
					}
					// ensure we have a slot to replace
					if len(vspec.Values) <= i {
						for len(vspec.Values) < i {
							vspec.Values = append(vspec.Values, nil)
						}
						vspec.Values = append(vspec.Values, lit)
					} else {
						vspec.Values[i] = lit
					}
				}
			}
		}
	}
}

// backupOrigFile will copy the file to a .bkp file if one does not already exist.
func (m *SourceInstrumenter) backupOrigFile(filepath string) error {
	bkpFile := filepath + ".bkp"
	if !FileExists(bkpFile) {
		if err := CopyFile(filepath, bkpFile); err != nil {
			return fmt.Errorf("ast backup failure: %w", err)
		}
		m.addCleanupAction(func() error {
			return replaceFile(bkpFile, filepath)
		})
	}
	return nil
}

// InstrumentedFunctionSource extracts the target function, instruments it as
// standalone source, and returns the rewritten text. The on-disk file is not
// modified, this is the preview form of InstrumentFunction.
func (m *SourceInstrumenter) InstrumentedFunctionSource(fn *Function) (string, error) {
	src, err := ExtractFunctionSource(fn.FilePath, fn.FunctionIdent)
	if err != nil {
		return "", err
	}
	return InstrumentSource(src)
}
