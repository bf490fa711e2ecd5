package trace

import (
	"errors"
	"fmt"
	"go/ast"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
)

// ErrFunctionNotFound indicates no declaration matched the requested function name.
var ErrFunctionNotFound = errors.New("function not found")

// ResolveFunction locates the declaration of funcName within the packages of
// projectDir matching pkgPattern ("./..." when empty). funcName is either a
// plain name or "Receiver.Name" for methods. Test files and previously
// generated trace files are ignored.
func ResolveFunction(projectDir, pkgPattern, funcName string) (*Function, error) {
	if pkgPattern == "" {
		pkgPattern = "./..."
	}
	pkgs, err := packages.Load(&packages.Config{
		Dir:  projectDir,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax,
		Env:  append(os.Environ(), GoEnv("", "")...),
	}, pkgPattern)
	if err != nil {
		return nil, fmt.Errorf("load packages failed: %w", err)
	}

	var matches []*Function
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			filePath := pkg.Fset.File(file.Pos()).Name()
			base := filepath.Base(filePath)
			if strings.HasSuffix(base, "_test.go") || strings.HasPrefix(base, injectedFilenamePrefix) {
				continue
			}
			for _, decl := range file.Decls {
				funcDecl, ok := decl.(*ast.FuncDecl)
				if !ok {
					continue
				}
				ident := MakeFunctionIdent(pkg.PkgPath, funcDecl)
				short := shortFunctionName(ident)
				// pointer receivers render as "*Counter.Add", accept both forms
				if short != funcName && strings.TrimPrefix(short, "*") != funcName {
					continue
				}
				matches = append(matches, &Function{
					FilePath:        filePath,
					PackageName:     pkg.PkgPath,
					FunctionIdent:   ident,
					FunctionName:    funcDecl.Name.Name,
					EntryLineNumber: uint32(pkg.Fset.Position(funcDecl.Pos()).Line),
				})
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s in %s", ErrFunctionNotFound, funcName, pkgPattern)
	case 1:
		return matches[0], nil
	default:
		idents := make([]string, len(matches))
		for i, m := range matches {
			idents[i] = m.FunctionIdent
		}
		return nil, fmt.Errorf("function name %s is ambiguous, matches: %s",
			funcName, strings.Join(idents, ", "))
	}
}

// shortFunctionName strips the package path from a function identifier,
// leaving "Name" or "Receiver.Name".
func shortFunctionName(ident string) string {
	if idx := strings.LastIndex(ident, ":"); idx >= 0 {
		return ident[idx+1:]
	}
	return ident
}
