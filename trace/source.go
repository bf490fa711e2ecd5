package trace

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"strings"
	"unicode"
)

// FindIndentLevel returns the column of the first non-whitespace character in
// source. A source made entirely of whitespace reports its full length.
func FindIndentLevel(source string) int {
	for i, c := range source {
		if unicode.IsSpace(c) {
			continue
		}
		return i
	}
	return len(source)
}

// StripIndent removes the leading indentation of the first line from every
// line so the source starts at column 0. Lines shorter than the indent level
// (blank lines) become empty. Normalizing already-normalized text is a no-op.
func StripIndent(source string) string {
	indentLevel := FindIndentLevel(source)
	if indentLevel == 0 {
		return source
	}
	lines := strings.Split(source, "\n")
	stripped := make([]string, len(lines))
	for i, line := range lines {
		if len(line) > indentLevel {
			stripped[i] = line[indentLevel:]
		} // else, whitespace only or blank line, leave empty
	}
	return strings.Join(stripped, "\n")
}

// ExtractFunctionSource returns the raw text of a single function declaration
// within the given file, including any indentation on the declaration line.
// This is the "getsource" half of the standalone instrumentation flow.
func ExtractFunctionSource(path, funcIdent string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read failure %s: %w", path, err)
	}
	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, path, data, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("ast parse failure %s: %w", path, err)
	}
	decl := findFuncDecl(fileNode, fileNode.Name.Name, funcIdent)
	if decl == nil {
		return "", fmt.Errorf("function %s not found in %s", funcIdent, path)
	}
	start := fset.Position(decl.Pos()).Offset
	end := fset.Position(decl.End()).Offset
	// widen to the start of the line so leading indentation is preserved
	for start > 0 && data[start-1] != '\n' {
		start--
	}
	return string(data[start:end]), nil
}
