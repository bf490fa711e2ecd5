package trace

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

const (
	injectedFilenamePrefix         = "xx_trace_"
	syntheticFieldNamePrefixReturn = "traceSyntheticRet"
	recordStateFuncName            = "recordTraceExecState"
	dumpStateFuncName              = "dumpTraceExecState"
	snapshotTypeName               = "traceExecFieldSnapshot"
	literalNil                     = "nil"
)

// instrumentedMarker is attached to rewritten declarations as a doc comment so
// repeated instrumentation of the same function is a no-op.
const instrumentedMarker = "exectrace:instrumented"

// standaloneWrapPrefix wraps bare function source so it parses as a file. The
// package clause occupies line 1, placing the func declaration on line 2 and
// the first body statement on line 3.
const standaloneWrapPrefix = "package main\n"

// ErrNoFunctionBody indicates a function has no body (e.g., assembly-only or external).
var ErrNoFunctionBody = errors.New("function has no body (likely assembly or external implementation)")

// ErrMalformedInput indicates the provided source could not be parsed as a
// single Go function declaration.
var ErrMalformedInput = errors.New("malformed function source")

// ErrUnsupportedStmt indicates the function body contains a construct the
// rewriter does not handle. Instrumentation is all-or-nothing: when this is
// returned no part of the function has been modified.
var ErrUnsupportedStmt = errors.New("unsupported construct in function body")

// IsNormalAstError returns true if the error should be skipped rather than failing.
func IsNormalAstError(err error) bool {
	return errors.Is(err, ErrNoFunctionBody)
}

// InstrumentSource rewrites standalone function source so that executing the
// result records a state trace. Every statement is followed by a
// recordTraceExecState call tagged with the statement's line, nested blocks
// are entered through a prepended call tagged with the controlling
// statement's line, and every return path captures the return values, records
// them, and flushes the trace with dumpTraceExecState. Leading indentation is
// normalized away before parsing.
func InstrumentSource(src string) (string, error) {
	stripped := StripIndent(src)
	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, "", standaloneWrapPrefix+stripped, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	var funcDecl *ast.FuncDecl
	for _, d := range fileNode.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok {
			return "", fmt.Errorf("%w: expected only a function declaration", ErrMalformedInput)
		} else if funcDecl != nil {
			return "", fmt.Errorf("%w: expected a single function declaration", ErrMalformedInput)
		}
		funcDecl = fd
	}
	if funcDecl == nil {
		return "", fmt.Errorf("%w: no function declaration found", ErrMalformedInput)
	} else if hasInstrumentedMarker(funcDecl) {
		return stripped, nil // already instrumented
	}
	if err := instrumentFuncDecl(fset, funcDecl); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.WriteString("// " + instrumentedMarker + "\n")
	if err := format.Node(&buf, fset, funcDecl); err != nil {
		return "", fmt.Errorf("failed to format instrumented function: %w", err)
	}
	return buf.String(), nil
}

func hasInstrumentedMarker(funcDecl *ast.FuncDecl) bool {
	if funcDecl.Doc == nil {
		return false
	}
	for _, c := range funcDecl.Doc.List {
		if strings.Contains(c.Text, instrumentedMarker) {
			return true
		}
	}
	return false
}

// instrumentFuncDecl rewrites the declaration body in place. The body is
// validated first so unsupported constructs fail before any mutation.
func instrumentFuncDecl(fset *token.FileSet, funcDecl *ast.FuncDecl) error {
	if funcDecl.Body == nil {
		return fmt.Errorf("%w: %s", ErrNoFunctionBody, funcDecl.Name.Name)
	}
	if err := validateSupportedBody(fset, funcDecl.Body); err != nil {
		return err
	}
	var funcResultTypes []ast.Expr
	var funcResultNames []string
	if funcDecl.Type.Results != nil {
		for _, field := range funcDecl.Type.Results.List {
			reps := len(field.Names)
			if reps == 0 {
				// if no explicit names, this field still counts once
				reps = 1
				funcResultNames = append(funcResultNames, "")
			} else {
				for _, id := range field.Names {
					funcResultNames = append(funcResultNames, id.Name)
				}
			}
			for i := 0; i < reps; i++ {
				funcResultTypes = append(funcResultTypes, field.Type)
			}
		}
	}

	var buf bytes.Buffer
	origList := funcDecl.Body.List
	newList, err := instrumentBlock(&buf, fset, funcDecl, origList, funcResultTypes, funcResultNames, 0, token.NoPos)
	if err != nil {
		return err
	}
	// functions that can fall off the end still need to flush the trace; a
	// terminating final statement already flushes through the return rewrite,
	// and appending after it would break the "missing return" rule for
	// functions with results
	if len(newList) == 0 || !isTerminatingStmt(newList[len(newList)-1]) {
		newList = append(newList, makeDumpStateStmt())
	}
	funcDecl.Body.List = newList
	return nil
}

// isTerminatingStmt reports whether execution cannot fall off the end of stmt,
// following Go's terminating statement rules for the supported construct set.
// Return rewrites produce blocks ending in a return, so the block case covers
// both original and instrumented statements.
func isTerminatingStmt(stmt ast.Stmt) bool {
	switch s := stmt.(type) {
	case *ast.ReturnStmt:
		return true
	case *ast.BlockStmt:
		return len(s.List) > 0 && isTerminatingStmt(s.List[len(s.List)-1])
	case *ast.IfStmt:
		return s.Else != nil && isTerminatingStmt(s.Body) && isTerminatingStmt(s.Else)
	case *ast.ForStmt:
		return s.Cond == nil && !hasLoopBreak(s.Body)
	}
	return false
}

// hasLoopBreak reports whether body contains a break targeting the enclosing
// loop. Nested loops consume their own breaks, and labeled breaks are already
// rejected by validateSupportedBody.
func hasLoopBreak(body *ast.BlockStmt) bool {
	var found bool
	ast.Inspect(body, func(n ast.Node) bool {
		switch b := n.(type) {
		case *ast.BranchStmt:
			if b.Tok == token.BREAK {
				found = true
			}
		case *ast.ForStmt, *ast.RangeStmt, *ast.FuncLit:
			return false
		}
		return !found
	})
	return found
}

// validateSupportedBody rejects constructs the rewriter does not model rather
// than producing a trace with silent gaps.
func validateSupportedBody(fset *token.FileSet, body *ast.BlockStmt) error {
	var check func(stmts []ast.Stmt) error
	check = func(stmts []ast.Stmt) error {
		for _, st := range stmts {
			switch s := st.(type) {
			case *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt, *ast.LabeledStmt:
				return unsupportedStmtError(fset, st)
			case *ast.BranchStmt:
				if s.Tok == token.GOTO || s.Label != nil {
					return unsupportedStmtError(fset, st)
				}
			case *ast.BlockStmt:
				if err := check(s.List); err != nil {
					return err
				}
			case *ast.IfStmt:
				if err := check(s.Body.List); err != nil {
					return err
				}
				switch e := s.Else.(type) {
				case *ast.BlockStmt:
					if err := check(e.List); err != nil {
						return err
					}
				case *ast.IfStmt:
					if err := check([]ast.Stmt{e}); err != nil {
						return err
					}
				}
			case *ast.ForStmt:
				if err := check(s.Body.List); err != nil {
					return err
				}
			case *ast.RangeStmt:
				if err := check(s.Body.List); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return check(body.List)
}

func unsupportedStmtError(fset *token.FileSet, stmt ast.Stmt) error {
	return fmt.Errorf("%w: %T at line %d", ErrUnsupportedStmt, stmt, fset.Position(stmt.Pos()).Line)
}

// instrumentBlock rewrites one statement list, recursing into nested bodies.
// When prependLine is non-zero a record call tagged with that line is inserted
// as the first element of the list, snapshotting everything visible at
// prependPos (the block's opening brace).
func instrumentBlock(buf *bytes.Buffer, fset *token.FileSet, funcDecl *ast.FuncDecl, stmts []ast.Stmt,
	funcResultTypes []ast.Expr, funcResultNames []string, prependLine int, prependPos token.Pos) ([]ast.Stmt, error) {
	newList := make([]ast.Stmt, 0, 2*len(stmts)+1)
	if prependLine > 0 {
		recordStmt, err := makeRecordStateStmt(buf, prependLine, snapshotsAt(funcDecl, prependPos))
		if err != nil {
			return nil, err
		}
		newList = append(newList, recordStmt)
	}

	// recurseInto rewrites a nested body applying the prepend rule.
	recurseInto := func(body *ast.BlockStmt, ownerLine int) error {
		nested, err := instrumentBlock(buf, fset, funcDecl, body.List, funcResultTypes, funcResultNames,
			ownerLine, body.Lbrace)
		if err != nil {
			return err
		}
		body.List = nested
		return nil
	}
	// recurseIf handles if/else chains; an else block has no line of its own
	// and reuses the controlling if statement's line.
	var recurseIf func(s *ast.IfStmt) error
	recurseIf = func(s *ast.IfStmt) error {
		line := fset.Position(s.Pos()).Line
		if err := recurseInto(s.Body, line); err != nil {
			return err
		}
		switch e := s.Else.(type) {
		case *ast.BlockStmt:
			return recurseInto(e, line)
		case *ast.IfStmt:
			return recurseIf(e)
		}
		return nil
	}

	for _, item := range stmts {
		if ret, ok := item.(*ast.ReturnStmt); ok {
			newNode, err := buildReturnInstrumentation(buf, fset, funcDecl, ret, funcResultTypes, funcResultNames)
			if err != nil {
				return nil, err
			}
			newList = append(newList, newNode)
			continue
		}

		var nested bool
		switch s := item.(type) {
		case *ast.BlockStmt:
			nested = true
			if err := recurseInto(s, fset.Position(s.Pos()).Line); err != nil {
				return nil, err
			}
		case *ast.IfStmt:
			nested = true
			if err := recurseIf(s); err != nil {
				return nil, err
			}
		case *ast.ForStmt:
			nested = true
			if err := recurseInto(s.Body, fset.Position(s.Pos()).Line); err != nil {
				return nil, err
			}
		case *ast.RangeStmt:
			nested = true
			if err := recurseInto(s.Body, fset.Position(s.Pos()).Line); err != nil {
				return nil, err
			}
		}
		newList = append(newList, item)
		if nested {
			continue // entry into the body is recorded by the prepended call
		}
		switch item.(type) {
		case *ast.BranchStmt, *ast.EmptyStmt:
			continue // a record call after break or continue would be unreachable
		}
		recordStmt, err := makeRecordStateStmt(buf, fset.Position(item.Pos()).Line, snapshotsAt(funcDecl, item.End()))
		if err != nil {
			return nil, err
		}
		newList = append(newList, recordStmt)
	}
	return newList, nil
}

// snapshotsAt collects snapshot literals for every identifier syntactically
// visible at pos, deduplicated and in declaration order.
func snapshotsAt(funcDecl *ast.FuncDecl, pos token.Pos) []ast.Expr {
	decls := visibleDeclsBefore(funcDecl, pos)
	snaps := make([]ast.Expr, 0, len(decls))
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if d.ident.Name == literalNil || seen[d.ident.Name] {
			continue
		}
		seen[d.ident.Name] = true
		snaps = append(snaps, makeSnapshotLit(d.ident.Name, ast.NewIdent(d.ident.Name)))
	}
	return snaps
}

type declInfo struct {
	ident *ast.Ident
	pos   token.Pos
}

// visibleDeclsBefore performs a syntactic scan for identifiers declared before
// pos: parameters, named results, var specs, short variable declarations and
// range variables. Subtrees that end before pos are pruned since nothing
// declared inside them is still in scope.
func visibleDeclsBefore(fn *ast.FuncDecl, pos token.Pos) []declInfo {
	if fn == nil {
		return nil
	}
	latest := make(map[string]declInfo)
	addIdent := func(id *ast.Ident) {
		if id == nil || id.Name == "_" || id.Pos() > pos {
			return
		} else if cur, ok := latest[id.Name]; !ok || id.Pos() > cur.pos {
			latest[id.Name] = declInfo{id, id.Pos()}
		}
	}

	// params & named results are always in scope
	if fn.Type.Params != nil {
		for _, f := range fn.Type.Params.List {
			for _, id := range f.Names {
				addIdent(id)
			}
		}
	}
	if fn.Type.Results != nil {
		for _, f := range fn.Type.Results.List {
			for _, id := range f.Names {
				addIdent(id)
			}
		}
	}

	// walk body until pos, pruning sub-trees that end before it
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if n == nil {
			return true
		}

		switch n.(type) {
		case *ast.BlockStmt, *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.FuncLit:
			if n.End() < pos {
				return false // prune subtree
			}
		}

		switch v := n.(type) {
		case *ast.ValueSpec:
			for _, id := range v.Names {
				addIdent(id)
			}
		case *ast.AssignStmt:
			if v.Tok == token.DEFINE {
				for _, lhs := range v.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						addIdent(id)
					}
				}
			}
		case *ast.RangeStmt:
			if v.Tok == token.DEFINE {
				if id, ok := v.Key.(*ast.Ident); ok {
					addIdent(id)
				}
				if id, ok := v.Value.(*ast.Ident); ok {
					addIdent(id)
				}
			}
		}
		return true
	})

	result := bulk.MapValuesSlice(latest)
	slices.SortFunc(result, func(a, b declInfo) int {
		return cmp.Compare(a.pos, b.pos)
	})
	return result
}

// buildReturnInstrumentation replaces an explicit return with a block that
// assigns each result to a typed synthetic temporary, records the state
// including the temporaries, flushes the trace, and returns the temporaries.
// Nodes that originate in the project source are cloned with their positions
// stripped so the generated block is position-clean.
func buildReturnInstrumentation(buf *bytes.Buffer, fset *token.FileSet, funcDecl *ast.FuncDecl,
	ret *ast.ReturnStmt, funcResultTypes []ast.Expr, funcResultNames []string) (*ast.BlockStmt, error) {
	line := fset.Position(ret.Pos()).Line
	snaps := snapshotsAt(funcDecl, ret.Pos())
	seen := make(map[string]bool, len(snaps)+len(ret.Results))
	for _, d := range visibleDeclsBefore(funcDecl, ret.Pos()) {
		seen[d.ident.Name] = true
	}

	finish := func(preStmts []ast.Stmt, results []ast.Expr, bare bool) (*ast.BlockStmt, error) {
		recordStmt, err := makeRecordStateStmt(buf, line, snaps)
		if err != nil {
			return nil, err
		}
		retStmt := &ast.ReturnStmt{}
		if !bare {
			retStmt.Results = results
		}
		return &ast.BlockStmt{
			List: append(append(preStmts, recordStmt, makeDumpStateStmt()), retStmt),
		}, nil
	}

	allNamed := len(funcResultNames) > 0 && !slices.Contains(funcResultNames, "")
	if len(ret.Results) == 0 {
		if !allNamed {
			// void function, nothing to capture beyond the visible state
			return finish(nil, nil, true)
		}
		// bare return with named results, the named results are the values
		hasBlankResult := false
		var results []ast.Expr
		for _, name := range funcResultNames {
			if name == "_" {
				hasBlankResult = true
				continue
			}
			id := ast.NewIdent(name)
			if !seen[name] {
				snaps = append(snaps, makeSnapshotLit(name, id))
				seen[name] = true
			}
			results = append(results, id)
		}
		return finish(nil, results, hasBlankResult)
	}

	// special-case: one CallExpr returning multiple values
	if len(ret.Results) == 1 && len(funcResultTypes) > 1 {
		call, ok := ret.Results[0].(*ast.CallExpr)
		if !ok {
			return nil, fmt.Errorf("%w: return arity mismatch at line %d", ErrMalformedInput, line)
		}
		temps := make([]ast.Expr, len(funcResultTypes))
		for i := range funcResultTypes {
			tmpName := syntheticFieldNamePrefixReturn + strconv.Itoa(i)
			tmpId := ast.NewIdent(tmpName)
			temps[i] = tmpId
			snaps = append(snaps, makeSnapshotLit(tmpName, tmpId))
		}
		rhs, err := cloneExprNoPos(buf, call)
		if err != nil {
			return nil, err
		}
		assign := &ast.AssignStmt{
			Lhs: temps,
			Tok: token.DEFINE,
			Rhs: []ast.Expr{rhs},
		}
		return finish([]ast.Stmt{assign}, temps, false)
	}
	if len(ret.Results) != len(funcResultTypes) {
		return nil, fmt.Errorf("%w: return arity mismatch at line %d", ErrMalformedInput, line)
	}

	// default: one typed temporary per returned expression
	preStmts := make([]ast.Stmt, 0, len(ret.Results))
	results := make([]ast.Expr, 0, len(ret.Results))
	for i, expr := range ret.Results {
		clonedExpr, err := cloneExprNoPos(buf, expr)
		if err != nil {
			return nil, err
		}
		clonedType, err := cloneExprNoPos(buf, funcResultTypes[i])
		if err != nil {
			return nil, err
		}
		retId, stmts, snap := makeReturnTemp(i, clonedExpr, clonedType)
		preStmts = append(preStmts, stmts...)
		results = append(results, retId)
		snaps = append(snaps, snap)
		seen[retId.Name] = true
	}
	return finish(preStmts, results, false)
}

// makeReturnTemp builds the typed synthetic return variable and its snapshot.
func makeReturnTemp(i int, expr ast.Expr, typ ast.Expr) (retId *ast.Ident, stmts []ast.Stmt, snap ast.Expr) {
	retId = ast.NewIdent(syntheticFieldNamePrefixReturn + strconv.Itoa(i))
	if ident, ok := expr.(*ast.Ident); !ok || ident.Name != literalNil {
		// Check if any identifier in expr might shadow a type name used in
		// typ, e.g. expr = &deviceFlowResponse with typ = *deviceFlowResponse.
		if exprContainsTypeShadow(expr, typ) {
			stmts = []ast.Stmt{
				&ast.AssignStmt{ // := avoids referencing the shadowed type
					Lhs: []ast.Expr{retId},
					Tok: token.DEFINE,
					Rhs: []ast.Expr{expr},
				},
			}
			snap = makeSnapshotLit(retId.Name, retId)
			return
		}
	}
	// var retX Type = expr, the explicit type converts untyped constants and
	// gives nil a concrete type
	stmts = []ast.Stmt{
		&ast.DeclStmt{Decl: &ast.GenDecl{Tok: token.VAR, Specs: []ast.Spec{
			&ast.ValueSpec{Names: []*ast.Ident{retId}, Type: typ, Values: []ast.Expr{expr}},
		}}},
	}
	snap = makeSnapshotLit(retId.Name, retId)
	return
}

// exprContainsTypeShadow checks if any identifier in expr matches an
// identifier used in typ, which would shadow the type name when both appear
// in the same declaration.
func exprContainsTypeShadow(expr ast.Expr, typ ast.Expr) bool {
	typeIdents := make(map[string]bool)
	ast.Inspect(typ, func(n ast.Node) bool {
		if ident, ok := n.(*ast.Ident); ok {
			typeIdents[ident.Name] = true
		}
		return true
	})

	foundShadow := false
	ast.Inspect(expr, func(n ast.Node) bool {
		if ident, ok := n.(*ast.Ident); ok && typeIdents[ident.Name] {
			foundShadow = true
			return false
		}
		return true
	})
	return foundShadow
}

// cloneExprNoPos clones a node by formatting and reparsing it, stripping all
// position information.
func cloneExprNoPos(buf *bytes.Buffer, e ast.Node) (ast.Expr, error) {
	buf.Reset()
	err := format.Node(buf, token.NewFileSet(), e)
	if err != nil {
		return nil, err
	}
	expr, err := parser.ParseExprFrom(token.NewFileSet(), "", buf.Bytes(), 0)
	if err != nil {
		return nil, err
	}
	clearPositions(expr)
	return expr, nil
}

var tokenPosType = reflect.TypeOf(token.NoPos)

// clearPositions zeroes every position field in the subtree. Reparsed nodes
// carry offsets from a throwaway FileSet, and when those offsets are resolved
// against the output file's line table the printer inserts arbitrary breaks
// mid-expression.
func clearPositions(node ast.Node) {
	ast.Inspect(node, func(n ast.Node) bool {
		if n == nil {
			return true
		}
		v := reflect.ValueOf(n)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return true
		}
		v = v.Elem()
		if v.Kind() != reflect.Struct {
			return true
		}
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.Type() == tokenPosType {
				f.SetInt(int64(token.NoPos))
			}
		}
		return true
	})
}

// makeRecordStateStmt builds the recordTraceExecState(line, snaps...) call
// using snippet parsing.
func makeRecordStateStmt(buf *bytes.Buffer, line int, snaps []ast.Expr) (ast.Stmt, error) {
	args := make([]string, 1, 1+len(snaps))
	args[0] = strconv.Itoa(line)
	for _, snap := range snaps {
		buf.Reset()
		if err := format.Node(buf, token.NewFileSet(), snap); err != nil {
			return nil, fmt.Errorf("failed to format snapshot: %w", err)
		}
		args = append(args, buf.String())
	}
	callSrc := fmt.Sprintf("%s(%s)", recordStateFuncName, strings.Join(args, ", "))
	expr, err := parser.ParseExpr(callSrc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instrumentation call: %w", err)
	}
	clearPositions(expr)
	return &ast.ExprStmt{X: expr}, nil
}

func makeDumpStateStmt() ast.Stmt {
	return &ast.ExprStmt{X: &ast.CallExpr{Fun: ast.NewIdent(dumpStateFuncName)}}
}

const fieldKeyName = "Name"
const fieldKeyVal = "Val"

// makeSnapshotLit builds a *ast.CompositeLit representing a traceExecFieldSnapshot.
func makeSnapshotLit(name string, val ast.Expr) ast.Expr {
	// synthetic names are long to avoid conflicts, report the concise form
	if strings.HasPrefix(name, syntheticFieldNamePrefixReturn) {
		name = strings.Replace(name, syntheticFieldNamePrefixReturn, "ret", 1)
	}
	return &ast.CompositeLit{
		Type: ast.NewIdent(snapshotTypeName),
		Elts: []ast.Expr{
			&ast.KeyValueExpr{
				Key:   ast.NewIdent(fieldKeyName),
				Value: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(name)},
			},
			&ast.KeyValueExpr{
				Key:   ast.NewIdent(fieldKeyVal),
				Value: val,
			},
		},
	}
}

// MakeFunctionIdent builds the canonical function identifier used throughout
// instrumentation: "pkg:Name" for functions and "pkg:Recv.Name" for methods.
func MakeFunctionIdent(pkgName string, funcDecl *ast.FuncDecl) string {
	var recv string
	if funcDecl.Recv != nil && len(funcDecl.Recv.List) > 0 {
		// types.ExprString will render "*MyType", "pkg.Type", "[][]T", etc
		recv = types.ExprString(funcDecl.Recv.List[0].Type)
	}
	return makeFunctionIdentStr(pkgName, recv, funcDecl.Name.Name)
}

func makeFunctionIdentStr(pkg, receiverType, funcName string) string {
	if receiverType != "" {
		return pkg + ":" + receiverType + "." + funcName
	}
	return pkg + ":" + funcName
}

func findFuncDecl(f *ast.File, pkg, ident string) *ast.FuncDecl {
	var out *ast.FuncDecl
	ast.Inspect(f, func(n ast.Node) bool {
		if d, ok := n.(*ast.FuncDecl); ok && MakeFunctionIdent(pkg, d) == ident {
			out = d
			return false
		}
		return true
	})
	return out
}
