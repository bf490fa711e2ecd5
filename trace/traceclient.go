package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
	"unsafe"
)

// Tunables for the injected runtime, these values will be filled in via AST injection.
const (
	traceExecOutputDir     = ""
	traceExecFieldMaxDepth = 100
	traceExecFieldMaxLen   = 1024
)

// traceExecEntry is one recorded observation: the source line of the statement
// and the deep-copied visible state after it ran.
type traceExecEntry struct {
	Line   int
	Fields map[string]interface{}
}

// traceExecStore accumulates entries for the lifetime of the process. It is
// append-only, dumping does not clear it. The store is intentionally not
// synchronized, tracing targets single-goroutine execution.
var traceExecStore []traceExecEntry

// traceExecFieldSnapshot is the only thing the rewriter needs to build for
// each visible identifier. It purposely keeps metadata tiny and uses `any`
// for the value so the client owns all heavy work (reflection, truncation, etc.).
type traceExecFieldSnapshot struct {
	Name string      // field identifier or synthetic name ("ret0", ...)
	Val  interface{} // the live value
}

// recordTraceExecState appends one entry to the trace store. Values are deep
// copied into JSON-safe containers immediately so later mutation of a
// variable never alters an earlier entry.
func recordTraceExecState(line int, snaps ...traceExecFieldSnapshot) {
	fields := make(map[string]interface{}, len(snaps))
	for _, s := range snaps {
		if s.Name == "nil" {
			continue
		}
		fields[s.Name] = copyTraceExecValue(reflect.ValueOf(s.Val), 0, nil, s.Name)
	}
	traceExecStore = append(traceExecStore, traceExecEntry{Line: line, Fields: fields})
}

// dumpTraceExecState serializes the complete store to a fresh uniquely named
// JSON file and reports the location on stdout. The store is left intact so
// later dumps contain the full history. Failure to write panics, the traced
// function is already on its return path and the error must not vanish.
func dumpTraceExecState() {
	dir := traceExecOutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := dumpTraceExecStateTo(dir)
	fmt.Println("Recorded execution in " + path)
}

func dumpTraceExecStateTo(dir string) string {
	entries := make([][2]interface{}, len(traceExecStore))
	for i, e := range traceExecStore {
		entries[i] = [2]interface{}{e.Line, e.Fields}
	}
	data, err := json.Marshal(map[string]interface{}{"data": entries})
	if err != nil {
		panic("trace state encode failed: " + err.Error())
	}
	f, err := os.CreateTemp(dir, "trace_*.json")
	if err != nil {
		panic("trace dump create failed: " + err.Error())
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		panic("trace dump write failed: " + werr.Error())
	} else if cerr != nil {
		panic("trace dump close failed: " + cerr.Error())
	}
	return f.Name()
}

func limitTraceExecString(s string) string {
	if len(s) > traceExecFieldMaxLen {
		s = s[:traceExecFieldMaxLen] + "…(" + strconv.Itoa(len(s)-traceExecFieldMaxLen) + " more)"
	}
	return s
}

// copyTraceExecValue converts a live value into a container made only of
// JSON-encodable types: bool, int64, uint64, float64, string, []interface{}
// and map[string]interface{}. Pointers and interfaces are unwrapped,
// self-referential structures are cut with a cycle marker.
func copyTraceExecValue(v reflect.Value, depth int, visited map[uintptr]string, valuePath string) interface{} {
	// Cycle detection for pointers BEFORE unwrapping, this catches
	// self-referential pointers like n.Next = n
	if v.IsValid() && v.Kind() == reflect.Pointer && !v.IsNil() {
		if visited == nil {
			visited = make(map[uintptr]string)
		}
		addr := v.Pointer()
		if cycleName, ok := visited[addr]; ok {
			return "<cycle:" + cycleName + ">"
		}
		visited[addr] = valuePath
	}

	// Unwrap interfaces and pointers
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	} else if depth >= traceExecFieldMaxDepth {
		return "<max-depth>"
	}

	vKind := v.Kind()
	vType := v.Type()

	// Handle nil for the remaining pointer-like types
	switch vKind {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
		if visited == nil {
			visited = make(map[uintptr]string)
		}
		addr := v.Pointer()
		if cycleName, ok := visited[addr]; ok {
			return "<cycle:" + cycleName + ">"
		}
		visited[addr] = valuePath
	}

	switch vKind {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	case reflect.String:
		return limitTraceExecString(v.String())
	case reflect.Slice, reflect.Array:
		return copyTraceExecSlice(v, vType, depth, visited, valuePath)
	case reflect.Map:
		return copyTraceExecMap(v, depth, visited, valuePath)
	case reflect.Struct:
		// Make addressable if needed for unexported field access
		if !v.CanAddr() {
			tmp := reflect.New(vType).Elem()
			tmp.Set(v)
			v = tmp
		}
		numFields := v.NumField()
		out := make(map[string]interface{}, numFields)
		for i := 0; i < numFields; i++ {
			sf := vType.Field(i)
			fv := v.Field(i)
			if !fv.CanInterface() {
				fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
			}
			out[sf.Name] = copyTraceExecValue(fv, depth+1, visited, valuePath+"."+sf.Name)
		}
		return out
	case reflect.Func:
		return "<func>"
	case reflect.Chan:
		return "<chan>"
	default:
		return limitTraceExecString(fmt.Sprint(v.Interface()))
	}
}

func copyTraceExecSlice(v reflect.Value, vType reflect.Type, depth int, visited map[uintptr]string, valuePath string) interface{} {
	length := v.Len()
	if length > traceExecFieldMaxLen {
		length = traceExecFieldMaxLen
	}

	// byte payloads are usually text, keep them readable when they are
	if vType.Elem().Kind() == reflect.Uint8 {
		var data []byte
		if v.Kind() == reflect.Slice {
			data = v.Bytes()
			if len(data) > traceExecFieldMaxLen {
				data = data[:traceExecFieldMaxLen]
			}
		} else {
			data = make([]byte, length)
			for i := 0; i < length; i++ {
				data[i] = byte(v.Index(i).Uint())
			}
		}
		if utf8.Valid(data) {
			return limitTraceExecString(string(data))
		}
		return append([]byte(nil), data...)
	}

	out := make([]interface{}, length)
	for i := 0; i < length; i++ {
		out[i] = copyTraceExecValue(v.Index(i), depth+1, visited, valuePath+"["+strconv.Itoa(i)+"]")
	}
	return out
}

func copyTraceExecMap(v reflect.Value, depth int, visited map[uintptr]string, valuePath string) interface{} {
	keys := v.MapKeys()
	if len(keys) > traceExecFieldMaxLen {
		// Too many entries, sort rendered keys for a deterministic subset
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		keys = keys[:traceExecFieldMaxLen]
	}
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		name := fmt.Sprint(k.Interface())
		out[name] = copyTraceExecValue(v.MapIndex(k), depth+1, visited, valuePath+"."+name)
	}
	return out
}
