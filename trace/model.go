package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// traceFileDataKey is the top-level key holding the entry sequence in a dump file.
const traceFileDataKey = "data"

// TraceEntry is a single observation captured during instrumented execution:
// the source line a statement started at and a deep-copied snapshot of every
// variable visible at that point.
type TraceEntry struct {
	// Line is the 1-indexed source line of the originating statement.
	Line uint32 `msgpack:"l"`
	// Fields maps variable names to their captured values.
	Fields map[string]interface{} `msgpack:"f"`
}

// MarshalJSON encodes the entry as the 2-element [line, fields] pair used in
// dump files.
func (e TraceEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.Line, e.Fields})
}

// UnmarshalJSON decodes the [line, fields] pair form.
func (e *TraceEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	} else if len(pair) != 2 {
		return fmt.Errorf("trace entry must be a 2-element pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Line); err != nil {
		return fmt.Errorf("trace entry line: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Fields); err != nil {
		return fmt.Errorf("trace entry fields: %w", err)
	}
	return nil
}

// Trace is the ordered execution history recorded for one instrumented
// function. Entries are append-only and never reordered.
type Trace struct {
	// FunctionIdent identifies the instrumented function, empty if unknown.
	FunctionIdent string `msgpack:"fn,omitempty"`
	// RecordedAt is when the trace was archived.
	RecordedAt time.Time `msgpack:"at,omitempty"`
	// Entries holds the observations in execution order.
	Entries []TraceEntry `msgpack:"e"`
}

// Lines returns the emitted source positions in execution order.
func (t *Trace) Lines() []uint32 {
	lines := make([]uint32, len(t.Entries))
	for i, e := range t.Entries {
		lines[i] = e.Line
	}
	return lines
}

// ParseTraceFile reads a dump file produced by the injected runtime.
func ParseTraceFile(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace file failure: %w", err)
	}
	return ParseTraceData(data)
}

// ParseTraceData decodes the {"data": [[line, fields], ...]} dump format.
func ParseTraceData(data []byte) (*Trace, error) {
	var dump map[string][]TraceEntry
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("trace decode failure: %w", err)
	}
	entries, ok := dump[traceFileDataKey]
	if !ok {
		return nil, fmt.Errorf("trace file missing %q key", traceFileDataKey)
	}
	return &Trace{Entries: entries}, nil
}

// Function holds info about an instrumentation target.
type Function struct {
	// FilePath is the full path to the source file.
	FilePath string
	// PackageName is the package containing the function.
	PackageName string
	// FunctionIdent is the fully qualified identifier.
	FunctionIdent string
	// FunctionName is the short function name.
	FunctionName string
	// EntryLineNumber is the line of the declaration.
	EntryLineNumber uint32
}

// ShortIdent returns the function identifier without path.
func (f Function) ShortIdent() string {
	index := strings.LastIndex(f.FunctionIdent, "/")
	if index > 0 {
		return f.FunctionIdent[index+1:]
	}
	return f.FunctionIdent
}
