package trace

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

// TraceArchive persists recorded traces so separate runs of an instrumented
// function can be compared later. Blobs are msgpack encoded and zstd
// compressed, keyed by function identifier and a content hash so identical
// runs deduplicate.
type TraceArchive struct {
	store Storage
}

// NewTraceArchive creates an archive over the given storage backend.
func NewTraceArchive(store Storage) *TraceArchive {
	return &TraceArchive{store: store}
}

// traceContentKey derives the archive key from the function identifier and
// the entry payload. RecordedAt is deliberately excluded so re-running an
// unchanged function maps to the same key. The payload is JSON since its map
// keys are emitted sorted, making the hash deterministic.
func traceContentKey(funcIdent string, entryPayload []byte) string {
	sha := sha1.Sum(entryPayload)
	return funcIdent + ";" + base91.StdEncoding.EncodeToString(sha[:])
}

// Store archives the trace and returns its key. Storing a trace whose entries
// match an already archived run is a no-op returning the existing key.
func (a *TraceArchive) Store(funcIdent string, tr *Trace) (string, error) {
	entryPayload, err := json.Marshal(tr.Entries)
	if err != nil {
		return "", fmt.Errorf("trace entries encode failed: %w", err)
	}
	key := traceContentKey(funcIdent, entryPayload)
	if _, ok, err := a.store.LoadTrace(key); err != nil {
		return "", err
	} else if ok {
		return key, nil // identical run already archived
	}

	record := *tr
	record.FunctionIdent = funcIdent
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	payload, err := msgpack.Marshal(&record)
	if err != nil {
		return "", fmt.Errorf("trace encode failed: %w", err)
	}
	if err := a.store.SaveTrace(key, ZstdCompress(nil, payload)); err != nil {
		return "", err
	}
	return key, nil
}

// Load retrieves an archived trace by key.
func (a *TraceArchive) Load(key string) (*Trace, error) {
	blob, ok, err := a.store.LoadTrace(key)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("trace not archived: %s", key)
	}
	payload, err := ZstdDecompress(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("trace decompress failed: %w", err)
	}
	var tr Trace
	if err := msgpack.Unmarshal(payload, &tr); err != nil {
		return nil, fmt.Errorf("trace decode failed: %w", err)
	}
	return &tr, nil
}

// Delete removes an archived trace.
func (a *TraceArchive) Delete(key string) error {
	return a.store.DeleteTrace(key)
}

// List returns the archive keys recorded for a function, sorted.
func (a *TraceArchive) List(funcIdent string) ([]string, error) {
	keys, err := a.store.ListKeysPrefix(funcIdent + ";")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// ArchiveDir stores every dump file the runtime wrote into dir, scanning
// concurrently. Returns the archive keys in sorted order, deduplicated dumps
// appear once.
func (a *TraceArchive) ArchiveDir(dir, funcIdent string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "trace_*.json"))
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	keySet := make(map[string]bool, len(matches))
	eg := ErrGroupLimitCPU()
	for _, path := range matches {
		eg.Go(func() error {
			tr, err := ParseTraceFile(path)
			if err != nil {
				return fmt.Errorf("dump %s: %w", path, err)
			}
			key, err := a.Store(funcIdent, tr)
			if err != nil {
				return err
			}
			mu.Lock()
			keySet[key] = true
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
