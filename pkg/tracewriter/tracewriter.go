// Package tracewriter writes the per-rank event trace: a gzip-compressed,
// newline-delimited JSON log of handler dispatch begin/end, message create,
// and message receive events, plus a side table mapping handler IDs to the
// names a debugger or vtctl would want to show instead of a raw number.
// Unlike statsfile, nothing in the runtime reads a trace file back — it
// exists purely for post-run inspection, so JSON is used in place of a
// bespoke binary format.
package tracewriter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/ember-hpc/vt/internal/fatalerr"
)

// EventKind identifies the shape of one trace event.
type EventKind string

const (
	EventBeginProcessing EventKind = "begin_processing"
	EventEndProcessing   EventKind = "end_processing"
	EventMessageCreate   EventKind = "message_create"
	EventMessageRecv     EventKind = "message_recv"
)

// Event is one newline-delimited JSON record in the trace file.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Rank      int       `json:"rank"`
	HandlerID uint64    `json:"handler_id,omitempty"`
	EntityID  uint64    `json:"entity_id,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	FromRank  int       `json:"from_rank,omitempty"`
	ToRank    int       `json:"to_rank,omitempty"`
}

// Writer buffers trace events and flushes them, gzip-compressed, to a
// single file per rank. Writer is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	path   string
	rank   int
	runID  uuid.UUID
	events []Event
	names  map[uint64]string
}

// New creates a Writer for one rank's trace file at path, stamped with a
// fresh run identifier used to correlate trace files from the same job.
func New(path string, rank int) *Writer {
	return &Writer{
		path:  path,
		rank:  rank,
		runID: uuid.New(),
		names: make(map[uint64]string),
	}
}

// RunID returns the identifier stamped into this writer's trace file header.
func (w *Writer) RunID() uuid.UUID { return w.runID }

// NameHandler records a human-readable name for handlerID, written once
// into the trace file's side table at Flush time.
func (w *Writer) NameHandler(handlerID uint64, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.names[handlerID] = name
}

// Record appends ev to the in-memory event buffer.
func (w *Writer) Record(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

type header struct {
	RunID      string            `json:"run_id"`
	Rank       int               `json:"rank"`
	HandlerMap map[uint64]string `json:"handler_names"`
}

// Flush writes the full event buffer, preceded by a header record naming
// the run and the handler-ID-to-name table, as gzip-compressed
// newline-delimited JSON. Implements fatalerr.Flusher so the runtime's
// abort path persists whatever was traced before the process exits.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("tracewriter: create %s: %w", w.path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	buf := bufio.NewWriter(gz)
	enc := json.NewEncoder(buf)

	if err := enc.Encode(header{RunID: w.runID.String(), Rank: w.rank, HandlerMap: w.names}); err != nil {
		return fmt.Errorf("tracewriter: write header: %w", err)
	}
	for _, ev := range w.events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("tracewriter: write event: %w", err)
		}
	}

	if err := buf.Flush(); err != nil {
		return fmt.Errorf("tracewriter: flush buffer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("tracewriter: close gzip writer: %w", err)
	}
	return nil
}

var _ fatalerr.Flusher = (*Writer)(nil)

// Read decompresses and decodes a trace file back into its header and
// events, for vtctl's summary view.
func Read(path string) (runID string, rank int, names map[uint64]string, events []Event, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("tracewriter: open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", 0, nil, nil, fmt.Errorf("tracewriter: open gzip reader: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)

	var h header
	if err := dec.Decode(&h); err != nil {
		return "", 0, nil, nil, fmt.Errorf("tracewriter: decode header: %w", err)
	}

	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return "", 0, nil, nil, fmt.Errorf("tracewriter: decode event: %w", err)
		}
		events = append(events, ev)
	}

	return h.RunID, h.Rank, h.HandlerMap, events, nil
}
