// Package statsfile writes the per-rank CSV load-balancing stats file: one
// record per entity's phase load, and one record per communication edge
// observed during that phase. A load-balancer strategy reads these files
// back between runs to decide placement; the runtime itself never
// interprets them.
package statsfile

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/ember-hpc/vt/internal/fatalerr"
)

// Category labels the kind of communication a comm edge record describes.
type Category int

const (
	SendRecv                    Category = 1
	CollectionToNode            Category = 2
	NodeToCollection            Category = 3
	Broadcast                   Category = 4
	CollectionToNodeBcast       Category = 5
	NodeToCollectionBcast       Category = 6
	CollectiveToCollectionBcast Category = 7
	LocalInvoke                 Category = 8
)

// LoadRecord is one entity's load for one phase.
type LoadRecord struct {
	Phase     int
	EntityID  uint64
	WholeLoad float64
	Subphases []float64
}

// CommRecord is one communication edge observed during one phase.
type CommRecord struct {
	Phase    int
	ToID     uint64
	FromID   uint64
	Bytes    uint64
	Category Category
}

// Writer accumulates stats records in memory and flushes them to a CSV file
// as newline-separated records, one rank per file. Writer is safe for
// concurrent use from multiple handler callbacks.
type Writer struct {
	mu    sync.Mutex
	path  string
	loads []LoadRecord
	comms []CommRecord
}

// New creates a Writer targeting path. The file is not created until the
// first Flush.
func New(path string) *Writer {
	return &Writer{path: path}
}

// RecordLoad appends one entity's phase load.
func (w *Writer) RecordLoad(r LoadRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loads = append(w.loads, r)
}

// RecordComm appends one communication edge.
func (w *Writer) RecordComm(r CommRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.comms = append(w.comms, r)
}

// Flush rewrites the stats file from every record recorded so far. Safe to
// call repeatedly, e.g. at each phase boundary — the file always reflects
// the complete history of the run, not just what changed since the last
// call.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("statsfile: create %s: %w", w.path, err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	cw := csv.NewWriter(buf)
	cw.UseCRLF = false

	for _, r := range w.loads {
		row := []string{
			strconv.Itoa(r.Phase),
			strconv.FormatUint(r.EntityID, 10),
			strconv.FormatFloat(r.WholeLoad, 'f', -1, 64),
			strconv.Itoa(len(r.Subphases)),
		}
		for _, s := range r.Subphases {
			row = append(row, strconv.FormatFloat(s, 'f', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("statsfile: write load record: %w", err)
		}
	}
	for _, r := range w.comms {
		row := []string{
			strconv.Itoa(r.Phase),
			strconv.FormatUint(r.ToID, 10),
			strconv.FormatUint(r.FromID, 10),
			strconv.FormatUint(r.Bytes, 10),
			strconv.Itoa(int(r.Category)),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("statsfile: write comm record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("statsfile: flush csv: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("statsfile: flush buffer: %w", err)
	}
	return nil
}

var _ fatalerr.Flusher = (*Writer)(nil)

// Load reads a stats file back into its load and comm records, for
// load-balancer strategies and vtctl to consume between runs.
func Load(path string) (loads []LoadRecord, comms []CommRecord, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("statsfile: open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("statsfile: parse %s: %w", path, err)
	}

	// Load records have 4+len(subphases) fields; comm records always have
	// exactly 5. A load record with exactly one subphase is indistinguishable
	// from a comm record by shape alone, so rows of length 5 are always
	// treated as comm records.
	for i, row := range rows {
		if len(row) == 5 {
			cr2, err := parseCommRecord(row)
			if err != nil {
				return nil, nil, fmt.Errorf("statsfile: row %d: %w", i, err)
			}
			comms = append(comms, cr2)
			continue
		}
		lr, err := parseLoadRecord(row)
		if err != nil {
			return nil, nil, fmt.Errorf("statsfile: row %d: unrecognized record shape %v", i, row)
		}
		loads = append(loads, lr)
	}
	return loads, comms, nil
}

func parseLoadRecord(row []string) (LoadRecord, error) {
	phase, err := strconv.Atoi(row[0])
	if err != nil {
		return LoadRecord{}, err
	}
	entity, err := strconv.ParseUint(row[1], 10, 64)
	if err != nil {
		return LoadRecord{}, err
	}
	load, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return LoadRecord{}, err
	}
	n, err := strconv.Atoi(row[3])
	if err != nil {
		return LoadRecord{}, err
	}
	subs := make([]float64, 0, n)
	for _, s := range row[4:] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return LoadRecord{}, err
		}
		subs = append(subs, v)
	}
	return LoadRecord{Phase: phase, EntityID: entity, WholeLoad: load, Subphases: subs}, nil
}

func parseCommRecord(row []string) (CommRecord, error) {
	if len(row) != 5 {
		return CommRecord{}, fmt.Errorf("comm record needs 5 fields, got %d", len(row))
	}
	phase, err := strconv.Atoi(row[0])
	if err != nil {
		return CommRecord{}, err
	}
	to, err := strconv.ParseUint(row[1], 10, 64)
	if err != nil {
		return CommRecord{}, err
	}
	from, err := strconv.ParseUint(row[2], 10, 64)
	if err != nil {
		return CommRecord{}, err
	}
	bytes, err := strconv.ParseUint(row[3], 10, 64)
	if err != nil {
		return CommRecord{}, err
	}
	cat, err := strconv.Atoi(row[4])
	if err != nil {
		return CommRecord{}, err
	}
	return CommRecord{Phase: phase, ToID: to, FromID: from, Bytes: bytes, Category: Category(cat)}, nil
}
