package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/store"
)

// CSVColumns is the header of run and end metrics files.
var CSVColumns = []string{"time", "cycle", "cost", "violation", "msg_count", "msg_size", "status", "trigger", "assignment"}

// CSVSink appends one line per snapshot to a file. The header is written
// when the file is empty, so several runs can share an end-metrics file.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenCSV opens path for appending, creating it if needed.
func OpenCSV(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat metrics file: %w", err)
	}
	s := &CSVSink{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.write(CSVColumns); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// WriteSnapshot implements Sink.
func (s *CSVSink) WriteSnapshot(snap ir.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(csvRow(snap))
}

func (s *CSVSink) write(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write metrics line: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}

func csvRow(s ir.Snapshot) []string {
	return []string{
		strconv.FormatFloat(s.Time, 'f', 3, 64),
		strconv.Itoa(s.Cycle),
		strconv.FormatFloat(s.Cost, 'g', -1, 64),
		strconv.Itoa(s.Violation),
		strconv.Itoa(s.MsgCount),
		strconv.Itoa(s.MsgSize),
		string(s.Status),
		string(s.Trigger),
		formatAssignment(s.Assignment),
	}
}

// formatAssignment renders an assignment as "v1=R;v2=G" in name order.
func formatAssignment(a map[string]string) string {
	names := make([]string, 0, len(a))
	for n := range a {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + a[n]
	}
	return strings.Join(parts, ";")
}

// EndSnapshot turns a final report into the end-of-run metrics line.
func EndSnapshot(r ir.RunReport) ir.Snapshot {
	return ir.Snapshot{
		Seq:        r.Snapshots + 1,
		Trigger:    ir.TriggerEnd,
		Time:       r.Time,
		Cycle:      r.Cycle,
		Cost:       r.Cost,
		Violation:  r.Violation,
		MsgCount:   r.MsgCount,
		MsgSize:    r.MsgSize,
		Assignment: r.Assignment,
		Status:     r.Status,
	}
}

// AppendCSV appends a single snapshot to the CSV file at path.
func AppendCSV(path string, snap ir.Snapshot) error {
	s, err := OpenCSV(path)
	if err != nil {
		return err
	}
	if err := s.WriteSnapshot(snap); err != nil {
		s.Close()
		return err
	}
	return s.Close()
}

// StoreSink writes snapshots to the run store.
type StoreSink struct {
	store *store.Store
	runID string
}

// NewStoreSink creates a sink for the snapshots of runID.
func NewStoreSink(s *store.Store, runID string) *StoreSink {
	return &StoreSink{store: s, runID: runID}
}

// WriteSnapshot implements Sink.
func (s *StoreSink) WriteSnapshot(snap ir.Snapshot) error {
	return s.store.WriteSnapshot(context.Background(), s.runID, snap)
}
