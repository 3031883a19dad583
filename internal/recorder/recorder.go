// Package recorder writes the append-only DecisionRecord audit trail. One
// record is written per evaluation, bet or no bet. Nothing in the decision
// path reads it back.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/atmx/edge-engine/internal/model"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("recorder: closed")

// Recorder persists decision records.
type Recorder interface {
	Record(ctx context.Context, rec model.DecisionRecord) error
}

// JSONL appends one JSON object per line to a file opened with O_APPEND.
// Records are never rewritten. Safe for concurrent use.
type JSONL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenJSONL opens (or creates) path for appending, creating parent
// directories as needed.
func OpenJSONL(path string) (*JSONL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recorder: create dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	return &JSONL{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the file being written.
func (j *JSONL) Path() string { return j.path }

// Record writes rec as one line and flushes it to the OS.
func (j *JSONL) Record(_ context.Context, rec model.DecisionRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recorder: encode %s: %w", rec.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return ErrClosed
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("recorder: write %s: %w", rec.ID, err)
	}
	return j.w.Flush()
}

// Rotate closes the current file, renames it to archived and reopens path.
// Returns the archived file name for upload.
func (j *JSONL) Rotate(archived string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return "", ErrClosed
	}
	if err := j.w.Flush(); err != nil {
		return "", err
	}
	if err := j.f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(j.path, archived); err != nil {
		return "", fmt.Errorf("recorder: rotate %s: %w", j.path, err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		j.f = nil
		return "", fmt.Errorf("recorder: reopen %s: %w", j.path, err)
	}
	j.f = f
	j.w = bufio.NewWriter(f)
	return archived, nil
}

// Close flushes and closes the file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.w.Flush()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f = nil
	return err
}

// ReadJSONL decodes every record from r, in order. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]model.DecisionRecord, error) {
	var out []model.DecisionRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec model.DecisionRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return out, fmt.Errorf("recorder: line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Multi fans a record out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, rec model.DecisionRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps records in a slice. Used by tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records []model.DecisionRecord
}

func (m *Memory) Record(_ context.Context, rec model.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *Memory) Records() []model.DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DecisionRecord(nil), m.records...)
}

// Func adapts a function to Recorder.
type Func func(ctx context.Context, rec model.DecisionRecord) error

func (f Func) Record(ctx context.Context, rec model.DecisionRecord) error { return f(ctx, rec) }
