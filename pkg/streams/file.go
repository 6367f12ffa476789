package streams

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gridtest/gridtest/pkg/engine"
)

// fileRecord is one line of a JSON-lines record file.
type fileRecord struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	*engine.Result
}

// FileStream appends each result to a file as one JSON object per line.
// The closing summary line has kind "summary" and carries the outcome
// counts.
type FileStream struct {
	f   *os.File
	enc *json.Encoder
	seq int

	counts map[engine.Outcome]int
}

// NewFileStream creates or truncates the record file.
func NewFileStream(path string) (*FileStream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create record file", err).
			WithUnit(path)
	}
	return &FileStream{
		f:      f,
		enc:    json.NewEncoder(f),
		counts: make(map[engine.Outcome]int),
	}, nil
}

// WriteResult appends one result line.
func (s *FileStream) WriteResult(r *engine.Result) error {
	if r.Kind == engine.KindTest {
		s.counts[r.Outcome]++
	}
	rec := fileRecord{
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
		Result:    r,
	}
	s.seq++
	if err := s.enc.Encode(&rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Summarize writes the summary line and closes the file.
func (s *FileStream) Summarize() error {
	summary := struct {
		Kind      string                 `json:"kind"`
		Timestamp time.Time              `json:"timestamp"`
		Counts    map[engine.Outcome]int `json:"counts"`
	}{
		Kind:      "summary",
		Timestamp: time.Now().UTC(),
		Counts:    s.counts,
	}
	if err := s.enc.Encode(&summary); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return s.f.Close()
}
