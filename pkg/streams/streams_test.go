package streams

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/stores"
)

func newRun(id string) *stores.Run {
	now := time.Now().UTC()
	return &stores.Run{
		ID:        id,
		SuitePath: "suite.yaml",
		Status:    stores.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func passResult(id string) *engine.Result {
	r := engine.NewResult(engine.KindTest, id)
	r.Target = "local"
	return r
}

func failResult(id, cause string) *engine.Result {
	r := engine.NewResult(engine.KindTest, id)
	r.Fail(cause)
	return r
}

func TestTextStream_QuietOmitsPasses(t *testing.T) {
	var buf bytes.Buffer
	s := NewTextStream(&buf, false)

	if err := s.WriteResult(passResult("ok")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.WriteResult(failResult("bad", "exit code 1, expected 0")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "ok") {
		t.Errorf("Expected passing results to be omitted, got:\n%s", out)
	}
	if !strings.Contains(out, "FAIL") || !strings.Contains(out, "bad") {
		t.Errorf("Expected the failure to be reported, got:\n%s", out)
	}
	if !strings.Contains(out, "exit code 1, expected 0") {
		t.Errorf("Expected the cause line, got:\n%s", out)
	}
}

func TestTextStream_VerboseIncludesPasses(t *testing.T) {
	var buf bytes.Buffer
	s := NewTextStream(&buf, true)

	if err := s.WriteResult(passResult("ok")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(buf.String(), "ok") {
		t.Errorf("Expected the pass to be reported, got:\n%s", buf.String())
	}
}

func TestTextStream_Summary(t *testing.T) {
	var buf bytes.Buffer
	s := NewTextStream(&buf, false)

	_ = s.WriteResult(passResult("a"))
	_ = s.WriteResult(passResult("b"))
	_ = s.WriteResult(failResult("c", "broken"))
	untested := engine.NewResult(engine.KindTest, "d")
	untested.Outcome = engine.OutcomeUntested
	untested.Annotate(engine.AnnotationCause, engine.CauseFailedPrerequisite)
	_ = s.WriteResult(untested)

	// Resource actions are reported but not counted as tests.
	setup := engine.NewResult(engine.KindResourceSetup, "res")
	_ = s.WriteResult(setup)

	if err := s.Summarize(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "4 tests total") {
		t.Errorf("Expected 4 tests counted, got:\n%s", out)
	}
	if !strings.Contains(out, "units that did not pass:") {
		t.Errorf("Expected the flagged list, got:\n%s", out)
	}
	if !strings.Contains(out, "c (broken)") {
		t.Errorf("Expected the flagged failure with cause, got:\n%s", out)
	}
}

func TestFileStream_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	s, err := NewFileStream(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_ = s.WriteResult(passResult("a"))
	_ = s.WriteResult(failResult("b", "broken"))
	if err := s.Summarize(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Expected valid JSON lines, got: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 3 {
		t.Fatalf("Expected 2 results plus a summary, got %d lines", len(lines))
	}

	if lines[0]["id"] != "a" || lines[0]["seq"] != float64(0) {
		t.Errorf("Expected the first record for a with seq 0, got %v", lines[0])
	}
	if lines[1]["id"] != "b" || lines[1]["outcome"] != "FAIL" {
		t.Errorf("Expected the second record for b, got %v", lines[1])
	}

	summary := lines[2]
	if summary["kind"] != "summary" {
		t.Fatalf("Expected the last line to be the summary, got %v", summary)
	}
	counts := summary["counts"].(map[string]any)
	if counts["PASS"] != float64(1) || counts["FAIL"] != float64(1) {
		t.Errorf("Expected counts of one PASS and one FAIL, got %v", counts)
	}
}

func TestStoreStream_AppendsRows(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "runs.db")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := store.CreateRun(ctx, newRun("run-1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	s := NewStoreStream(store, "run-1")
	r := failResult("b", "broken")
	r.Target = "local"
	if err := s.WriteResult(passResult("a")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.WriteResult(r); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Summarize(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rows, err := store.ListResultsByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].UnitID != "a" || rows[0].Seq != 0 {
		t.Errorf("Expected the first row for a with seq 0, got %+v", rows[0])
	}
	if rows[1].UnitID != "b" || rows[1].Outcome != "FAIL" {
		t.Errorf("Expected the second row for b, got %+v", rows[1])
	}
	if !strings.Contains(rows[1].Annotations, "broken") {
		t.Errorf("Expected annotations to be stored as JSON, got %q", rows[1].Annotations)
	}
}
