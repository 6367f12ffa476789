package streams

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/stores"
)

// StoreStream persists every result into a run history store. The run row
// must already exist; the engine's run id ties the rows together.
type StoreStream struct {
	store stores.Store
	runID string
	seq   int
}

// NewStoreStream creates a stream writing to the given run.
func NewStoreStream(store stores.Store, runID string) *StoreStream {
	return &StoreStream{store: store, runID: runID}
}

// WriteResult appends one result row.
func (s *StoreStream) WriteResult(r *engine.Result) error {
	annotations, err := json.Marshal(r.Annotations)
	if err != nil {
		return engine.NewPermanentError("failed to encode annotations", err).
			WithUnit(r.ID)
	}

	rec := &stores.StoredResult{
		RunID:       s.runID,
		Seq:         s.seq,
		Kind:        string(r.Kind),
		UnitID:      r.ID,
		Outcome:     string(r.Outcome),
		Annotations: string(annotations),
		Target:      r.Target,
		CreatedAt:   time.Now().UTC(),
	}
	s.seq++

	return s.store.AppendResult(context.Background(), rec)
}

// Summarize is a no-op; the run row is completed by the caller that
// created it.
func (s *StoreStream) Summarize() error {
	return nil
}
