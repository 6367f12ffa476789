package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a recorded run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusTerminated RunStatus = "terminated"
)

// Run represents one execution of a suite.
type Run struct {
	ID          string     `json:"id"`
	SuitePath   string     `json:"suite_path"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StoredResult is one persisted result row. Annotations are stored as a
// JSON blob.
type StoredResult struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	Kind        string    `json:"kind"`
	UnitID      string    `json:"unit_id"`
	Outcome     string    `json:"outcome"`
	Annotations string    `json:"annotations"`
	Target      string    `json:"target,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence interface for run history.
type Store interface {
	// Init initializes the store (database connection, file handles).
	Init(ctx context.Context) error

	// Close releases all resources.
	Close() error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// CreateRun records the start of a run.
	CreateRun(ctx context.Context, run *Run) error

	// CompleteRun marks a run finished with the given status.
	CompleteRun(ctx context.Context, id string, status RunStatus) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns lists runs most recent first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// AppendResult appends one result row to a run.
	AppendResult(ctx context.Context, res *StoredResult) error

	// ListResultsByRun lists a run's results in observation order.
	ListResultsByRun(ctx context.Context, runID string) ([]*StoredResult, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
