package engine

import "context"

// Target is an execution capability that tests and resource actions can be
// dispatched to. Implementations run assignments serially, across a local
// worker pool, or on a remote host behind a wire protocol; from the
// engine's point of view they differ only in latency and failure modes.
//
// Assignment submission (RunTest, SetUpResource, CleanUpResource) must not
// block; the target decides internally when and how to execute. Every
// accepted assignment must eventually produce exactly one Result on the
// response channel handed to Start, even if the target has to synthesize
// one for a crashed worker or a dead pipe. IsIdle must be safe to call
// concurrently with submission and completion.
type Target interface {
	// Name identifies the target in results and logs.
	Name() string

	// Group returns the target's group label.
	Group() string

	// IsInGroup reports whether the target may run units labeled with the
	// given target group. The empty group matches every target.
	IsInGroup(group string) bool

	// IsIdle reports whether the target can accept at least one more
	// concurrent assignment right now.
	IsIdle() bool

	// Start begins accepting assignments. Completed work is reported on
	// the given channel. Must not block.
	Start(responses chan<- *Result) error

	// RunTest enqueues one test execution.
	RunTest(desc *Descriptor, tctx Context) error

	// SetUpResource enqueues the setup action of a resource.
	SetUpResource(id string, tctx Context) error

	// CleanUpResource enqueues the cleanup action of a resource.
	CleanUpResource(id string, tctx Context) error

	// Stop shuts the target down: in-flight work finishes or is abandoned
	// with a synthesized result, workers are joined, child processes are
	// waited on. Called exactly once per Start.
	Stop() error
}

// ResultStream receives a copy of every result the engine observes.
// WriteResult is called once per result in observation order; Summarize is
// called exactly once at run end after all results have been flushed.
type ResultStream interface {
	WriteResult(r *Result) error
	Summarize() error
}

// Database resolves test and resource identifiers to their descriptors.
type Database interface {
	// GetTest returns the descriptor for a test id.
	GetTest(id string) (*Descriptor, error)

	// GetResource returns the descriptor for a resource id.
	GetResource(id string) (*Descriptor, error)

	// TestIDs returns all test ids in the database, in definition order.
	TestIDs() []string
}

// Test is the runnable capability behind a test descriptor. Run executes
// the test and records its outcome and annotations on res, which arrives
// initialized to PASS.
type Test interface {
	Run(ctx context.Context, tctx Context, res *Result)
}

// Resource is the runnable capability behind a resource descriptor. SetUp
// may export context entries to dependents by annotating res with
// ExportPrefix keys; CleanUp receives those exports back in its context.
type Resource interface {
	SetUp(ctx context.Context, tctx Context, res *Result)
	CleanUp(ctx context.Context, tctx Context, res *Result)
}

// Provider turns a descriptor into its runnable implementation. It is the
// seam between the scheduling core and the class registry.
type Provider interface {
	Test(desc *Descriptor) (Test, error)
	Resource(desc *Descriptor) (Resource, error)
}
