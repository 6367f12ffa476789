package engine

import (
	"sort"
	"strings"
)

// Outcome is the terminal state of one test or resource action.
type Outcome string

const (
	// OutcomePass indicates the unit completed and behaved as intended.
	OutcomePass Outcome = "PASS"

	// OutcomeFail indicates the unit completed but did not behave as intended.
	OutcomeFail Outcome = "FAIL"

	// OutcomeError indicates the unit could not be executed properly
	// (harness, transport, or environment failure rather than a test failure).
	OutcomeError Outcome = "ERROR"

	// OutcomeUntested indicates the unit was never executed, typically
	// because a prerequisite was not satisfied or the run was cut short.
	OutcomeUntested Outcome = "UNTESTED"
)

// IsValid reports whether o is one of the defined outcomes.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeError, OutcomeUntested:
		return true
	}
	return false
}

// ResultKind distinguishes what a Result describes.
type ResultKind string

const (
	// KindTest is the result of running a test.
	KindTest ResultKind = "test"

	// KindResourceSetup is the result of setting up a resource.
	KindResourceSetup ResultKind = "resource_setup"

	// KindResourceCleanup is the result of cleaning up a resource.
	KindResourceCleanup ResultKind = "resource_cleanup"
)

// Annotation keys written by the engine and the builtin targets.
const (
	// AnnotationCause carries the human-readable reason a unit did not
	// produce a genuine pass/fail outcome.
	AnnotationCause = "cause"

	// AnnotationPrerequisite names the prerequisite whose outcome blocked
	// a dependent unit.
	AnnotationPrerequisite = "prerequisite"

	// AnnotationPrerequisiteOutcome is the outcome the prerequisite
	// actually produced.
	AnnotationPrerequisiteOutcome = "prerequisite.outcome"

	// AnnotationPrerequisiteExpected is the outcome the dependent required
	// of the prerequisite.
	AnnotationPrerequisiteExpected = "prerequisite.expected_outcome"

	// AnnotationError carries the error string behind an ERROR outcome.
	AnnotationError = "error"

	// ExportPrefix marks resource setup annotations that should be folded
	// into the context of units depending on that resource.
	ExportPrefix = "export."
)

// Causes recorded under AnnotationCause by the engine.
const (
	CauseLoadFailure        = "could not load test"
	CauseResourceFailure    = "could not load resource"
	CauseFailedPrerequisite = "failed prerequisite"
	CauseDependencyCycle    = "dependency cycle"
	CauseTerminated         = "execution terminated"
	CauseNoEligibleTarget   = "no eligible target"
)

// Result records the terminal state of one test or resource action. A
// target creates one Result per completed assignment; the engine
// synthesizes Results for units that never ran. Once handed to the engine
// a Result is treated as immutable.
type Result struct {
	// Kind says whether this result describes a test, a resource setup,
	// or a resource cleanup.
	Kind ResultKind `json:"kind"`

	// ID is the test or resource identifier the result belongs to.
	ID string `json:"id"`

	// Outcome is the terminal outcome.
	Outcome Outcome `json:"outcome"`

	// Annotations is a free-form string bag: causes, captured output,
	// exit codes, exported values.
	Annotations map[string]string `json:"annotations,omitempty"`

	// Target is the name of the target that produced the result, empty
	// for results synthesized by the engine.
	Target string `json:"target,omitempty"`
}

// NewResult creates a result with the default outcome of PASS, matching
// the convention that a unit which runs to completion without recording
// anything else has passed.
func NewResult(kind ResultKind, id string) *Result {
	return &Result{
		Kind:        kind,
		ID:          id,
		Outcome:     OutcomePass,
		Annotations: make(map[string]string),
	}
}

// Annotate sets a single annotation, allocating the bag if needed.
func (r *Result) Annotate(key, value string) {
	if r.Annotations == nil {
		r.Annotations = make(map[string]string)
	}
	r.Annotations[key] = value
}

// SetError marks the result as ERROR and records the error string.
func (r *Result) SetError(err error) {
	r.Outcome = OutcomeError
	if err != nil {
		r.Annotate(AnnotationError, err.Error())
	}
}

// Fail marks the result as FAIL with a cause annotation.
func (r *Result) Fail(cause string) {
	r.Outcome = OutcomeFail
	r.Annotate(AnnotationCause, cause)
}

// Cause returns the cause annotation, if any.
func (r *Result) Cause() string {
	return r.Annotations[AnnotationCause]
}

// Exports returns the context entries a resource setup result exported,
// with the export prefix stripped.
func (r *Result) Exports() map[string]string {
	var out map[string]string
	for k, v := range r.Annotations {
		if strings.HasPrefix(k, ExportPrefix) {
			if out == nil {
				out = make(map[string]string)
			}
			out[strings.TrimPrefix(k, ExportPrefix)] = v
		}
	}
	return out
}

// Context is the key/value environment handed to every test and resource
// invocation. The engine builds a fresh copy per dispatched assignment, so
// implementations may read it without synchronization; mutations never
// propagate back to the engine.
type Context map[string]string

// Get returns the value for key and whether it was present.
func (c Context) Get(key string) (string, bool) {
	v, ok := c[key]
	return v, ok
}

// Copy returns an independent copy of the context.
func (c Context) Copy() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a copy of the context with the given entries layered on
// top. A nil overlay just copies.
func (c Context) Merge(overlay map[string]string) Context {
	out := c.Copy()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DescriptorKind distinguishes test descriptors from resource descriptors.
type DescriptorKind string

const (
	// DescriptorTest describes a runnable test.
	DescriptorTest DescriptorKind = "test"

	// DescriptorResource describes a resource with setup/cleanup actions.
	DescriptorResource DescriptorKind = "resource"
)

// Descriptor is the static definition of a test or resource: its identity,
// which implementation class runs it, what it requires of other units, and
// which target group may execute it. Descriptors are owned by the database
// and only read by the engine.
type Descriptor struct {
	// ID is the unique identifier within the database.
	ID string `json:"id" yaml:"id"`

	// Kind says whether this is a test or a resource.
	Kind DescriptorKind `json:"kind" yaml:"kind"`

	// Class names the implementation to instantiate (e.g. "exec",
	// "starlark", "temp_dir"). Resolved through a Provider.
	Class string `json:"class" yaml:"class"`

	// Arguments configure the implementation instance.
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`

	// Prerequisites maps a prerequisite test id to the outcome that test
	// must produce before this unit may run.
	Prerequisites map[string]Outcome `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`

	// Resources lists resource ids whose setup must PASS before this unit
	// may run.
	Resources []string `json:"resources,omitempty" yaml:"resources,omitempty"`

	// TargetGroup restricts which targets may run this unit. Empty means
	// any target.
	TargetGroup string `json:"target_group,omitempty" yaml:"target_group,omitempty"`
}

// IsResource reports whether the descriptor describes a resource.
func (d *Descriptor) IsResource() bool {
	return d.Kind == DescriptorResource
}
