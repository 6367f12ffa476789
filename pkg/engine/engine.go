package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/telemetry"
)

// Engine schedules a set of tests across one or more targets. It builds
// the prerequisite graph, pairs ready units with idle targets, and
// consumes the shared response channel, unlocking or cancelling dependents
// as results arrive. An Engine runs at most once.
type Engine struct {
	db       Database
	ids      []string
	baseCtx  Context
	targets  []Target
	streams  []ResultStream
	expected map[string]Outcome

	logger  zerolog.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	runID      string
	responses  chan *Result
	terminated atomic.Bool
	started    bool

	g       *graph
	pending []int
	ready   []int
	idle    []Target

	results map[string]*Result
	order   []*Result
	exports map[string]map[string]string

	cleanups []resourceDispatch
}

// resourceDispatch remembers which target a resource setup went to so the
// paired cleanup can be sent to the same place.
type resourceDispatch struct {
	id     string
	target Target
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer attaches an OpenTelemetry tracer to the run.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithMetrics attaches a metrics collector to the run.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithExpectedOutcomes sets per-test expected outcomes. Tests not listed
// are expected to PASS.
func WithExpectedOutcomes(expected map[string]Outcome) Option {
	return func(e *Engine) { e.expected = expected }
}

// WithRunID overrides the generated run id, so callers that persist the
// run elsewhere can share one identifier.
func WithRunID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.runID = id
		}
	}
}

// NewEngine creates an engine for one run. If ids is empty, every test in
// the database is selected, in database order.
func NewEngine(db Database, ids []string, tctx Context, targets []Target, streams []ResultStream, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, NewPermanentError("database is required", nil).WithCode(ErrCodeValidation)
	}
	if len(targets) == 0 {
		return nil, NewPermanentError("at least one target is required", nil).WithCode(ErrCodeValidation)
	}
	// Results carry only the producing target's name, so names must be
	// unique or the idle-target bookkeeping resolves the wrong target.
	names := make(map[string]bool, len(targets))
	for _, t := range targets {
		if names[t.Name()] {
			return nil, NewPermanentError(fmt.Sprintf("duplicate target name %q", t.Name()), nil).
				WithCode(ErrCodeValidation)
		}
		names[t.Name()] = true
	}
	if len(ids) == 0 {
		ids = db.TestIDs()
	}
	if tctx == nil {
		tctx = Context{}
	}

	e := &Engine{
		db:      db,
		ids:     ids,
		baseCtx: tctx,
		targets: targets,
		streams: streams,
		logger:  zerolog.Nop(),
		runID:   uuid.New().String(),
		results: make(map[string]*Result),
		exports: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunID returns the unique identifier of this run.
func (e *Engine) RunID() string {
	return e.runID
}

// RequestTermination asks the engine to stop dispatching new work. Units
// already assigned to a target are allowed to finish; everything still
// pending is finalized as UNTESTED. Safe to call from any goroutine.
func (e *Engine) RequestTermination() {
	e.terminated.Store(true)
}

// Results returns every result recorded during the run, in the order the
// engine observed them.
func (e *Engine) Results() []*Result {
	return e.order
}

// Result returns the recorded result of the given kind for an id.
func (e *Engine) Result(kind ResultKind, id string) (*Result, bool) {
	r, ok := e.results[resultKey(kind, id)]
	return r, ok
}

// Run executes the scheduling loop and blocks until every requested unit
// has a terminal result and all targets are stopped. The returned summary
// reports outcome counts and which results deviated from expectations.
// The context cancels the run the same way RequestTermination does.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	if e.started {
		return nil, NewConflictError("engine has already run", nil)
	}
	e.started = true
	startedAt := time.Now()

	var endSpan func(error)
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartRunSpan(ctx, e.runID)
		ctx = spanCtx
		endSpan = func(err error) {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
	}
	if e.metrics != nil {
		e.metrics.RecordRunStarted()
	}

	g, failures := buildGraph(e.db, e.ids)
	e.g = g
	for i := range g.nodes {
		e.pending = append(e.pending, i)
		if g.nodes[i].prereqs == 0 {
			e.ready = append(e.ready, i)
		}
	}

	// Sized so every unit's result plus one cleanup per resource fits
	// without a send ever blocking a stopping worker.
	e.responses = make(chan *Result, 2*len(g.nodes)+len(failures)+len(e.targets)+16)

	for _, r := range failures {
		e.recordResult(r)
	}

	e.logger.Info().
		Str("run_id", e.runID).
		Int("units", len(g.nodes)).
		Int("targets", len(e.targets)).
		Msg("starting run")

	var startedTargets []Target
	for _, t := range e.targets {
		if err := t.Start(e.responses); err != nil {
			for _, st := range startedTargets {
				if serr := st.Stop(); serr != nil {
					e.logger.Warn().Err(serr).Str("target", st.Name()).Msg("failed to stop target")
				}
			}
			if endSpan != nil {
				endSpan(err)
			}
			return nil, fmt.Errorf("failed to start target %s: %w", t.Name(), err)
		}
		startedTargets = append(startedTargets, t)
		e.idle = append(e.idle, t)
	}

	e.runLoop(ctx)

	// Whatever is still pending was cut off before it could run.
	for len(e.pending) > 0 {
		ni := e.pending[0]
		e.removeFromPending(ni)
		node := &e.g.nodes[ni]
		node.prereqs = 0
		res := NewResult(resultKindFor(node.desc), node.desc.ID)
		res.Outcome = OutcomeUntested
		res.Annotate(AnnotationCause, CauseTerminated)
		e.recordResult(res)
	}

	unresolved := e.runCleanups(ctx)

	for _, t := range startedTargets {
		if err := t.Stop(); err != nil {
			e.logger.Warn().Err(err).Str("target", t.Name()).Msg("failed to stop target")
		}
	}

	// Final flush of anything workers pushed while stopping. On a
	// cancelled run this is where dispatched cleanups deliver their real
	// results, so only what is still missing afterwards gets synthesized.
	e.drainResponses()
	for _, id := range unresolved {
		if _, ok := e.results[resultKey(KindResourceCleanup, id)]; ok {
			continue
		}
		res := NewResult(KindResourceCleanup, id)
		res.Outcome = OutcomeUntested
		res.Annotate(AnnotationCause, CauseTerminated)
		e.recordResult(res)
	}

	for _, s := range e.streams {
		if err := s.Summarize(); err != nil {
			e.logger.Warn().Err(err).Msg("result stream summarize failed")
		}
	}

	summary := e.buildSummary(startedAt)

	if e.metrics != nil {
		status := "completed"
		if summary.Terminated {
			status = "terminated"
		}
		e.metrics.RecordRunCompleted(status, summary.Completed.Sub(summary.Started))
	}
	if endSpan != nil {
		endSpan(nil)
	}

	e.logger.Info().
		Str("run_id", e.runID).
		Int("results", len(e.order)).
		Int("unexpected", len(summary.Unexpected)).
		Bool("terminated", summary.Terminated).
		Msg("run finished")

	return summary, nil
}

// runLoop is the dispatch loop. It is the only place the engine suspends:
// a blocking receive on the response channel when nothing can be
// dispatched. All graph mutation happens here or in the result handlers it
// calls, on this goroutine.
func (e *Engine) runLoop(ctx context.Context) {
	for (len(e.pending) > 0 || len(e.ready) > 0) && !e.terminating(ctx) {
		e.purgeReady()

		if len(e.idle) == 0 {
			if !e.waitResult(ctx) {
				return
			}
			continue
		}

		if len(e.ready) == 0 {
			if len(e.pending) == 0 {
				// Only stale bookkeeping remained; re-evaluate.
				continue
			}
			if e.allIdle() {
				// Nothing runnable, nothing in flight: the remaining
				// pending units form a cycle or an orphaned chain.
				e.breakDeadlock()
				continue
			}
			if !e.waitResult(ctx) {
				return
			}
			continue
		}

		if e.dispatchReady() {
			e.tryResult()
			continue
		}

		if e.allIdle() {
			// Ready units exist but no target will ever accept them.
			e.evictReadyHead()
			continue
		}

		if !e.waitResult(ctx) {
			return
		}
	}
}

func (e *Engine) terminating(ctx context.Context) bool {
	if ctx.Err() != nil {
		e.terminated.Store(true)
	}
	return e.terminated.Load()
}

// purgeReady drops ready entries already resolved by cascade or eviction.
func (e *Engine) purgeReady() {
	kept := e.ready[:0]
	for _, ni := range e.ready {
		if e.g.nodes[ni].pending {
			kept = append(kept, ni)
		}
	}
	e.ready = kept
}

// dispatchReady pairs ready units with idle targets, first satisfiable
// match wins: ready entries in insertion order against idle targets in
// insertion order. Reports whether anything was dispatched.
func (e *Engine) dispatchReady() bool {
	dispatched := false
	i := 0
	for i < len(e.ready) && len(e.idle) > 0 {
		ni := e.ready[i]
		t := e.idleTargetFor(e.g.nodes[ni].desc.TargetGroup)
		if t == nil {
			i++
			continue
		}
		e.ready = append(e.ready[:i], e.ready[i+1:]...)
		e.removeFromPending(ni)
		e.dispatch(ni, t)
		dispatched = true
		if !t.IsIdle() {
			e.removeIdle(t)
		}
	}
	return dispatched
}

// dispatch hands one unit to a target. Submission is non-blocking; if the
// target rejects it outright the engine synthesizes the terminal result
// itself, since nothing else ever will.
func (e *Engine) dispatch(ni int, t Target) {
	desc := e.g.nodes[ni].desc
	tctx := e.contextFor(desc)

	e.logger.Debug().
		Str("id", desc.ID).
		Str("kind", string(desc.Kind)).
		Str("target", t.Name()).
		Msg("dispatching unit")

	var err error
	if desc.IsResource() {
		err = t.SetUpResource(desc.ID, tctx)
		if err == nil {
			e.cleanups = append(e.cleanups, resourceDispatch{id: desc.ID, target: t})
		}
	} else {
		err = t.RunTest(desc, tctx)
	}

	if e.metrics != nil {
		e.metrics.RecordUnitDispatched(string(resultKindFor(desc)), t.Name())
	}

	if err != nil {
		res := NewResult(resultKindFor(desc), desc.ID)
		if desc.IsResource() {
			res.Outcome = OutcomeUntested
		} else {
			res.Outcome = OutcomeError
		}
		res.Annotate(AnnotationError, err.Error())
		res.Target = t.Name()
		e.recordResult(res)
	}
}

// breakDeadlock evicts the head of pending, the deterministic tie-break
// for unsatisfiable cycles, and lets the cascade resolve its dependents.
func (e *Engine) breakDeadlock() {
	ni := e.pending[0]
	e.removeFromPending(ni)
	node := &e.g.nodes[ni]
	node.prereqs = 0

	e.logger.Warn().Str("id", node.desc.ID).Msg("breaking dependency cycle")

	res := NewResult(resultKindFor(node.desc), node.desc.ID)
	res.Outcome = OutcomeUntested
	res.Annotate(AnnotationCause, CauseDependencyCycle)
	e.recordResult(res)
}

// evictReadyHead resolves the oldest ready unit when every target is idle
// and none accepts its group: no future completion can change that, so
// waiting would hang the run.
func (e *Engine) evictReadyHead() {
	ni := e.ready[0]
	e.ready = e.ready[1:]
	e.removeFromPending(ni)
	node := &e.g.nodes[ni]

	e.logger.Warn().
		Str("id", node.desc.ID).
		Str("target_group", node.desc.TargetGroup).
		Msg("no target accepts unit's group")

	res := NewResult(resultKindFor(node.desc), node.desc.ID)
	res.Outcome = OutcomeUntested
	res.Annotate(AnnotationCause, CauseNoEligibleTarget)
	res.Annotate("target_group", node.desc.TargetGroup)
	e.recordResult(res)
}

// waitResult blocks for one result. Returns false when the run context is
// cancelled instead.
func (e *Engine) waitResult(ctx context.Context) bool {
	select {
	case r := <-e.responses:
		e.processResult(r)
		return true
	case <-ctx.Done():
		e.terminated.Store(true)
		return false
	}
}

// tryResult drains at most one result without blocking.
func (e *Engine) tryResult() {
	select {
	case r := <-e.responses:
		e.processResult(r)
	default:
	}
}

func (e *Engine) drainResponses() {
	for {
		select {
		case r := <-e.responses:
			e.processResult(r)
		default:
			return
		}
	}
}

// processResult handles one result taken off the response channel:
// refresh the idle-target cache for the producer, then record.
func (e *Engine) processResult(r *Result) {
	if r == nil {
		return
	}
	if r.Target != "" {
		e.noteIdle(r.Target)
	}
	e.recordResult(r)
}

// recordResult records a result, forwards it to every stream in
// registration order, and propagates the outcome to dependents. Test and
// resource setup outcomes gate dependents; cleanup outcomes do not.
func (e *Engine) recordResult(r *Result) {
	key := resultKey(r.Kind, r.ID)
	if _, dup := e.results[key]; dup {
		e.logger.Warn().Str("id", r.ID).Str("kind", string(r.Kind)).Msg("duplicate result discarded")
		return
	}
	e.results[key] = r
	e.order = append(e.order, r)

	e.logger.Debug().
		Str("id", r.ID).
		Str("kind", string(r.Kind)).
		Str("outcome", string(r.Outcome)).
		Str("target", r.Target).
		Msg("result recorded")

	for _, s := range e.streams {
		if err := s.WriteResult(r); err != nil {
			e.logger.Warn().Err(err).Str("id", r.ID).Msg("result stream write failed")
		}
	}

	if e.metrics != nil {
		e.metrics.RecordResult(string(r.Kind), string(r.Outcome))
		e.metrics.SetQueuedUnits(float64(len(e.ready)), float64(len(e.pending)))
	}

	if r.Kind == KindResourceSetup && r.Outcome == OutcomePass {
		if exp := r.Exports(); len(exp) > 0 {
			e.exports[r.ID] = exp
		}
	}

	if r.Kind == KindTest || r.Kind == KindResourceSetup {
		if ni, ok := e.g.index[r.ID]; ok {
			e.updateDependents(ni, r.Outcome)
		}
	}
}

// updateDependents walks the dependent edges of a completed node. A
// mismatch against the required outcome finalizes the dependent as
// UNTESTED and cascades; a match decrements the dependent's prerequisite
// count and promotes it to ready at zero.
func (e *Engine) updateDependents(ni int, outcome Outcome) {
	src := e.g.nodes[ni].desc.ID
	for _, ed := range e.g.nodes[ni].dependents {
		dep := &e.g.nodes[ed.node]
		if dep.prereqs == 0 {
			// Already resolved or already dispatched.
			continue
		}
		if outcome != ed.required {
			dep.prereqs = 0
			e.removeFromPending(ed.node)
			res := NewResult(resultKindFor(dep.desc), dep.desc.ID)
			res.Outcome = OutcomeUntested
			res.Annotate(AnnotationCause, CauseFailedPrerequisite)
			res.Annotate(AnnotationPrerequisite, src)
			res.Annotate(AnnotationPrerequisiteOutcome, string(outcome))
			res.Annotate(AnnotationPrerequisiteExpected, string(ed.required))
			e.recordResult(res)
			continue
		}
		dep.prereqs--
		if dep.prereqs == 0 {
			e.ready = append(e.ready, ed.node)
		}
	}
}

// runCleanups schedules the paired cleanup for every resource whose setup
// was dispatched, newest first, then waits for each cleanup result. This
// holds even when the run was terminated early. On a cancelled context it
// stops waiting and returns the ids still unanswered; those cleanups were
// dispatched and may well execute, so the caller resolves them after the
// targets are stopped instead of synthesizing over their real results.
func (e *Engine) runCleanups(ctx context.Context) []string {
	if len(e.cleanups) == 0 {
		return nil
	}

	outstanding := make(map[string]bool, len(e.cleanups))
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		c := e.cleanups[i]
		tctx := e.baseCtx.Merge(e.exports[c.id])
		if err := c.target.CleanUpResource(c.id, tctx); err != nil {
			res := NewResult(KindResourceCleanup, c.id)
			res.Outcome = OutcomeUntested
			res.Annotate(AnnotationError, err.Error())
			res.Target = c.target.Name()
			e.recordResult(res)
			continue
		}
		outstanding[c.id] = true
	}

	for len(outstanding) > 0 {
		select {
		case r := <-e.responses:
			e.processResult(r)
			if r != nil && r.Kind == KindResourceCleanup {
				delete(outstanding, r.ID)
			}
		case <-ctx.Done():
			unresolved := make([]string, 0, len(outstanding))
			for id := range outstanding {
				unresolved = append(unresolved, id)
			}
			return unresolved
		}
	}
	return nil
}

func (e *Engine) contextFor(desc *Descriptor) Context {
	tctx := e.baseCtx.Copy()
	for _, rid := range desc.Resources {
		for k, v := range e.exports[rid] {
			tctx[k] = v
		}
	}
	return tctx
}

func (e *Engine) removeFromPending(ni int) {
	if !e.g.nodes[ni].pending {
		return
	}
	e.g.nodes[ni].pending = false
	for i, p := range e.pending {
		if p == ni {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func (e *Engine) idleTargetFor(group string) Target {
	for _, t := range e.idle {
		if t.IsInGroup(group) {
			return t
		}
	}
	return nil
}

func (e *Engine) removeIdle(t Target) {
	for i, it := range e.idle {
		if it == t {
			e.idle = append(e.idle[:i], e.idle[i+1:]...)
			return
		}
	}
}

func (e *Engine) noteIdle(name string) {
	for _, t := range e.targets {
		if t.Name() != name {
			continue
		}
		if !t.IsIdle() {
			return
		}
		for _, it := range e.idle {
			if it == t {
				return
			}
		}
		e.idle = append(e.idle, t)
		return
	}
}

func (e *Engine) allIdle() bool {
	return len(e.idle) == len(e.targets)
}

func resultKey(kind ResultKind, id string) string {
	return string(kind) + ":" + id
}

// RunSummary reports the aggregate outcome of one run.
type RunSummary struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Started and Completed bound the run wall-clock time.
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`

	// Counts is the number of results per outcome.
	Counts map[Outcome]int `json:"counts"`

	// Unexpected lists the results whose outcome deviated from what was
	// expected (PASS unless overridden per test).
	Unexpected []*Result `json:"unexpected,omitempty"`

	// Terminated reports whether the run was cut short.
	Terminated bool `json:"terminated"`
}

// HasUnexpected reports whether any result deviated from expectations.
// This drives the process exit code.
func (s *RunSummary) HasUnexpected() bool {
	return len(s.Unexpected) > 0
}

func (e *Engine) buildSummary(startedAt time.Time) *RunSummary {
	s := &RunSummary{
		RunID:      e.runID,
		Started:    startedAt,
		Completed:  time.Now(),
		Counts:     make(map[Outcome]int),
		Terminated: e.terminated.Load(),
	}
	for _, r := range e.order {
		s.Counts[r.Outcome]++
		expected := OutcomePass
		if r.Kind == KindTest {
			if exp, ok := e.expected[r.ID]; ok {
				expected = exp
			}
		}
		if r.Outcome != expected {
			s.Unexpected = append(s.Unexpected, r)
		}
	}
	return s
}
