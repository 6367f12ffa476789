// Package target provides the builtin execution targets: serial and
// pooled in-process targets, and a remote target that drives an agent
// process over a byte-stream transport.
package target

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/engine"
)

// assignment is one unit of work accepted from the engine.
type assignment struct {
	kind engine.ResultKind
	id   string
	desc *engine.Descriptor
	tctx engine.Context
}

// base carries what every in-process target needs to turn an assignment
// into a result.
type base struct {
	name     string
	group    string
	db       engine.Database
	provider engine.Provider
	logger   zerolog.Logger
}

// Name identifies the target in results and logs.
func (b *base) Name() string {
	return b.name
}

// Group returns the target's group label.
func (b *base) Group() string {
	return b.group
}

// IsInGroup reports whether the target may run units labeled with the
// given target group.
func (b *base) IsInGroup(group string) bool {
	return group == "" || group == b.group
}

// execute runs one assignment to completion and returns its result. It
// never panics: a panicking test or resource implementation is converted
// into an ERROR result so the worker stays alive.
func (b *base) execute(a assignment) (res *engine.Result) {
	res = engine.NewResult(a.kind, a.id)
	res.Target = b.name

	defer func() {
		if p := recover(); p != nil {
			b.logger.Error().
				Str("unit_id", a.id).
				Str("kind", string(a.kind)).
				Interface("panic", p).
				Msg("unit panicked")
			res.SetError(fmt.Errorf("panic: %v", p))
		}
	}()

	switch a.kind {
	case engine.KindTest:
		test, err := b.provider.Test(a.desc)
		if err != nil {
			res.SetError(err)
			return res
		}
		test.Run(context.Background(), a.tctx, res)

	case engine.KindResourceSetup, engine.KindResourceCleanup:
		resource, err := b.loadResource(a.id)
		if err != nil {
			// A resource that cannot be instantiated leaves its action
			// unexecuted rather than errored.
			res.Outcome = engine.OutcomeUntested
			res.Annotate(engine.AnnotationCause, engine.CauseResourceFailure)
			res.Annotate(engine.AnnotationError, err.Error())
			return res
		}
		if a.kind == engine.KindResourceSetup {
			resource.SetUp(context.Background(), a.tctx, res)
		} else {
			resource.CleanUp(context.Background(), a.tctx, res)
		}

	default:
		res.SetError(fmt.Errorf("unknown assignment kind: %s", a.kind))
	}

	return res
}

func (b *base) loadResource(id string) (engine.Resource, error) {
	desc, err := b.db.GetResource(id)
	if err != nil {
		return nil, err
	}
	return b.provider.Resource(desc)
}

// Option configures an in-process target.
type Option func(*base)

// WithLogger sets the logger used by the target's workers.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *base) {
		b.logger = logger
	}
}
