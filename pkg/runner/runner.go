// Package runner maps descriptor classes to runnable test and resource
// implementations. The builtin classes cover external commands ("exec"),
// in-process scripts ("starlark"), WASI modules ("wasm"), and scratch
// directories ("temp_dir").
package runner

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/engine"
)

// TestFactory builds a runnable test from its descriptor.
type TestFactory func(desc *engine.Descriptor) (engine.Test, error)

// ResourceFactory builds a runnable resource from its descriptor.
type ResourceFactory func(desc *engine.Descriptor) (engine.Resource, error)

// Registry implements engine.Provider over a set of named classes.
type Registry struct {
	tests     map[string]TestFactory
	resources map[string]ResourceFactory
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tests:     make(map[string]TestFactory),
		resources: make(map[string]ResourceFactory),
		logger:    logger,
	}
}

// DefaultRegistry creates a registry with all builtin classes registered.
func DefaultRegistry(logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	r.RegisterTest("exec", NewExecTest)
	r.RegisterTest("starlark", NewStarlarkTest)
	r.RegisterTest("wasm", NewWasmTest)
	r.RegisterResource("temp_dir", NewTempDirResource)
	return r
}

// RegisterTest registers a test class. Registering an existing class
// replaces it.
func (r *Registry) RegisterTest(class string, factory TestFactory) {
	r.tests[class] = factory
}

// RegisterResource registers a resource class.
func (r *Registry) RegisterResource(class string, factory ResourceFactory) {
	r.resources[class] = factory
}

// Test builds the runnable test for a descriptor.
func (r *Registry) Test(desc *engine.Descriptor) (engine.Test, error) {
	factory, ok := r.tests[desc.Class]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown test class %q", desc.Class), nil).
			WithCode(engine.ErrCodeUnknownClass).
			WithUnit(desc.ID)
	}
	return factory(desc)
}

// Resource builds the runnable resource for a descriptor.
func (r *Registry) Resource(desc *engine.Descriptor) (engine.Resource, error) {
	factory, ok := r.resources[desc.Class]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown resource class %q", desc.Class), nil).
			WithCode(engine.ErrCodeUnknownClass).
			WithUnit(desc.ID)
	}
	return factory(desc)
}
