package runner

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/gridtest/gridtest/pkg/engine"
)

// starlarkArgs are the arguments of the "starlark" test class.
type starlarkArgs struct {
	// Script is the Starlark source to execute.
	Script string `yaml:"script" validate:"required"`

	// TimeoutSeconds bounds the script's run time.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
}

// StarlarkTest executes a Starlark script in-process. The execution
// context is exposed to the script as the `ctx` dict. The script must set
// a global `passed` boolean; it may set `message` to explain a failure
// and an `annotations` dict of strings to record on the result.
type StarlarkTest struct {
	id   string
	args starlarkArgs
}

// NewStarlarkTest builds a starlark test from its descriptor.
func NewStarlarkTest(desc *engine.Descriptor) (engine.Test, error) {
	t := &StarlarkTest{id: desc.ID}
	if err := decodeArguments(desc, &t.args); err != nil {
		return nil, err
	}
	return t, nil
}

// Run executes the script.
func (t *StarlarkTest) Run(ctx context.Context, tctx engine.Context, res *engine.Result) {
	timeout := 30 * time.Second
	if t.args.TimeoutSeconds > 0 {
		timeout = time.Duration(t.args.TimeoutSeconds) * time.Second
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type evalResult struct {
		globals starlark.StringDict
		err     error
	}
	resultCh := make(chan evalResult, 1)

	go func() {
		globals, err := t.exec(tctx)
		resultCh <- evalResult{globals: globals, err: err}
	}()

	select {
	case <-evalCtx.Done():
		res.SetError(fmt.Errorf("script timed out after %v", timeout))
		return
	case ev := <-resultCh:
		if ev.err != nil {
			res.SetError(ev.err)
			return
		}
		t.judge(ev.globals, res)
	}
}

func (t *StarlarkTest) exec(tctx engine.Context) (starlark.StringDict, error) {
	thread := &starlark.Thread{
		Name:  t.id,
		Print: func(_ *starlark.Thread, _ string) {},
	}

	ctxDict := starlark.NewDict(len(tctx))
	for _, k := range tctx.Keys() {
		if err := ctxDict.SetKey(starlark.String(k), starlark.String(tctx[k])); err != nil {
			return nil, err
		}
	}

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"ctx":       ctxDict,
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}

	globals, err := starlark.ExecFile(thread, t.id+".star", t.args.Script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("script failed: %w", err)
	}
	return globals, nil
}

// judge derives the outcome from the script's globals.
func (t *StarlarkTest) judge(globals starlark.StringDict, res *engine.Result) {
	if annVal, ok := globals["annotations"]; ok {
		if dict, ok := annVal.(*starlark.Dict); ok {
			for _, item := range dict.Items() {
				key, kok := item[0].(starlark.String)
				val, vok := item[1].(starlark.String)
				if kok && vok {
					res.Annotate(string(key), string(val))
				}
			}
		}
	}

	passedVal, ok := globals["passed"]
	if !ok {
		res.SetError(fmt.Errorf("script did not set the global `passed`"))
		return
	}
	passed, ok := passedVal.(starlark.Bool)
	if !ok {
		res.SetError(fmt.Errorf("global `passed` must be a bool, got %s", passedVal.Type()))
		return
	}

	if !bool(passed) {
		cause := "script reported failure"
		if msgVal, ok := globals["message"]; ok {
			if msg, ok := msgVal.(starlark.String); ok {
				cause = string(msg)
			}
		}
		res.Fail(cause)
	}
}
