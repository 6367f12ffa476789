package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/gridtest/gridtest/pkg/engine"
)

// wasmArgs are the arguments of the "wasm" test class.
type wasmArgs struct {
	// Module is the path to the WASI module to run.
	Module string `yaml:"module" validate:"required"`

	// Args are the command line arguments passed to the module. The
	// module path is always argv[0].
	Args []string `yaml:"args,omitempty"`

	// ExpectedExitCode is the exit code that counts as a pass.
	ExpectedExitCode int `yaml:"expected_exit_code,omitempty"`

	// TimeoutSeconds bounds the module's run time.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
}

// WasmTest runs a WASI command module in a sandboxed runtime and judges
// it by exit code. The execution context is exposed to the module through
// its environment.
type WasmTest struct {
	id   string
	args wasmArgs
}

// NewWasmTest builds a wasm test from its descriptor.
func NewWasmTest(desc *engine.Descriptor) (engine.Test, error) {
	t := &WasmTest{id: desc.ID}
	if err := decodeArguments(desc, &t.args); err != nil {
		return nil, err
	}
	return t, nil
}

// Run instantiates and executes the module.
func (t *WasmTest) Run(ctx context.Context, tctx engine.Context, res *engine.Result) {
	if t.args.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.args.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	wasmBytes, err := os.ReadFile(t.args.Module)
	if err != nil {
		res.SetError(fmt.Errorf("failed to read module: %w", err))
		return
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		res.SetError(fmt.Errorf("failed to instantiate WASI: %w", err))
		return
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName(t.id).
		WithArgs(append([]string{t.args.Module}, t.args.Args...)...).
		WithStdout(&stdout).
		WithStderr(&stderr)
	for _, k := range tctx.Keys() {
		moduleConfig = moduleConfig.WithEnv(k, tctx[k])
	}

	_, err = runtime.InstantiateWithConfig(ctx, wasmBytes, moduleConfig)

	res.Annotate(AnnotationStdout, stdout.String())
	res.Annotate(AnnotationStderr, stderr.String())

	var exitErr *sys.ExitError
	switch {
	case err == nil:
		res.Annotate(AnnotationExitCode, "0")
		if t.args.ExpectedExitCode != 0 {
			res.Fail(fmt.Sprintf("exit code 0, expected %d", t.args.ExpectedExitCode))
		}

	case errors.As(err, &exitErr):
		code := int(exitErr.ExitCode())
		res.Annotate(AnnotationExitCode, strconv.Itoa(code))
		if code != t.args.ExpectedExitCode {
			res.Fail(fmt.Sprintf("exit code %d, expected %d", code, t.args.ExpectedExitCode))
		}

	default:
		res.SetError(fmt.Errorf("module execution failed: %w", err))
	}
}
