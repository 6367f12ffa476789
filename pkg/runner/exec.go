package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gridtest/gridtest/pkg/engine"
)

// Annotation keys written by the exec test class.
const (
	AnnotationStdout   = "exec.stdout"
	AnnotationStderr   = "exec.stderr"
	AnnotationExitCode = "exec.exit_code"
)

// ContextEnvPrefix is prepended to context keys when they are exported
// into the child's environment. Dots in keys become underscores.
const ContextEnvPrefix = "GRIDTEST_"

// execArgs are the arguments of the "exec" test class.
type execArgs struct {
	// Program is the executable to run.
	Program string `yaml:"program" validate:"required"`

	// Args are the command line arguments.
	Args []string `yaml:"args,omitempty"`

	// Dir is the working directory, empty for the current one.
	Dir string `yaml:"dir,omitempty"`

	// Env is extra environment entries layered over the parent
	// environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Stdin is fed to the program's standard input.
	Stdin string `yaml:"stdin,omitempty"`

	// ExpectedExitCode is the exit code that counts as a pass.
	ExpectedExitCode int `yaml:"expected_exit_code,omitempty"`

	// TimeoutSeconds bounds the program's run time, 0 for no limit.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
}

// ExecTest runs an external program and judges it by exit code. Captured
// output and the exit code are recorded as annotations; the execution
// context is exported into the child's environment.
type ExecTest struct {
	id   string
	args execArgs
}

// NewExecTest builds an exec test from its descriptor.
func NewExecTest(desc *engine.Descriptor) (engine.Test, error) {
	t := &ExecTest{id: desc.ID}
	if err := decodeArguments(desc, &t.args); err != nil {
		return nil, err
	}
	return t, nil
}

// Run executes the program.
func (t *ExecTest) Run(ctx context.Context, tctx engine.Context, res *engine.Result) {
	if t.args.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.args.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.args.Program, t.args.Args...)
	cmd.Dir = t.args.Dir
	cmd.Env = buildEnv(t.args.Env, tctx)
	if t.args.Stdin != "" {
		cmd.Stdin = strings.NewReader(t.args.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res.Annotate(AnnotationStdout, stdout.String())
	res.Annotate(AnnotationStderr, stderr.String())

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Annotate(AnnotationExitCode, "0")
		if t.args.ExpectedExitCode != 0 {
			res.Fail(fmt.Sprintf("exit code 0, expected %d", t.args.ExpectedExitCode))
		}

	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		res.Annotate(AnnotationExitCode, strconv.Itoa(code))
		if ctx.Err() != nil {
			res.SetError(fmt.Errorf("program timed out: %w", ctx.Err()))
			return
		}
		if code != t.args.ExpectedExitCode {
			res.Fail(fmt.Sprintf("exit code %d, expected %d", code, t.args.ExpectedExitCode))
		}

	default:
		// The program never ran, which is a harness problem rather than
		// a test failure.
		res.SetError(err)
	}
}

// buildEnv layers explicit entries and context exports over the parent
// environment.
func buildEnv(extra map[string]string, tctx engine.Context) []string {
	env := os.Environ()
	for _, k := range tctx.Keys() {
		name := ContextEnvPrefix + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
		env = append(env, name+"="+tctx[k])
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
