package target_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/remote"
	"github.com/gridtest/gridtest/pkg/remote/protocol"
	"github.com/gridtest/gridtest/pkg/target"
	"github.com/gridtest/gridtest/pkg/transports"
)

// pipeConn is an in-memory stand-in for an agent process's stdio.
type pipeConn struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	done   chan struct{}
}

func (c *pipeConn) Stdin() io.Writer  { return c.stdin }
func (c *pipeConn) Stdout() io.Reader { return c.stdout }

func (c *pipeConn) CloseWrite() error {
	return c.stdin.Close()
}

func (c *pipeConn) Wait() error {
	<-c.done
	return nil
}

// agentTransport runs a real agent loop in-process instead of launching a
// subprocess.
type agentTransport struct {
	cfg      remote.ServeConfig
	serveErr chan error
}

func (t *agentTransport) Open(_ context.Context, _ []string) (transports.Conn, error) {
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := remote.Serve(cmdR, resW, t.cfg)
		_ = resW.Close()
		_ = cmdR.Close()
		if t.serveErr != nil {
			t.serveErr <- err
		}
	}()
	return &pipeConn{stdin: cmdW, stdout: resR, done: done}, nil
}

func TestRemote_RunTestRoundTrip(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("t1")
	provider := newFakeProvider()
	provider.tests["t1"] = func(tctx engine.Context, res *engine.Result) {
		v, _ := tctx.Get("env")
		res.Annotate("seen_env", v)
	}
	serveErr := make(chan error, 1)
	tr := &agentTransport{
		cfg:      remote.ServeConfig{DB: db, Provider: provider, Concurrency: 1},
		serveErr: serveErr,
	}

	rt := target.NewRemote("edge", "remote", tr, nil)
	responses := make(chan *engine.Result, 4)
	if err := rt.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !rt.IsIdle() {
		t.Error("Expected a fresh remote target to be idle")
	}

	if err := rt.RunTest(desc, engine.Context{"env": "staging"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	res := <-responses
	if res.Kind != engine.KindTest || res.ID != "t1" {
		t.Fatalf("Expected a test result for t1, got %s/%s", res.Kind, res.ID)
	}
	if res.Outcome != engine.OutcomePass {
		t.Errorf("Expected PASS, got %s", res.Outcome)
	}
	if res.Target != "edge" {
		t.Errorf("Expected the controller-side target name, got %q", res.Target)
	}
	// The context crossed the wire intact.
	if res.Annotations["seen_env"] != "staging" {
		t.Errorf("Expected the agent to see the context, got %q", res.Annotations["seen_env"])
	}

	if err := rt.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Expected the agent loop to exit cleanly, got: %v", err)
	}
}

func TestRemote_ResourceRoundTrip(t *testing.T) {
	db := newFakeDB()
	db.addResource("res")
	provider := newFakeProvider()
	provider.setups["res"] = func(_ engine.Context, res *engine.Result) {
		res.Annotate(engine.ExportPrefix+"addr", "127.0.0.1:9000")
	}
	var cleanupAddr string
	cleanupDone := make(chan struct{})
	provider.cleanups["res"] = func(tctx engine.Context, _ *engine.Result) {
		cleanupAddr, _ = tctx.Get("addr")
		close(cleanupDone)
	}
	tr := &agentTransport{cfg: remote.ServeConfig{DB: db, Provider: provider, Concurrency: 1}}

	rt := target.NewRemote("edge", "", tr, nil)
	responses := make(chan *engine.Result, 4)
	if err := rt.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := rt.SetUpResource("res", engine.Context{}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	setup := <-responses
	if setup.Kind != engine.KindResourceSetup || setup.Outcome != engine.OutcomePass {
		t.Fatalf("Expected a passing setup, got %s/%s", setup.Kind, setup.Outcome)
	}
	exports := setup.Exports()
	if exports["addr"] != "127.0.0.1:9000" {
		t.Errorf("Expected the export to survive the wire, got %v", exports)
	}

	if err := rt.CleanUpResource("res", engine.Context(exports)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	cleanup := <-responses
	if cleanup.Kind != engine.KindResourceCleanup || cleanup.Outcome != engine.OutcomePass {
		t.Fatalf("Expected a passing cleanup, got %s/%s", cleanup.Kind, cleanup.Outcome)
	}
	<-cleanupDone
	if cleanupAddr != "127.0.0.1:9000" {
		t.Errorf("Expected the cleanup to receive the export, got %q", cleanupAddr)
	}

	if err := rt.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestRemote_StopDeliversInFlightResult(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("t1")
	provider := newFakeProvider()
	provider.tests["t1"] = func(_ engine.Context, res *engine.Result) {
		// Still executing when the stop sentinel goes out.
		time.Sleep(50 * time.Millisecond)
		res.Annotate("finished", "yes")
	}
	serveErr := make(chan error, 1)
	tr := &agentTransport{
		cfg:      remote.ServeConfig{DB: db, Provider: provider, Concurrency: 1},
		serveErr: serveErr,
	}

	rt := target.NewRemote("edge", "", tr, nil)
	responses := make(chan *engine.Result, 4)
	if err := rt.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := rt.RunTest(desc, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Stop while the assignment is in flight. The agent answers it before
	// exiting; that answer must win over a synthesized failure.
	if err := rt.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Expected the agent loop to exit cleanly, got: %v", err)
	}

	res := <-responses
	if res.Outcome != engine.OutcomePass {
		t.Fatalf("Expected the real PASS result, got %s (%v)", res.Outcome, res.Annotations)
	}
	if res.Annotations["finished"] != "yes" {
		t.Errorf("Expected the agent's annotations, got %v", res.Annotations)
	}
	select {
	case extra := <-responses:
		t.Errorf("Expected no synthesized result, got %s for %s", extra.Outcome, extra.ID)
	default:
	}
}

// dyingTransport hands out an agent that acknowledges the handshake, swallows
// one command, and drops dead without answering.
type dyingTransport struct{}

func (dyingTransport) Open(_ context.Context, _ []string) (transports.Conn, error) {
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := protocol.NewEncoder(resW)
		_ = enc.EncodeReady(&protocol.ReadyMessage{Version: "test", Concurrency: 1})
		dec := protocol.NewDecoder(cmdR)
		_, _ = dec.Decode()
		_ = resW.Close()
		_ = cmdR.Close()
	}()
	return &pipeConn{stdin: cmdW, stdout: resR, done: done}, nil
}

func TestRemote_PipeDeathSynthesizesError(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("t1")

	rt := target.NewRemote("edge", "", dyingTransport{}, nil)
	responses := make(chan *engine.Result, 4)
	if err := rt.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := rt.RunTest(desc, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	res := <-responses
	if res.Kind != engine.KindTest || res.ID != "t1" {
		t.Fatalf("Expected a synthesized result for t1, got %s/%s", res.Kind, res.ID)
	}
	if res.Outcome != engine.OutcomeError {
		t.Errorf("Expected ERROR for an unanswered test, got %s", res.Outcome)
	}
	if res.Annotations[engine.AnnotationError] == "" {
		t.Error("Expected the pipe failure to be annotated")
	}

	// A broken target refuses further work.
	if rt.IsIdle() {
		t.Error("Expected a broken target to report not idle")
	}
	if err := rt.RunTest(desc, nil); err == nil {
		t.Error("Expected submission to a broken target to fail")
	}

	if err := rt.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestRemote_RejectsBeforeStart(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("t1")
	rt := target.NewRemote("edge", "", dyingTransport{}, nil)

	if err := rt.RunTest(desc, nil); err == nil {
		t.Fatal("Expected an error before Start, got nil")
	}
	if err := rt.Stop(); err == nil {
		t.Fatal("Expected an error stopping an unstarted target, got nil")
	}
}
