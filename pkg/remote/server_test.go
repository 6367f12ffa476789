package remote_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/remote"
	"github.com/gridtest/gridtest/pkg/remote/protocol"
)

type agentDB struct {
	tests     map[string]*engine.Descriptor
	resources map[string]*engine.Descriptor
}

func newAgentDB() *agentDB {
	return &agentDB{
		tests:     make(map[string]*engine.Descriptor),
		resources: make(map[string]*engine.Descriptor),
	}
}

func (d *agentDB) GetTest(id string) (*engine.Descriptor, error) {
	desc, ok := d.tests[id]
	if !ok {
		return nil, fmt.Errorf("no such test: %s", id)
	}
	return desc, nil
}

func (d *agentDB) GetResource(id string) (*engine.Descriptor, error) {
	desc, ok := d.resources[id]
	if !ok {
		return nil, fmt.Errorf("no such resource: %s", id)
	}
	return desc, nil
}

func (d *agentDB) TestIDs() []string { return nil }

type agentProvider struct {
	run func(tctx engine.Context, res *engine.Result)
}

func (p *agentProvider) Test(*engine.Descriptor) (engine.Test, error) {
	return p, nil
}

func (p *agentProvider) Resource(*engine.Descriptor) (engine.Resource, error) {
	return p, nil
}

func (p *agentProvider) Run(_ context.Context, tctx engine.Context, res *engine.Result) {
	if p.run != nil {
		p.run(tctx, res)
	}
}

func (p *agentProvider) SetUp(_ context.Context, tctx engine.Context, res *engine.Result) {
	if p.run != nil {
		p.run(tctx, res)
	}
}

func (p *agentProvider) CleanUp(_ context.Context, tctx engine.Context, res *engine.Result) {
	if p.run != nil {
		p.run(tctx, res)
	}
}

// startAgent runs Serve over in-memory pipes and returns the controller
// side of the conversation.
func startAgent(t *testing.T, cfg remote.ServeConfig) (*protocol.Encoder, *protocol.Decoder, chan error) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- remote.Serve(cmdR, resW, cfg)
		_ = resW.Close()
	}()
	t.Cleanup(func() {
		_ = cmdW.Close()
		_ = resR.Close()
	})
	return protocol.NewEncoder(cmdW), protocol.NewDecoder(resR), serveErr
}

func TestServe_HandshakeThenStop(t *testing.T) {
	enc, dec, serveErr := startAgent(t, remote.ServeConfig{
		DB:          newAgentDB(),
		Provider:    &agentProvider{},
		Concurrency: 2,
	})

	ready, err := dec.DecodeReady()
	if err != nil {
		t.Fatalf("Expected a READY handshake, got: %v", err)
	}
	if ready.Version != remote.Version {
		t.Errorf("Expected version %s, got %s", remote.Version, ready.Version)
	}
	if ready.Concurrency != 2 {
		t.Errorf("Expected concurrency 2, got %d", ready.Concurrency)
	}

	if err := enc.EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}

func TestServe_RunTestCommand(t *testing.T) {
	db := newAgentDB()
	db.tests["t1"] = &engine.Descriptor{ID: "t1", Kind: engine.DescriptorTest, Class: "fake"}
	provider := &agentProvider{
		run: func(tctx engine.Context, res *engine.Result) {
			v, _ := tctx.Get("k")
			res.Annotate("echo", v)
		},
	}
	enc, dec, serveErr := startAgent(t, remote.ServeConfig{DB: db, Provider: provider, Concurrency: 1})

	if _, err := dec.DecodeReady(); err != nil {
		t.Fatalf("Expected a READY handshake, got: %v", err)
	}
	if err := enc.EncodeCommand(&protocol.CommandMessage{
		Op:      protocol.OpRunTest,
		ID:      "t1",
		Context: map[string]string{"k": "v"},
	}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Expected a RESULT, got: %v", err)
	}
	res, err := protocol.ParseResult(msg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.ID != "t1" || res.Outcome != engine.OutcomePass {
		t.Errorf("Expected t1 to PASS, got %s/%s", res.ID, res.Outcome)
	}
	if res.Annotations["echo"] != "v" {
		t.Errorf("Expected the command context to reach the unit, got %q", res.Annotations["echo"])
	}

	if err := enc.EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}

func TestServe_UnknownTestID(t *testing.T) {
	enc, dec, serveErr := startAgent(t, remote.ServeConfig{
		DB:          newAgentDB(),
		Provider:    &agentProvider{},
		Concurrency: 1,
	})

	if _, err := dec.DecodeReady(); err != nil {
		t.Fatalf("Expected a READY handshake, got: %v", err)
	}
	if err := enc.EncodeCommand(&protocol.CommandMessage{Op: protocol.OpRunTest, ID: "ghost"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Expected a RESULT, got: %v", err)
	}
	res, err := protocol.ParseResult(msg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	// An id the agent cannot resolve still gets exactly one result.
	if res.ID != "ghost" || res.Outcome != engine.OutcomeError {
		t.Errorf("Expected ghost to ERROR, got %s/%s", res.ID, res.Outcome)
	}

	if err := enc.EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}

func TestServe_StopDrainsAcceptedCommands(t *testing.T) {
	db := newAgentDB()
	for _, id := range []string{"a", "b", "c"} {
		db.tests[id] = &engine.Descriptor{ID: id, Kind: engine.DescriptorTest, Class: "fake"}
	}
	enc, dec, serveErr := startAgent(t, remote.ServeConfig{
		DB:          db,
		Provider:    &agentProvider{},
		Concurrency: 1,
	})

	if _, err := dec.DecodeReady(); err != nil {
		t.Fatalf("Expected a READY handshake, got: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := enc.EncodeCommand(&protocol.CommandMessage{Op: protocol.OpRunTest, ID: id}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if err := enc.EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// All three accepted commands report before the stream closes.
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Expected result %d, got: %v", i+1, err)
		}
		res, err := protocol.ParseResult(msg)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		seen[res.ID] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("Expected a result for %s", id)
		}
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}

func TestServe_RequiresConfiguration(t *testing.T) {
	if err := remote.Serve(nil, nil, remote.ServeConfig{Provider: &agentProvider{}}); err == nil {
		t.Error("Expected an error without a database")
	}
	if err := remote.Serve(nil, nil, remote.ServeConfig{DB: newAgentDB()}); err == nil {
		t.Error("Expected an error without a provider")
	}
}
