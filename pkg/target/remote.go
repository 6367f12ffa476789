package target

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/remote/protocol"
	"github.com/gridtest/gridtest/pkg/transports"
)

// Remote drives an agent process over a transport. Commands carry only the
// unit id and its execution context; the agent resolves ids against its own
// database, so the agent's database must describe the same units as the
// controller's.
//
// If the pipe dies while assignments are outstanding, each outstanding
// assignment is completed with a synthesized result and the target stops
// accepting work.
type Remote struct {
	name        string
	group       string
	concurrency int
	transport   transports.Transport
	command     []string
	logger      zerolog.Logger

	mu          sync.Mutex
	started     bool
	stopping    bool
	broken      bool
	outstanding []assignment

	conn       transports.Conn
	sendCh     chan *protocol.CommandMessage
	responses  chan<- *engine.Result
	writerDone chan struct{}
	readerDone chan struct{}
}

// RemoteOption configures a remote target.
type RemoteOption func(*Remote)

// WithRemoteConcurrency sets how many assignments may be outstanding on
// the wire at once. The agent must be started with at least as many
// workers.
func WithRemoteConcurrency(n int) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRemoteLogger sets the logger used by the remote target.
func WithRemoteLogger(logger zerolog.Logger) RemoteOption {
	return func(r *Remote) {
		r.logger = logger
	}
}

// NewRemote creates a remote target that launches the agent with the given
// command over the transport.
func NewRemote(name, group string, transport transports.Transport, command []string, opts ...RemoteOption) *Remote {
	r := &Remote{
		name:        name,
		group:       group,
		concurrency: 1,
		transport:   transport,
		command:     command,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the target in results and logs.
func (r *Remote) Name() string {
	return r.name
}

// Group returns the target's group label.
func (r *Remote) Group() string {
	return r.group
}

// IsInGroup reports whether the target may run units labeled with the
// given target group.
func (r *Remote) IsInGroup(group string) bool {
	return group == "" || group == r.group
}

// IsIdle reports whether another assignment may go on the wire.
func (r *Remote) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.stopping && !r.broken && len(r.outstanding) < r.concurrency
}

// Start launches the agent, waits for its READY handshake, and begins
// relaying results.
func (r *Remote) Start(responses chan<- *engine.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return engine.NewConflictError("target already started", nil).
			WithOperation("start")
	}

	conn, err := r.transport.Open(context.Background(), r.command)
	if err != nil {
		return engine.NewTransientError("failed to launch agent", err).
			WithCode(engine.ErrCodeTransport).
			WithOperation("start")
	}

	dec := protocol.NewDecoder(conn.Stdout())
	ready, err := dec.DecodeReady()
	if err != nil {
		_ = conn.CloseWrite()
		_ = conn.Wait()
		return engine.NewTransientError("agent handshake failed", err).
			WithCode(engine.ErrCodeTransport).
			WithOperation("start")
	}

	r.logger.Info().
		Str("target", r.name).
		Str("platform", ready.Platform).
		Str("arch", ready.Arch).
		Int("pid", ready.PID).
		Int("agent_concurrency", ready.Concurrency).
		Msg("agent ready")

	r.conn = conn
	r.responses = responses
	r.sendCh = make(chan *protocol.CommandMessage, r.concurrency+4)
	r.writerDone = make(chan struct{})
	r.readerDone = make(chan struct{})
	r.started = true
	r.stopping = false
	r.broken = false

	go r.writer(conn)
	go r.reader(dec)
	return nil
}

// RunTest enqueues one test execution on the agent.
func (r *Remote) RunTest(desc *engine.Descriptor, tctx engine.Context) error {
	return r.submit(assignment{kind: engine.KindTest, id: desc.ID, tctx: tctx}, protocol.OpRunTest)
}

// SetUpResource enqueues the setup action of a resource on the agent.
func (r *Remote) SetUpResource(id string, tctx engine.Context) error {
	return r.submit(assignment{kind: engine.KindResourceSetup, id: id, tctx: tctx}, protocol.OpSetUpResource)
}

// CleanUpResource enqueues the cleanup action of a resource on the agent.
func (r *Remote) CleanUpResource(id string, tctx engine.Context) error {
	return r.submit(assignment{kind: engine.KindResourceCleanup, id: id, tctx: tctx}, protocol.OpCleanUpResource)
}

func (r *Remote) submit(a assignment, op protocol.Op) error {
	r.mu.Lock()
	if !r.started || r.stopping {
		r.mu.Unlock()
		return engine.NewConflictError("target is not accepting work", nil).
			WithCode(engine.ErrCodeTargetStopped).
			WithUnit(a.id).
			WithOperation(string(a.kind))
	}
	if r.broken {
		r.mu.Unlock()
		return engine.NewTransientError("agent pipe is broken", nil).
			WithCode(engine.ErrCodeTransport).
			WithUnit(a.id).
			WithOperation(string(a.kind))
	}
	r.outstanding = append(r.outstanding, a)
	r.mu.Unlock()

	r.sendCh <- &protocol.CommandMessage{
		Op:      op,
		ID:      a.id,
		Context: a.tctx,
	}
	return nil
}

// Stop sends the stop sentinel, waits for the agent to exit, and joins the
// relay goroutines. Outstanding assignments either complete normally before
// the agent exits or are completed with synthesized results.
func (r *Remote) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return engine.NewConflictError("target not started", nil).
			WithOperation("stop")
	}
	r.stopping = true
	conn := r.conn
	r.mu.Unlock()

	// The writer must flush the stop sentinel before the write side of the
	// pipe is closed, and the reader must drain every result the agent
	// wrote on its way out before the process is reaped. Reaping first
	// would tear the read side out from under the reader and lose results.
	close(r.sendCh)
	<-r.writerDone
	err := conn.CloseWrite()
	<-r.readerDone
	if werr := conn.Wait(); err == nil {
		err = werr
	}

	r.mu.Lock()
	// Anything still outstanding after the pipe closed never produced a
	// result; complete it here.
	abandoned := r.outstanding
	r.outstanding = nil
	r.started = false
	r.mu.Unlock()

	for _, a := range abandoned {
		r.responses <- r.synthesize(a, fmt.Errorf("agent exited with work outstanding"))
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("target", r.name).Msg("agent exited with error")
	} else {
		r.logger.Debug().Str("target", r.name).Msg("agent stopped")
	}
	return nil
}

// writer serializes commands onto the pipe and sends the stop sentinel
// once the command channel is closed.
func (r *Remote) writer(conn transports.Conn) {
	defer close(r.writerDone)

	enc := protocol.NewEncoder(conn.Stdin())
	for cmd := range r.sendCh {
		if err := enc.EncodeCommand(cmd); err != nil {
			r.failPipe(err)
		}
	}
	_ = enc.EncodeStop()
}

// reader relays results off the pipe until it closes.
func (r *Remote) reader(dec *protocol.Decoder) {
	defer close(r.readerDone)

	for {
		msg, err := dec.Decode()
		if err != nil {
			r.mu.Lock()
			stopping := r.stopping
			r.mu.Unlock()
			if !stopping {
				r.failPipe(err)
			}
			return
		}

		switch msg.Type {
		case protocol.MessageTypeResult:
			res, err := protocol.ParseResult(msg)
			if err != nil {
				r.logger.Warn().Err(err).Str("target", r.name).Msg("discarding malformed result")
				continue
			}
			r.complete(res)
		default:
			r.logger.Warn().
				Str("target", r.name).
				Str("type", string(msg.Type)).
				Msg("unexpected message from agent")
		}
	}
}

// complete matches a wire result to its outstanding assignment and hands
// it to the engine.
func (r *Remote) complete(res *engine.Result) {
	res.Target = r.name

	r.mu.Lock()
	for i, a := range r.outstanding {
		if a.kind == res.Kind && a.id == res.ID {
			r.outstanding = append(r.outstanding[:i], r.outstanding[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.responses <- res
}

// failPipe marks the target broken and completes every outstanding
// assignment with a synthesized result.
func (r *Remote) failPipe(err error) {
	r.mu.Lock()
	if r.broken {
		r.mu.Unlock()
		return
	}
	r.broken = true
	abandoned := r.outstanding
	r.outstanding = nil
	r.mu.Unlock()

	r.logger.Error().Err(err).Str("target", r.name).Msg("agent pipe failed")

	for _, a := range abandoned {
		r.responses <- r.synthesize(a, err)
	}
}

// synthesize builds the result for an assignment the agent never answered.
// Tests become ERROR; resource actions become UNTESTED so their dependents
// cascade the same way as any other resource failure.
func (r *Remote) synthesize(a assignment, err error) *engine.Result {
	res := engine.NewResult(a.kind, a.id)
	res.Target = r.name
	if a.kind == engine.KindTest {
		res.SetError(fmt.Errorf("agent did not report a result: %w", err))
	} else {
		res.Outcome = engine.OutcomeUntested
		res.Annotate(engine.AnnotationCause, engine.CauseResourceFailure)
		res.Annotate(engine.AnnotationError, err.Error())
	}
	return res
}
