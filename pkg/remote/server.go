// Package remote implements the agent side of the wire protocol: a
// command loop that executes assignments against a local database and
// reports results back over stdio.
package remote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/remote/protocol"
	"github.com/gridtest/gridtest/pkg/target"
)

// Version is reported in the READY handshake.
const Version = "1.0.0"

// ServeConfig configures one agent session.
type ServeConfig struct {
	// DB resolves the unit ids the controller sends.
	DB engine.Database

	// Provider turns descriptors into runnable implementations.
	Provider engine.Provider

	// Concurrency is the number of local workers, at least 1.
	Concurrency int

	// Logger receives agent diagnostics. Log output must not go to the
	// write side of the pipe.
	Logger zerolog.Logger
}

// Serve runs the agent command loop over the given streams until the stop
// sentinel arrives or the read side closes. Every command accepted before
// that point produces exactly one RESULT message.
func Serve(r io.Reader, w io.Writer, cfg ServeConfig) error {
	if cfg.DB == nil {
		return engine.NewPermanentError("database is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.Provider == nil {
		return engine.NewPermanentError("provider is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	responses := make(chan *engine.Result, cfg.Concurrency*2+8)
	t := target.NewPool("agent", "", cfg.Concurrency, cfg.DB, cfg.Provider,
		target.WithLogger(cfg.Logger))
	if err := t.Start(responses); err != nil {
		return err
	}

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:     Version,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		PID:         os.Getpid(),
		Concurrency: cfg.Concurrency,
	}); err != nil {
		_ = t.Stop()
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	// Single writer after the handshake: this goroutine owns the encoder
	// until the response channel closes.
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		for res := range responses {
			if err := enc.EncodeResult(res); err != nil {
				cfg.Logger.Error().Err(err).
					Str("unit_id", res.ID).
					Msg("failed to write result")
				return
			}
		}
	}()

	var loopErr error
loop:
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				loopErr = fmt.Errorf("failed to read command: %w", err)
			}
			break
		}

		switch msg.Type {
		case protocol.MessageTypeStop:
			break loop

		case protocol.MessageTypeCommand:
			cmd, err := protocol.ParseCommand(msg)
			if err != nil {
				cfg.Logger.Warn().Err(err).Msg("discarding malformed command")
				continue
			}
			if res := dispatch(t, cfg.DB, cmd); res != nil {
				responses <- res
			}

		default:
			cfg.Logger.Warn().
				Str("type", string(msg.Type)).
				Msg("unexpected message from controller")
		}
	}

	// Stop drains the queue, so accepted commands still report results
	// before the channel closes.
	if err := t.Stop(); err != nil {
		cfg.Logger.Warn().Err(err).Msg("target stop failed")
	}
	close(responses)
	<-forwarderDone

	return loopErr
}

// dispatch submits one command to the target. A non-nil return is a
// synthesized result for a command that could not be submitted.
func dispatch(t *target.Pool, db engine.Database, cmd *protocol.CommandMessage) *engine.Result {
	tctx := engine.Context(cmd.Context)

	switch cmd.Op {
	case protocol.OpRunTest:
		desc, err := db.GetTest(cmd.ID)
		if err != nil {
			res := engine.NewResult(engine.KindTest, cmd.ID)
			res.SetError(err)
			return res
		}
		if err := t.RunTest(desc, tctx); err != nil {
			res := engine.NewResult(engine.KindTest, cmd.ID)
			res.SetError(err)
			return res
		}

	case protocol.OpSetUpResource:
		if err := t.SetUpResource(cmd.ID, tctx); err != nil {
			return untestedResource(engine.KindResourceSetup, cmd.ID, err)
		}

	case protocol.OpCleanUpResource:
		if err := t.CleanUpResource(cmd.ID, tctx); err != nil {
			return untestedResource(engine.KindResourceCleanup, cmd.ID, err)
		}
	}

	return nil
}

func untestedResource(kind engine.ResultKind, id string, err error) *engine.Result {
	res := engine.NewResult(kind, id)
	res.Outcome = engine.OutcomeUntested
	res.Annotate(engine.AnnotationCause, engine.CauseResourceFailure)
	res.Annotate(engine.AnnotationError, err.Error())
	return res
}
