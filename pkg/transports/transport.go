// Package transports provides duplex byte-stream transports used to reach
// the remote agent: a local subprocess over pipes, or an SSH session. The
// wire protocol on top is transport-agnostic.
package transports

import (
	"context"
	"io"
)

// Conn is one open duplex connection to an agent process. Shutdown is two
// phases so callers can drain Stdout between them: CloseWrite signals the
// peer to exit, Wait reaps it. Wait must not be called while reads on
// Stdout are still in progress; process transports close the read side
// when they reap the child.
type Conn interface {
	// Stdin is the write side of the connection.
	Stdin() io.Writer

	// Stdout is the read side of the connection.
	Stdout() io.Reader

	// CloseWrite closes the write side of the connection.
	CloseWrite() error

	// Wait waits for the peer to exit and releases the underlying
	// streams. Call only after Stdout has been read to EOF.
	Wait() error
}

// Transport launches agent processes and exposes their stdio as a Conn.
type Transport interface {
	// Open starts the given command and connects to its stdio. The
	// context bounds connection establishment, not the lifetime of the
	// returned Conn.
	Open(ctx context.Context, command []string) (Conn, error)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "open", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
