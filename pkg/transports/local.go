package transports

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Local launches the agent as a child process on this machine, connected
// over a pair of pipes. The child's stderr is passed through so agent logs
// stay visible.
type Local struct {
	// Dir is the working directory for the child process, empty for the
	// current directory.
	Dir string

	// Env is extra environment entries in KEY=VALUE form, appended to the
	// parent environment.
	Env []string
}

// Open starts the command and wires up its stdio.
func (l *Local) Open(ctx context.Context, command []string) (Conn, error) {
	if len(command) == 0 {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("empty command")}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "open", Err: err, IsTemporary: true}
	}

	return &localConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type localConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (c *localConn) Stdin() io.Writer {
	return c.stdin
}

func (c *localConn) Stdout() io.Reader {
	return c.stdout
}

func (c *localConn) CloseWrite() error {
	// Closing stdin signals the child to exit its loop.
	if err := c.stdin.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (c *localConn) Wait() error {
	// cmd.Wait closes the stdout pipe once the child exits, so the caller
	// must have drained it first.
	if err := c.cmd.Wait(); err != nil {
		return &TransportError{Op: "wait", Err: err}
	}
	return nil
}
