package transports

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestLocal_OpenRoundTrip(t *testing.T) {
	l := &Local{}
	conn, err := l.Open(context.Background(), []string{"/bin/cat"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := fmt.Fprintln(conn.Stdin(), "ping"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	line, err := bufio.NewReader(conn.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("Expected the line echoed back, got %q", line)
	}

	if err := conn.CloseWrite(); err != nil {
		t.Errorf("Expected a clean close, got: %v", err)
	}
	if err := conn.Wait(); err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}

func TestLocal_OutputReadableUntilEOFBeforeWait(t *testing.T) {
	l := &Local{}
	// The child writes its output and exits immediately. Everything it
	// wrote must still be readable after the exit, as long as Wait has not
	// reaped the process yet.
	conn, err := l.Open(context.Background(), []string{"/bin/sh", "-c", "seq 1 200"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	lines := 0
	scanner := bufio.NewScanner(conn.Stdout())
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Expected a clean EOF, got: %v", err)
	}
	if lines != 200 {
		t.Errorf("Expected all 200 lines before Wait, got %d", lines)
	}

	if err := conn.Wait(); err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}

func TestLocal_OpenEmptyCommand(t *testing.T) {
	l := &Local{}
	_, err := l.Open(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected an error for an empty command, got nil")
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "open" {
		t.Errorf("Expected a transport error for the open op, got %v", err)
	}
}

func TestLocal_OpenMissingBinary(t *testing.T) {
	l := &Local{}
	if _, err := l.Open(context.Background(), []string{"/no/such/agent"}); err == nil {
		t.Fatal("Expected an error for a missing binary, got nil")
	}
}

func TestLocal_EnvReachesChild(t *testing.T) {
	l := &Local{Env: []string{"GRIDTEST_PROBE=42"}}
	conn, err := l.Open(context.Background(), []string{"/bin/sh", "-c", "printf %s \"$GRIDTEST_PROBE\""})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	buf := make([]byte, 8)
	n, _ := conn.Stdout().Read(buf)
	if got := string(buf[:n]); got != "42" {
		t.Errorf("Expected the extra environment in the child, got %q", got)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Errorf("Expected a clean close, got: %v", err)
	}
	if err := conn.Wait(); err != nil {
		t.Errorf("Expected a clean exit, got: %v", err)
	}
}
