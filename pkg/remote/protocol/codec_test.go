package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/gridtest/gridtest/pkg/engine"
)

func TestCodec_CommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	cmd := &CommandMessage{
		Op:      OpRunTest,
		ID:      "suite.login",
		Context: map[string]string{"env": "staging"},
	}
	if err := enc.EncodeCommand(cmd); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dec := NewDecoder(&buf)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if msg.Type != MessageTypeCommand {
		t.Fatalf("Expected CMD, got %s", msg.Type)
	}
	got, err := ParseCommand(msg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Op != OpRunTest || got.ID != "suite.login" {
		t.Errorf("Expected op/id to survive, got %s/%s", got.Op, got.ID)
	}
	if got.Context["env"] != "staging" {
		t.Errorf("Expected the context to survive, got %v", got.Context)
	}
}

func TestCodec_ResultRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	res := engine.NewResult(engine.KindResourceSetup, "db")
	res.Annotate(engine.ExportPrefix+"dsn", "sqlite://tmp")
	if err := enc.EncodeResult(res); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	msg, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got, err := ParseResult(msg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Kind != engine.KindResourceSetup || got.ID != "db" {
		t.Errorf("Expected kind/id to survive, got %s/%s", got.Kind, got.ID)
	}
	if got.Outcome != engine.OutcomePass {
		t.Errorf("Expected PASS, got %s", got.Outcome)
	}
	if got.Exports()["dsn"] != "sqlite://tmp" {
		t.Errorf("Expected the export annotation to survive, got %v", got.Annotations)
	}
}

func TestCodec_StopIsDistinguishedByType(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if msg.Type != MessageTypeStop {
		t.Errorf("Expected STOP, got %s", msg.Type)
	}
	// The sentinel carries no payload, so it can never parse as a command.
	if _, err := ParseCommand(msg); err == nil {
		t.Error("Expected the stop sentinel to be rejected as a command")
	}
}

func TestCodec_ReadyHandshake(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeReady(&ReadyMessage{Version: "1.0.0", Platform: "linux", Concurrency: 4}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ready, err := NewDecoder(&buf).DecodeReady()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ready.Version != "1.0.0" || ready.Platform != "linux" || ready.Concurrency != 4 {
		t.Errorf("Expected the handshake fields to survive, got %+v", ready)
	}
}

func TestCodec_DecodeReadyRejectsOtherTypes(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := NewDecoder(&buf).DecodeReady(); err == nil {
		t.Error("Expected DecodeReady to reject a non-READY message")
	}
}

func TestCodec_DecodeMalformedLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n"))
	if _, err := dec.Decode(); err == nil {
		t.Error("Expected an error for a malformed line")
	}
}

func TestCodec_DecodeUnknownType(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"BOGUS"}` + "\n"))
	if _, err := dec.Decode(); err == nil {
		t.Error("Expected an error for an unknown message type")
	}
}

func TestCodec_DecodeEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF on an exhausted stream, got: %v", err)
	}
}

func TestCodec_EncodeCommandValidation(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeCommand(&CommandMessage{Op: OpRunTest}); err == nil {
		t.Error("Expected an error for a command with no id")
	}
	if err := enc.EncodeCommand(&CommandMessage{Op: "explode", ID: "x"}); err == nil {
		t.Error("Expected an error for an unknown op")
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing on the wire after rejected commands, got %d bytes", buf.Len())
	}
}

func TestCodec_ParseResultRequiresID(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(MessageTypeResult, map[string]string{"outcome": "PASS"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := ParseResult(msg); err == nil {
		t.Error("Expected an error for a result without an id")
	}
}

func TestCodec_MultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, id := range []string{"a", "b", "c"} {
		if err := enc.EncodeCommand(&CommandMessage{Op: OpRunTest, ID: id}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if err := enc.EncodeStop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dec := NewDecoder(&buf)
	for _, want := range []string{"a", "b", "c"} {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		cmd, err := ParseCommand(msg)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if cmd.ID != want {
			t.Errorf("Expected %s, got %s", want, cmd.ID)
		}
	}
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if msg.Type != MessageTypeStop {
		t.Errorf("Expected the stream to end with STOP, got %s", msg.Type)
	}
}
