// Package protocol defines the JSON-over-stdio communication protocol
// between the controller and a remote agent.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the agent is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeResult indicates a completed assignment
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeStop indicates the controller wants the agent to exit
	MessageTypeStop MessageType = "STOP"
)

// Op represents the kind of assignment a command carries.
type Op string

const (
	// OpRunTest runs a test
	OpRunTest Op = "run_test"
	// OpSetUpResource sets up a resource
	OpSetUpResource Op = "set_up_resource"
	// OpCleanUpResource cleans up a resource
	OpCleanUpResource Op = "clean_up_resource"
)

// Message is the base message structure for all protocol messages. The
// stop sentinel is distinguished purely by its type, so it can never be
// confused with a command no matter what a command's payload contains.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once by the agent when it is ready to receive
// commands.
type ReadyMessage struct {
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	PID         int    `json:"pid"`
	Concurrency int    `json:"concurrency"`
}

// CommandMessage contains one assignment for the agent. The agent resolves
// the unit id against its own database; only the id and the execution
// context cross the wire.
type CommandMessage struct {
	Op      Op                `json:"op"`
	ID      string            `json:"id"`
	Context map[string]string `json:"context,omitempty"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeResult, MessageTypeStop:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the op is valid.
func (op Op) Validate() error {
	switch op {
	case OpRunTest, OpSetUpResource, OpCleanUpResource:
		return nil
	default:
		return fmt.Errorf("invalid op: %s", op)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command id is required")
	}
	if err := cmd.Op.Validate(); err != nil {
		return err
	}
	return nil
}
