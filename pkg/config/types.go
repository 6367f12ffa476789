// Package config loads and validates harness configuration written in
// CUE: the execution context, expected outcomes, result recording, and
// the set of targets to run against.
package config

import (
	"time"
)

// Target kinds accepted in configuration.
const (
	TargetKindSerial = "serial"
	TargetKindPool   = "pool"
	TargetKindRemote = "remote"
)

// Remote transports accepted in configuration.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
)

// HarnessConfig is the fully parsed harness configuration.
type HarnessConfig struct {
	// Suite is the path to the suite file or directory. The command line
	// overrides it.
	Suite string `json:"suite,omitempty"`

	// Context is the base execution context handed to every unit.
	Context map[string]string `json:"context,omitempty"`

	// ExpectedOutcomes maps test ids to the outcome they are expected to
	// produce. Tests not listed are expected to pass.
	ExpectedOutcomes map[string]string `json:"expected_outcomes,omitempty"`

	// Targets lists the execution targets. At least one is required; a
	// missing section defaults to a single serial target.
	Targets []TargetConfig `json:"targets,omitempty"`

	// RecordFile is the path results are recorded to as JSON lines,
	// empty to disable.
	RecordFile string `json:"record_file,omitempty"`

	// StorePath is the path of the SQLite run history database, empty to
	// disable persistence.
	StorePath string `json:"store_path,omitempty"`
}

// TargetConfig describes one execution target.
type TargetConfig struct {
	// Name identifies the target in results and logs.
	Name string `json:"name" validate:"required"`

	// Kind selects the implementation (serial, pool, remote).
	Kind string `json:"kind" validate:"required,oneof=serial pool remote"`

	// Group is the target group label used to match units.
	Group string `json:"group,omitempty"`

	// Concurrency is the worker count for pool targets and the number of
	// in-flight assignments for remote targets.
	Concurrency int `json:"concurrency,omitempty" validate:"gte=0"`

	// Remote configures the agent connection. Required for remote
	// targets.
	Remote *RemoteConfig `json:"remote,omitempty"`
}

// RemoteConfig describes how to reach and start a remote agent.
type RemoteConfig struct {
	// Transport selects how the agent process is launched (local, ssh).
	Transport string `json:"transport" validate:"required,oneof=local ssh"`

	// AgentPath is the path of the agent binary on the remote side.
	AgentPath string `json:"agent_path" validate:"required"`

	// Database is the suite path the agent loads on the remote side.
	Database string `json:"database" validate:"required"`

	// SSH configures the SSH connection. Required for the ssh transport.
	SSH *SSHConfig `json:"ssh,omitempty"`
}

// SSHConfig carries the SSH connection settings of a remote target.
type SSHConfig struct {
	// Host is the remote hostname or IP address.
	Host string `json:"host" validate:"required"`

	// Port is the SSH port, 22 by default.
	Port int `json:"port,omitempty" validate:"gte=0,lte=65535"`

	// User is the SSH username.
	User string `json:"user" validate:"required"`

	// AuthMethod selects authentication (key, password).
	AuthMethod string `json:"auth_method,omitempty" validate:"omitempty,oneof=key password"`

	// Password for password authentication.
	Password string `json:"password,omitempty"`

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string `json:"private_key_path,omitempty"`

	// KnownHostsPath is the path to the known_hosts file.
	KnownHostsPath string `json:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects unknown host keys when set.
	StrictHostKeyChecking bool `json:"strict_host_key_checking,omitempty"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
}
