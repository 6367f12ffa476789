package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Parser parses and validates harness configuration files.
type Parser struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser creates a parser with the builtin schema compiled.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(harnessSchema, cue.Filename("harness_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Parser{
		ctx:       ctx,
		schema:    schema,
		validator: validator.New(),
	}, nil
}

// Load parses one configuration file.
func (p *Parser) Load(path string) (*HarnessConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return p.parse(string(content), path)
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(content string) (*HarnessConfig, error) {
	return p.parse(content, "inline")
}

func (p *Parser) parse(content, filename string) (*HarnessConfig, error) {
	val := p.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %s", filename, cueErrorDetails(err))
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %s", filename, cueErrorDetails(err))
	}

	var raw struct {
		HarnessConfig
		Targets []struct {
			TargetConfig
			Remote *struct {
				RemoteConfig
				SSH *struct {
					SSHConfig
					ConnectTimeout int `json:"connect_timeout,omitempty"`
				} `json:"ssh,omitempty"`
			} `json:"remote,omitempty"`
		} `json:"targets,omitempty"`
	}
	if err := unified.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %s", filename, cueErrorDetails(err))
	}

	cfg := raw.HarnessConfig
	cfg.Targets = nil
	for _, t := range raw.Targets {
		tc := t.TargetConfig
		if t.Remote != nil {
			rc := t.Remote.RemoteConfig
			if t.Remote.SSH != nil {
				sc := t.Remote.SSH.SSHConfig
				sc.ConnectTimeout = time.Duration(t.Remote.SSH.ConnectTimeout) * time.Second
				rc.SSH = &sc
			}
			tc.Remote = &rc
		}
		cfg.Targets = append(cfg.Targets, tc)
	}

	if err := p.validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate applies the struct-level rules the schema cannot express.
func (p *Parser) validate(cfg *HarnessConfig) error {
	seen := make(map[string]bool, len(cfg.Targets))
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if err := p.validator.Struct(t); err != nil {
			return fmt.Errorf("target %q: %w", t.Name, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true

		switch t.Kind {
		case TargetKindRemote:
			if t.Remote == nil {
				return fmt.Errorf("target %q: remote targets require a remote section", t.Name)
			}
			if t.Remote.Transport == TransportSSH && t.Remote.SSH == nil {
				return fmt.Errorf("target %q: ssh transport requires an ssh section", t.Name)
			}
		default:
			if t.Remote != nil {
				return fmt.Errorf("target %q: only remote targets take a remote section", t.Name)
			}
		}
	}
	return nil
}

// cueErrorDetails flattens a CUE error into one line per position.
func cueErrorDetails(err error) string {
	var out string
	for i, e := range cueerrors.Errors(err) {
		if i > 0 {
			out += "; "
		}
		out += e.Error()
	}
	if out == "" {
		out = err.Error()
	}
	return out
}
