package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/config"
	"github.com/gridtest/gridtest/pkg/database"
	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/runner"
	"github.com/gridtest/gridtest/pkg/target"
	"github.com/gridtest/gridtest/pkg/transports"
	sshtransport "github.com/gridtest/gridtest/pkg/transports/ssh"
)

// loadConfig loads the harness config named by the global flag, or an
// empty config when none was given.
func loadConfig() (*config.HarnessConfig, error) {
	if configPath == "" {
		return &config.HarnessConfig{}, nil
	}
	parser, err := config.NewParser()
	if err != nil {
		return nil, err
	}
	return parser.Load(configPath)
}

// buildTargets turns the config's target list into live targets. With no
// targets configured a single serial target named "local" is used. The
// returned closer disconnects any SSH transports.
func buildTargets(cfg *config.HarnessConfig, db engine.Database, provider engine.Provider, logger zerolog.Logger) ([]engine.Target, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if len(cfg.Targets) == 0 {
		return []engine.Target{
			target.NewSerial("local", "", db, provider, target.WithLogger(logger)),
		}, closeAll, nil
	}

	var targets []engine.Target
	for i := range cfg.Targets {
		tc := &cfg.Targets[i]

		switch tc.Kind {
		case config.TargetKindSerial:
			targets = append(targets,
				target.NewSerial(tc.Name, tc.Group, db, provider, target.WithLogger(logger)))

		case config.TargetKindPool:
			concurrency := tc.Concurrency
			if concurrency < 1 {
				concurrency = 1
			}
			targets = append(targets,
				target.NewPool(tc.Name, tc.Group, concurrency, db, provider, target.WithLogger(logger)))

		case config.TargetKindRemote:
			t, closer, err := buildRemoteTarget(tc, logger)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			if closer != nil {
				closers = append(closers, closer)
			}
			targets = append(targets, t)

		default:
			closeAll()
			return nil, nil, fmt.Errorf("target %q: unknown kind %q", tc.Name, tc.Kind)
		}
	}

	return targets, closeAll, nil
}

func buildRemoteTarget(tc *config.TargetConfig, logger zerolog.Logger) (engine.Target, func(), error) {
	rc := tc.Remote
	if rc == nil {
		return nil, nil, fmt.Errorf("target %q: missing remote section", tc.Name)
	}

	concurrency := tc.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	command := []string{rc.AgentPath, rc.Database, strconv.Itoa(concurrency)}

	var (
		tr     transports.Transport
		closer func()
	)
	switch rc.Transport {
	case config.TransportLocal:
		tr = &transports.Local{}

	case config.TransportSSH:
		sshCfg, err := buildSSHConfig(rc.SSH)
		if err != nil {
			return nil, nil, fmt.Errorf("target %q: %w", tc.Name, err)
		}
		st, err := sshtransport.NewTransport(sshCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("target %q: %w", tc.Name, err)
		}
		tr = st
		closer = func() { _ = st.Disconnect() }

	default:
		return nil, nil, fmt.Errorf("target %q: unknown transport %q", tc.Name, rc.Transport)
	}

	t := target.NewRemote(tc.Name, tc.Group, tr, command,
		target.WithRemoteConcurrency(concurrency),
		target.WithRemoteLogger(logger))
	return t, closer, nil
}

func buildSSHConfig(sc *config.SSHConfig) (*sshtransport.Config, error) {
	if sc == nil {
		return nil, fmt.Errorf("ssh transport requires an ssh section")
	}

	cfg := sshtransport.DefaultConfig(sc.Host, sc.User)
	if sc.Port > 0 {
		cfg.Port = sc.Port
	}
	if sc.AuthMethod != "" {
		cfg.AuthMethod = sshtransport.AuthMethod(sc.AuthMethod)
	}
	cfg.Password = sc.Password
	if sc.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = sc.PrivateKeyPath
	}
	if sc.KnownHostsPath != "" {
		cfg.KnownHostsPath = sc.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = sc.StrictHostKeyChecking
	if sc.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = sc.ConnectTimeout
	}
	return cfg, nil
}

// parseExpectedOutcomes converts the config's expected outcome strings.
func parseExpectedOutcomes(raw map[string]string) (map[string]engine.Outcome, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]engine.Outcome, len(raw))
	for id, s := range raw {
		o := engine.Outcome(strings.ToUpper(s))
		if !o.IsValid() {
			return nil, fmt.Errorf("expected outcome for %q: invalid outcome %q", id, s)
		}
		out[id] = o
	}
	return out, nil
}

// defaultRegistry builds the registry of builtin test and resource
// classes.
func defaultRegistry(logger zerolog.Logger) *runner.Registry {
	return runner.DefaultRegistry(logger)
}

// loadSuite resolves the suite path between flag/config and loads it.
func loadSuite(cfg *config.HarnessConfig, arg string) (*database.YAMLDatabase, string, error) {
	suite := cfg.Suite
	if arg != "" {
		suite = arg
	}
	if suite == "" {
		return nil, "", fmt.Errorf("no suite given: pass a path or set suite in the config")
	}
	db, err := database.Load(suite)
	if err != nil {
		return nil, "", err
	}
	return db, suite, nil
}
