package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [suite]",
		Short: "Validate a suite and the harness configuration",
		Long: `Validate suite and configuration files without running anything.

This command checks:
  - Harness config syntax and schema conformance (CUE)
  - Suite file syntax and unit definitions (YAML)
  - That every test and resource class is known
  - That referenced resources exist`,
		Example: `  # Validate a suite
  gridtest validate ./suite.yaml

  # Validate config and suite together
  gridtest validate -c harness.cue ./suite.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var suiteArg string
			if len(args) > 0 {
				suiteArg = args[0]
			}
			return validate(suiteArg)
		},
	}

	return cmd
}

func validate(suiteArg string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if configPath != "" {
		log.Info().Str("config", configPath).Int("targets", len(cfg.Targets)).Msg("config is valid")
	}

	if suiteArg == "" && cfg.Suite == "" {
		// Config-only validation.
		return nil
	}

	db, suite, err := loadSuite(cfg, suiteArg)
	if err != nil {
		return err
	}

	registry := defaultRegistry(zerolog.Nop())

	var problems int
	tests := db.TestIDs()
	seenResources := make(map[string]bool)
	for _, id := range tests {
		desc, err := db.GetTest(id)
		if err != nil {
			log.Error().Err(err).Str("test_id", id).Msg("test cannot be loaded")
			problems++
			continue
		}
		if _, err := registry.Test(desc); err != nil {
			log.Error().Err(err).Str("test_id", id).Msg("test cannot be instantiated")
			problems++
		}
		for _, rid := range desc.Resources {
			if seenResources[rid] {
				continue
			}
			seenResources[rid] = true
			rdesc, err := db.GetResource(rid)
			if err != nil {
				log.Error().Err(err).Str("resource_id", rid).Msg("resource cannot be loaded")
				problems++
				continue
			}
			if _, err := registry.Resource(rdesc); err != nil {
				log.Error().Err(err).Str("resource_id", rid).Msg("resource cannot be instantiated")
				problems++
			}
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d problems found in %s", problems, suite)
	}
	log.Info().
		Str("suite", suite).
		Int("tests", len(tests)).
		Int("resources", len(seenResources)).
		Msg("suite is valid")
	return nil
}
