package commands

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development mode commands",
		Long: `Commands for iterating on suites locally.

These commands help suite authors get fast feedback while editing.`,
	}

	cmd.AddCommand(newDevWatchCommand())

	return cmd
}

func newDevWatchCommand() *cobra.Command {
	var (
		contextVars map[string]string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <suite>",
		Short: "Re-run a suite whenever it changes",
		Long: `Run the suite, then watch the suite path (and the config file, if
given) and re-run on every change. Failures do not stop the watch; press
Ctrl+C to exit.`,
		Example: `  # Watch a suite file
  gridtest dev watch ./suite.yaml

  # Watch a suite directory with extra context
  gridtest dev watch ./suites --context env=dev`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchSuite(cmd.Context(), args[0], contextVars, debounce)
		},
	}

	cmd.Flags().StringToStringVar(&contextVars, "context", nil, "context entries (key=value)")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "delay before re-running after a change")

	return cmd
}

func watchSuite(ctx context.Context, suite string, contextVars map[string]string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(suite); err != nil {
		return err
	}
	if configPath != "" {
		if err := watcher.Add(configPath); err != nil {
			return err
		}
	}

	runOnce := func() {
		if err := runSuite(ctx, suite, nil, contextVars, "", "", false); err != nil {
			log.Error().Err(err).Msg("run failed")
		}
	}
	runOnce()

	log.Info().Str("suite", suite).Msg("watching for changes")

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Editors produce bursts of events; collapse them.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			log.Info().Str("suite", suite).Msg("change detected, re-running")
			runOnce()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")
		}
	}
}
