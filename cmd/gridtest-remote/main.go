// Command gridtest-remote is the agent started by remote targets. It
// loads its own copy of the suite, then answers commands on stdin with
// results on stdout until the stop sentinel arrives. All logging goes to
// stderr so it cannot corrupt the protocol stream.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/database"
	"github.com/gridtest/gridtest/pkg/remote"
	"github.com/gridtest/gridtest/pkg/runner"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <suite> [concurrency]\n", os.Args[0])
		os.Exit(2)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "agent").Logger()

	concurrency := 1
	if len(os.Args) == 3 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "invalid concurrency: %s\n", os.Args[2])
			os.Exit(2)
		}
		concurrency = n
	}

	db, err := database.Load(os.Args[1])
	if err != nil {
		logger.Error().Err(err).Str("suite", os.Args[1]).Msg("failed to load suite")
		os.Exit(1)
	}

	err = remote.Serve(os.Stdin, os.Stdout, remote.ServeConfig{
		DB:          db,
		Provider:    runner.DefaultRegistry(logger),
		Concurrency: concurrency,
		Logger:      logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("agent exited with error")
		os.Exit(1)
	}
}
