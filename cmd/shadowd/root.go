// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/shadow/config"
	"github.com/luxfi/shadow/events"
	"github.com/luxfi/shadow/replay"
	"github.com/luxfi/shadow/shadow"
	"github.com/luxfi/shadow/store"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "shadowd",
		Short: "Cleartext shadow store and HCU analyzer for an FHE executor",
		Long: `shadowd replays the operation events of an FHE executor contract and
stores the cleartext every ciphertext handle would decrypt to. Tests read
results back by handle; the hcu command prices finalized transactions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddFlags(root.PersistentFlags())
	root.AddCommand(
		newRunCommand(),
		newSyncCommand(),
		newCleartextCommand(),
		newHCUCommand(),
		newWatermarkCommand(),
	)
	return root
}

// loadConfig reads the configuration cmd was invoked with.
func loadConfig(cmd *cobra.Command) (config.Config, log.Logger, error) {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	c, err := config.GetConfig(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	return c, newLogger(c.LogLevel), nil
}

func newLogger(level string) log.Logger {
	switch level {
	case "debug":
		return log.NewTestLogger(log.DebugLevel)
	case "warn":
		return log.NewTestLogger(log.WarnLevel)
	case "error":
		return log.NewTestLogger(log.ErrorLevel)
	default:
		return log.NewTestLogger(log.InfoLevel)
	}
}

func openStore(c config.Config, logger log.Logger) (*store.Store, error) {
	return store.Open(c.DBPath,
		store.WithRetry(c.GetAttempts, c.GetDelay),
		store.WithLogger(logger),
	)
}

func dialSource(ctx context.Context, c config.Config) (*replay.ClientSource, error) {
	if err := c.RequireChain(); err != nil {
		return nil, err
	}
	return replay.Dial(ctx, c.RPCURL, c.Executor)
}

// newReplayer wires the shadow evaluator over s to logs read from source.
func newReplayer(
	c config.Config,
	logger log.Logger,
	source replay.LogSource,
	s *store.Store,
	opts ...replay.Option,
) (*replay.Replayer, error) {
	evaluator := shadow.New(s, shadow.WithLogger(logger))
	opts = append([]replay.Option{
		replay.WithLogger(logger),
		replay.WithDecoder(events.NewDecoder(events.WithExecutor(c.Executor))),
	}, opts...)
	r, err := replay.New(c.Replay, source, evaluator, s, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayer: %w", err)
	}
	return r, nil
}
