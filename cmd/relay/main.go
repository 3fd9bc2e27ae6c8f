// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command relay runs the stealth forwarding service: it consumes source
// channel events over pooled identity sessions, normalizes content, and
// republishes it to configured destinations while keeping edits and deletes
// in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"

	"github.com/forwardx/relay/pkg/relay"
	"github.com/forwardx/relay/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "relay",
	Short:   "Cross-platform channel forwarding service",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Tag, Commit, BuildTime),
	RunE:    run,
}

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print an example configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(relay.ExampleConfig)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := relay.LoadConfig(configPath); err != nil {
			return err
		}
		fmt.Println("Config OK")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	rootCmd.AddCommand(exampleConfigCmd, validateCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := relay.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}

	backend, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}

	svc, err := relay.NewService(cfg, backend, log)
	if err != nil {
		backend.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	log.Info().Str("version", Tag).Msg("Relay started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	cancel()
	svc.Stop()
	return nil
}

func setupLogging(cfg relay.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log = zerolog.New(os.Stderr)
	}
	log = log.With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)
	return log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
