// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// canopy-supervisor is the coordination daemon: it owns every rendering
// surface process, routes typed messages between them, and persists the
// surface layout across sessions.
//
// On startup it loads the YAML configuration, spawns the primary
// surface, restores any surfaces the previous session left open, and
// then runs until a signal arrives or the primary surface exits. On
// SIGINT/SIGTERM it closes every secondary surface first and the
// primary last.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/canopy-foundation/canopy/supervisor"
	"github.com/canopy-foundation/canopy/surface"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      string
		logLevel        string
		shutdownTimeout time.Duration
	)

	flagSet := pflag.NewFlagSet("canopy-supervisor", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "canopy.yaml", "path to the YAML configuration")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for surfaces to close on shutdown")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	config, err := supervisor.LoadConfig(configPath)
	if err != nil {
		return err
	}

	commands := make(map[string][]string, len(config.Roles))
	for _, role := range config.Roles {
		commands[role.Role] = role.Command
	}

	s, err := supervisor.New(supervisor.Options{
		Config:  config,
		Spawner: &surface.ExecSpawner{Commands: commands, Logger: logger},
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Info("canopy supervisor running", "config", configPath)

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case <-s.Done():
		// Primary surface exited; the supervisor already tore down.
		return nil
	}
}
