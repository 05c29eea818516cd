// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// canopy-surface-mock is a scriptable stand-in for a real rendering
// surface. It adopts the channel and role inherited from the
// supervisor, announces readiness, and logs every message it receives.
//
// Useful for exercising a supervisor configuration without real
// surface binaries:
//
//	canopy-surface-mock --type debug.breakpoint_added=0x0100
//
// registers the application types it should understand, and
// --crash-after makes it exit abnormally after a delay, which is the
// quickest way to watch crash recovery happen.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/canopy-foundation/canopy/lib/codec"
	"github.com/canopy-foundation/canopy/surface"
	"github.com/canopy-foundation/canopy/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		typeSpecs  []string
		crashAfter time.Duration
	)

	flagSet := pflag.NewFlagSet("canopy-surface-mock", pflag.ContinueOnError)
	flagSet.StringArrayVar(&typeSpecs, "type", nil, "application message type to register, as name=tag (repeatable)")
	flagSet.DurationVar(&crashAfter, "crash-after", 0, "exit abnormally after this long (0 disables)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	role, err := surface.InheritedRole()
	if err != nil {
		return err
	}
	channel, err := surface.InheritedChannel()
	if err != nil {
		return err
	}
	logger = logger.With("role", role.String(), "pid", os.Getpid())

	registry := wire.NewRegistry()
	for _, spec := range typeSpecs {
		name, tag, err := parseTypeSpec(spec)
		if err != nil {
			return err
		}
		if err := registry.Register(name, tag); err != nil {
			return err
		}
	}

	host := &surface.Host{
		Codec:   &wire.Codec{Registry: registry},
		Channel: channel,
		Logger:  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	host.HandleFunc(wire.TypeClose, func(wire.Message) {
		logger.Info("close requested, exiting")
		cancel()
	})
	host.HandleFunc(wire.TypeBatch, func(m wire.Message) {
		var batch wire.BatchPayload
		if err := codec.Unmarshal(m.Payload, &batch); err != nil {
			logger.Warn("undecodable batch", "error", err)
			return
		}
		logger.Info("batch received", "type", batch.Type, "items", len(batch.Items))
	})
	for _, spec := range typeSpecs {
		name, _, _ := parseTypeSpec(spec)
		host.HandleFunc(name, func(m wire.Message) {
			logger.Info("message received",
				"type", m.Type,
				"sequence", m.Sequence,
				"bytes", len(m.Payload),
			)
		})
	}

	if crashAfter > 0 {
		time.AfterFunc(crashAfter, func() {
			logger.Error("simulated crash")
			os.Exit(3)
		})
	}

	if err := host.Ready(); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}
	logger.Info("mock surface ready")
	return host.Run(ctx)
}

// parseTypeSpec splits "name=tag" where tag is decimal or 0x-hex.
func parseTypeSpec(spec string) (string, uint16, error) {
	name, tagText, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid --type %q, want name=tag", spec)
	}
	tag, err := strconv.ParseUint(tagText, 0, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid tag in --type %q: %w", spec, err)
	}
	return name, uint16(tag), nil
}
