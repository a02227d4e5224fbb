package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Symmetry/internal/api"
	"Symmetry/internal/logger"
	"Symmetry/internal/provider"
)

func newStartCmd(stderr io.Writer) *cobra.Command {
	var setup setupOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the provider and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, stderr, setup)
		},
	}

	addSetupFlags(cmd, &setup)

	return cmd
}

// runStart starts the provider node and the optional status API, then
// blocks until SIGINT or SIGTERM. A missing config runs setup first.
func runStart(cmd *cobra.Command, stderr io.Writer, setup setupOptions) error {
	path, _ := cmd.Flags().GetString("config")

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(stderr, "first-time setup detected, running initialization...")

		if _, err := runSetup(cmd.Context(), path, setup, stderr); err != nil {
			return fmt.Errorf("setup:\n%w", err)
		}
	}

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.New(stderr, logLevel(cmd, cfg))
	slog.SetDefault(log)

	log.Info("starting symmetry provider", "config", path, "version", version)

	node, err := provider.New(cfg, provider.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("create provider:\n%w", err)
	}

	if err := node.Start(); err != nil {
		node.Shutdown()
		return fmt.Errorf("start provider:\n%w", err)
	}

	var status *api.Server
	if addr := cfg.StatusAddress(); addr != "" {
		status = api.New(addr, node, node.Archive(), node.Metrics().Handler(), log)
		if err := status.Start(); err != nil {
			node.Shutdown()
			return fmt.Errorf("start status api:\n%w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutting down", "reason", context.Cause(ctx))

	if status != nil {
		if err := status.Stop(); err != nil {
			log.Warn("status api shutdown", "error", err)
		}
	}

	return node.Shutdown()
}
