package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"Symmetry/internal/backend"
)

// probeTimeout bounds the backend probe run by check --probe.
const probeTimeout = 30 * time.Second

func newCheckCmd(stdout, stderr io.Writer) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and optionally probe the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, stdout, stderr, probe)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Send a test completion to the backend")

	return cmd
}

// runCheck validates the config and, with probe, streams one test completion.
func runCheck(cmd *cobra.Command, stdout, stderr io.Writer, probe bool) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "config ok: %s\n", path)
	fmt.Fprintf(stdout, "  name:     %s\n", cfg.Name())
	fmt.Fprintf(stdout, "  model:    %s\n", cfg.ModelName())
	fmt.Fprintf(stdout, "  backend:  %s\n", cfg.APIProvider())
	fmt.Fprintf(stdout, "  public:   %t\n", cfg.Public())

	if !backend.Supported(cfg.APIProvider()) {
		fmt.Fprintf(stdout, "warning: backend %q is not recognized; OpenAI-style delta extraction is used\n", cfg.APIProvider())
	}

	if !probe {
		return nil
	}

	client := backend.NewClient(backend.Endpoint{
		Protocol: cfg.APIProtocol(),
		Hostname: cfg.APIHostname(),
		Port:     cfg.APIPort(),
		Path:     cfg.APIPath(),
		APIKey:   cfg.APIKey(),
		Model:    cfg.ModelName(),
		Provider: cfg.APIProvider(),
	}, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	if err := client.Probe(ctx); err != nil {
		fmt.Fprintf(stderr, "backend probe failed: %v\n", err)
		return errExit
	}

	fmt.Fprintln(stdout, "backend ok")

	return nil
}
