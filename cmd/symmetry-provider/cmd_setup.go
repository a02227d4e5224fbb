package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"Symmetry/internal/backend"
	"Symmetry/internal/config"
)

// setupOptions selects where local backends are probed.
type setupOptions struct {
	host string
	port int // port overrides each backend's default port when non-zero
}

// addSetupFlags registers the probe flags on cmd.
func addSetupFlags(cmd *cobra.Command, opts *setupOptions) {
	cmd.Flags().StringVar(&opts.host, "backend-host", "localhost", "Host probed for a running LLM server")
	cmd.Flags().IntVar(&opts.port, "backend-port", 0, "Probe this port instead of each backend's default")
}

func newSetupCmd(stdout io.Writer) *cobra.Command {
	var opts setupOptions

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Detect a running LLM server and write a provider config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			_, err := runSetup(cmd.Context(), path, opts, stdout)
			return err
		},
	}

	addSetupFlags(cmd, &opts)

	return cmd
}

// runSetup detects Ollama, OpenWebUI, LM Studio or llama.cpp and writes a
// private config for the first one found. Transcripts go to a data directory
// next to the config.
func runSetup(ctx context.Context, path string, opts setupOptions, out io.Writer) (*config.Config, error) {
	fmt.Fprintln(out, "checking for running LLM servers...")

	ep, err := backend.Detect(ctx, nil, opts.host, opts.port, backend.DefaultCandidates)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "detected %s serving %s on port %d\n", ep.Provider, ep.Model, ep.Port)

	cfg, err := config.WriteInitial(path, config.Initial{
		APIHostname: ep.Hostname,
		APIPath:     ep.Path,
		APIPort:     ep.Port,
		APIProtocol: ep.Protocol,
		APIProvider: ep.Provider,
		ModelName:   ep.Model,
		Path:        filepath.Join(filepath.Dir(path), "data"),
	})
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "config written to %s\n", path)

	return cfg, nil
}
