// symmetry-provider shares a local inference backend with peers on the Symmetry network.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"Symmetry/internal/config"
	"Symmetry/internal/logger"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command reported its own error.
var errExit = errors.New("exit")

// run executes the CLI with the given args.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "symmetry-provider: %v\n", err)
		}
		return 1
	}

	return 0
}

// newRootCmd creates the root command. Without a subcommand it starts the provider.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	start := newStartCmd(stderr)

	root := &cobra.Command{
		Use:           "symmetry-provider",
		Short:         "Serve a local inference backend to Symmetry peers",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          start.RunE,
	}

	root.PersistentFlags().String("config", defaultConfigPath(), "Path to the provider config (yaml, toml or json)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides the config)")

	root.AddCommand(
		start,
		newCheckCmd(stdout, stderr),
		newSetupCmd(stdout),
		newKeysCmd(stdout),
		newVersionCmd(stdout),
	)

	return root
}

// defaultConfigPath returns ~/.config/symmetry/provider.yaml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "provider.yaml"
	}

	return filepath.Join(home, ".config", "symmetry", "provider.yaml")
}

// loadConfig reads the config named by the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}

	return cfg, path, nil
}

// logLevel resolves the flag level, falling back to the config.
func logLevel(cmd *cobra.Command, cfg *config.Config) slog.Level {
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		return logger.ParseLevel(flag)
	}

	return logger.ParseLevel(cfg.LogLevel())
}
