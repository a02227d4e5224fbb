package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"Symmetry/internal/identity"
)

func newKeysCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the public and discovery keys derived from the configured name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			crypto := identity.New()

			keys, err := crypto.KeyPairFromName(cfg.Name())
			if err != nil {
				return fmt.Errorf("derive key pair:\n%w", err)
			}

			discovery, err := crypto.DiscoveryKey(keys.Public)
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "public key:    %s\n", hex.EncodeToString(keys.Public))
			fmt.Fprintf(stdout, "discovery key: %s\n", hex.EncodeToString(discovery[:]))

			return nil
		},
	}
}
