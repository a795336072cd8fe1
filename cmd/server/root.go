package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/config"
	"github.com/GabrielFerla/xp/internal/encryption"
	"github.com/GabrielFerla/xp/internal/version"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "xp-security",
		Short:         "Security gateway: token auth, MFA, rate limiting, anomaly detection and audit",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./config.yaml or /etc/xp-security/config.yaml)")

	cmd.AddCommand(
		newServeCommand(&configFile),
		newGenKeyCommand(),
		newConfigCommand(&configFile),
		newVersionCommand(),
	)
	return cmd
}

func newGenKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Print a fresh AES-256 encryption key and token signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			secret, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "XP_ENCRYPTION_KEY=%s\n", key)
			fmt.Fprintf(out, "XP_TOKEN_SECRET=%s\n", secret)
			return nil
		},
	}
}

func newConfigCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Effective(*configFile)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "xp-security %s (commit %s)\n", version.Version, version.Commit)
		},
	}
}
