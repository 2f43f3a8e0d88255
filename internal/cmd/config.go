package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zvolchak/FAME-Z/internal/config"
)

func addConfigCommands(rootCmd *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage famez configuration",
		Long:  "Show or write famez.toml, the broker/client's persisted default settings (~/.famez/famez.toml).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config file: %s\n", config.ConfigPath())
			fmt.Fprintf(cmd.OutOrStdout(), "mailbox = %s\n", cfg.Mailbox)
			fmt.Fprintf(cmd.OutOrStdout(), "socket_path = %s\n", cfg.SocketPath)
			fmt.Fprintf(cmd.OutOrStdout(), "n_clients = %d\n", cfg.NClients)
			fmt.Fprintf(cmd.OutOrStdout(), "silent = %v\n", cfg.Silent)
			fmt.Fprintf(cmd.OutOrStdout(), "smart = %v\n", cfg.Smart)
			fmt.Fprintf(cmd.OutOrStdout(), "recycle = %v\n", cfg.Recycle)
			fmt.Fprintf(cmd.OutOrStdout(), "tag_ttl = %s\n", cfg.TagTTL)
			return nil
		},
	}

	configPathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath())
			return nil
		},
	}

	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a famez.toml populated with the built-in defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(config.Defaults()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.ConfigPath())
			return nil
		},
	}

	configCmd.AddCommand(configPathCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
