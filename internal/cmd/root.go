package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zvolchak/FAME-Z/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	verboseCount int
	quietFlag    bool
	foreground   bool
	ConfigDir    string
	log          = logrus.New()
)

// NewRootCmd builds the famez root command and wires every subcommand
// onto it.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addConfigCommands(cmd)
	addBrokerCommand(cmd)
	addClientCommand(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "famez",
		Short:         "FAME-Z ivshmem-compatible mailbox broker and client",
		Long:          "famez — a shared-memory message-passing broker compatible with QEMU's ivshmem protocol, extended with the FAME-Z mailbox/doorbell application layer.",
		Version:       fmt.Sprintf("famez v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseCount > 0 && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if ConfigDir != "" {
				config.SetHomeDir(ConfigDir)
			}
			if foreground {
				log.SetOutput(os.Stdout)
			} else {
				if err := os.MkdirAll(config.HomeDir(), 0o755); err != nil {
					return fmt.Errorf("creating %s: %w", config.HomeDir(), err)
				}
				f, err := os.OpenFile(config.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("opening log file %s: %w", config.LogPath(), err)
				}
				log.SetOutput(f)
			}
			switch {
			case quietFlag:
				log.SetLevel(logrus.ErrorLevel)
			case verboseCount >= 2:
				log.SetLevel(logrus.TraceLevel)
			case verboseCount == 1:
				log.SetLevel(logrus.DebugLevel)
			default:
				log.SetLevel(logrus.InfoLevel)
			}
			return nil
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.CountVarP(&verboseCount, "verbose", "v", "Increase log verbosity (repeatable)")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress all but error-level logging")
	pflags.StringVar(&ConfigDir, "config-dir", "", "Override config directory (default: ~/.famez)")
	pflags.BoolVar(&foreground, "foreground", false, "Log to stdout instead of a log file")

	if v := os.Getenv("FAMEZ_HOME"); v != "" && ConfigDir == "" {
		ConfigDir = v
	}

	return rootCmd
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	cmd := NewRootCmd()
	return cmd.Execute()
}
