// Command medibot runs the MediBot WhatsApp medication adherence assistant.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Debug until flags are parsed so environment loading is visible.
	initializeLogger("debug")

	cfg := loadEnvironmentConfig()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		slog.Error("medibot failed", "error", err)
		os.Exit(1)
	}
}

// initializeLogger installs the default text logger at level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// newRootCmd builds the command tree. Running the root command alone serves.
func newRootCmd(cfg *Config) *cobra.Command {
	serve := newServeCmd(cfg)
	root := &cobra.Command{
		Use:           "medibot",
		Short:         "WhatsApp medication adherence assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initializeLogger(cfg.LogLevel)
			return cfg.validate()
		},
		RunE: serve.RunE,
	}
	bindFlags(root, cfg)
	bindServeFlags(root, cfg)

	root.AddCommand(
		serve,
		newDecideCmd(cfg),
		newChatCmd(cfg),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		// Skips config validation from the root.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "medibot", version)
			return err
		},
	}
}
