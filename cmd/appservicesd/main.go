// Command appservicesd keeps a profile's passwords, tabs and extension
// storage in sync with a storage service, and answers search suggestion
// lookups.
//
// Run "appservicesd serve" for the daemon; the other subcommands are
// one-shot tools. See "appservicesd --help".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
	"github.com/nerrad567/appservices/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
}

// newRootCommand creates the appservicesd command tree.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "appservicesd",
		Short:         "Application services daemon",
		Long:          "Syncs passwords, tabs and extension storage with a storage service and serves sync status.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "",
		"config file (default $APPSERVICES_CONFIG or configs/config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStorageServerCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newSuggestCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig loads the configuration named by the --config flag.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := config.ResolvePath(o.ConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// toolLogger returns the logger for one-shot commands. Their stdout carries
// results, so log lines go to stderr instead.
func toolLogger(cfg *config.Config) *logging.Logger {
	lc := cfg.Logging
	if lc.Output == "" || lc.Output == "stdout" {
		lc.Output = "stderr"
	}
	return logging.New(lc, version)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "appservicesd %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}
