// Command policyqa answers questions about insurance policies with cited
// excerpts retrieved from a Qdrant collection.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/policyqa/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "policyqa",
		Short:         "Cited question answering over insurance policy documents",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (.toml, .yaml); overrides "+config.EnvFile)

	root.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newHealthCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if a.configPath != "" {
		if err := os.Setenv(config.EnvFile, a.configPath); err != nil {
			return fmt.Errorf("set %s: %w", config.EnvFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	// The server logs to stdout; one-shot commands keep stdout for results.
	out := cmd.ErrOrStderr()
	if cmd.Name() == "serve" {
		out = cmd.OutOrStdout()
	}
	a.logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(a.logger)
	return nil
}
