// Command server runs the IntentPay escrow settlement API.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/intentpay/internal/config"
	"github.com/mbd888/intentpay/internal/logging"
	"github.com/mbd888/intentpay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd(config.Load, serve).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "intentpay:", err)
		os.Exit(1)
	}
}

type (
	loader    func() (*config.Config, error)
	serveFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error
)

func newRootCmd(load loader, run serveFunc) *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:           "intentpay",
		Short:         "Escrow settlement API for agent work",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)
			logger.Info("configuration loaded",
				"version", Version,
				"env", cfg.Env,
				"chain_id", cfg.ChainID,
				"escrow_program", cfg.EscrowProgram,
				"simulated_ledger", cfg.UsesSimulatedLedger(),
				"arbiters", len(cfg.Arbiters),
			)
			if checkOnly {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
				return nil
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check-config", false, "validate configuration and exit")
	return cmd
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	format := "text"
	if cfg.LogJSON {
		format = "json"
	}
	return logging.NewWithWriter(w, cfg.LogLevel, format)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
