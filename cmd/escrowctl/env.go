package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/mbd888/intentpay/internal/assignment"
	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/config"
	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/logging"
	"github.com/mbd888/intentpay/migrations"
)

// env is everything a command needs: the coordinator, assignments, and
// the chain parameters signers build transactions against.
type env struct {
	escrows     *escrow.Service
	assignments *assignment.Service
	params      chain.TxParams
	close       func()
}

// opener builds an env. Tests swap in an in-memory one.
type opener func(ctx context.Context, logger *slog.Logger) (*env, error)

// openFromEnv connects to the mirror and ledger named by the server's
// environment variables. Both are required: a simulated ledger or an
// in-memory mirror would not outlive the command.
func openFromEnv(ctx context.Context, logger *slog.Logger) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" || cfg.RPCURL == "" {
		return nil, errors.New("DATABASE_URL and RPC_URL are required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	evm, err := chain.NewEVMClient(chain.EVMConfig{
		RPCURL:        cfg.RPCURL,
		ChainID:       cfg.ChainID,
		Program:       cfg.EscrowProgram,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	assignments := assignment.NewService(assignment.NewPostgresStore(db), logger)
	svc := escrow.NewService(escrow.NewPostgresStore(db), evm, assignments, logger).
		WithArbiters(escrow.NewStaticArbiters(cfg.Arbiters...)).
		WithConfig(escrow.Config{ConfirmTimeout: cfg.ConfirmTimeout})

	return &env{
		escrows:     svc,
		assignments: assignments,
		params:      evm,
		close: func() {
			evm.Close()
			_ = db.Close()
		},
	}, nil
}

// newLogger keeps diagnostics on w so command output stays parseable.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.NewWithWriter(w, level, "text")
}
