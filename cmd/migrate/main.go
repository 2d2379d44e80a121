// Command migrate manages the escrow mirror schema.
//
//	migrate up               apply all pending migrations
//	migrate down             roll back the last migration
//	migrate up-to <version>  apply up to and including version
//	migrate down-to <version>
//	migrate status           list migrations and when they were applied
//	migrate version          print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/intentpay/internal/config"
	"github.com/mbd888/intentpay/migrations"
)

// migrator is the part of goose.Provider the commands use.
type migrator interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	UpTo(ctx context.Context, version int64) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	DownTo(ctx context.Context, version int64) ([]*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
	GetDBVersion(ctx context.Context) (int64, error)
}

type opener func(ctx context.Context) (migrator, func(), error)

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	provider, err := migrations.NewProvider(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return provider, func() { _ = db.Close() }, nil
}

func newRootCmd(open opener) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the escrow mirror schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "deadline for the whole command")

	with := func(cmd *cobra.Command, fn func(ctx context.Context, m migrator) error) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		m, closeFn, err := open(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(ctx, m)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return with(cmd, func(ctx context.Context, m migrator) error {
					results, err := m.Up(ctx)
					printResults(cmd.OutOrStdout(), results)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "up-to <version>",
			Short: "Apply migrations up to and including version",
			Args:  versionArg,
			RunE: func(cmd *cobra.Command, args []string) error {
				v, _ := strconv.ParseInt(args[0], 10, 64)
				return with(cmd, func(ctx context.Context, m migrator) error {
					results, err := m.UpTo(ctx, v)
					printResults(cmd.OutOrStdout(), results)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return with(cmd, func(ctx context.Context, m migrator) error {
					result, err := m.Down(ctx)
					if result != nil {
						printResults(cmd.OutOrStdout(), []*goose.MigrationResult{result})
					}
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "down-to <version>",
			Short: "Roll back until version is the latest applied",
			Args:  versionArg,
			RunE: func(cmd *cobra.Command, args []string) error {
				v, _ := strconv.ParseInt(args[0], 10, 64)
				return with(cmd, func(ctx context.Context, m migrator) error {
					results, err := m.DownTo(ctx, v)
					printResults(cmd.OutOrStdout(), results)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and when they were applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return with(cmd, func(ctx context.Context, m migrator) error {
					statuses, err := m.Status(ctx)
					if err != nil {
						return err
					}
					printStatus(cmd.OutOrStdout(), statuses)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return with(cmd, func(ctx context.Context, m migrator) error {
					v, err := m.GetDBVersion(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), v)
					return nil
				})
			},
		},
	)
	return cmd
}

func versionArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("accepts 1 arg, received %d", len(args))
	}
	if v, err := strconv.ParseInt(args[0], 10, 64); err != nil || v < 0 {
		return fmt.Errorf("invalid version %q", args[0])
	}
	return nil
}

func printResults(w io.Writer, results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no migrations to run")
		return
	}
	for _, r := range results {
		outcome := "OK"
		if r.Error != nil {
			outcome = "FAILED: " + r.Error.Error()
		}
		fmt.Fprintf(w, "%-4s %s (%s) %s\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond), outcome)
	}
}

func printStatus(w io.Writer, statuses []*goose.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, s := range statuses {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
	}
	_ = tw.Flush()
}
