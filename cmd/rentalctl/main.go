// Command rentalctl runs operator tasks against the reservation database:
// schema migrations, one-shot expiry sweeps for cron, and occupancy dumps.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/config"
	"github.com/example/carrental/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	dsn      string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rentalctl",
		Short:         "Operate the car rental reservation store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "Postgres DSN (defaults to POSTGRES_DSN or DATABASE_URL)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (defaults to LOG_LEVEL)")

	root.AddCommand(newMigrateCmd(opts), newSweepCmd(opts), newOccupancyCmd(opts))
	return root
}

// env is what every subcommand needs: configuration, a logger and a pool.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func (e *env) close() {
	e.pool.Close()
	_ = e.logger.Sync()
}

func (o *rootOptions) open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.dsn != "" {
		cfg.PostgresDSN = o.dsn
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if cfg.PostgresDSN == "" {
		return nil, errors.New("no database configured: pass --dsn or set POSTGRES_DSN")
	}

	logger := observability.SetupLogger("rentalctl", cfg.LogLevel)
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &env{cfg: cfg, logger: logger, pool: pool}, nil
}
