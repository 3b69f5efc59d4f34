// market-engine runs the fanbase market: the pricing loop, the trading API
// and the valuation queries.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/logger"
	"github.com/fanbase/market-engine/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "market-engine",
		Short: "Fanbase team securities market",
		Long: `market-engine prices team securities from live game data, executes
trades against per-user lots and serves portfolio valuations.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg     config.Config
	log     logger.Logger
	store   store.Store
	cleanup []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func setup(ctx context.Context) (*app, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file loaded")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, syncLog, err := logger.NewZapLogger(logger.ParseLevel(cfg.Log.Level))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, cleanup: []func(){syncLog}}
	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// --- Initialize store ---
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Store.DatabaseURL == "" {
		a.log.Warnw("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.store = store.NewMemoryStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = pg
	a.log.Infow("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if a.cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		a.store = store.NewCachedStore(a.store, rdb, a.cfg.Store.CacheTTL)
		a.log.Infow("Redis cache enabled", "ttl", a.cfg.Store.CacheTTL)
	}
	return nil
}
