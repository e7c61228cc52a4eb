// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

// carelumsync is a developer tool that runs the Carelum sync engine outside
// the mobile app: it opens the local store, talks to the same backend, and
// exposes the diagnostic trail. Useful for reproducing sync issues from a
// captured device database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/msafryx/carelum-mobile-app-sub001/caresync"
	"github.com/msafryx/carelum-mobile-app-sub001/internal/auth"
)

// cliConfig is read from the environment.
type cliConfig struct {
	APIBaseURL  string        `env:"CARELUM_API_URL" envDefault:"http://localhost:8080"`
	ChangeWSURL string        `env:"CARELUM_CHANGES_URL" envDefault:"ws://localhost:8080/v1/changes"`
	DBPath      string        `env:"CARELUM_DB_PATH" envDefault:"carelum.db"`
	FallbackDSN string        `env:"CARELUM_PG_FALLBACK_DSN"` // empty disables the direct-database path
	JWTSecret   string        `env:"CARELUM_JWT_SECRET" envDefault:"dev-secret-change-me"`
	UserID      string        `env:"CARELUM_USER_ID,required"`
	TokenExpiry time.Duration `env:"CARELUM_TOKEN_EXPIRY" envDefault:"24h"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "carelumsync",
		Short:         "Run the Carelum local-first sync engine from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(logger), refreshCmd(logger), diagCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*cliConfig, error) {
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// setup opens the store and wires an engine per the environment config.
func setup(ctx context.Context, cfg *cliConfig, logger *slog.Logger) (*caresync.Store, *caresync.Engine, caresync.Gateway, caresync.TokenFunc, error) {
	store, err := caresync.OpenStore(cfg.DBPath, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	deviceID, err := store.EnsureSourceID(ctx, cfg.UserID)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, nil, err
	}

	tokens := auth.NewTokenProvider(cfg.JWTSecret)
	tokenFn := caresync.TokenFunc(tokens.TokenFunc(cfg.UserID, deviceID, cfg.TokenExpiry))

	engineCfg := caresync.DefaultConfig()
	var gateway caresync.Gateway = caresync.NewRESTGateway(cfg.APIBaseURL, tokenFn, engineCfg, logger)
	if cfg.FallbackDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.FallbackDSN)
		if err != nil {
			_ = store.Close()
			return nil, nil, nil, nil, fmt.Errorf("failed to open fallback database: %w", err)
		}
		gateway = caresync.NewChained(gateway, caresync.NewFallbackGateway(pool, logger), logger)
	}

	engine := caresync.NewEngine(ctx, store, gateway, engineCfg, logger)
	return store, engine, gateway, tokenFn, nil
}

func runCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine with the change bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, engine, gateway, tokenFn, err := setup(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			defer engine.Close()

			bridge := caresync.NewBridge(store, gateway, cfg.ChangeWSURL, tokenFn, caresync.DefaultConfig(), logger)
			bridge.Start(ctx)
			defer bridge.Stop()

			unsubscribe := bridge.Subscribe(caresync.Filter{OwnerID: cfg.UserID}, func(kind caresync.Kind, id string, _ *caresync.Record) {
				logger.Info("remote change applied", "kind", kind, "id", id)
			})
			defer unsubscribe()

			logger.Info("sync engine running", "db", cfg.DBPath, "api", cfg.APIBaseURL)
			<-ctx.Done()
			return nil
		},
	}
}

func refreshCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-hydrate the local cache from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, engine, _, _, err := setup(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			defer engine.Close()

			if err := engine.RefreshAll(ctx, cfg.UserID); err != nil {
				return err
			}
			logger.Info("local cache refreshed", "db", cfg.DBPath)
			return nil
		},
	}
}

func diagCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print the diagnostic trail of failed background syncs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := caresync.OpenStore(cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.SyncLog(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no failed background syncs recorded")
				return nil
			}
			for _, entry := range entries {
				fmt.Printf("%s  %s\n", entry.OccurredAt.Format(time.RFC3339), entry.Description)
			}
			return nil
		},
	}
}
