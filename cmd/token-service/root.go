package main

import (
	"context"
	"fmt"

	"qms/token-service/internal/config"
	"qms/token-service/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type app struct {
	configFile string
	cfg        config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	serve := newServeCmd(a)

	root := &cobra.Command{
		Use:   "token-service",
		Short: "Clinic ticket queue service",
		Long: `token-service issues per-department daily tickets, ranks the waiting
queue by approved priority and arrival, and drives tickets through their
lifecycle for staff.

Running without a subcommand is the same as "token-service serve".`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger.New(cfg.Env)
			return nil
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "optional config file (yaml, json or toml)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(newMigrateCmd(a))
	return root
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}
