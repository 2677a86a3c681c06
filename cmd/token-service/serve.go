package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"qms/token-service/internal/audit"
	"qms/token-service/internal/config"
	"qms/token-service/internal/httpapi"
	"qms/token-service/internal/models"
	"qms/token-service/internal/service"
	"qms/token-service/internal/store"
	"qms/token-service/internal/store/memstore"
	"qms/token-service/internal/store/postgres"
	"qms/token-service/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var departments []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		Long: `Start the HTTP API together with the audit log writer and, when
NO_SHOW_GRACE_SECONDS is set, the no-show sweeper.

Examples:
  token-service serve
  STORE_DRIVER=memory token-service serve --department Cardiology:CARD:10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), departments)
		},
	}
	cmd.Flags().StringArrayVar(&departments, "department", nil, "seed a memory store department as name:abbr[:avg_minutes]")
	return cmd
}

type backend struct {
	tickets store.TicketStore
	logs    store.LogAppender
	health  func(context.Context) error
	close   func()
}

func (a *app) serve(ctx context.Context, departments []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	shutdownTracing := telemetry.Setup("token-service", a.logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()
	metrics := telemetry.NewMetrics()

	b, err := a.openBackend(ctx, departments, metrics)
	if err != nil {
		return err
	}
	defer b.close()

	writer := audit.NewWriter(b.logs, audit.Config{
		BufferSize:    cfg.AuditBufferSize,
		BatchSize:     cfg.AuditBatchSize,
		MaxAttempts:   cfg.AuditMaxAttempts,
		FlushInterval: cfg.AuditFlushInterval,
	}, a.logger, metrics)

	svc := service.New(b.tickets, writer, service.Config{
		Location:        cfg.Location,
		NoShowGrace:     cfg.NoShowGrace,
		NoShowBatchSize: cfg.NoShowBatchSize,
	}, a.logger, metrics)

	if cfg.JWTSecret == "" {
		a.logger.Warn().Msg("JWT_SECRET is empty, staff endpoints will reject every request")
	}
	handler := httpapi.NewHandler(svc, httpapi.Options{
		Logger:     a.logger,
		Metrics:    metrics,
		JWTSecret:  cfg.JWTSecret,
		CORSOrigin: cfg.CORSOrigin,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:         cfg.RateLimitPerMinute,
			DepartmentPerMinute: cfg.DepartmentRateLimitPerMinute,
		},
		Health: b.health,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The audit writer outlives the server so entries from in-flight
	// requests are still flushed.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("token-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopWriter()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return writer.Run(writerCtx)
	})
	g.Go(func() error {
		return svc.RunNoShowSweeper(gctx, cfg.NoShowInterval)
	})

	err = g.Wait()
	a.logger.Info().Msg("token-service stopped")
	return err
}

func (a *app) openBackend(ctx context.Context, departments []string, metrics *telemetry.Metrics) (backend, error) {
	cfg := a.cfg
	switch cfg.StoreDriver {
	case config.DriverMemory:
		mem := memstore.New(memstore.Options{
			MaxAllocationAttempts: cfg.AllocationMaxAttempts,
			OnCollision:           metrics.AllocationCollision,
		})
		for _, raw := range departments {
			department, err := parseDepartment(raw)
			if err != nil {
				return backend{}, err
			}
			department = mem.AddDepartment(department)
			a.logger.Info().Int64("id", department.ID).Str("name", department.Name).Msg("department seeded")
		}
		return backend{tickets: mem, logs: mem, health: mem.Ping, close: func() {}}, nil

	case config.DriverPostgres:
		pool, err := a.openPool(ctx)
		if err != nil {
			return backend{}, err
		}
		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return backend{}, err
			}
		}
		pg := postgres.NewStore(pool, postgres.Options{
			MaxAllocationAttempts: cfg.AllocationMaxAttempts,
			OnCollision:           metrics.AllocationCollision,
		})
		return backend{tickets: pg, logs: pg, health: pg.Ping, close: pool.Close}, nil
	}
	return backend{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// parseDepartment reads name:abbr[:avg_minutes].
func parseDepartment(raw string) (models.Department, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || strings.TrimSpace(parts[0]) == "" {
		return models.Department{}, fmt.Errorf("invalid department %q, want name:abbr[:avg_minutes]", raw)
	}
	department := models.Department{
		Name: strings.TrimSpace(parts[0]),
		Abbr: strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		minutes, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return models.Department{}, fmt.Errorf("invalid department %q: %w", raw, err)
		}
		department.AvgServiceTime = minutes
	}
	return department, nil
}
