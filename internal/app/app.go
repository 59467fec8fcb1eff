// Package app assembles the license API: configuration, logging,
// telemetry, storage, budgets, sessions, the Creem integration and the
// HTTP server, with coordinated startup and shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hedgeapi/internal/budget"
	"hedgeapi/internal/config"
	"hedgeapi/internal/creem"
	"hedgeapi/internal/infrastructure"
	"hedgeapi/internal/services"
	"hedgeapi/internal/session"
	"hedgeapi/internal/store"
	transport "hedgeapi/internal/transport/http"
)

// Application is the assembled service container.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Server    *http.Server
	Sessions  *session.Authority
	Guard     *budget.Guard
	Quota     *budget.DailyQuota
	Providers *infrastructure.OTelProviders
}

// New builds the application from configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("starting license api",
		slog.String("version", services.Version),
		slog.Int("port", cfg.Server.Port),
		slog.String("db_driver", cfg.Database.Driver),
		slog.String("creem_mode", cfg.Creem.Mode),
	)

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	var metrics *infrastructure.RequestMetrics
	if providers.Meter != nil {
		metrics, err = infrastructure.NewRequestMetrics(providers.Meter)
		if err != nil {
			return nil, fmt.Errorf("create request metrics: %w", err)
		}
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	guard := budget.NewGuard(cfg.Budget.RequestsPerMinute, cfg.Budget.Burst, logger)
	quota := budget.NewDailyQuota(int(cfg.Budget.MaxDailyRequests))

	authority := session.NewAuthority(st, cfg.Session.TTL, cfg.Session.RefreshThreshold, logger)

	creemClient := creem.NewClient(cfg.Creem, logger)
	if !creemClient.Enabled() {
		logger.Warn("creem api key not configured, upstream confirmation disabled")
	}

	licenseSvc := services.NewLicenseService(
		st, authority, services.NewCreemConfirmer(creemClient),
		cfg.Security.IPHashSalt, cfg.Session.TTL, logger,
	)
	healthSvc := services.NewHealthService(st, quota, logger)

	router := transport.NewRouter(transport.RouterConfig{
		Licenses:       transport.NewLicenseHandler(licenseSvc, healthSvc),
		Health:         transport.NewHealthHandler(healthSvc),
		Webhooks:       transport.NewWebhookHandler(creem.NewProcessor(st, logger), cfg.Creem.WebhookSecret, logger),
		Guard:          guard,
		Quota:          quota,
		Metrics:        metrics,
		MetricsHandler: providers.PrometheusHTTP,
		TrustedProxies: cfg.Security.TrustedProxies,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		EnableCORS:     cfg.Security.EnableCORS,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Server:    server,
		Sessions:  authority,
		Guard:     guard,
		Quota:     quota,
		Providers: providers,
	}, nil
}

// Run serves until the context is cancelled or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.sweepLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// sweepLoop periodically purges expired sessions and idle rate limiters.
func (a *Application) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Session.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged, err := a.Sessions.Sweep(ctx)
			if err != nil {
				a.Logger.ErrorContext(ctx, "session sweep failed", "error", err)
				continue
			}
			evicted := a.Guard.Evict()
			if purged > 0 || evicted > 0 {
				a.Logger.InfoContext(ctx, "sweep completed",
					"sessions_purged", purged,
					"limiters_evicted", evicted,
				)
			}
		}
	}
}

func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown failed", "error", err)
		firstErr = err
	}
	if a.Providers != nil {
		if err := a.Providers.Shutdown(ctx); err != nil {
			a.Logger.Error("telemetry shutdown failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("store close failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.Logger.Info("shutdown complete")
	return firstErr
}
