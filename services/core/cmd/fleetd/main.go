package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleetd/pkg/bus"
	"fleetd/pkg/db"
	"fleetd/pkg/metrics"
	gos3 "fleetd/pkg/s3"
	"fleetd/pkg/telemetry"
	"fleetd/services/activation"
	"fleetd/services/api"
	"fleetd/services/contentstore"
	"fleetd/services/core"
	"fleetd/services/core/internal/config"
	"fleetd/services/history"
	"fleetd/services/hub"
	"fleetd/services/registry"
	"fleetd/services/rollout"
	"fleetd/services/transfer"
)

const serviceName = "fleetd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: load config: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.SetupLogging(serviceName, cfg.LogLevel, cfg.LogPretty)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fleetd exited")
	}
	logger.Info().Msg("fleetd stopped")
}

// backends are the optional external services selected by configuration.
type backends struct {
	pool    *pgxpool.Pool
	store   contentstore.Writer
	repo    registry.Repository
	journal *history.Journal
	events  *bus.Bus
}

func openBackends(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{store: contentstore.NewMemory()}

	if cfg.DBDSN != "" {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.pool = pool
		if err := db.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		objects, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("object storage: %w", err)
		}
		if b.store, err = contentstore.NewPostgres(pool, objects); err != nil {
			b.close()
			return nil, err
		}
		if b.repo, err = registry.NewPostgresRepository(pool); err != nil {
			b.close()
			return nil, err
		}
		orm, err := db.Gorm(pool)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open gorm: %w", err)
		}
		if b.journal, err = history.New(orm); err != nil {
			b.close()
			return nil, err
		}
		logger.Info().Str("bucket", objects.Bucket()).Msg("using postgres and object storage")
	} else {
		logger.Warn().Msg("DB_DSN not set; artifacts and agents are kept in memory only")
	}

	if cfg.NATSURL != "" {
		events, err := bus.New(cfg.NATSURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.events = events
	}
	return b, nil
}

func (b *backends) ready(ctx context.Context) error {
	if b.pool != nil {
		if err := db.Ping(ctx, b.pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if b.events != nil && !b.events.Connected() {
		return errors.New("nats: not connected")
	}
	return nil
}

func (b *backends) close() {
	if b.events != nil {
		b.events.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	regOpts := []registry.Option{registry.WithMetrics(m), registry.WithLogger(logger)}
	transferOpts := []transfer.Option{
		transfer.WithMetrics(m),
		transfer.WithLogger(logger),
		transfer.WithMaxAttempts(cfg.MaxAttempts),
		transfer.WithRetention(cfg.Retention),
	}
	activationOpts := []activation.Option{
		activation.WithMetrics(m),
		activation.WithLogger(logger),
		activation.WithRetention(cfg.Retention),
	}
	if b.repo != nil {
		regOpts = append(regOpts, registry.WithRepository(b.repo))
	}
	if b.events != nil {
		regOpts = append(regOpts, registry.WithPublisher(b.events))
		transferOpts = append(transferOpts, transfer.WithPublisher(b.events))
		activationOpts = append(activationOpts, activation.WithPublisher(b.events))
	}
	if b.journal != nil {
		transferOpts = append(transferOpts, transfer.WithRecorder(b.journal))
		activationOpts = append(activationOpts, activation.WithRecorder(b.journal))
	}

	reg := registry.New(regOpts...)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	agents, err := hub.New(reg, hub.Config{
		SilenceTimeout:    cfg.SilenceTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ServerName:        serviceName,
	}, logger)
	if err != nil {
		return err
	}

	engine := transfer.New(b.store, reg, agents, transferOpts...)
	ctrl := activation.New(b.store, reg, engine, agents, activationOpts...)

	deps := core.Deps{Registry: reg, Store: b.store, Transfers: engine, Activations: ctrl}
	if b.journal != nil {
		deps.Journal = b.journal
	}
	fleet, err := core.New(deps)
	if err != nil {
		return err
	}

	if b.events != nil {
		ro, err := rollout.New(b.events, ctrl, engine, logger)
		if err != nil {
			return err
		}
		if err := ro.Start(ctx); err != nil {
			return fmt.Errorf("start rollout: %w", err)
		}
		defer func() {
			if err := ro.Close(); err != nil {
				logger.Warn().Err(err).Msg("close rollout subscriptions")
			}
		}()
	}

	a, err := api.New(fleet, agents, api.Config{
		ServiceName:     serviceName,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimit:       cfg.RateLimit,
		MaxArtifactSize: cfg.MaxArtifactSize,
		Ready:           b.ready,
		Gatherer:        promReg,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	handler, err := a.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("starting fleetd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
		// Hijacked agent channels are not covered by Shutdown.
		agents.Close()
		return nil
	})
	err = g.Wait()

	ctrl.Close()
	engine.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg.Close(closeCtx)
	return err
}
