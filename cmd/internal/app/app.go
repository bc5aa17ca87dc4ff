// Package app wires the Parley server runtime: config, logging, metrics,
// persistence, the broker, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/metrics"
	"parley/cmd/internal/shutdown"
	"parley/cmd/internal/wsauth"
)

// App owns the wired server dependencies.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	dbPool *pgxpool.Pool // nil when running on the in-memory store
	store  chat.MessageStore

	tokens   *wsauth.TokenManager
	resolver wsauth.SessionResolver
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	var (
		pool  *pgxpool.Pool
		store chat.MessageStore
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.memory_store")
		store = chat.NewMemoryStore()
	} else {
		var err error
		pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err = chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	}

	return &App{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
		dbPool:   pool,
		store:    store,
		tokens:   wsauth.NewTokenManager(log, cfg.TokenLifetime),
		resolver: wsauth.HeaderResolver{},
	}, nil
}

// Run starts the broker, persistence writer, and HTTP server, then blocks
// until the context is cancelled or a task fails fatally.
func (a *App) Run(ctx context.Context) error {
	tok, tracker := shutdown.New(ctx)

	broker, handle := chat.NewBroker(a.log, a.store, a.metrics, tok, chat.BrokerConfig{
		HistoryCapacity: a.cfg.HistoryCapacity,
		FlushMaxCount:   a.cfg.FlushMaxCount,
		FlushMaxAge:     a.cfg.FlushMaxAge,
	})
	tok.Go("broker", a.log, broker.Run)

	gateway := chat.NewGateway(a.log, handle, a.tokens, a.metrics, chat.GatewayConfig{
		HeartbeatInterval:   a.cfg.HeartbeatInterval,
		PingTimeout:         a.cfg.PingTimeout,
		MissedPingAllowance: a.cfg.MissedPingAllowance,
		WriteTimeout:        a.cfg.WriteTimeout,
		SendQueueSize:       a.cfg.SendQueueSize,
	}, tok)

	mux := http.NewServeMux()
	a.registerHTTP(mux, gateway)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// A fatal broker/writer error cancels tok without touching gctx;
		// watch both so either path drains the whole server.
		select {
		case <-gctx.Done():
			a.log.Info("server.stop", "reason", "context_done")
		case <-tok.Done():
			a.log.Info("server.stop", "reason", "task_failure")
		}

		tracker.Cancel()
		if !tracker.Wait(a.cfg.ShutdownTimeout) {
			a.log.Warn("shutdown.drain.timeout", "timeout", a.cfg.ShutdownTimeout)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	if a.dbPool != nil {
		a.dbPool.Close()
	}
	a.log.Info("server.stopped")
	return err
}
