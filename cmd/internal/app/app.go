// Package app wires the Warden runtime: config, logging, stores, the
// websocket gateway, the invalidation fanout, and the admin HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"warden/cmd/internal/admin"
	"warden/cmd/internal/anomaly"
	"warden/cmd/internal/events"
	"warden/cmd/internal/fanout"
	"warden/cmd/internal/geo"
	"warden/cmd/internal/observability/metrics"
	"warden/cmd/internal/registry"
	"warden/cmd/internal/session"
)

var metricsOnce sync.Once

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Warden runtime: it owns HTTP server wiring and the background
// loops (fanout, sweepers).
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus      *events.Bus
	sessions *session.Service
	registry *registry.Registry
	fanout   *fanout.Fanout
	ws       *registry.WSGateway
	admin    *admin.Handler

	geoClose func() error
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	metricsOnce.Do(metrics.MustRegister)

	st, dbPool, dbEnabled, sessStore, addrStore, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(log, cfg.EventBusSize)
	sessions := session.NewService(sessCfg, sessStore, bus, log)

	var (
		lookup   geo.LookupFunc
		geoClose func() error
	)
	if cfg.GeoDBPath != "" {
		lookup, geoClose, err = geo.OpenMaxMind(cfg.GeoDBPath)
		if err != nil {
			return nil, err
		}
		log.Info("geo.maxmind.enabled", "path", cfg.GeoDBPath)
	} else {
		log.Info("geo.maxmind.disabled")
	}
	resolver := geo.NewResolver(log, lookup)

	reg := registry.NewRegistry(log, addrStore, resolver, sessions, cfg.MaxConcurrentAddresses)
	detector := anomaly.NewDetector(log, addrStore, reg)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		bus:       bus,
		sessions:  sessions,
		registry:  reg,
		fanout:    fanout.New(log, bus, reg),
		ws:        registry.NewWSGateway(log, reg, sessions),
		admin:     admin.NewHandler(log, cfg.AdminToken, sessions, reg, addrStore, detector),
		geoClose:  geoClose,
	}, nil
}

// Run starts the HTTP server and background loops, blocking until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.fanout.Run(runCtx) }()
	go func() { defer wg.Done(); a.sessions.RunSweeper(runCtx) }()
	go func() { defer wg.Done(); a.registry.RunSweeper(runCtx, 0) }()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.admin)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Stop background loops, then the bus, then storage.
	cancel()
	a.bus.Close()
	wg.Wait()

	if a.geoClose != nil {
		if err := a.geoClose(); err != nil {
			a.log.Error("geo.close.fail", "err", err)
		}
	}
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStores decides between Postgres-backed persistence and in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, session.Store, registry.AddressStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, session.NewInMemoryStore(), registry.NewInMemoryAddressStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - the stores' Close() is a no-op
	sessStore, err := session.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	addrStore, err := registry.NewPostgresAddressStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, sessStore: sessStore, addrStore: addrStore}, pool, true, sessStore, addrStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	sessStore session.Store
	addrStore registry.AddressStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.sessStore != nil {
		_ = s.sessStore.Close()
	}
	if s.addrStore != nil {
		_ = s.addrStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
