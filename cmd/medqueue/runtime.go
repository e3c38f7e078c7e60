package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"medqueue/internal/api"
	"medqueue/internal/api/handlers"
	"medqueue/internal/auth"
	"medqueue/internal/broker"
	"medqueue/internal/config"
	"medqueue/internal/logging"
	"medqueue/internal/metrics"
	"medqueue/internal/schedule"
	"medqueue/internal/storage"
	"medqueue/internal/storage/repos"
	"medqueue/internal/stream"
	"medqueue/pkg/sdk"
)

var errLoginRequired = errors.New("login required: run `medqueue login` first")

// runtime holds everything a command needs. Stream pieces are only built for
// the live screens.
type runtime struct {
	cfg   config.Config
	log   zerolog.Logger
	db    *sql.DB
	kv    *repos.Store
	creds *auth.Store
	api   *sdk.Client

	registry *prometheus.Registry
	metrics  *metrics.Collectors
	conn     *stream.Conn
	broker   *broker.Broker
	sched    *schedule.Scheduler

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// loadConfigMaybe falls back to defaults plus env overrides when the file
// does not exist.
func loadConfigMaybe(path string) (config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return config.Config{}, err
			}
			path = ""
		}
	}
	return config.Load(path)
}

func openRuntime(parent context.Context, cfgPath string) (*runtime, error) {
	cfg, err := loadConfigMaybe(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg, os.Stderr)

	db, err := storage.OpenAndMigrate(parent, cfg)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	kv := repos.New(db)
	creds := auth.NewStore(kv)

	ctx, cancel := context.WithCancelCause(parent)
	rt := &runtime{
		cfg:    cfg,
		log:    log,
		db:     db,
		kv:     kv,
		creds:  creds,
		ctx:    ctx,
		cancel: cancel,
	}
	rt.api = sdk.New(sdk.Config{
		BaseURL:       cfg.API.BaseURL,
		TokenSource:   func() string { return creds.Token(context.Background()) },
		Timeout:       config.APITimeout(cfg),
		RatePerSecond: cfg.API.RatePerSecond,
		Burst:         cfg.API.Burst,
		OnUnauthorized: func() {
			if err := creds.Clear(context.Background()); err != nil {
				log.Warn().Err(err).Msg("drop credential")
			}
			cancel(auth.ErrSessionExpired)
		},
	})
	return rt, nil
}

// startStream builds the connection manager, broker, metrics and scheduler
// for a live screen. The connection itself is opened lazily by the first
// subscription.
func (rt *runtime) startStream() {
	rt.registry = prometheus.NewRegistry()
	rt.metrics = metrics.New(rt.registry)
	rt.conn = stream.New(stream.Options{
		Dialer:         stream.WebSocketDialer{URL: rt.cfg.Stream.URL},
		Host:           rt.cfg.Stream.Host,
		ReconnectDelay: config.ReconnectDelay(rt.cfg),
		Heartbeat:      config.Heartbeat(rt.cfg),
		ConnectHeaders: func() map[string]string {
			token := rt.creds.Token(context.Background())
			if token == "" {
				return nil
			}
			return map[string]string{"Authorization": "Bearer " + token}
		},
		Logger:  &rt.log,
		Metrics: rt.metrics,
	})
	rt.broker = broker.New(rt.ctx, rt.conn, broker.WithLogger(&rt.log), broker.WithMetrics(rt.metrics))
	rt.sched = schedule.New(&rt.log)
	rt.sched.Start()
}

// serveStatus runs the local status server when metrics.addr is set.
func (rt *runtime) serveStatus(screen auth.Screen, view func() any) {
	if rt.cfg.Metrics.Addr == "" || rt.conn == nil {
		return
	}
	status := handlers.New(string(screen), rt.conn, rt.broker, view)
	router := api.NewRouter(status, rt.registry, rt.log)
	go func() {
		if err := api.Serve(rt.ctx, rt.cfg.Metrics.Addr, router, rt.log); err != nil {
			rt.log.Error().Err(err).Msg("status server stopped")
		}
	}()
}

// authorize checks the stored credential against screen.
func (rt *runtime) authorize(screen auth.Screen) (auth.Credential, error) {
	if !auth.RequiresLogin(screen) {
		return auth.Credential{}, nil
	}
	cred, ok, err := rt.creds.Current(rt.ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	if !ok {
		return auth.Credential{}, errLoginRequired
	}
	if !auth.Allowed(cred.Claims.Role, screen) {
		return auth.Credential{}, fmt.Errorf("role %q may not open the %s screen", cred.Claims.Role, screen)
	}
	return cred, nil
}

// err reports why the runtime context ended, preferring an expired session.
func (rt *runtime) err(fallback error) error {
	if cause := context.Cause(rt.ctx); errors.Is(cause, auth.ErrSessionExpired) {
		return cause
	}
	return fallback
}

func (rt *runtime) Close() {
	if rt.sched != nil {
		rt.sched.Stop()
	}
	if rt.broker != nil {
		rt.broker.Close()
	}
	if rt.conn != nil {
		_ = rt.conn.Close()
	}
	rt.cancel(nil)
	_ = rt.db.Close()
}
