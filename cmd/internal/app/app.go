// Package app wires the arclink runtime: config, logging, token storage, the
// session and channel managers, the ops HTTP endpoints, and the CLI.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"arclink/cmd/internal/auth/session"
	"arclink/cmd/internal/events"
	"arclink/cmd/internal/realtime"
	"arclink/cmd/internal/telemetry"
)

// App owns the wired managers and the resources behind them.
type App struct {
	cfg   Config
	log   Logger
	store *openedStore

	bus *events.Bus
	reg *prometheus.Registry

	Session  *session.Manager
	Channels *realtime.Manager
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.New(reg)
	if err != nil {
		_ = st.close()
		return nil, err
	}

	bus := events.NewBus(log)
	bus.Subscribe(logEvent(log))

	sess, err := session.NewManager(cfg.Session, st,
		session.WithEventBus(bus),
		session.WithMetrics(metrics),
		session.WithLogger(log),
	)
	if err != nil {
		_ = st.close()
		return nil, err
	}

	channels, err := realtime.NewManager(cfg.Stream, sess.BaseURL(), sess,
		realtime.WithEventBus(bus),
		realtime.WithMetrics(metrics),
		realtime.WithLogger(log),
	)
	if err != nil {
		_ = st.close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		bus:      bus,
		reg:      reg,
		Session:  sess,
		Channels: channels,
	}, nil
}

// Events returns the lifecycle bus shared by both managers.
func (a *App) Events() *events.Bus { return a.bus }

// Close stops every channel and releases the token store.
func (a *App) Close() error {
	a.Channels.CloseAll()
	return a.store.close()
}

// ServeOps runs the ops endpoints until ctx is done. It returns immediately
// when no metrics address is configured.
func (a *App) ServeOps(ctx context.Context) error {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	return serveHTTP(ctx, a.log, "ops", a.cfg.MetricsAddr, newOpsHandler(a.log, a.store.ping, a.reg))
}

// WatchStore invalidates the cached identity whenever another process rewrites
// the token file. It blocks until ctx is done; other backends return at once.
func (a *App) WatchStore(ctx context.Context) error {
	if a.store.file == nil {
		return nil
	}
	err := a.store.file.Watch(ctx, func() {
		a.log.Info("tokenstore.changed", "path", a.store.file.Path())
		a.Session.InvalidateIdentity()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logEvent mirrors lifecycle events into the structured log.
func logEvent(log Logger) events.Handler {
	return func(e events.Event) {
		attrs := []any{"event_id", e.ID}
		if e.Channel != "" {
			attrs = append(attrs, "channel", e.Channel)
		}
		if e.Attempt > 0 {
			attrs = append(attrs, "attempt", e.Attempt)
		}
		if e.Delay > 0 {
			attrs = append(attrs, "delay", e.Delay)
		}
		if e.Code != 0 {
			attrs = append(attrs, "code", e.Code)
		}
		if e.Reason != "" {
			attrs = append(attrs, "reason", e.Reason)
		}
		if e.Err != nil {
			attrs = append(attrs, "err", e.Err)
			log.Warn("event."+string(e.Kind), attrs...)
			return
		}
		log.Info("event."+string(e.Kind), attrs...)
	}
}
