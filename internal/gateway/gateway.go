// Package gateway serves the HTTP resource routes and the WebSocket event
// stream, and broadcasts an event to every stream client for each resource
// request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/config"
	"github.com/temscope/eventgw/internal/device"
	"github.com/temscope/eventgw/internal/logging"
	"github.com/temscope/eventgw/internal/metrics"
	"github.com/temscope/eventgw/internal/ws"
)

const (
	StreamPath   = "/ws/v1"
	resourceBase = "/v1"

	defaultShutdownTimeout = 5 * time.Second
)

type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithDevice makes resource routes read and write d instead of returning
// acknowledgement text.
func WithDevice(d device.Device) Option {
	return func(g *Gateway) { g.device = d }
}

// WithRegistry sets the Prometheus registry the gateway registers and serves
// its collectors from. Default: a fresh registry per gateway.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) { g.promRegistry = reg }
}

// Gateway owns the session registry, the route table and the listener.
type Gateway struct {
	cfg          *config.Config
	log          *zap.Logger
	device       device.Device
	promRegistry *prometheus.Registry

	metrics     *metrics.Metrics
	registry    *ws.Registry
	coordinator *Coordinator
	overload    *OverloadGuard
	handler     http.Handler

	mu   sync.Mutex
	addr net.Addr
}

func New(cfg *config.Config, opts ...Option) *Gateway {
	g := &Gateway{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logging.OrNop(g.log)
	if g.promRegistry == nil {
		g.promRegistry = prometheus.NewRegistry()
	}

	g.metrics = metrics.New(g.promRegistry)
	g.registry = ws.NewRegistry(ws.Options{
		MaxConnections: cfg.WebSocket.MaxConnections,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		Logger:         g.log.Named("ws"),
		Metrics:        g.metrics,
	})
	g.coordinator = NewCoordinator(g.registry, g.log.Named("broadcast"), g.metrics)
	if cfg.Limits.Overload.Enabled {
		g.overload = NewOverloadGuard(cfg.Limits.Overload, g.log.Named("overload"))
	}
	g.handler = g.routes()

	g.log.Info("configuring web server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))
	return g
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, StreamPath, ws.NewHandler(g.registry, g.cfg.WebSocket.AllowedOrigins))

	r.Group(func(r chi.Router) {
		r.Use(requestLog(g.log.Named("http"), g.metrics))

		r.Get("/healthz", g.handleHealth)
		if g.cfg.Metrics.Enabled {
			r.Method(http.MethodGet, g.cfg.Metrics.Path, promhttp.HandlerFor(g.promRegistry, promhttp.HandlerOpts{}))
		}

		r.Group(func(r chi.Router) {
			if rl := g.cfg.Limits.RateLimit; rl.Enabled {
				r.Use(rateLimit(ratelimit.NewBucket(rl.FillInterval, rl.Capacity)))
			}
			if g.overload != nil {
				r.Use(g.overload.Middleware)
			}
			r.Get(resourceBase+"/*", g.handleRead)
			r.Put(resourceBase+"/*", g.handleWrite)
		})
	})

	return r
}

func (g *Gateway) Handler() http.Handler { return g.handler }

func (g *Gateway) Registry() *ws.Registry { return g.registry }

// Addr returns the bound listener address once Run is serving, or nil.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Run binds the configured address and serves until ctx is cancelled or
// the listener fails. A bind failure is returned immediately.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.Addr(), err)
	}

	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()

	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: g.cfg.Server.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(g.log.Named("http")),
	}

	if g.overload != nil {
		go g.overload.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	g.log.Info("starting web server with events", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	g.log.Info("shutting down")
	g.registry.CloseAll()

	timeout := g.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
