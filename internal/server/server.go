// Package server exposes a logstore over the factsync wire protocol.
//
// Every log operation lives under /{namespace}/..., optionally behind a
// path prefix. Errors are JSON bodies of the form
// {"error":{"code":"...","message":"..."}} where code is the lower-cased
// txlog kind.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/factsync/internal/logstore"
	"github.com/roach88/factsync/internal/metrics"
)

// Config controls the HTTP service.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Prefix mounts the API under a path, e.g. "/api/0.1". Empty mounts
	// it at the root.
	Prefix string

	// ListLimit caps the transaction ids returned by one listing page.
	ListLimit int

	// RateLimitRPS is the sustained per-namespace request rate. Zero
	// disables rate limiting.
	RateLimitRPS float64

	// RateLimitBurst is the per-namespace burst size.
	RateLimitBurst int

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ListLimit:      100,
		RateLimitRPS:   0,
		RateLimitBurst: 50,
		MaxBodyBytes:   1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ListLimit <= 0 {
		c.ListLimit = d.ListLimit
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = d.RateLimitBurst
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	c.Prefix = strings.TrimRight(c.Prefix, "/")
	return c
}

// Server is the HTTP front of a logstore.
type Server struct {
	config  Config
	logs    *logstore.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *namespaceLimiter
	http    *http.Server
}

// New creates a Server. m and logger may be nil.
func New(cfg Config, logs *logstore.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		logs:    logs,
		metrics: m,
		logger:  logger,
		limiter: newNamespaceLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler builds the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	s.route(api, "GET /{namespace}/head", s.handleGetHead)
	s.route(api, "PUT /{namespace}/head", s.handlePutHead)
	s.route(api, "GET /{namespace}/transactions", s.handleListTransactions)
	s.route(api, "GET /{namespace}/transactions/{tx}", s.handleGetTransaction)
	s.route(api, "PUT /{namespace}/transactions/{tx}", s.handlePutTransaction)
	s.route(api, "GET /{namespace}/chunks/{chunk}", s.handleGetChunk)
	s.route(api, "PUT /{namespace}/chunks/{chunk}", s.handlePutChunk)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.config.Prefix == "" {
		mux.Handle("/", api)
	} else {
		mux.Handle(s.config.Prefix+"/", http.StripPrefix(s.config.Prefix, api))
	}

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware(s.logger),
		loggingMiddleware,
		maxBytesMiddleware(s.config.MaxBodyBytes),
	)
}

// route registers a namespaced handler wrapped with rate limiting and
// per-route metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			s.metrics.ObserveServer(pattern, sc.code, time.Since(start))
		}()

		ns, ok := pathUUID(sc, r, "namespace")
		if !ok {
			return
		}
		if !s.limiter.Allow(ns.String()) {
			s.metrics.IncRateLimited()
			writeError(sc, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		h(sc, r)
	})
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("serving log", "addr", ln.Addr().String(), "prefix", s.config.Prefix)
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth pings the log database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.logs.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
