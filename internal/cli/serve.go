package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/logstore"
	"github.com/roach88/factsync/internal/metrics"
	"github.com/roach88/factsync/internal/server"
)

// shutdownTimeout bounds how long in-flight requests may finish after a
// stop signal.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
	Prefix   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a transaction log over HTTP",
		Long: `Serve the factsync wire protocol backed by a SQLite log database.

Every namespace lives under /{namespace}/ (behind --prefix when set), with
/healthz and /metrics at the root. The database is created if it does not
exist. SIGINT or SIGTERM drains in-flight requests and exits.

Examples:
  factsync serve --db ./log.db
  factsync serve --addr 127.0.0.1:9000 --prefix /api/0.1 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to log database (overrides server.db)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "path prefix for the API (overrides server.prefix)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		overrideString(cmd, "addr", &c.Server.Addr, opts.Addr)
		overrideString(cmd, "db", &c.Server.DB, opts.Database)
		overrideString(cmd, "prefix", &c.Server.Prefix, opts.Prefix)
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	logger := setupLogging(opts.RootOptions, cfg, cmd.ErrOrStderr())

	logger.Info("opening log database", "path", cfg.Server.DB)
	logs, err := logstore.Open(cfg.Server.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	defer func() {
		if closeErr := logs.Close(); closeErr != nil {
			logger.Error("error closing log database", "error", closeErr)
		}
	}()

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		Prefix:         cfg.Server.Prefix,
		ListLimit:      cfg.Server.ListLimit,
		RateLimitRPS:   cfg.Server.RateLimit.RPS,
		RateLimitBurst: cfg.Server.RateLimit.Burst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, logs, metrics.New(), logger)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err), nil)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	formatter.VerboseLog("Serving on %s", addr)
	if opts.ServeReady != nil {
		opts.ServeReady <- addr
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return formatter.Fail(ExitFailure, err, nil)
		}
		return nil
	case <-ctx.Done():
	}

	return shutdown(srv, serveErr, logger)
}

func shutdown(srv *server.Server, serveErr <-chan error, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	if err := <-serveErr; err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
