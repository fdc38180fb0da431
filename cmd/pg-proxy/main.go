// Command pg-proxy runs the electric wire proxy: it accepts PostgreSQL
// clients, relays ordinary traffic to the upstream server unchanged, and
// intercepts ELECTRIC DDLX statements.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/electric-sql/pg-proxy/internal/config"
	"github.com/electric-sql/pg-proxy/internal/permissions"
	"github.com/electric-sql/pg-proxy/internal/proxy"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, errs := config.Load(os.Getenv)
	if len(errs) > 0 {
		config.ExitOnError(errs)
	}

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to bind listener", slog.String("addr", addr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &proxy.Server{
		Upstream: cfg.Upstream,
		Tracing:  cfg.TracingEnable,
		Rules:    permissions.NewStore(permissions.Rules{}),
		Features: cfg.Features,
		Logger:   logger,
	}

	logger.Info("pg-proxy starting",
		slog.String("listen", addr),
		slog.String("upstream", cfg.Upstream),
		slog.Bool("http_tunnel", cfg.HTTPTunnel),
	)

	if err := srv.Serve(ctx, listener); err != nil && ctx.Err() == nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
