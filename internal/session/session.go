// Package session implements the session façade: one instance per
// accepted client connection, owning the collaborators the injector
// consults and the feature-flag snapshot taken at connection start.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/electric-sql/pg-proxy/internal/featureflags"
	"github.com/electric-sql/pg-proxy/internal/injector"
	"github.com/electric-sql/pg-proxy/internal/permissions"
)

// Config carries the per-connection wiring for one Session.
type Config struct {
	// ID identifies the session in log output, typically the client's
	// remote address.
	ID string
	// Rules is the process-wide permissions store, shared across sessions.
	Rules *permissions.Store
	// Flags is the process-wide feature flag set; the session snapshots it
	// once at construction.
	Flags featureflags.Set
	// Electrified seeds the injector's view of which tables are already
	// electrified, typically loaded once by the caller from the
	// electric.electrified_tables registry.
	Electrified map[string]bool
	// QueryTimeout bounds each synthetic server round trip the injector
	// issues on the client's behalf. Zero means no bound.
	QueryTimeout time.Duration
	// Tracing enables frame-level debug logging.
	Tracing bool

	Logger *slog.Logger
}

// Session wires one client connection's Machine together with the shared,
// process-wide collaborators: the permissions Store (one per database,
// shared across connections) and the feature flag set (read-mostly,
// snapshotted once at connection start).
type Session struct {
	ID     string
	Logger *slog.Logger

	machine *injector.Machine
}

// New constructs a Session for one accepted connection.
func New(cfg Config, client, server injector.Conn) *Session {
	logger := cfg.Logger.With(slog.String("session", cfg.ID))

	machine := injector.NewMachine(client, server, cfg.Rules, cfg.Flags.Snapshot(), cfg.Electrified, logger)
	machine.SetQueryTimeout(cfg.QueryTimeout)
	machine.SetTracing(cfg.Tracing)

	return &Session{
		ID:      cfg.ID,
		Logger:  logger,
		machine: machine,
	}
}

// Run drives the session's injector until the client disconnects or a
// fatal error occurs.
func (s *Session) Run(ctx context.Context) error {
	s.Logger.Info("session started")
	err := s.machine.Run(ctx)
	if err != nil {
		s.Logger.Error("session ended", slog.String("error", err.Error()))
	} else {
		s.Logger.Info("session ended")
	}
	return err
}
