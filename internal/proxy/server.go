package proxy

import (
	"context"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/electric-sql/pg-proxy/internal/featureflags"
	"github.com/electric-sql/pg-proxy/internal/permissions"
	"github.com/electric-sql/pg-proxy/internal/session"
)

// Server accepts client connections and, for each, dials the upstream
// PostgreSQL server and hands both sockets to a new session.Session.
type Server struct {
	// Upstream is the upstream PostgreSQL server's "host:port" address.
	Upstream string
	// MaxMessageSize bounds a single frame; zero selects
	// wire.DefaultMaxMessageSize.
	MaxMessageSize int

	// QueryTimeout bounds each synthetic server round trip the injector
	// issues on a client's behalf. Zero means no bound.
	QueryTimeout time.Duration
	// Tracing enables frame-level debug logging on every session.
	Tracing bool

	Rules    *permissions.Store
	Features featureflags.Set
	Logger   *slog.Logger

	dial func(network, address string) (net.Conn, error)
}

// Serve accepts connections on listener until ctx is cancelled, fanning
// in the accept loop and the shutdown watcher with an errgroup the way a
// connection-pump naturally composes two cooperating goroutines.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.Logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			go func() {
				if err := s.handle(ctx, conn); err != nil {
					s.Logger.Error("connection ended with error", slog.String("error", err.Error()))
				}
			}()
		}
	})

	return g.Wait()
}

func (s *Server) dialer() func(network, address string) (net.Conn, error) {
	if s.dial != nil {
		return s.dial
	}
	return net.Dial
}

func (s *Server) handle(ctx context.Context, clientNetConn net.Conn) error {
	defer clientNetConn.Close()

	serverNetConn, err := s.dialer()("tcp", s.Upstream)
	if err != nil {
		return err
	}
	defer serverNetConn.Close()

	client := newFrameConn(clientNetConn, s.MaxMessageSize)
	server := newFrameConn(serverNetConn, s.MaxMessageSize)

	if err := relayStartup(ctx, client, server); err != nil {
		return err
	}

	electrified, err := loadElectrifiedTables(ctx, server)
	if err != nil {
		s.Logger.Warn("could not preload electrified-table registry", slog.String("error", err.Error()))
		electrified = nil
	}

	if rules, found, err := loadGlobalRules(ctx, server); err != nil {
		s.Logger.Warn("could not load persisted permission rules", slog.String("error", err.Error()))
	} else if found {
		s.Rules.Adopt(rules)
	}

	sess := session.New(session.Config{
		ID:           clientNetConn.RemoteAddr().String(),
		Rules:        s.Rules,
		Flags:        s.Features,
		Electrified:  electrified,
		QueryTimeout: s.QueryTimeout,
		Tracing:      s.Tracing,
		Logger:       s.Logger,
	}, client, server)
	return sess.Run(ctx)
}
