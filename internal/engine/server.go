// Package engine implements the chat server: it accepts client connections,
// assigns each one a registry slot and serves it from its own goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/groupchat/internal/crypto"
	"github.com/eldtechnologies/groupchat/internal/metrics"
	"github.com/eldtechnologies/groupchat/internal/models"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/registry"
	"github.com/eldtechnologies/groupchat/internal/sidechannel"
)

const (
	defaultWriteTimeout = 5 * time.Second
	acceptRetryDelay    = 50 * time.Millisecond
)

// Config controls a chat engine.
type Config struct {
	Addr         string
	BufferSize   int           // receive capacity; frames declaring >= this are rejected
	WriteTimeout time.Duration // per-frame send deadline
	MessageRate  rate.Limit    // per-session payloads per second; zero disables
	MessageBurst int
}

// PresenceStore receives snapshots of who is connected.
type PresenceStore interface {
	SetPresence(ctx context.Context, p *models.Presence) error
}

// Server is the chat engine.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	id       uuid.UUID
	registry *registry.Registry

	populationOut io.Writer
	population    *sidechannel.Publisher
	presence      PresenceStore
	presenceKick  chan struct{}
	manager       net.Conn

	workers sync.WaitGroup
}

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithPopulationChannel publishes the population count to w on every change.
func WithPopulationChannel(w io.Writer) Option {
	return func(s *Server) {
		s.populationOut = w
	}
}

// WithManager hands the engine the supervisor's manager connection. The
// engine never reads from it; it keeps the handle open for its lifetime and
// closes its copy on exit.
func WithManager(conn net.Conn) Option {
	return func(s *Server) {
		s.manager = conn
	}
}

// WithPresence mirrors population and member names into store.
func WithPresence(store PresenceStore) Option {
	return func(s *Server) {
		s.presence = store
	}
}

// New creates a chat engine.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.BufferSize <= 0 || cfg.BufferSize > protocol.MaxPayload {
		cfg.BufferSize = protocol.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MessageBurst < 1 {
		cfg.MessageBurst = 1
	}

	s := &Server{
		cfg:          cfg,
		id:           crypto.NewUUIDv7(),
		registry:     registry.New(),
		presenceKick: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With().
		Str("component", "engine").
		Str("engine_id", s.id.String()).
		Logger()
	if s.populationOut != nil {
		s.population = sidechannel.NewPublisher(s.populationOut, s.registry.Count, s.logger)
	}
	return s
}

// Registry exposes the session table for inspection.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// ID returns the engine instance ID.
func (s *Server) ID() uuid.UUID {
	return s.id
}

// Run binds the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then tells every
// session the server is going offline, closes them and waits for their
// workers to exit. Serve takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("capacity", registry.Capacity).
		Msg("chat engine listening")

	g, gctx := errgroup.WithContext(ctx)

	if s.population != nil {
		g.Go(func() error {
			// A broken side channel only loses status updates.
			_ = s.population.Run(gctx)
			return nil
		})
	}
	if s.presence != nil {
		g.Go(func() error {
			s.presenceLoop(gctx)
			return nil
		})
		s.notifyPresence()
	}

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.shutdown()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.admit(conn)
	}
}

// admit assigns conn a slot, greets it and starts its worker.
func (s *Server) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	sess, err := s.registry.TryAssign(conn)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected_full").Inc()
		s.logger.Warn().
			Str("remote_addr", remote).
			Msg("server full, rejecting connection")
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := protocol.WriteText(conn, protocol.ServerFull); err != nil {
			s.logger.Debug().Err(err).Msg("error sending rejection message")
		}
		conn.Close()
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("assigned").Inc()
	s.populationChanged()

	name, _ := s.registry.Name(sess.Slot())
	population := s.registry.Count()
	s.logger.Info().
		Str("remote_addr", remote).
		Str("session_id", sess.ID.String()).
		Str("name", name).
		Str("population", fmt.Sprintf("%d/%d", population, registry.Capacity)).
		Msg("new connection")

	welcome := protocol.WelcomePrefix + name + "!\n\n"
	for _, text := range []string{welcome, protocol.CommandList} {
		if err := sess.Send(text, s.cfg.WriteTimeout); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("error sending welcome")
			sess.Close()
			if _, ok := s.registry.Release(sess.Slot()); ok {
				s.populationChanged()
			}
			return
		}
	}

	s.workers.Add(1)
	go s.serveSession(sess)
}

// shutdown runs once the accept loop has stopped.
func (s *Server) shutdown() {
	sessions := s.registry.Drain()
	for _, sess := range sessions {
		if err := sess.Send(protocol.ShutdownMessage, s.cfg.WriteTimeout); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sess.ID.String()).Msg("error sending shutdown message")
		}
		sess.Close()
	}
	s.workers.Wait()
	metrics.Population.Set(0)

	if s.presence != nil {
		s.writePresence(context.Background())
	}
	if s.manager != nil {
		s.manager.Close()
	}

	s.logger.Info().Int("disconnected", len(sessions)).Msg("chat engine stopped")
}

func (s *Server) populationChanged() {
	metrics.Population.Set(float64(s.registry.Count()))
	s.population.Notify()
	s.notifyPresence()
}
