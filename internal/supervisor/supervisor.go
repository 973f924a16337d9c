// Package supervisor implements the admin control plane: it authenticates
// one manager connection at a time and starts or stops the chat engine on
// its behalf, relaying population updates back to it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/groupchat/internal/crypto"
	"github.com/eldtechnologies/groupchat/internal/metrics"
	"github.com/eldtechnologies/groupchat/internal/models"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/sidechannel"
)

const (
	DefaultMaxAttempts = 3

	defaultWriteTimeout = 5 * time.Second
	defaultStopTimeout  = 5 * time.Second
	auditTimeout        = 2 * time.Second
	acceptRetryDelay    = 50 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)

// Config controls a supervisor.
type Config struct {
	Addr         string
	EngineAddr   string
	Passkey      *crypto.Passkey // required
	MaxAttempts  int
	BufferSize   int
	WriteTimeout time.Duration
	StopTimeout  time.Duration // grace period before an engine is killed
}

// AuditLog records supervisor events.
type AuditLog interface {
	RecordEvent(ctx context.Context, event *models.Event) error
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State            string     `json:"state"`
	ManagerConnected bool       `json:"manager_connected"`
	ManagerAddr      string     `json:"manager_addr,omitempty"`
	EngineRunning    bool       `json:"engine_running"`
	EnginePid        int        `json:"engine_pid,omitempty"`
	EngineAddr       string     `json:"engine_addr"`
	EngineStartedAt  *time.Time `json:"engine_started_at,omitempty"`
	Population       int        `json:"population"`
}

// Supervisor is the admin server.
type Supervisor struct {
	cfg      Config
	logger   zerolog.Logger
	launcher Launcher
	audit    AuditLog
	guard    *Guard

	mu     sync.RWMutex
	status Status
}

// Option configures optional collaborators of a Supervisor.
type Option func(*Supervisor)

// WithAudit records lifecycle events to log.
func WithAudit(log AuditLog) Option {
	return func(s *Supervisor) {
		s.audit = log
	}
}

// WithGuard screens manager IPs with g.
func WithGuard(g *Guard) Option {
	return func(s *Supervisor) {
		s.guard = g
	}
}

// New creates a supervisor that starts engines with launcher.
func New(cfg Config, launcher Launcher, logger zerolog.Logger, opts ...Option) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > protocol.MaxPayload {
		cfg.BufferSize = protocol.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		launcher: launcher,
		status: Status{
			State:      AwaitingConnection.String(),
			EngineAddr: cfg.EngineAddr,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Supervisor) updateStatus(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Supervisor) setState(state State) {
	s.updateStatus(func(st *Status) {
		st.State = state.String()
	})
}

// Run binds the configured address and serves until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles manager connections from ln one at a time until ctx is
// done. Connections arriving while a manager is being served wait in the
// listen backlog. Serve takes ownership of ln.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()
	defer ln.Close()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("engine_addr", s.cfg.EngineAddr).
		Msg("admin supervisor listening")

	for {
		s.setState(AwaitingConnection)

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
		s.serveManager(ctx, conn)
	}
}

// serveManager runs one manager connection to completion. Any engine it
// started is stopped before it returns.
func (s *Supervisor) serveManager(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	ip := hostOf(conn.RemoteAddr())
	logger := s.logger.With().Str("remote_addr", remote).Logger()

	if !s.guard.Allowed(ctx, ip) {
		metrics.AdminAuthTotal.WithLabelValues("blocked").Inc()
		logger.Warn().
			Str("type", "security").
			Str("event", "blocked_manager").
			Msg("blocked IP attempted to connect")
		s.record(models.EventManagerBlocked, remote, "refused")
		conn.Close()
		return
	}

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	logger.Info().Msg("manager connected")
	s.record(models.EventManagerConnected, remote, "")
	s.updateStatus(func(st *Status) {
		st.ManagerConnected = true
		st.ManagerAddr = remote
	})
	defer s.updateStatus(func(st *Status) {
		st.ManagerConnected = false
		st.ManagerAddr = ""
	})

	auth := newAuthSession(s.cfg.MaxAttempts)
	s.setState(auth.state)

	if !s.authenticate(conn, auth, logger) {
		s.setState(auth.state)
		if auth.state == AuthFailed {
			metrics.AdminAuthTotal.WithLabelValues("exhausted").Inc()
			logger.Warn().
				Str("type", "security").
				Str("event", "auth_exhausted").
				Int("attempts", auth.attemptsUsed).
				Msg("manager failed authentication")
			s.record(models.EventAuthFailed, remote, fmt.Sprintf("%d attempts", auth.attemptsUsed))

			gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
			if s.guard.RecordFailure(gctx, ip) {
				s.record(models.EventManagerBlocked, remote, "auto-blocked")
			}
			cancel()
		} else {
			logger.Info().Msg("manager left before authenticating")
			s.record(models.EventManagerDisconnected, remote, "during authentication")
		}
		return
	}

	s.setState(Authenticated)
	logger.Info().Msg("manager authenticated")
	s.record(models.EventAuthSucceeded, remote, "")

	s.control(ctx, conn, logger)

	s.setState(Disconnected)
	logger.Info().Msg("manager disconnected")
	s.record(models.EventManagerDisconnected, remote, "")
}

// authenticate reads passkey frames until the session is authenticated,
// fails, or the peer goes away.
func (s *Supervisor) authenticate(conn net.Conn, auth *authSession, logger zerolog.Logger) bool {
	for auth.state == Authenticating {
		frame, err := protocol.ReadFrame(conn, s.cfg.BufferSize)
		if err != nil {
			if !errors.Is(err, protocol.ErrPeerClosed) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("read passkey failed")
			}
			auth.disconnect()
			return false
		}
		if frame.Version != protocol.Version {
			metrics.FramesRejected.WithLabelValues("version").Inc()
			logger.Warn().Uint8("version", frame.Version).Msg("ignoring frame with unknown version")
			continue
		}

		err = s.cfg.Passkey.Verify(frame.Text())
		matched := err == nil
		if matched {
			metrics.AdminAuthTotal.WithLabelValues("success").Inc()
		} else {
			metrics.AdminAuthTotal.WithLabelValues("failure").Inc()
			logger.Warn().
				Str("type", "security").
				Str("event", "auth_failed").
				Int("attempt", auth.attemptsUsed+1).
				Msg("incorrect passkey")
		}

		for _, reply := range auth.attempt(matched) {
			if err := s.send(conn, reply); err != nil {
				logger.Debug().Err(err).Msg("reply failed")
				auth.disconnect()
				return false
			}
		}
	}
	return auth.state == Authenticated
}

type frameResult struct {
	frame protocol.Frame
	err   error
}

// engineRun is a started engine plus the read side of its side channel.
type engineRun struct {
	engine     *Engine
	population *os.File
	counts     chan int
	quit       chan struct{}
}

// control serves an authenticated manager until it disconnects or ctx is
// done. The loop owns the connection's write side and the engine handle.
func (s *Supervisor) control(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	quit := make(chan struct{})
	defer close(quit)

	frames := make(chan frameResult)
	go func() {
		for {
			frame, err := protocol.ReadFrame(conn, s.cfg.BufferSize)
			select {
			case frames <- frameResult{frame: frame, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var run *engineRun
	defer func() {
		if run != nil {
			s.stopEngine(run, logger)
		}
	}()

	for {
		var counts <-chan int
		var exited <-chan struct{}
		if run != nil {
			counts = run.counts
			exited = run.engine.Done()
		}

		select {
		case <-ctx.Done():
			return

		case res := <-frames:
			if res.err != nil {
				if !errors.Is(res.err, protocol.ErrPeerClosed) && !errors.Is(res.err, net.ErrClosed) {
					logger.Warn().Err(res.err).Msg("manager read failed")
				}
				return
			}
			if res.frame.Version != protocol.Version {
				metrics.FramesRejected.WithLabelValues("version").Inc()
				logger.Warn().Uint8("version", res.frame.Version).Msg("ignoring frame with unknown version")
				continue
			}
			cmd := res.frame.Text()
			switch {
			case cmd == protocol.CommandStart && run == nil:
				if err := s.send(conn, protocol.EngineStarted); err != nil {
					logger.Debug().Err(err).Msg("reply failed")
					return
				}
				run = s.startEngine(ctx, conn, logger)

			case cmd == protocol.CommandStop && run != nil:
				s.stopEngine(run, logger)
				run = nil
				if err := s.send(conn, protocol.EngineStopped); err != nil {
					logger.Debug().Err(err).Msg("reply failed")
					return
				}

			case cmd == protocol.CommandStart:
				logger.Info().Err(ErrAlreadyRunning).Msg("ignoring start command")
			case cmd == protocol.CommandStop:
				logger.Info().Err(ErrNotRunning).Msg("ignoring stop command")
			default:
				logger.Info().Str("command", cmd).Msg("unknown command")
			}

		case n, ok := <-counts:
			if !ok {
				run.counts = nil
				continue
			}
			metrics.RelayedPopulation.Set(float64(n))
			s.updateStatus(func(st *Status) {
				st.Population = n
			})
			if err := s.send(conn, fmt.Sprintf(protocol.PopulationFormat, n)); err != nil {
				logger.Debug().Err(err).Msg("relay failed")
				return
			}

		case <-exited:
			logger.Warn().
				Err(run.engine.Err()).
				Int("pid", run.engine.Pid()).
				Msg("engine exited unexpectedly")
			s.releaseEngine(run)
			s.record(models.EventEngineStopped, conn.RemoteAddr().String(), "exited")
			run = nil
		}
	}
}

// startEngine launches an engine with a fresh side channel. It returns nil
// if the launch failed.
func (s *Supervisor) startEngine(ctx context.Context, conn net.Conn, logger zerolog.Logger) *engineRun {
	r, w, err := os.Pipe()
	if err != nil {
		logger.Error().Err(err).Msg("failed to create side channel")
		return nil
	}

	eng, err := s.launcher.Launch(ctx, EngineSpec{
		Addr:       s.cfg.EngineAddr,
		Manager:    conn,
		Population: w,
	})
	if err != nil {
		r.Close()
		logger.Error().Err(err).Msg("failed to start chat engine")
		return nil
	}

	run := &engineRun{
		engine:     eng,
		population: r,
		counts:     make(chan int),
		quit:       make(chan struct{}),
	}
	go relayPopulation(run)

	now := time.Now().UTC()
	metrics.EngineStarts.Inc()
	metrics.EngineRunning.Set(1)
	s.updateStatus(func(st *Status) {
		st.EngineRunning = true
		st.EnginePid = eng.Pid()
		st.EngineStartedAt = &now
		st.Population = 0
	})

	logger.Info().
		Int("pid", eng.Pid()).
		Str("engine_addr", s.cfg.EngineAddr).
		Msg("group chat server started")
	s.record(models.EventEngineStarted, conn.RemoteAddr().String(), fmt.Sprintf("pid %d", eng.Pid()))
	return run
}

// stopEngine terminates run and waits for it to exit.
func (s *Supervisor) stopEngine(run *engineRun, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()

	if err := run.engine.Stop(ctx); err != nil {
		logger.Debug().Err(err).Int("pid", run.engine.Pid()).Msg("engine exit status")
	}
	s.releaseEngine(run)

	logger.Info().Int("pid", run.engine.Pid()).Msg("group chat server stopped")
	s.record(models.EventEngineStopped, "", fmt.Sprintf("pid %d", run.engine.Pid()))
}

func (s *Supervisor) releaseEngine(run *engineRun) {
	close(run.quit)
	run.population.Close()

	metrics.EngineRunning.Set(0)
	metrics.RelayedPopulation.Set(0)
	s.updateStatus(func(st *Status) {
		st.EngineRunning = false
		st.EnginePid = 0
		st.EngineStartedAt = nil
		st.Population = 0
	})
}

// relayPopulation forwards side-channel records to the control loop until
// the channel closes or the run is released.
func relayPopulation(run *engineRun) {
	defer close(run.counts)
	for {
		n, err := sidechannel.ReadCount(run.population)
		if err != nil {
			return
		}
		select {
		case run.counts <- n:
		case <-run.quit:
			return
		}
	}
}

// send writes one reply frame to the manager.
func (s *Supervisor) send(conn net.Conn, text string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return protocol.WriteText(conn, text)
}

func (s *Supervisor) record(kind, remote, detail string) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	event := &models.Event{Kind: kind, RemoteAddr: remote, Detail: detail}
	if err := s.audit.RecordEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", kind).Msg("failed to record event")
	}
}
