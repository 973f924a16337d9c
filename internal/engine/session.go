package engine

import (
	"errors"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/groupchat/internal/metrics"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/registry"
)

// serveSession reads frames from one client until it goes away. It is the
// only path that frees a slot once the worker has started.
func (s *Server) serveSession(sess *registry.Session) {
	defer s.workers.Done()

	logger := s.logger.With().
		Str("session_id", sess.ID.String()).
		Int("slot", sess.Slot()).
		Str("remote_addr", sess.RemoteAddr()).
		Logger()
	defer s.teardown(sess, logger)

	var limiter *rate.Limiter
	if s.cfg.MessageRate > 0 {
		limiter = rate.NewLimiter(s.cfg.MessageRate, s.cfg.MessageBurst)
	}

	for {
		frame, err := protocol.ReadFrame(sess.Conn(), s.cfg.BufferSize)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				metrics.FramesRejected.WithLabelValues("too_large").Inc()
				logger.Warn().Err(err).Msg("buffer too small for incoming message, closing")
			case errors.Is(err, protocol.ErrPeerClosed), errors.Is(err, net.ErrClosed):
			default:
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		logger.Debug().
			Uint8("version", frame.Version).
			Int("size", len(frame.Payload)).
			Msg("rcv header")

		if frame.Version != protocol.Version {
			metrics.FramesRejected.WithLabelValues("version").Inc()
			logger.Warn().Uint8("version", frame.Version).Msg("ignoring frame with unknown version")
			continue
		}
		if len(frame.Payload) == 0 {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			metrics.FramesRejected.WithLabelValues("rate_limited").Inc()
			s.reply(sess, protocol.RateLimited, logger)
			continue
		}

		s.dispatch(sess, frame.Text(), logger)
	}
}

// teardown closes the session and frees its slot.
func (s *Server) teardown(sess *registry.Session, logger zerolog.Logger) {
	name, _ := s.registry.Name(sess.Slot())
	sess.Close()

	if _, ok := s.registry.Release(sess.Slot()); !ok {
		// Already drained by shutdown.
		return
	}
	s.populationChanged()

	logger.Info().
		Str("name", name).
		Int("population", s.registry.Count()).
		Msg("client left the chat")
}

// reply sends text to the session that issued a request. A failed reply
// closes the connection so the worker's next read tears the session down.
func (s *Server) reply(sess *registry.Session, text string, logger zerolog.Logger) {
	if err := sess.Send(text, s.cfg.WriteTimeout); err != nil {
		metrics.SendFailures.Inc()
		logger.Warn().Err(err).Msg("reply failed, closing session")
		sess.Close()
	}
}

// deliver sends text to another session. Failures are logged only; the
// recipient's own worker notices a dead connection on its next read.
func (s *Server) deliver(to *registry.Session, text string, logger zerolog.Logger) bool {
	if err := to.Send(text, s.cfg.WriteTimeout); err != nil {
		metrics.SendFailures.Inc()
		logger.Warn().
			Err(err).
			Int("recipient_slot", to.Slot()).
			Msg("error sending message to client")
		return false
	}
	return true
}
