package engine

import (
	"context"
	"time"

	"github.com/eldtechnologies/groupchat/internal/models"
)

const presenceWriteTimeout = 2 * time.Second

func (s *Server) notifyPresence() {
	if s.presence == nil {
		return
	}
	select {
	case s.presenceKick <- struct{}{}:
	default:
	}
}

// presenceLoop mirrors the registry into the presence store, coalescing
// bursts of changes into one write.
func (s *Server) presenceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.presenceKick:
			s.writePresence(ctx)
		}
	}
}

func (s *Server) writePresence(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceWriteTimeout)
	defer cancel()

	names := s.registry.Names()
	p := &models.Presence{
		EngineID:   s.id.String(),
		Population: len(names),
		Members:    names,
	}
	if err := s.presence.SetPresence(ctx, p); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence")
	}
}
