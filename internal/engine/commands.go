package engine

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/groupchat/internal/metrics"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/registry"
)

const whitespace = " \t\r\n\v\f"

// nextToken splits off the first whitespace-delimited token of s.
func nextToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, whitespace)
	if i := strings.IndexAny(s, whitespace); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

// commandName returns the token following the leading slash.
func commandName(payload string) string {
	name, _ := nextToken(strings.TrimPrefix(payload, "/"))
	return name
}

// whisperArgs parses "/w <name> <message>". The message is the rest of the
// first line after the name.
func whisperArgs(payload string) (receiver, message string, ok bool) {
	_, rest := nextToken(strings.TrimPrefix(payload, "/"))
	receiver, rest = nextToken(rest)

	message = strings.TrimLeft(rest, whitespace)
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	if receiver == "" || message == "" {
		return "", "", false
	}
	return receiver, message, true
}

// usernameArgs parses "/u <name>". Exactly one argument is accepted.
func usernameArgs(payload string) (name string, ok bool) {
	_, rest := nextToken(strings.TrimPrefix(payload, "/"))
	name, rest = nextToken(rest)
	if name == "" || strings.TrimLeft(rest, whitespace) != "" {
		return "", false
	}
	return name, true
}

func commandLabel(name string) string {
	switch name {
	case "h", "ul", "u", "w":
		return name
	default:
		return "unknown"
	}
}

// dispatch handles one payload from sess.
func (s *Server) dispatch(sess *registry.Session, payload string, logger zerolog.Logger) {
	if !strings.HasPrefix(payload, "/") {
		s.broadcast(sess, payload, logger)
		return
	}

	name := commandName(payload)
	metrics.CommandsTotal.WithLabelValues(commandLabel(name)).Inc()
	logger.Debug().Str("command", name).Msg("command received")

	switch name {
	case "h":
		s.reply(sess, protocol.CommandList, logger)
	case "ul":
		s.sendUserList(sess, logger)
	case "u":
		s.setUsername(sess, payload, logger)
	case "w":
		s.whisper(sess, payload, logger)
	default:
		s.reply(sess, protocol.CommandNotFound, logger)
	}
}

// broadcast sends "[All] <sender>: <message>" to every other session.
func (s *Server) broadcast(sender *registry.Session, message string, logger zerolog.Logger) {
	members := s.registry.Snapshot()

	senderName := ""
	for _, m := range members {
		if m.Session == sender {
			senderName = m.Name
			break
		}
	}
	text := "[All] " + senderName + ": " + message

	delivered := 0
	for _, m := range members {
		if m.Session == sender {
			continue
		}
		if s.deliver(m.Session, text, logger) {
			delivered++
		}
	}
	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	logger.Debug().Int("recipients", delivered).Msg("broadcast delivered")
}

func (s *Server) sendUserList(sess *registry.Session, logger zerolog.Logger) {
	var b strings.Builder
	b.WriteString(protocol.UserListHeader)
	s.registry.ForEach(func(m registry.Member) {
		b.WriteString(m.Name)
		if m.Session == sess {
			b.WriteString(protocol.YouSuffix)
		}
		b.WriteByte('\n')
	})
	s.reply(sess, b.String(), logger)
}

func (s *Server) setUsername(sess *registry.Session, payload string, logger zerolog.Logger) {
	name, ok := usernameArgs(payload)
	if !ok {
		s.reply(sess, protocol.InvalidNumArgs, logger)
		return
	}

	old, _ := s.registry.Name(sess.Slot())
	err := s.registry.Rename(sess.Slot(), name)
	switch {
	case errors.Is(err, registry.ErrNameTooLong):
		s.reply(sess, protocol.UsernameTooLong, logger)
	case errors.Is(err, registry.ErrNameTaken):
		s.reply(sess, protocol.UsernameFailure, logger)
	case err != nil:
		logger.Warn().Err(err).Msg("rename failed")
	default:
		logger.Info().Str("from", old).Str("to", name).Msg("username changed")
		s.notifyPresence()
		s.reply(sess, protocol.UsernameSuccess+name+".\n", logger)
	}
}

func (s *Server) whisper(sess *registry.Session, payload string, logger zerolog.Logger) {
	receiver, message, ok := whisperArgs(payload)
	if !ok {
		s.reply(sess, protocol.InvalidNumArgs, logger)
		return
	}

	target, found := s.registry.FindByName(receiver)
	if !found {
		s.reply(sess, protocol.InvalidReceiver, logger)
		return
	}
	senderName, _ := s.registry.Name(sess.Slot())

	if target.Session == sess {
		metrics.MessagesTotal.WithLabelValues("note").Inc()
		s.reply(sess, "[Note] "+senderName+": "+message, logger)
		return
	}

	metrics.MessagesTotal.WithLabelValues("direct").Inc()
	s.deliver(target.Session, "[Direct] "+senderName+": "+message, logger)
}
