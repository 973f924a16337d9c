package registry

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/groupchat/internal/protocol"
)

// Session is one connected client. The registry owns it; workers only
// reference it.
type Session struct {
	ID uuid.UUID

	conn net.Conn
	slot int
	name string // guarded by Registry.mu

	writeMu sync.Mutex
}

// Slot returns the index of the session in the registry.
func (s *Session) Slot() int {
	return s.slot
}

// Conn returns the underlying connection.
func (s *Session) Conn() net.Conn {
	return s.conn
}

// RemoteAddr returns the peer address as a string.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes text as a single frame. Concurrent senders are serialized so
// frames never interleave on the wire. A zero timeout means no deadline.
func (s *Session) Send(text string, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteText(s.conn, text)
}

// Close closes the connection, unblocking any pending read.
func (s *Session) Close() error {
	return s.conn.Close()
}
