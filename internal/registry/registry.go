// Package registry holds the fixed-capacity table of connected chat sessions.
//
// Every read or write that spans more than one slot, and every assign,
// release or rename, happens under a single mutex. No network I/O is done
// while that mutex is held: callers take a Snapshot and send afterwards.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/eldtechnologies/groupchat/internal/crypto"
)

const (
	// Capacity is the maximum number of concurrent sessions.
	Capacity = 32

	// MaxNameLength is the maximum display name length in bytes.
	MaxNameLength = 15
)

var (
	ErrFull        = errors.New("registry is full")
	ErrNameTaken   = errors.New("name already taken")
	ErrNameTooLong = errors.New("name too long")
	ErrNotFound    = errors.New("session not found")
)

// Member is a read-only view of an active slot.
type Member struct {
	Slot    int
	Name    string
	Session *Session
}

// Registry is the shared table of active sessions.
type Registry struct {
	mu    sync.Mutex
	slots [Capacity]*Session
	count int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// TryAssign places conn in the first empty slot and names it ClientN, where
// N is the slot number. If another session already renamed itself to that,
// the next free ClientN above Capacity is used.
// It returns ErrFull when every slot is taken; the caller still owns conn
// in that case.
func (r *Registry) TryAssign(conn net.Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i] != nil {
			continue
		}
		s := &Session{
			ID:   crypto.NewUUIDv7(),
			conn: conn,
			slot: i,
			name: r.freeDefaultName(i),
		}
		r.slots[i] = s
		r.count++
		return s, nil
	}
	return nil, ErrFull
}

// Release frees slot and returns the session that held it.
func (r *Registry) Release(slot int) (*Session, bool) {
	if slot < 0 || slot >= Capacity {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slots[slot]
	if s == nil {
		return nil, false
	}
	r.slots[slot] = nil
	r.count--
	return s, true
}

// ForEach calls fn for every active slot in slot order while holding the
// lock. fn must not block or call back into the registry.
func (r *Registry) ForEach(fn func(Member)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s != nil {
			fn(Member{Slot: i, Name: s.name, Session: s})
		}
	}
}

// Snapshot returns the active slots in slot order.
func (r *Registry) Snapshot() []Member {
	members := make([]Member, 0, Capacity)
	r.ForEach(func(m Member) {
		members = append(members, m)
	})
	return members
}

// Names returns the display names of all active sessions in slot order.
func (r *Registry) Names() []string {
	names := make([]string, 0, Capacity)
	r.ForEach(func(m Member) {
		names = append(names, m.Name)
	})
	return names
}

// FindByConnection returns the slot serving conn.
func (r *Registry) FindByConnection(conn net.Conn) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s != nil && s.conn == conn {
			return i, true
		}
	}
	return -1, false
}

// FindByName returns the active session displaying name. Matching is
// case-sensitive.
func (r *Registry) FindByName(name string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s != nil && s.name == name {
			return Member{Slot: i, Name: s.name, Session: s}, true
		}
	}
	return Member{}, false
}

// Name returns the display name of slot.
func (r *Registry) Name(slot int) (string, bool) {
	if slot < 0 || slot >= Capacity {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.slots[slot]; s != nil {
		return s.name, true
	}
	return "", false
}

// Rename sets the display name of slot. The uniqueness check and the write
// happen under one lock acquisition so two renames cannot both claim a name.
func (r *Registry) Rename(slot int, name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	if slot < 0 || slot >= Capacity {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.slots[slot]
	if target == nil {
		return ErrNotFound
	}
	for i, s := range r.slots {
		if s != nil && i != slot && s.name == name {
			return ErrNameTaken
		}
	}
	target.name = name
	return nil
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Drain empties the registry and returns every session that was active.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, r.count)
	for i, s := range r.slots {
		if s != nil {
			sessions = append(sessions, s)
			r.slots[i] = nil
		}
	}
	r.count = 0
	return sessions
}

// freeDefaultName must be called with r.mu held.
func (r *Registry) freeDefaultName(slot int) string {
	name := defaultName(slot)
	for n := Capacity + 1; r.nameInUse(name); n++ {
		name = fmt.Sprintf("Client%d", n)
	}
	return name
}

func (r *Registry) nameInUse(name string) bool {
	for _, s := range r.slots {
		if s != nil && s.name == name {
			return true
		}
	}
	return false
}

func defaultName(slot int) string {
	return fmt.Sprintf("Client%d", slot+1)
}
