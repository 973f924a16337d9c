package supervisor

import (
	"fmt"

	"github.com/eldtechnologies/groupchat/internal/protocol"
)

// State is where a manager connection is in its lifecycle.
type State int

const (
	AwaitingConnection State = iota
	Authenticating
	Authenticated
	Disconnected // terminal
	AuthFailed   // terminal
)

func (s State) String() string {
	switch s {
	case AwaitingConnection:
		return "awaiting_connection"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Disconnected:
		return "disconnected"
	case AuthFailed:
		return "auth_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Disconnected || s == AuthFailed
}

// authSession tracks passkey attempts for one manager connection.
type authSession struct {
	state        State
	attemptsUsed int
	maxAttempts  int
}

func newAuthSession(maxAttempts int) *authSession {
	return &authSession{state: Authenticating, maxAttempts: maxAttempts}
}

// attempt applies one passkey check and returns the replies to send, in
// order. After the last failed attempt the session is AuthFailed and the
// replies end with the closing notice.
func (a *authSession) attempt(matched bool) []string {
	if a.state != Authenticating {
		return nil
	}
	if matched {
		a.state = Authenticated
		return []string{protocol.PasskeyMatched}
	}

	a.attemptsUsed++
	replies := []string{fmt.Sprintf(protocol.IncorrectPasskeyFormat, a.maxAttempts-a.attemptsUsed)}
	if a.attemptsUsed >= a.maxAttempts {
		a.state = AuthFailed
		replies = append(replies, protocol.AuthFailed)
	}
	return replies
}

// disconnect marks the peer as gone unless the session already ended.
func (a *authSession) disconnect() {
	if !a.state.Terminal() {
		a.state = Disconnected
	}
}
