package models

import "time"

// Event kinds recorded by the supervisor.
const (
	EventManagerConnected    = "manager_connected"
	EventManagerBlocked      = "manager_blocked"
	EventAuthSucceeded       = "auth_succeeded"
	EventAuthFailed          = "auth_failed"
	EventEngineStarted       = "engine_started"
	EventEngineStopped       = "engine_stopped"
	EventManagerDisconnected = "manager_disconnected"
)

// Event is one entry of the supervisor's audit log.
type Event struct {
	ID         string    `json:"id"` // ULID
	Kind       string    `json:"kind"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
