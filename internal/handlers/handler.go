package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/eldtechnologies/groupchat/internal/models"
	"github.com/eldtechnologies/groupchat/internal/registry"
	"github.com/eldtechnologies/groupchat/internal/store"
	"github.com/eldtechnologies/groupchat/internal/supervisor"
)

// PresenceStore reads the presence snapshot written by a chat engine.
type PresenceStore interface {
	Ping(ctx context.Context) error
	GetPresence(ctx context.Context) (*models.Presence, error)
}

// StatusProvider reports the admin supervisor's state.
type StatusProvider interface {
	Status() supervisor.Status
}

// EngineInfo exposes an engine running in this process.
type EngineInfo interface {
	ID() uuid.UUID
	Registry() *registry.Registry
}

// Deps are the optional collaborators of a Handler. Leave a field nil when
// the component is not configured.
type Deps struct {
	Events     store.EventStore
	Presence   PresenceStore
	Supervisor StatusProvider
	Engine     EngineInfo
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	events     store.EventStore
	presence   PresenceStore
	supervisor StatusProvider
	engine     EngineInfo
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		events:     d.Events,
		presence:   d.Presence,
		supervisor: d.Supervisor,
		engine:     d.Engine,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
