package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/groupchat/internal/models"
	"github.com/eldtechnologies/groupchat/internal/registry"
	"github.com/eldtechnologies/groupchat/internal/supervisor"
)

// EngineStats describes an engine served from this process.
type EngineStats struct {
	ID         string   `json:"id"`
	Population int      `json:"population"`
	Capacity   int      `json:"capacity"`
	Members    []string `json:"members"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Supervisor    *supervisor.Status `json:"supervisor,omitempty"`
	EngineUptime  string             `json:"engine_uptime,omitempty"`
	Engine        *EngineStats       `json:"engine,omitempty"`
	Presence      *models.Presence   `json:"presence,omitempty"`
	PresenceError string             `json:"presence_error,omitempty"`
}

// Stats reports supervisor state, the local engine's registry and the last
// presence snapshot, whichever are available.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse

	if h.supervisor != nil {
		st := h.supervisor.Status()
		resp.Supervisor = &st
		if st.EngineStartedAt != nil {
			resp.EngineUptime = formatTimeAgo(*st.EngineStartedAt)
		}
	}

	if h.engine != nil {
		names := h.engine.Registry().Names()
		resp.Engine = &EngineStats{
			ID:         h.engine.ID().String(),
			Population: len(names),
			Capacity:   registry.Capacity,
			Members:    names,
		}
	}

	if h.presence != nil {
		p, err := h.presence.GetPresence(r.Context())
		if err != nil {
			// Non-fatal, report what we have
			resp.PresenceError = "presence unavailable"
		}
		resp.Presence = p
	}

	h.JSON(w, http.StatusOK, resp)
}

// formatTimeAgo formats a start time as a human-readable "since X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return strconv.Itoa(mins) + " minutes ago"
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	default:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return strconv.Itoa(days) + " days ago"
	}
}
