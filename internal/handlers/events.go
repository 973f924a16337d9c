package handlers

import (
	"net/http"
	"strconv"

	"github.com/eldtechnologies/groupchat/internal/models"
)

// EventsResponse is the audit log listing.
type EventsResponse struct {
	Events       []models.Event `json:"events"`
	Total        int64          `json:"total"`
	AuthFailures int64          `json:"auth_failures"`
}

// Events lists recent supervisor events, newest first.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.Error(w, http.StatusNotFound, "event store not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx := r.Context()
	events, err := h.events.RecentEvents(ctx, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	total, err := h.events.CountEvents(ctx, "")
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count events")
		return
	}
	failures, err := h.events.CountEvents(ctx, models.EventAuthFailed)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count events")
		return
	}

	h.JSON(w, http.StatusOK, EventsResponse{Events: events, Total: total, AuthFailures: failures})
}
