package handlers

import (
	"net/http"

	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

// QueueStats reports the Redis fan-out queue depth.
type QueueStats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Totals store.Counts `json:"totals"`
	Hub    *hub.Stats   `json:"hub,omitempty"`
	Queue  *QueueStats  `json:"queue,omitempty"`
}

// Stats returns table counts, live hub counts and the queue backlog.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.store.Counts(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count records")
		return
	}

	resp := StatsResponse{Totals: *counts}

	if h.hub != nil {
		s := h.hub.Stats()
		resp.Hub = &s
	}

	if h.redis != nil && h.queue != "" {
		ready, delayed, err := h.redis.QueueDepth(ctx, h.queue)
		if err != nil {
			// Non-fatal, the counts are still useful
			h.logger.Warn().Err(err).Msg("queue depth unavailable")
		} else {
			resp.Queue = &QueueStats{Ready: ready, Delayed: delayed}
		}
	}

	h.JSON(w, http.StatusOK, resp)
}
