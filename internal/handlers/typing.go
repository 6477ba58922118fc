package handlers

import (
	"net/http"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
)

// TypingRequest represents a typing start/stop signal.
type TypingRequest struct {
	Action string `json:"action" validate:"required,oneof=start stop"`
}

// TypingStatusRequest represents the legacy boolean typing signal.
type TypingStatusRequest struct {
	IsTyping *bool `json:"is_typing" validate:"required"`
}

// Typing relays typing.started or typing.stopped on the conversation's
// presence channel. Nothing is stored.
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	convID, ok := h.memberConversation(w, r, user)
	if !ok {
		return
	}

	var req TypingRequest
	if !h.decode(w, r, &req) {
		return
	}

	env, err := events.NewTyping(convID, user, req.Action == "start")
	if err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", convID).Msg("build typing envelope failed")
		h.Error(w, http.StatusInternalServerError, "failed to build event")
		return
	}
	if err := h.bc.Direct(r.Context(), env); err != nil {
		h.Error(w, http.StatusServiceUnavailable, "broadcast unavailable")
		return
	}
	metrics.TypingSignals.WithLabelValues(env.Name()).Inc()

	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TypingStatus relays user.typing on the conversation channel.
func (h *Handler) TypingStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	convID, ok := h.memberConversation(w, r, user)
	if !ok {
		return
	}

	var req TypingStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	env, err := events.NewUserTyping(convID, user, *req.IsTyping)
	if err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", convID).Msg("build typing envelope failed")
		h.Error(w, http.StatusInternalServerError, "failed to build event")
		return
	}
	if err := h.bc.Direct(r.Context(), env); err != nil {
		h.Error(w, http.StatusServiceUnavailable, "broadcast unavailable")
		return
	}
	metrics.TypingSignals.WithLabelValues(env.Name()).Inc()

	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
