package handlers

import (
	"net/http"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// CreateConversationRequest represents the conversation creation request.
type CreateConversationRequest struct {
	Type    string  `json:"type" validate:"required,oneof=direct group"`
	Title   string  `json:"title" validate:"max=255"`
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,max=100,dive,gt=0"`
}

// CreateConversation creates a conversation owned by the caller and queues
// conversation.created for every member.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Title = sanitizeText(req.Title, 255)

	members := make([]int64, 0, len(req.UserIDs))
	seen := map[int64]bool{user.ID: true}
	for _, id := range req.UserIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) == 0 {
		h.Error(w, http.StatusUnprocessableEntity, "a conversation needs at least one other member")
		return
	}
	if req.Type == models.ConversationDirect && len(members) != 1 {
		h.Error(w, http.StatusUnprocessableEntity, "direct conversations have exactly one other member")
		return
	}
	if req.Type == models.ConversationGroup && req.Title == "" {
		h.Error(w, http.StatusUnprocessableEntity, "title is required for group conversations")
		return
	}

	for _, id := range members {
		u, err := h.store.GetUser(r.Context(), id)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if u == nil {
			h.Error(w, http.StatusUnprocessableEntity, "unknown user in user_ids")
			return
		}
	}

	conv, err := h.store.CreateConversation(r.Context(), user.ID, req.Type, req.Title, members)
	if err != nil {
		h.logger.Error().Err(err).Int64("owner_id", user.ID).Msg("create conversation failed")
		h.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	h.dispatch(r.Context(), events.ConversationCreated, fanout.JobData{
		ConversationID: conv.ID,
		OwnerID:        user.ID,
	})

	full, err := h.store.GetConversation(r.Context(), conv.ID)
	if err != nil || full == nil {
		full = conv
	}
	h.JSON(w, http.StatusCreated, full)
}

// GetConversation returns a conversation with its participants.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	convID, ok := h.memberConversation(w, r, user)
	if !ok {
		return
	}

	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conv == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	h.JSON(w, http.StatusOK, conv)
}
