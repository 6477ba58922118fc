package handlers

import (
	"net/http"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// AddParticipantRequest represents the add participant request.
type AddParticipantRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Role   string `json:"role" validate:"omitempty,oneof=admin member"`
}

// AddParticipant adds a user to a group conversation and queues
// participants.updated.
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	convID, ok := h.memberConversation(w, r, user)
	if !ok {
		return
	}

	var req AddParticipantRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
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
	if conv.Type != models.ConversationGroup {
		h.Error(w, http.StatusUnprocessableEntity, "participants can only be added to group conversations")
		return
	}
	if conv.Member(req.UserID) {
		h.Error(w, http.StatusConflict, "user is already a participant")
		return
	}

	target, err := h.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if target == nil {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	if err := h.store.AddParticipant(r.Context(), convID, target.ID, req.Role); err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", convID).Int64("user_id", target.ID).Msg("add participant failed")
		h.Error(w, http.StatusInternalServerError, "failed to add participant")
		return
	}

	h.dispatch(r.Context(), events.ParticipantsUpdated, fanout.JobData{
		ConversationID: convID,
		UserID:         target.ID,
		Action:         events.ActionAdded,
	})

	h.JSON(w, http.StatusCreated, models.Participant{User: *target, Role: req.Role})
}

// RemoveParticipant removes a user from a conversation. Members may remove
// themselves; removing someone else needs the owner or an admin.
func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	convID, ok := h.memberConversation(w, r, user)
	if !ok {
		return
	}
	targetID, ok := idParam(r, "userID")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	if targetID != user.ID {
		conv, err := h.store.GetConversation(r.Context(), convID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if conv == nil || !canManage(conv, user.ID) {
			h.Error(w, http.StatusForbidden, "only the owner or an admin can remove participants")
			return
		}
	}

	removed, err := h.store.RemoveParticipant(r.Context(), convID, targetID)
	if err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", convID).Int64("user_id", targetID).Msg("remove participant failed")
		h.Error(w, http.StatusInternalServerError, "failed to remove participant")
		return
	}
	if !removed {
		h.Error(w, http.StatusNotFound, "participant not found")
		return
	}

	h.dispatch(r.Context(), events.ParticipantsUpdated, fanout.JobData{
		ConversationID: convID,
		UserID:         targetID,
		Action:         events.ActionRemoved,
	})

	w.WriteHeader(http.StatusNoContent)
}

func canManage(c *models.Conversation, userID int64) bool {
	if c.OwnerID == userID {
		return true
	}
	for _, p := range c.Users {
		if p.ID == userID {
			return p.Role == models.RoleOwner || p.Role == models.RoleAdmin
		}
	}
	return false
}
