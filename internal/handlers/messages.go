package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

const maxBodyChars = 5000

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Body string          `json:"body" validate:"required,max=5000"`
	Type string          `json:"type" validate:"omitempty,oneof=text file system"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// UpdateMessageRequest represents the edit message request.
type UpdateMessageRequest struct {
	Body string `json:"body" validate:"required,max=5000"`
}

// PostMessage stores a message and queues message.sent.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	convID, ok := h.memberConversation(w, r, user)
	if !ok {
		return
	}

	var req PostMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Body = sanitizeText(req.Body, maxBodyChars)
	if req.Body == "" {
		h.Error(w, http.StatusUnprocessableEntity, "body is required")
		return
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if len(req.Meta) > 0 && !json.Valid(req.Meta) {
		h.Error(w, http.StatusBadRequest, "meta must be valid JSON")
		return
	}

	msg, err := h.store.CreateMessage(r.Context(), convID, user.ID, req.Body, req.Type, req.Meta)
	if err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", convID).Msg("create message failed")
		h.Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	metrics.MessagesPosted.WithLabelValues("sent").Inc()

	h.dispatch(r.Context(), events.MessageSent, fanout.JobData{
		MessageID:      msg.ID,
		ConversationID: convID,
		SenderID:       user.ID,
	})

	msg.User = user
	h.JSON(w, http.StatusCreated, msg)
}

// UpdateMessage edits the body of the caller's own message and queues
// message.updated.
func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	msg, ok := h.ownMessage(w, r, user)
	if !ok {
		return
	}

	var req UpdateMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Body = sanitizeText(req.Body, maxBodyChars)
	if req.Body == "" {
		h.Error(w, http.StatusUnprocessableEntity, "body is required")
		return
	}

	updated, err := h.store.UpdateMessage(r.Context(), msg.ID, req.Body)
	if err != nil {
		h.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("update message failed")
		h.Error(w, http.StatusInternalServerError, "failed to update message")
		return
	}
	if updated == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	metrics.MessagesPosted.WithLabelValues("updated").Inc()

	h.dispatch(r.Context(), events.MessageUpdated, fanout.JobData{
		MessageID:      updated.ID,
		ConversationID: updated.ConversationID,
		SenderID:       user.ID,
	})

	updated.User = user
	h.JSON(w, http.StatusOK, updated)
}

// DeleteMessage deletes the caller's own message and queues message.deleted.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	msg, ok := h.ownMessage(w, r, user)
	if !ok {
		return
	}

	deleted, err := h.store.DeleteMessage(r.Context(), msg.ID)
	if err != nil {
		h.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("delete message failed")
		h.Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	if !deleted {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	metrics.MessagesPosted.WithLabelValues("deleted").Inc()

	h.dispatch(r.Context(), events.MessageDeleted, fanout.JobData{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       user.ID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// ownMessage loads the message named by the URL and checks the caller wrote it.
func (h *Handler) ownMessage(w http.ResponseWriter, r *http.Request, user *models.User) (*models.Message, bool) {
	msgID, ok := idParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid message ID")
		return nil, false
	}
	msg, err := h.store.GetMessage(r.Context(), msgID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, false
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return nil, false
	}
	if msg.UserID != user.ID {
		h.Error(w, http.StatusForbidden, "only the author can change this message")
		return nil, false
	}
	return msg, true
}
