package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

var validate = validator.New()

// Broadcaster is the part of fanout.Dispatcher the handlers use.
type Broadcaster interface {
	Direct(ctx context.Context, env *events.Envelope) error
	Dispatch(ctx context.Context, eventType string, data fanout.JobData) error
}

// HubStats reports live connection counts. *hub.Hub satisfies it.
type HubStats interface {
	Stats() hub.Stats
}

// Pinger is a dependency the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators of Handler. Redis, NATS and Hub may be nil.
type Deps struct {
	Store       store.DataStore
	Redis       *store.RedisStore
	Queue       string
	NATS        interface{ IsConnected() bool }
	Broadcaster Broadcaster
	Gate        hub.Authorizer
	Signer      *crypto.ChannelSigner
	Hub         HubStats
	Logger      zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	redis  *store.RedisStore
	queue  string
	nats   interface{ IsConnected() bool }
	bc     Broadcaster
	gate   hub.Authorizer
	signer *crypto.ChannelSigner
	hub    HubStats
	logger zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:  d.Store,
		redis:  d.Redis,
		queue:  d.Queue,
		nats:   d.NATS,
		bc:     d.Broadcaster,
		gate:   d.Gate,
		signer: d.Signer,
		hub:    d.Hub,
		logger: d.Logger.With().Str("component", "http").Logger(),
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

// decode reads and validates a JSON body. It writes the error response itself
// and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.Error(w, http.StatusUnprocessableEntity, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return field + " is required"
		case "oneof":
			return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
		case "max":
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		default:
			return fmt.Sprintf("%s is invalid", field)
		}
	}
	return "invalid request"
}

// idParam parses a positive int64 URL parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// memberConversation loads a conversation and checks the user belongs to it.
// Missing conversations and non-members both yield 403 so ids can't be enumerated.
func (h *Handler) memberConversation(w http.ResponseWriter, r *http.Request, user *models.User) (int64, bool) {
	convID, ok := idParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid conversation ID")
		return 0, false
	}
	member, err := h.store.IsConversationMember(r.Context(), convID, user.ID)
	if err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", convID).Msg("membership lookup failed")
		h.Error(w, http.StatusInternalServerError, "database error")
		return 0, false
	}
	if !member {
		h.Error(w, http.StatusForbidden, "not a member of this conversation")
		return 0, false
	}
	return convID, true
}

// dispatch queues a fan-out job. The action already succeeded, so failures are
// logged and never surfaced to the caller.
func (h *Handler) dispatch(ctx context.Context, eventType string, data fanout.JobData) {
	if h.bc == nil {
		return
	}
	if err := h.bc.Dispatch(ctx, eventType, data); err != nil {
		h.logger.Error().Err(err).
			Str("event", eventType).
			Int64("conversation_id", data.ConversationID).
			Int64("message_id", data.MessageID).
			Msg("failed to queue broadcast")
	}
}

// sanitizeText trims and limits text, removing control characters other than newlines.
func sanitizeText(s string, max int) string {
	s = strings.TrimSpace(s)

	s = strings.Map(func(r rune) rune {
		if r != '\n' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	if runes := []rune(s); len(runes) > max {
		s = string(runes[:max])
	}

	return s
}
