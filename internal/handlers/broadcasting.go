package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
)

// BroadcastAuthRequest is the subscription auth request sent by Pusher-style clients.
type BroadcastAuthRequest struct {
	SocketID    string `json:"socket_id" validate:"required,max=128"`
	ChannelName string `json:"channel_name" validate:"required,max=200"`
}

// BroadcastAuthResponse carries the signed subscription grant.
type BroadcastAuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

type presenceChannelData struct {
	UserID   int64             `json:"user_id"`
	UserInfo channels.Identity `json:"user_info"`
}

// BroadcastingAuth signs a channel subscription after the gate allows it.
func (h *Handler) BroadcastingAuth(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req BroadcastAuthRequest
	if !h.decode(w, r, &req) {
		return
	}

	decision, err := h.gate.Authorize(r.Context(), user, req.ChannelName)
	if err != nil {
		metrics.HubSubscriptions.WithLabelValues("error").Inc()
		h.logger.Error().Err(err).Str("channel", req.ChannelName).Msg("channel authorization failed")
		h.Error(w, http.StatusInternalServerError, "authorization unavailable")
		return
	}
	if !decision.Allowed {
		metrics.HubSubscriptions.WithLabelValues("denied").Inc()
		h.Error(w, http.StatusForbidden, "forbidden")
		return
	}

	var channelData string
	if decision.Identity != nil {
		b, err := json.Marshal(presenceChannelData{UserID: user.ID, UserInfo: *decision.Identity})
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to encode channel data")
			return
		}
		channelData = string(b)
	}

	h.JSON(w, http.StatusOK, BroadcastAuthResponse{
		Auth:        h.signer.Sign(req.SocketID, req.ChannelName, channelData),
		ChannelData: channelData,
	})
}
