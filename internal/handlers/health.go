package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

const (
	checkPass = "pass"
	checkFail = "fail"
	checkSkip = "skip"
)

// Check is one dependency result in the health report.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"` // healthy | degraded
	Version   string           `json:"version"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint. Optional dependencies that are
// not configured are reported as skipped and do not degrade the status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var db, cache Pinger
	if h.store != nil {
		db = h.store
	}
	if h.redis != nil {
		cache = h.redis
	}
	checks := map[string]Check{
		"database": h.ping(ctx, db, checkFail),
		"redis":    h.ping(ctx, cache, checkSkip),
		"nats":     h.natsCheck(),
	}

	resp := HealthResponse{Status: "healthy", Version: version, Checks: checks}
	code := http.StatusOK
	for _, c := range checks {
		if c.Status == checkFail {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	resp.Instance, _ = os.Hostname()
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	h.JSON(w, code, resp)
}

// ping checks p. A nil dependency reports absent as its status.
func (h *Handler) ping(ctx context.Context, p Pinger, absent string) Check {
	if p == nil {
		return Check{Status: absent, Message: "not configured"}
	}
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health check failed")
		return Check{Status: checkFail, Message: "connection failed"}
	}
	return Check{Status: checkPass, Latency: time.Since(start).String()}
}

func (h *Handler) natsCheck() Check {
	switch {
	case h.nats == nil:
		return Check{Status: checkSkip, Message: "not configured"}
	case h.nats.IsConnected():
		return Check{Status: checkPass}
	default:
		return Check{Status: checkFail, Message: "disconnected"}
	}
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Transport string   `json:"transport"`
	Channels  []string `json:"channels"`
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:      "chat-realtime",
		Version:   version,
		Transport: "/ws",
		Channels: []string{
			"private-user.{id}",
			"private-conversation.{id}",
			"presence-conversation.{id}",
		},
	})
}
