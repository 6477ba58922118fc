package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// APIClient calls the HTTP API with a bearer token. It implements
// TypingSender.
type APIClient struct {
	BaseURL    string
	Tokens     TokenProvider
	HTTPClient *http.Client
}

func NewAPIClient(baseURL string, tokens TokenProvider) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// HealthResponse is the subset of /health the client reads.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Instance string `json:"instance"`
	Checks   map[string]struct {
		Status  string `json:"status"`
		Latency string `json:"latency"`
		Message string `json:"message"`
	} `json:"checks"`
}

// Health returns the server health report. A degraded server answers 503,
// which is returned as the report rather than an error.
func (c *APIClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && resp.Status != "" {
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateConversation opens a direct or group conversation with userIDs.
func (c *APIClient) CreateConversation(ctx context.Context, kind, title string, userIDs []int64) (*models.Conversation, error) {
	body := map[string]any{"type": kind, "title": title, "user_ids": userIDs}
	var conv models.Conversation
	if err := c.doRequest(ctx, http.MethodPost, "/conversations", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *APIClient) PostMessage(ctx context.Context, conversationID int64, text string) (*models.Message, error) {
	var msg models.Message
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"body": text}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendTyping posts the start or stop action for the local user.
func (c *APIClient) SendTyping(ctx context.Context, conversationID int64, typing bool) error {
	action := "stop"
	if typing {
		action = "start"
	}
	path := fmt.Sprintf("/conversations/%d/typing", conversationID)
	return c.doRequest(ctx, http.MethodPost, path, map[string]string{"action": action}, nil)
}

// doRequest sends body as JSON and decodes the response into out when set.
// Error responses are still decoded into out so callers can inspect them.
func (c *APIClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Tokens != nil {
		if token := c.Tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	return nil
}
