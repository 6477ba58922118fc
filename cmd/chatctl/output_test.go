package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaviloBreno/chat-laravel-angular/clients/go/chat"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
)

func TestFormatEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   events.Event
		want []string
	}{
		{
			name: "message",
			ev:   events.MessagePayload{ID: 3, UserID: 1, Body: "hi", User: &events.UserSummary{Name: "Alice"}},
			want: []string{"09:30:00", "message.sent", "#3 Alice: hi"},
		},
		{
			name: "edited message without user",
			ev:   events.MessagePayload{ID: 3, UserID: 7, Body: "hey", Edited: true},
			want: []string{"message.updated", "user 7: hey"},
		},
		{
			name: "typing stopped",
			ev:   events.TypingPayload{User: events.UserSummary{Name: "Bob"}, Stopped: true},
			want: []string{"typing.stopped", "Bob stopped typing"},
		},
		{
			name: "deleted",
			ev:   events.MessageDeletedPayload{MessageID: 9},
			want: []string{"#9 deleted"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatEvent("private-conversation.1", tt.ev, at)
			for _, w := range tt.want {
				assert.Contains(t, line, w)
			}
		})
	}
}

func TestFormatPresence(t *testing.T) {
	assert.Contains(t, formatPresence(nil, nil), "nobody online")

	line := formatPresence(
		[]chat.Member{{ID: 1, Name: "Alice"}, {ID: 2, Name: "Bob"}},
		[]chat.TypingUser{{ID: 2, Name: "Bob"}},
	)
	assert.Contains(t, line, "Alice, Bob…")
}

func TestFormatHealthOrdersChecks(t *testing.T) {
	h := &chat.HealthResponse{Status: "degraded", Version: "1.0.0"}
	require.NoError(t, jsonUnmarshal(`{"redis":{"status":"skip"},"database":{"status":"fail","message":"down"}}`, &h.Checks))

	out := formatHealth(h)

	assert.Contains(t, out, "degraded")
	assert.Less(t, indexOf(out, "database"), indexOf(out, "redis"))
	assert.Contains(t, out, "down")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []bool
	err  error
}

func (s *recordingSender) SendTyping(_ context.Context, _ int64, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, typing)
	return s.err
}

func TestTypeForRefreshesThenStops(t *testing.T) {
	s := &recordingSender{}

	require.NoError(t, typeFor(context.Background(), s, 1, 130*time.Millisecond, 100*time.Millisecond))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.sent), 3)
	assert.True(t, s.sent[0])
	assert.False(t, s.sent[len(s.sent)-1])
}

func TestTypeForStopsWhenCancelled(t *testing.T) {
	s := &recordingSender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, typeFor(ctx, s, 1, time.Hour, time.Second))

	assert.Equal(t, []bool{true, false}, s.sent)
}

func TestTypeForStartFailure(t *testing.T) {
	s := &recordingSender{err: errors.New("unauthorized")}

	err := typeFor(context.Background(), s, 1, time.Second, time.Second)

	assert.Error(t, err)
	assert.Equal(t, []bool{true}, s.sent)
}

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }

func indexOf(s, sub string) int { return strings.Index(s, sub) }
