package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/TaviloBreno/chat-laravel-angular/clients/go/chat"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	eventStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("32"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// formatEvent renders one decoded event as a single line.
func formatEvent(channel string, ev events.Event, at time.Time) string {
	var body string
	switch p := ev.(type) {
	case events.MessagePayload:
		who := fmt.Sprintf("user %d", p.UserID)
		if p.User != nil {
			who = p.User.Name
		}
		body = fmt.Sprintf("#%d %s: %s", p.ID, who, p.Body)
	case events.MessageDeletedPayload:
		body = fmt.Sprintf("#%d deleted", p.MessageID)
	case events.TypingPayload:
		state := "started typing"
		if p.Stopped {
			state = "stopped typing"
		}
		body = p.User.Name + " " + state
	case events.UserTypingPayload:
		body = fmt.Sprintf("%s typing=%t", p.User.Name, p.IsTyping)
	case events.ParticipantsUpdatedPayload:
		body = fmt.Sprintf("%s %s (%d participants)", p.User.Name, p.Action, len(p.Participants))
	case events.ConversationCreatedPayload:
		title := p.Conversation.Title
		if title == "" {
			title = p.Conversation.Type
		}
		body = fmt.Sprintf("conversation %d created: %s", p.Conversation.ID, title)
	default:
		body = ev.EventName()
	}
	return fmt.Sprintf("%s %s %s %s",
		metaStyle.Render(at.Format("15:04:05")),
		eventStyle.Render(ev.EventName()),
		metaStyle.Render(channel),
		body)
}

// formatPresence lists members, marking who is typing.
func formatPresence(members []chat.Member, typing []chat.TypingUser) string {
	busy := make(map[int64]bool, len(typing))
	for _, u := range typing {
		busy[u.ID] = true
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		name := m.Name
		if busy[m.ID] {
			name += "…"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return metaStyle.Render("nobody online")
	}
	return "online: " + strings.Join(names, ", ")
}

// formatHealth renders a health report, one check per line in name order.
func formatHealth(h *chat.HealthResponse) string {
	var b strings.Builder
	status := okStyle.Render(h.Status)
	if h.Status != "healthy" {
		status = failStyle.Render(h.Status)
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("chat "+h.Version), status)

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := h.Checks[name]
		st := okStyle.Render(c.Status)
		if c.Status == "fail" {
			st = failStyle.Render(c.Status)
		}
		line := fmt.Sprintf("  %-10s %s", name, st)
		if c.Latency != "" {
			line += " " + metaStyle.Render(c.Latency)
		}
		if c.Message != "" {
			line += " " + metaStyle.Render(c.Message)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
