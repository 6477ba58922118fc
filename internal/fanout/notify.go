package fanout

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// Notification types carried in push data.
const (
	NotifyNewMessage          = "new_message"
	NotifyNewConversation     = "new_conversation"
	NotifyParticipantsUpdated = "participants_updated"
)

const previewLength = 100

// Notification is a push notification for one recipient.
type Notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Data  NotificationData `json:"data"`
}

type NotificationData struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id,omitempty"`
	Type           string `json:"type"`
}

// Notifier delivers out-of-band notifications.
type Notifier interface {
	Push(ctx context.Context, to *models.User, n Notification) error
	Email(ctx context.Context, to *models.User, m *models.Message) error
}

// OnlineChecker reports whether a user has a live realtime connection.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

type nobodyOnline struct{}

func (nobodyOnline) IsOnline(context.Context, int64) (bool, error) { return false, nil }

// LogNotifier records notifications in the log instead of sending them.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Push(ctx context.Context, to *models.User, note Notification) error {
	n.logger.Info().
		Int64("user_id", to.ID).
		Str("title", note.Title).
		Str("body", note.Body).
		Str("type", note.Data.Type).
		Int64("conversation_id", note.Data.ConversationID).
		Msg("push notification sent")
	return nil
}

func (n *LogNotifier) Email(ctx context.Context, to *models.User, m *models.Message) error {
	n.logger.Info().
		Int64("user_id", to.ID).
		Int64("message_id", m.ID).
		Msg("email notification sent")
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, j *Job) error {
	switch j.EventType {
	case events.MessageSent:
		return d.notifyMessage(ctx, j.Data)
	case events.ConversationCreated:
		return d.notifyConversation(ctx, j.Data)
	case events.ParticipantsUpdated:
		return d.notifyParticipants(ctx, j.Data)
	}
	return fmt.Errorf("%w: no notifications for %q", events.ErrUnknownEvent, j.EventType)
}

// notifyMessage pushes to recipients without a live connection, plus an email
// for those who opted in.
func (d *Dispatcher) notifyMessage(ctx context.Context, data JobData) error {
	m, err := d.source.GetMessage(ctx, data.MessageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", data.MessageID, err)
	}
	if m == nil {
		return fmt.Errorf("message %d: %w", data.MessageID, ErrEntityVanished)
	}
	c, err := d.source.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", m.ConversationID, err)
	}
	if c == nil {
		return fmt.Errorf("conversation %d: %w", m.ConversationID, ErrEntityVanished)
	}

	title := ""
	if m.User != nil {
		title = m.User.Name
	}
	note := Notification{
		Title: title,
		Body:  truncate(m.Body, previewLength),
		Data: NotificationData{
			ConversationID: c.ID,
			MessageID:      m.ID,
			Type:           NotifyNewMessage,
		},
	}

	for i := range c.Users {
		recipient := &c.Users[i].User
		if recipient.ID == m.UserID {
			continue
		}
		online, err := d.online.IsOnline(ctx, recipient.ID)
		if err != nil {
			d.logger.Warn().Err(err).Int64("user_id", recipient.ID).Msg("online check failed, treating as offline")
		}
		if online {
			continue
		}

		d.push(ctx, recipient, note)
		if recipient.EmailNotificationsEnabled {
			if err := d.notifier.Email(ctx, recipient, m); err != nil {
				d.logger.Error().Err(err).Int64("user_id", recipient.ID).Int64("message_id", m.ID).Msg("email notification failed")
			} else {
				metrics.NotificationsSent.WithLabelValues("email").Inc()
			}
		}
	}
	return nil
}

func (d *Dispatcher) notifyConversation(ctx context.Context, data JobData) error {
	c, err := d.source.GetConversation(ctx, data.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", data.ConversationID, err)
	}
	if c == nil {
		return fmt.Errorf("conversation %d: %w", data.ConversationID, ErrEntityVanished)
	}

	ownerName := ""
	if c.Owner != nil {
		ownerName = c.Owner.Name
	}
	note := Notification{
		Title: "New conversation",
		Body:  fmt.Sprintf("%s added you to a new conversation: %s", ownerName, c.Title),
		Data:  NotificationData{ConversationID: c.ID, Type: NotifyNewConversation},
	}

	for i := range c.Users {
		if c.Users[i].ID == c.OwnerID {
			continue
		}
		d.push(ctx, &c.Users[i].User, note)
	}
	return nil
}

func (d *Dispatcher) notifyParticipants(ctx context.Context, data JobData) error {
	c, u, err := d.conversationAndUser(ctx, data)
	if err != nil {
		return err
	}

	body := u.Name + " left the conversation"
	if data.Action == events.ActionAdded {
		body = u.Name + " was added to the conversation"
	}
	note := Notification{
		Title: c.Title,
		Body:  body,
		Data:  NotificationData{ConversationID: c.ID, Type: NotifyParticipantsUpdated},
	}

	for i := range c.Users {
		if c.Users[i].ID == u.ID {
			continue
		}
		d.push(ctx, &c.Users[i].User, note)
	}
	return nil
}

func (d *Dispatcher) push(ctx context.Context, to *models.User, note Notification) {
	if err := d.notifier.Push(ctx, to, note); err != nil {
		d.logger.Error().Err(err).Int64("user_id", to.ID).Str("type", note.Data.Type).Msg("push notification failed")
		return
	}
	metrics.NotificationsSent.WithLabelValues("push").Inc()
}

// truncate shortens s to n runes and marks the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
