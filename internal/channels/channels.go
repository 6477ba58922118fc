// Package channels names broadcast scopes and decides who may subscribe to them.
package channels

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the three channel families by their name prefix.
type Kind int

const (
	KindUser Kind = iota + 1
	KindConversation
	KindPresence
)

const (
	userPrefix         = "private-user."
	conversationPrefix = "private-conversation."
	presencePrefix     = "presence-conversation."
)

// ErrMalformedChannel is returned when a channel name does not match any known family.
var ErrMalformedChannel = errors.New("malformed channel name")

// Channel is a parsed channel name.
type Channel struct {
	Kind Kind
	ID   int64
}

// User returns the personal notification channel of a user.
func User(userID int64) string {
	return userPrefix + strconv.FormatInt(userID, 10)
}

// Conversation returns the private channel of a conversation.
func Conversation(conversationID int64) string {
	return conversationPrefix + strconv.FormatInt(conversationID, 10)
}

// Presence returns the presence channel of a conversation.
func Presence(conversationID int64) string {
	return presencePrefix + strconv.FormatInt(conversationID, 10)
}

// Parse splits a channel name into its family and id.
func Parse(name string) (Channel, error) {
	var (
		kind Kind
		rest string
	)
	switch {
	case strings.HasPrefix(name, userPrefix):
		kind, rest = KindUser, name[len(userPrefix):]
	case strings.HasPrefix(name, conversationPrefix):
		kind, rest = KindConversation, name[len(conversationPrefix):]
	case strings.HasPrefix(name, presencePrefix):
		kind, rest = KindPresence, name[len(presencePrefix):]
	default:
		return Channel{}, fmt.Errorf("%w: %q", ErrMalformedChannel, name)
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != rest {
		return Channel{}, fmt.Errorf("%w: %q", ErrMalformedChannel, name)
	}
	return Channel{Kind: kind, ID: id}, nil
}

// IsPresence reports whether name belongs to the presence family.
func IsPresence(name string) bool {
	return strings.HasPrefix(name, presencePrefix)
}

// String renders the channel back to its wire name.
func (c Channel) String() string {
	switch c.Kind {
	case KindUser:
		return User(c.ID)
	case KindConversation:
		return Conversation(c.ID)
	case KindPresence:
		return Presence(c.ID)
	}
	return ""
}
