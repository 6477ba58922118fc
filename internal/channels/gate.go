package channels

import (
	"context"
	"errors"

	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// MembershipChecker looks up conversation membership in the persistence layer.
type MembershipChecker interface {
	IsConversationMember(ctx context.Context, conversationID, userID int64) (bool, error)
}

// Identity is the member payload published on presence channels.
type Identity struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	AvatarURL    string `json:"avatar_url"`
	StatusOnline bool   `json:"status_online"`
}

// IdentityOf builds the presence payload of a user.
func IdentityOf(u *models.User) Identity {
	return Identity{
		ID:           u.ID,
		Name:         u.Name,
		AvatarURL:    u.AvatarURL,
		StatusOnline: u.StatusOnline,
	}
}

// Decision is the outcome of an authorization check. Identity is only set for
// allowed presence subscriptions.
type Decision struct {
	Allowed  bool
	Identity *Identity
}

// Denied is the one and only negative decision.
var Denied = Decision{}

// Gate authorizes channel subscriptions.
type Gate struct {
	members MembershipChecker
}

// NewGate creates a gate backed by the given membership lookup.
func NewGate(members MembershipChecker) *Gate {
	return &Gate{members: members}
}

// Authorize decides whether principal may subscribe to channel. A missing
// conversation, a non-member and a malformed name all yield Denied with a nil
// error; only lookup failures are returned as errors.
func (g *Gate) Authorize(ctx context.Context, principal *models.User, channel string) (Decision, error) {
	if principal == nil {
		return Denied, nil
	}

	ch, err := Parse(channel)
	if err != nil {
		if errors.Is(err, ErrMalformedChannel) {
			return Denied, nil
		}
		return Denied, err
	}

	switch ch.Kind {
	case KindUser:
		if principal.ID == ch.ID {
			return Decision{Allowed: true}, nil
		}
		return Denied, nil

	case KindConversation, KindPresence:
		ok, err := g.members.IsConversationMember(ctx, ch.ID, principal.ID)
		if err != nil {
			return Denied, err
		}
		if !ok {
			return Denied, nil
		}
		if ch.Kind == KindPresence {
			id := IdentityOf(principal)
			return Decision{Allowed: true, Identity: &id}, nil
		}
		return Decision{Allowed: true}, nil
	}

	return Denied, nil
}
