package chat

import (
	"sort"
	"sync"

	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
)

// PresenceTracker keeps the member set of every joined conversation's
// presence channel.
type PresenceTracker struct {
	m *Manager

	mu        sync.Mutex
	rooms     map[int64]*room
	observers []func(conversationID int64)
}

type room struct {
	sub *Subscription
	// replaced as a whole on every change, never mutated in place
	members map[int64]Member
}

func NewPresenceTracker(m *Manager) *PresenceTracker {
	return &PresenceTracker{m: m, rooms: make(map[int64]*room)}
}

// OnChange registers fn to run after a conversation's member set changes.
func (p *PresenceTracker) OnChange(fn func(conversationID int64)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Join subscribes to the conversation's presence channel. Joining twice is
// a no-op.
func (p *PresenceTracker) Join(conversationID int64) error {
	p.mu.Lock()
	if _, ok := p.rooms[conversationID]; ok {
		p.mu.Unlock()
		return nil
	}
	r := &room{members: map[int64]Member{}}
	p.rooms[conversationID] = r
	p.mu.Unlock()

	sub, err := p.m.Subscribe(channels.Presence(conversationID), Listener{
		OnSubscribed: func(members []Member) {
			next := make(map[int64]Member, len(members))
			for _, mb := range members {
				next[mb.ID] = mb
			}
			p.update(conversationID, r, func(map[int64]Member) (map[int64]Member, bool) {
				return next, true
			})
		},
		OnMemberAdded: func(mb Member) {
			p.update(conversationID, r, func(cur map[int64]Member) (map[int64]Member, bool) {
				if _, ok := cur[mb.ID]; ok {
					return cur, false
				}
				next := cloneMembers(cur)
				next[mb.ID] = mb
				return next, true
			})
		},
		OnMemberRemoved: func(mb Member) {
			p.update(conversationID, r, func(cur map[int64]Member) (map[int64]Member, bool) {
				if _, ok := cur[mb.ID]; !ok {
					return cur, false
				}
				next := cloneMembers(cur)
				delete(next, mb.ID)
				return next, true
			})
		},
		OnClosed: func() { p.drop(conversationID, r) },
	})
	if err != nil {
		p.mu.Lock()
		if p.rooms[conversationID] == r {
			delete(p.rooms, conversationID)
		}
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.rooms[conversationID] == r {
		r.sub = sub
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	// left while subscribing
	sub.Cancel()
	return nil
}

// Leave unsubscribes and forgets the conversation's members.
func (p *PresenceTracker) Leave(conversationID int64) {
	p.mu.Lock()
	r, ok := p.rooms[conversationID]
	if ok {
		delete(p.rooms, conversationID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if r.sub != nil {
		r.sub.Cancel()
	}
	if len(r.members) > 0 {
		p.notify(conversationID)
	}
}

// IsOnline reports whether userID is in the conversation's member set.
func (p *PresenceTracker) IsOnline(conversationID, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[conversationID]
	if !ok {
		return false
	}
	_, online := r.members[userID]
	return online
}

// Members returns the conversation's members ordered by id.
func (p *PresenceTracker) Members(conversationID int64) []Member {
	p.mu.Lock()
	r, ok := p.rooms[conversationID]
	var set map[int64]Member
	if ok {
		set = r.members
	}
	p.mu.Unlock()

	out := make([]Member, 0, len(set))
	for _, mb := range set {
		out = append(out, mb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *PresenceTracker) update(conversationID int64, r *room, fn func(map[int64]Member) (map[int64]Member, bool)) {
	p.mu.Lock()
	if p.rooms[conversationID] != r {
		p.mu.Unlock()
		return
	}
	next, changed := fn(r.members)
	r.members = next
	p.mu.Unlock()

	if changed {
		p.notify(conversationID)
	}
}

func (p *PresenceTracker) drop(conversationID int64, r *room) {
	p.mu.Lock()
	if p.rooms[conversationID] != r {
		p.mu.Unlock()
		return
	}
	delete(p.rooms, conversationID)
	p.mu.Unlock()
	p.notify(conversationID)
}

func (p *PresenceTracker) notify(conversationID int64) {
	p.mu.Lock()
	obs := p.observers
	p.mu.Unlock()
	for _, fn := range obs {
		fn(conversationID)
	}
}

func cloneMembers(in map[int64]Member) map[int64]Member {
	out := make(map[int64]Member, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
