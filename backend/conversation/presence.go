// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package conversation

import (
	"slices"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// FreshnessWindow bounds how long an online flag or typing marker is
// trusted without a refresh.
const FreshnessWindow = 5 * time.Minute

type presenceEntry struct {
	online   bool
	lastSeen time.Time
	typingIn string
	typingAt time.Time
}

// PresenceTracker keeps ephemeral per-user presence. Updates are
// last-write-wins by timestamp and unrelated to message order.
type PresenceTracker struct {
	mu    sync.RWMutex
	clock Clock
	users map[string]*presenceEntry
}

func NewPresenceTracker(clock Clock) *PresenceTracker {
	if clock == nil {
		clock = SystemClock
	}
	return &PresenceTracker{
		clock: clock,
		users: make(map[string]*presenceEntry),
	}
}

func (p *PresenceTracker) entry(userID string) *presenceEntry {
	e, ok := p.users[userID]
	if !ok {
		e = &presenceEntry{}
		p.users[userID] = e
	}
	return e
}

// SetPresence records an update unless a newer one is already held.
// Going offline clears the typing marker.
func (p *PresenceTracker) SetPresence(userID string, online bool, lastSeen time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entry(userID)
	if lastSeen.Before(e.lastSeen) {
		return false
	}
	e.online = online
	e.lastSeen = lastSeen
	if !online {
		e.typingIn = ""
		e.typingAt = time.Time{}
	}
	return true
}

// SetTyping marks userID typing in conversationID; "" clears the marker
func (p *PresenceTracker) SetTyping(userID, conversationID string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entry(userID)
	if at.Before(e.typingAt) {
		return false
	}
	e.typingIn = conversationID
	e.typingAt = at
	return true
}

func (p *PresenceTracker) fresh(t time.Time) bool {
	return !t.IsZero() && p.clock.Now().Sub(t) <= FreshnessWindow
}

// IsOnline requires both the flag and a recent last-seen
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.users[userID]
	return ok && e.online && p.fresh(e.lastSeen)
}

func (p *PresenceTracker) Presence(userID string) (models.Presence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.users[userID]
	if !ok {
		return models.Presence{UserID: userID}, false
	}
	return models.Presence{
		UserID:   userID,
		Online:   e.online && p.fresh(e.lastSeen),
		LastSeen: e.lastSeen,
	}, true
}

func (p *PresenceTracker) IsTyping(userID, conversationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.users[userID]
	return ok && conversationID != "" && e.typingIn == conversationID && p.fresh(e.typingAt)
}

// TypingIn lists users with a fresh marker for exactly this conversation
func (p *PresenceTracker) TypingIn(conversationID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var users []string
	for id, e := range p.users {
		if conversationID != "" && e.typingIn == conversationID && p.fresh(e.typingAt) {
			users = append(users, id)
		}
	}
	slices.Sort(users)
	return users
}
