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

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	// PresenceTTL is how long a presence record survives without a heartbeat
	PresenceTTL = 5 * time.Minute
	// TypingTTL expires a typing marker whose clear was lost. It outlasts
	// the client's refresh interval so a live marker never lapses.
	TypingTTL = 6 * time.Minute

	presencePrefix = "dm:presence:" // dm:presence:{userId} - JSON presence record
	typingPrefix   = "dm:typing:"   // dm:typing:{userId} - conversation the user is typing in
	connsPrefix    = "dm:conns:"    // dm:conns:{userId} - open websocket count
)

type presenceRecord struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceStore tracks online state across server instances
type PresenceStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewPresenceStore(rdb *redis.Client) *PresenceStore {
	return &PresenceStore{rdb: rdb, now: time.Now}
}

func (s *PresenceStore) write(ctx context.Context, userID string, online bool) (models.Presence, error) {
	p := models.Presence{UserID: userID, Online: online, LastSeen: s.now().UTC()}
	data, err := json.Marshal(presenceRecord{Online: p.Online, LastSeen: p.LastSeen})
	if err != nil {
		return p, err
	}
	// offline records are kept longer so "last seen" stays available
	ttl := PresenceTTL
	if !online {
		ttl = 30 * 24 * time.Hour
	}
	if err := s.rdb.Set(ctx, presencePrefix+userID, data, ttl).Err(); err != nil {
		return p, fmt.Errorf("failed to store presence: %w", err)
	}
	return p, nil
}

// Connect counts a new connection. changed is true for the first one.
func (s *PresenceStore) Connect(ctx context.Context, userID string) (models.Presence, bool, error) {
	n, err := s.rdb.Incr(ctx, connsPrefix+userID).Result()
	if err != nil {
		return models.Presence{}, false, fmt.Errorf("failed to count connection: %w", err)
	}
	s.rdb.Expire(ctx, connsPrefix+userID, 24*time.Hour)
	p, err := s.write(ctx, userID, true)
	return p, n == 1, err
}

// Disconnect drops a connection. changed is true when it was the last one.
func (s *PresenceStore) Disconnect(ctx context.Context, userID string) (models.Presence, bool, error) {
	n, err := s.rdb.Decr(ctx, connsPrefix+userID).Result()
	if err != nil {
		return models.Presence{}, false, fmt.Errorf("failed to count connection: %w", err)
	}
	if n > 0 {
		p, err := s.write(ctx, userID, true)
		return p, false, err
	}
	s.rdb.Del(ctx, connsPrefix+userID, typingPrefix+userID)
	p, err := s.write(ctx, userID, false)
	return p, true, err
}

// Touch refreshes last-seen on heartbeat
func (s *PresenceStore) Touch(ctx context.Context, userID string) error {
	_, err := s.write(ctx, userID, true)
	return err
}

func (s *PresenceStore) Get(ctx context.Context, userID string) (models.Presence, error) {
	data, err := s.rdb.Get(ctx, presencePrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Presence{UserID: userID}, nil
	}
	if err != nil {
		return models.Presence{}, fmt.Errorf("failed to get presence: %w", err)
	}
	var rec presenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Presence{}, fmt.Errorf("corrupt presence for %s: %w", userID, err)
	}
	return models.Presence{UserID: userID, Online: rec.Online, LastSeen: rec.LastSeen}, nil
}

// SetTyping stores the conversation a user is typing in; "" clears it
func (s *PresenceStore) SetTyping(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return s.rdb.Del(ctx, typingPrefix+userID).Err()
	}
	return s.rdb.Set(ctx, typingPrefix+userID, conversationID, TypingTTL).Err()
}

// Typing returns the conversation the user is typing in, if any
func (s *PresenceStore) Typing(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, typingPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}
