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

package models

import (
	"time"
)

// Conversation is a direct message space between two users.
// User1ID is always the lexically smaller id.
type Conversation struct {
	ID            string     `json:"id"`
	User1ID       string     `json:"user1_id"`
	User2ID       string     `json:"user2_id"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastSeq       int64      `json:"last_seq"`
	Peer          *Profile   `json:"peer,omitempty"`
	UnreadCount   int        `json:"unread_count"`
}

// Profile holds the display fields denormalised onto a conversation
type Profile struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// HasParticipant reports whether userID is one of the two users
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// PeerOf returns the other participant, or "" when userID is not a member
func (c *Conversation) PeerOf(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// OrderUsers returns the pair in storage order
func OrderUsers(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
