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
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a pushed realtime event
type EventType string

const (
	EventMessageNew      EventType = "message.new"
	EventMessageStatus   EventType = "message.status"
	EventMessageReaction EventType = "message.reaction"
	EventMessageEdit     EventType = "message.edit"
	EventMessageDelete   EventType = "message.delete"
	EventPresence        EventType = "presence"
	EventTyping          EventType = "typing"
)

// Event is the envelope pushed to clients and stored for backfill.
// Conversation-scoped events carry the conversation's Seq; presence and
// typing are unsequenced (Seq == 0). Exactly one payload field is set,
// matching Type.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Seq            int64           `json:"seq,omitempty"`
	At             time.Time       `json:"at"`
	Message        *Message        `json:"message,omitempty"`
	Status         *StatusChange   `json:"status,omitempty"`
	Reaction       *ReactionChange `json:"reaction,omitempty"`
	Edit           *EditChange     `json:"edit,omitempty"`
	Delete         *DeleteChange   `json:"delete,omitempty"`
	Presence       *Presence       `json:"presence,omitempty"`
	Typing         *TypingChange   `json:"typing,omitempty"`
}

// StatusChange reports receipts upgraded for one recipient
type StatusChange struct {
	MessageIDs  []string       `json:"message_ids"`
	RecipientID string         `json:"recipient_id"`
	Status      DeliveryStatus `json:"status"`
	At          time.Time      `json:"at"`
}

// ReactionChange states the resulting presence of a reaction triple
type ReactionChange struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Present   bool   `json:"present"`
}

type EditChange struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type DeleteChange struct {
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// TypingChange marks a user typing in ConversationID; an empty id clears it
type TypingChange struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
}

// Validate checks that the payload matching Type is present
func (e *Event) Validate() error {
	var ok bool
	switch e.Type {
	case EventMessageNew:
		ok = e.Message != nil && e.Message.ID != ""
	case EventMessageStatus:
		ok = e.Status != nil && len(e.Status.MessageIDs) > 0
	case EventMessageReaction:
		ok = e.Reaction != nil && e.Reaction.MessageID != "" && e.Reaction.Emoji != ""
	case EventMessageEdit:
		ok = e.Edit != nil && e.Edit.MessageID != ""
	case EventMessageDelete:
		ok = e.Delete != nil && e.Delete.MessageID != ""
	case EventPresence:
		ok = e.Presence != nil && e.Presence.UserID != ""
	case EventTyping:
		ok = e.Typing != nil && e.Typing.UserID != ""
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("event %s: missing payload", e.Type)
	}
	return nil
}

// DecodeEvent parses and validates a single event frame
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// PushNotification is queued for recipients that may be offline
type PushNotification struct {
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}
