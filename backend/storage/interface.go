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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type ConversationStore interface {
	// CreateConversation returns ErrConflict when the pair already has one
	CreateConversation(ctx context.Context, conv models.Conversation) error
	// FindConversation returns nil, nil when the two users have none
	FindConversation(ctx context.Context, user1ID, user2ID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// Display fields shown to the other participant
	UpsertProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

type MessageStore interface {
	// InsertMessage stores m with the next sequence number of its
	// conversation, a "sent" receipt for recipientID and the matching
	// message.new event. A message with the same (conversation, sender,
	// client id) is returned unchanged with created == false.
	InsertMessage(ctx context.Context, m *models.Message, recipientID string) (ev *models.Event, created bool, err error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error)
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]models.Message, error)
	EditMessage(ctx context.Context, messageID, content string, editedAt time.Time) (*models.Event, error)
	DeleteMessage(ctx context.Context, messageID string, at time.Time) (*models.Event, error)
}

type ReceiptStore interface {
	// UpgradeReceipts moves the receipts of recipientID forward to status
	// and returns one message.status event per conversation that changed.
	UpgradeReceipts(ctx context.Context, recipientID string, messageIDs []string, status models.DeliveryStatus, at time.Time) ([]models.Event, error)
	GetReceipts(ctx context.Context, conversationID string) ([]models.Receipt, error)
}

type ReactionStore interface {
	// SetReaction returns a nil event when nothing changed
	SetReaction(ctx context.Context, conversationID string, r models.Reaction, present bool) (*models.Event, error)
	GetReactions(ctx context.Context, conversationID string) ([]models.Reaction, error)
}

type EventStore interface {
	EventsAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Event, error)
}

type Store interface {
	ConversationStore
	MessageStore
	ReceiptStore
	ReactionStore
	EventStore
}
