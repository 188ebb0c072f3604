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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
)

// UpgradeReceipts only ever raises a status; rows already at or above it
// are left alone
func (s *Store) UpgradeReceipts(ctx context.Context, recipientID string, messageIDs []string, status models.DeliveryStatus, at time.Time) ([]models.Event, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var events []models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE dm_receipts r
			SET status = $3, updated_at = $4
			FROM dm_messages m
			WHERE r.message_id = m.id
			  AND r.recipient_id = $1
			  AND r.message_id = ANY($2)
			  AND r.status < $3
			RETURNING m.conversation_id, r.message_id
		`, recipientID, pq.Array(messageIDs), int(status), at)
		if err != nil {
			return err
		}

		changed := make(map[string][]string)
		for rows.Next() {
			var conversationID, messageID string
			if err := rows.Scan(&conversationID, &messageID); err != nil {
				rows.Close()
				return err
			}
			changed[conversationID] = append(changed[conversationID], messageID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		conversationIDs := make([]string, 0, len(changed))
		for id := range changed {
			conversationIDs = append(conversationIDs, id)
		}
		slices.Sort(conversationIDs)

		for _, conversationID := range conversationIDs {
			ids := changed[conversationID]
			slices.Sort(ids)
			ev := models.Event{
				Type:           models.EventMessageStatus,
				ConversationID: conversationID,
				At:             at,
				Status: &models.StatusChange{
					MessageIDs:  ids,
					RecipientID: recipientID,
					Status:      status,
					At:          at,
				},
			}
			if err := appendEvent(ctx, tx, &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func (s *Store) GetReceipts(ctx context.Context, conversationID string) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.recipient_id, r.status, r.updated_at
		FROM dm_receipts r
		JOIN dm_messages m ON m.id = r.message_id
		WHERE m.conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var status int
		if err := rows.Scan(&r.MessageID, &r.RecipientID, &status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = models.DeliveryStatus(status)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// SetReaction adds or removes one reaction triple
func (s *Store) SetReaction(ctx context.Context, conversationID string, r models.Reaction, present bool) (*models.Event, error) {
	var ev *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if present {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO dm_reactions (message_id, user_id, emoji, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (message_id, user_id, emoji) DO NOTHING
			`, r.MessageID, r.UserID, r.Emoji, r.CreatedAt)
		} else {
			res, err = tx.ExecContext(ctx, `
				DELETE FROM dm_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
			`, r.MessageID, r.UserID, r.Emoji)
		}
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		ev = &models.Event{
			Type:           models.EventMessageReaction,
			ConversationID: conversationID,
			At:             r.CreatedAt,
			Reaction: &models.ReactionChange{
				MessageID: r.MessageID,
				UserID:    r.UserID,
				Emoji:     r.Emoji,
				Present:   present,
			},
		}
		return appendEvent(ctx, tx, ev)
	})
	return ev, err
}

func (s *Store) GetReactions(ctx context.Context, conversationID string) ([]models.Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.user_id, r.emoji, r.created_at
		FROM dm_reactions r
		JOIN dm_messages m ON m.id = r.message_id
		WHERE m.conversation_id = $1
		ORDER BY r.created_at
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []models.Reaction
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// EventsAfter returns the change log of a conversation after afterSeq
func (s *Store) EventsAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM dm_events
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("corrupt event in %s: %w", conversationID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
