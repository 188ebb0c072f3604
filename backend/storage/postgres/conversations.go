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
	"fmt"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const conversationColumns = `c.conversation_id, c.user1_id, c.user2_id, c.created_at, c.last_message_at, c.last_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*models.Conversation, error) {
	var c models.Conversation
	var lastMessageAt sql.NullTime
	dest := append([]any{&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt, &lastMessageAt, &c.LastSeq}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		c.LastMessageAt = &lastMessageAt.Time
	}
	return &c, nil
}

// CreateConversation creates a new conversation between two users
func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_conversations (conversation_id, user1_id, user2_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, conv.ID, conv.User1ID, conv.User2ID, conv.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("conversation %s/%s: %w", conv.User1ID, conv.User2ID, storage.ErrConflict)
	}
	return err
}

// FindConversation finds an existing conversation between two users
func (s *Store) FindConversation(ctx context.Context, user1ID, user2ID string) (*models.Conversation, error) {
	user1ID, user2ID = models.OrderUsers(user1ID, user2ID)
	c, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM dm_conversations c
		WHERE c.user1_id = $1 AND c.user2_id = $2
	`, user1ID, user2ID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM dm_conversations c
		WHERE c.conversation_id = $1
	`, conversationID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	return c, err
}

// ListConversations gets all conversations for a user, most recent first,
// with the other participant's profile and the user's unread count
func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`,
		       COALESCE(p.user_id, ''), COALESCE(p.username, ''), COALESCE(p.name, ''), COALESCE(p.avatar_url, ''),
		       (SELECT COUNT(*)
		        FROM dm_receipts r
		        JOIN dm_messages m ON m.id = r.message_id
		        WHERE m.conversation_id = c.conversation_id
		          AND r.recipient_id = $1 AND r.status < 3 AND NOT m.deleted)
		FROM dm_conversations c
		LEFT JOIN dm_profiles p
		  ON p.user_id = CASE WHEN c.user1_id = $1 THEN c.user2_id ELSE c.user1_id END
		WHERE c.user1_id = $1 OR c.user2_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var p models.Profile
		var unread int
		c, err := scanConversation(rows, &p.UserID, &p.Username, &p.Name, &p.AvatarURL, &unread)
		if err != nil {
			return nil, err
		}
		if p.UserID != "" {
			c.Peer = &p
		}
		c.UnreadCount = unread
		convs = append(convs, *c)
	}

	return convs, rows.Err()
}

func (s *Store) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_profiles (user_id, username, name, avatar_url, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET username = $2, name = $3, avatar_url = $4, updated_at = NOW()
	`, p.UserID, p.Username, p.Name, p.AvatarURL)
	return err
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, name, avatar_url FROM dm_profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Username, &p.Name, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
