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

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Conversations between two users, user1_id < user2_id
		`CREATE TABLE IF NOT EXISTS dm_conversations (
			conversation_id VARCHAR(255) PRIMARY KEY,
			user1_id VARCHAR(255) NOT NULL,
			user2_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_message_at TIMESTAMPTZ,
			last_seq BIGINT NOT NULL DEFAULT 0,
			UNIQUE(user1_id, user2_id),
			CHECK (user1_id < user2_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_dm_conversations_user1 ON dm_conversations(user1_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_conversations_user2 ON dm_conversations(user2_id)`,

		// Profile fields denormalised onto conversation listings
		`CREATE TABLE IF NOT EXISTS dm_profiles (
			user_id VARCHAR(255) PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Messages; rows are never removed, deletion is a tombstone
		`CREATE TABLE IF NOT EXISTS dm_messages (
			id VARCHAR(255) PRIMARY KEY,
			conversation_id VARCHAR(255) NOT NULL REFERENCES dm_conversations(conversation_id),
			sender_id VARCHAR(255) NOT NULL,
			client_id VARCHAR(255) NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			media_type VARCHAR(32) NOT NULL DEFAULT '',
			media_url TEXT NOT NULL DEFAULT '',
			voice_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			file_name TEXT NOT NULL DEFAULT '',
			reply_to_id VARCHAR(255),
			reply_sender_id VARCHAR(255),
			reply_snippet TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			edited_at TIMESTAMPTZ,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGINT NOT NULL,
			UNIQUE(conversation_id, sender_id, client_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_dm_messages_conversation_seq ON dm_messages(conversation_id, seq)`,

		// Delivery state, one row per message for its recipient
		`CREATE TABLE IF NOT EXISTS dm_receipts (
			message_id VARCHAR(255) NOT NULL REFERENCES dm_messages(id),
			recipient_id VARCHAR(255) NOT NULL,
			status SMALLINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (message_id, recipient_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_dm_receipts_unread
		ON dm_receipts(recipient_id, status)
		WHERE status < 3`,

		// Reactions, at most one per (message, user, emoji)
		`CREATE TABLE IF NOT EXISTS dm_reactions (
			message_id VARCHAR(255) NOT NULL REFERENCES dm_messages(id),
			user_id VARCHAR(255) NOT NULL,
			emoji VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id, emoji)
		)`,

		// Sequenced change log used for reconnect backfill
		`CREATE TABLE IF NOT EXISTS dm_events (
			conversation_id VARCHAR(255) NOT NULL REFERENCES dm_conversations(conversation_id),
			seq BIGINT NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
