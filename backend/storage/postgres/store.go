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
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping is used by the health check
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// nextSeq reserves the next sequence number of a conversation. The row
// lock it takes serialises writers of that conversation until commit.
func nextSeq(ctx context.Context, tx *sql.Tx, conversationID string, messageAt *time.Time) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		UPDATE dm_conversations
		SET last_seq = last_seq + 1,
		    last_message_at = COALESCE($2, last_message_at)
		WHERE conversation_id = $1
		RETURNING last_seq
	`, conversationID, messageAt).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	return seq, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dm_events (conversation_id, seq, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ConversationID, ev.Seq, string(ev.Type), payload, ev.At)
	return err
}

// appendEvent sequences ev within its conversation and stores it
func appendEvent(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	seq, err := nextSeq(ctx, tx, ev.ConversationID, nil)
	if err != nil {
		return err
	}
	ev.Seq = seq
	return insertEvent(ctx, tx, ev)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
