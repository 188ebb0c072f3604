// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const messageColumns = `id, conversation_id, sender_id, client_id, content,
	media_type, media_url, voice_duration, lat, lng, file_name,
	reply_to_id, reply_sender_id, reply_snippet,
	created_at, edited_at, deleted, seq`

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var w models.MediaWire
	var lat, lng sql.NullFloat64
	var replyID, replySender, replySnippet sql.NullString
	var editedAt sql.NullTime
	var mediaType string

	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.ClientID, &m.Content,
		&mediaType, &w.MediaURL, &w.VoiceDuration, &lat, &lng, &w.FileName,
		&replyID, &replySender, &replySnippet,
		&m.CreatedAt, &editedAt, &m.Deleted, &m.Seq,
	)
	if err != nil {
		return nil, err
	}

	w.MediaType = models.MediaType(mediaType)
	if lat.Valid && lng.Valid {
		w.Lat, w.Lng = &lat.Float64, &lng.Float64
	}
	if m.Deleted {
		m.Content = models.DeletedPlaceholder
	} else if m.Media, err = models.MediaFromWire(w); err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if replyID.Valid {
		m.ReplyTo = &models.ReplyPreview{
			MessageID: replyID.String,
			SenderID:  replySender.String,
			Snippet:   replySnippet.String,
		}
	}
	return &m, nil
}

func nullString(p *models.ReplyPreview, f func(*models.ReplyPreview) string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: f(p), Valid: true}
}

// InsertMessage stores a message, its "sent" receipt and its event in one
// transaction
func (s *Store) InsertMessage(ctx context.Context, m *models.Message, recipientID string) (*models.Event, bool, error) {
	var ev *models.Event
	var created bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM dm_messages
			WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3
		`, m.ConversationID, m.SenderID, m.ClientID))
		if err == nil {
			ev = newMessageEvent(existing)
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		createdAt := m.CreatedAt
		seq, err := nextSeq(ctx, tx, m.ConversationID, &createdAt)
		if err != nil {
			return err
		}
		m.Seq = seq

		w := models.Flatten(m.Media)
		var lat, lng sql.NullFloat64
		if w.Lat != nil && w.Lng != nil {
			lat = sql.NullFloat64{Float64: *w.Lat, Valid: true}
			lng = sql.NullFloat64{Float64: *w.Lng, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dm_messages (`+messageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULL, FALSE, $16)
		`, m.ID, m.ConversationID, m.SenderID, m.ClientID, m.Content,
			string(w.MediaType), w.MediaURL, w.VoiceDuration, lat, lng, w.FileName,
			nullString(m.ReplyTo, func(p *models.ReplyPreview) string { return p.MessageID }),
			nullString(m.ReplyTo, func(p *models.ReplyPreview) string { return p.SenderID }),
			nullString(m.ReplyTo, func(p *models.ReplyPreview) string { return p.Snippet }),
			m.CreatedAt, m.Seq)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dm_receipts (message_id, recipient_id, status, updated_at)
			VALUES ($1, $2, $3, $4)
		`, m.ID, recipientID, int(models.StatusSent), m.CreatedAt)
		if err != nil {
			return err
		}

		ev = newMessageEvent(m)
		created = true
		return insertEvent(ctx, tx, ev)
	})
	if isUniqueViolation(err) {
		// a concurrent retry with the same client id won the race
		existing, lookupErr := scanMessage(s.db.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM dm_messages
			WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3
		`, m.ConversationID, m.SenderID, m.ClientID))
		if lookupErr != nil {
			return nil, false, err
		}
		return newMessageEvent(existing), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, created, nil
}

func newMessageEvent(m *models.Message) *models.Event {
	return &models.Event{
		Type:           models.EventMessageNew,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		At:             m.CreatedAt,
		Message:        m,
	}
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM dm_messages WHERE id = $1
	`, messageID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
	}
	return m, err
}

func (s *Store) GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM dm_messages WHERE id = ANY($1) ORDER BY seq
	`, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListMessages returns up to limit messages before beforeSeq (0 means the
// latest), oldest first
func (s *Store) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM dm_messages
			WHERE conversation_id = $1 AND ($2::bigint = 0 OR seq < $2::bigint)
			ORDER BY seq DESC
			LIMIT $3
		) page ORDER BY seq
	`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *Store) EditMessage(ctx context.Context, messageID, content string, editedAt time.Time) (*models.Event, error) {
	var ev *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx, `
			UPDATE dm_messages SET content = $2, edited_at = $3
			WHERE id = $1 AND NOT deleted
			RETURNING conversation_id
		`, messageID, content, editedAt).Scan(&conversationID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("live message %s: %w", messageID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		ev = &models.Event{
			Type:           models.EventMessageEdit,
			ConversationID: conversationID,
			At:             editedAt,
			Edit:           &models.EditChange{MessageID: messageID, Content: content, EditedAt: editedAt},
		}
		return appendEvent(ctx, tx, ev)
	})
	return ev, err
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string, at time.Time) (*models.Event, error) {
	var ev *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx, `
			UPDATE dm_messages
			SET deleted = TRUE, content = '', media_type = '', media_url = '',
			    voice_duration = 0, lat = NULL, lng = NULL, file_name = ''
			WHERE id = $1 AND NOT deleted
			RETURNING conversation_id
		`, messageID).Scan(&conversationID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("live message %s: %w", messageID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		// history served for backfill must not leak the removed content
		_, err = tx.ExecContext(ctx, `
			UPDATE dm_events
			SET payload = jsonb_set(payload, '{message}',
			    ((payload->'message') - 'media_type' - 'media_url' - 'voice_duration' - 'lat' - 'lng' - 'file_name')
			    || jsonb_build_object('deleted', true, 'content', $3::text))
			WHERE conversation_id = $1 AND event_type = $2 AND payload->'message'->>'id' = $4
		`, conversationID, string(models.EventMessageNew), models.DeletedPlaceholder, messageID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dm_events
			SET payload = jsonb_set(payload, '{edit,content}', to_jsonb($3::text))
			WHERE conversation_id = $1 AND event_type = $2 AND payload->'edit'->>'message_id' = $4
		`, conversationID, string(models.EventMessageEdit), models.DeletedPlaceholder, messageID)
		if err != nil {
			return err
		}
		// nor may reply previews quoting it
		_, err = tx.ExecContext(ctx, `
			UPDATE dm_messages SET reply_snippet = $2
			WHERE conversation_id = $1 AND reply_to_id = $3
		`, conversationID, models.DeletedPlaceholder, messageID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dm_events
			SET payload = jsonb_set(payload, '{message,reply_to,snippet}', to_jsonb($3::text))
			WHERE conversation_id = $1 AND event_type = $2 AND payload->'message'->'reply_to'->>'message_id' = $4
		`, conversationID, string(models.EventMessageNew), models.DeletedPlaceholder, messageID)
		if err != nil {
			return err
		}

		ev = &models.Event{
			Type:           models.EventMessageDelete,
			ConversationID: conversationID,
			At:             at,
			Delete:         &models.DeleteChange{MessageID: messageID, At: at},
		}
		return appendEvent(ctx, tx, ev)
	})
	return ev, err
}
