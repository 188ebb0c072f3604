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
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// DeletedPlaceholder is shown in place of deleted content
const DeletedPlaceholder = models.DeletedPlaceholder

// Store holds the messages of one conversation ordered by creation time.
// It owns message identity; everything else refers to messages by id.
// Store is not safe for concurrent use; Conversation guards it.
type Store struct {
	messages []*models.Message
	byID     map[string]*models.Message
	log      *slog.Logger
}

// Day groups the messages created on one calendar date
type Day struct {
	Date     time.Time
	Messages []models.Message
}

func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		byID: make(map[string]*models.Message),
		log:  log,
	}
}

func compareMessages(a, b *models.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Append inserts a copy of m at its chronological position. It returns
// false and changes nothing when a message with the same id exists.
func (s *Store) Append(m *models.Message) bool {
	if m == nil || m.ID == "" {
		return false
	}
	if _, ok := s.byID[m.ID]; ok {
		return false
	}
	c := m.Clone()
	i, _ := slices.BinarySearchFunc(s.messages, c, compareMessages)
	s.messages = slices.Insert(s.messages, i, c)
	s.byID[c.ID] = c
	return true
}

// Has implements MessageIndex
func (s *Store) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns a copy of the message
func (s *Store) Get(id string) (*models.Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (s *Store) Len() int {
	return len(s.messages)
}

// ApplyEdit replaces the content of a live message
func (s *Store) ApplyEdit(id, content string, editedAt time.Time) error {
	m, ok := s.byID[id]
	if !ok {
		s.log.Warn("edit for unknown message", "message_id", id)
		return fmt.Errorf("edit %s: %w", id, ErrMessageNotFound)
	}
	if m.Deleted {
		s.log.Warn("edit of deleted message", "message_id", id)
		return fmt.Errorf("edit %s: message deleted: %w", id, ErrInvalidState)
	}
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	return nil
}

// ApplyDeletion tombstones the message. Position and sender are kept.
func (s *Store) ApplyDeletion(id string) error {
	m, ok := s.byID[id]
	if !ok {
		s.log.Warn("delete for unknown message", "message_id", id)
		return fmt.Errorf("delete %s: %w", id, ErrMessageNotFound)
	}
	if m.Deleted {
		return fmt.Errorf("delete %s: already deleted: %w", id, ErrInvalidState)
	}
	m.Deleted = true
	m.Content = DeletedPlaceholder
	m.Media = nil
	return nil
}

// Replace restores the mutable fields of a message from prev. Identity and
// position never change.
func (s *Store) Replace(prev *models.Message) error {
	m, ok := s.byID[prev.ID]
	if !ok {
		return fmt.Errorf("replace %s: %w", prev.ID, ErrMessageNotFound)
	}
	c := prev.Clone()
	m.Content = c.Content
	m.Media = c.Media
	m.EditedAt = c.EditedAt
	m.Deleted = c.Deleted
	return nil
}

// Rekey swaps the local copy stored under tempID for the confirmed
// message. If the confirmed id is already present the local copy is only
// dropped.
func (s *Store) Rekey(tempID string, confirmed *models.Message) bool {
	if old, ok := s.byID[tempID]; ok {
		delete(s.byID, tempID)
		s.messages = slices.DeleteFunc(s.messages, func(m *models.Message) bool { return m == old })
	}
	return s.Append(confirmed)
}

// Messages yields copies in chronological order
func (s *Store) Messages() iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		for _, m := range s.messages {
			if !yield(*m.Clone()) {
				return
			}
		}
	}
}

// Days yields the messages grouped by calendar date in loc
func (s *Store) Days(loc *time.Location) iter.Seq[Day] {
	return groupDays(s.Messages(), loc)
}

func groupDays(msgs iter.Seq[models.Message], loc *time.Location) iter.Seq[Day] {
	if loc == nil {
		loc = time.Local
	}
	return func(yield func(Day) bool) {
		var cur Day
		for m := range msgs {
			t := m.CreatedAt.In(loc)
			date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			if len(cur.Messages) > 0 && !date.Equal(cur.Date) {
				if !yield(cur) {
					return
				}
				cur = Day{}
			}
			cur.Date = date
			cur.Messages = append(cur.Messages, m)
		}
		if len(cur.Messages) > 0 {
			yield(cur)
		}
	}
}
