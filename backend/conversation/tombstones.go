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
	"fmt"
	"strings"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// Tombstones applies sender-only edits and soft deletes on a Store.
// Both return the message as it was before, for rollback.
type Tombstones struct {
	store *Store
}

func NewTombstones(store *Store) *Tombstones {
	return &Tombstones{store: store}
}

func (t *Tombstones) owned(actorID, messageID string) (*models.Message, error) {
	m, ok := t.store.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
	}
	if m.SenderID != actorID {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotOwner)
	}
	if m.Deleted {
		return nil, fmt.Errorf("message %s is deleted: %w", messageID, ErrInvalidState)
	}
	return m, nil
}

// Edit replaces the content of the actor's own message
func (t *Tombstones) Edit(actorID, messageID, content string, at time.Time) (*models.Message, error) {
	prev, err := t.owned(actorID, messageID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" && prev.Media == nil {
		return nil, ErrEmptyContent
	}
	if err := t.store.ApplyEdit(messageID, content, at); err != nil {
		return nil, err
	}
	return prev, nil
}

// Delete tombstones the actor's own message. There is no undelete.
func (t *Tombstones) Delete(actorID, messageID string) (*models.Message, error) {
	prev, err := t.owned(actorID, messageID)
	if err != nil {
		return nil, err
	}
	if err := t.store.ApplyDeletion(messageID); err != nil {
		return nil, err
	}
	return prev, nil
}
