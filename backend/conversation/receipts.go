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
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// MessageIndex answers whether a message id is held by the store
type MessageIndex interface {
	Has(id string) bool
}

// Tracker records the delivery state of each message for its single
// recipient. Status only moves forward; marks for ids the index does not
// hold are refused.
type Tracker struct {
	index    MessageIndex
	receipts map[string]models.Receipt
}

func NewTracker(index MessageIndex) *Tracker {
	return &Tracker{
		index:    index,
		receipts: make(map[string]models.Receipt),
	}
}

func (t *Tracker) MarkSent(messageID, recipientID string, at time.Time) bool {
	return t.mark(messageID, recipientID, models.StatusSent, at)
}

func (t *Tracker) MarkDelivered(messageID, recipientID string, at time.Time) bool {
	return t.mark(messageID, recipientID, models.StatusDelivered, at)
}

func (t *Tracker) MarkRead(messageID, recipientID string, at time.Time) bool {
	return t.mark(messageID, recipientID, models.StatusRead, at)
}

// Mark upgrades to an arbitrary status
func (t *Tracker) Mark(messageID, recipientID string, status models.DeliveryStatus, at time.Time) bool {
	return t.mark(messageID, recipientID, status, at)
}

func (t *Tracker) mark(messageID, recipientID string, status models.DeliveryStatus, at time.Time) bool {
	if !t.index.Has(messageID) || recipientID == "" {
		return false
	}
	cur, ok := t.receipts[messageID]
	if ok && cur.RecipientID != recipientID {
		return false
	}
	if !status.Outranks(cur.Status) {
		return false
	}
	t.receipts[messageID] = models.Receipt{
		MessageID:   messageID,
		RecipientID: recipientID,
		Status:      status,
		UpdatedAt:   at,
	}
	return true
}

// MarkReadBatch marks every id read and returns the ids that changed.
// The caller holds the conversation lock, so the batch is applied as a unit.
func (t *Tracker) MarkReadBatch(ids []string, recipientID string, at time.Time) []string {
	var changed []string
	for _, id := range ids {
		if t.mark(id, recipientID, models.StatusRead, at) {
			changed = append(changed, id)
		}
	}
	return changed
}

// StatusFor is the recipient's status, StatusNone when nothing is known
func (t *Tracker) StatusFor(messageID string) models.DeliveryStatus {
	return t.receipts[messageID].Status
}

func (t *Tracker) Receipt(messageID string) (models.Receipt, bool) {
	r, ok := t.receipts[messageID]
	return r, ok
}

// restore puts back a receipt captured before an optimistic mark
func (t *Tracker) restore(messageID string, prev models.Receipt, had bool) {
	if !had {
		delete(t.receipts, messageID)
		return
	}
	t.receipts[messageID] = prev
}
