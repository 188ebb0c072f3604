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
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

const localPrefix = "local-"

// PendingState is the lifecycle of a local send
type PendingState int

const (
	PendingNone PendingState = iota
	PendingInFlight
	PendingFailed
)

func (p PendingState) String() string {
	switch p {
	case PendingInFlight:
		return "sending"
	case PendingFailed:
		return "failed"
	}
	return "none"
}

type pendingSend struct {
	clientID   string
	localID    string
	req        models.SendRequest
	attachment *models.Attachment
	state      PendingState
}

// Conversation is the local view of one two-party conversation. All
// mutations, local or pushed, run under mu; observers hear about them
// after it is released.
type Conversation struct {
	id     string
	selfID string
	peerID string
	peer   *models.Profile

	mu         sync.Mutex
	store      *Store
	tracker    *Tracker
	ledger     *Ledger
	tombstones *Tombstones

	pending  map[string]*pendingSend
	failures map[string]error
	// optimistic maps an operation key to the token of the latest local
	// change not yet confirmed by the server
	optimistic map[string]uint64
	token      uint64

	lastSeq      int64
	buffer       map[int64]*models.Event
	reorderLimit int

	log *slog.Logger
}

func newConversation(c models.Conversation, selfID string, reorderLimit int, log *slog.Logger) *Conversation {
	store := NewStore(log)
	conv := &Conversation{
		id:           c.ID,
		selfID:       selfID,
		peerID:       c.PeerOf(selfID),
		peer:         c.Peer,
		store:        store,
		tracker:      NewTracker(store),
		ledger:       NewLedger(store),
		tombstones:   NewTombstones(store),
		pending:      make(map[string]*pendingSend),
		failures:     make(map[string]error),
		optimistic:   make(map[string]uint64),
		buffer:       make(map[int64]*models.Event),
		reorderLimit: reorderLimit,
		log:          log.With("conversation_id", c.ID),
	}
	return conv
}

func (c *Conversation) ID() string     { return c.id }
func (c *Conversation) PeerID() string { return c.peerID }

// Peer is the denormalised profile of the other participant, if known
func (c *Conversation) Peer() *models.Profile {
	if c.peer == nil {
		return nil
	}
	p := *c.peer
	return &p
}

// LastSeq is the highest server sequence applied
func (c *Conversation) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Messages is a restartable sequence over a snapshot taken when iteration
// starts.
func (c *Conversation) Messages() iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		for _, m := range c.snapshot() {
			if !yield(m) {
				return
			}
		}
	}
}

// Days groups Messages by calendar date in loc
func (c *Conversation) Days(loc *time.Location) iter.Seq[Day] {
	return groupDays(c.Messages(), loc)
}

func (c *Conversation) snapshot() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Collect(c.store.Messages())
}

func (c *Conversation) Message(id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.store.Get(id)
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

func (c *Conversation) StatusFor(messageID string) models.DeliveryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.StatusFor(messageID)
}

func (c *Conversation) ReactionsFor(messageID string) map[string]UserSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ReactionsFor(messageID)
}

// Unread lists messages from the peer not yet read by us, oldest first
func (c *Conversation) Unread() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unreadLocked()
}

func (c *Conversation) unreadLocked() []string {
	var ids []string
	for _, m := range c.store.messages {
		if m.SenderID == c.selfID || m.Deleted {
			continue
		}
		if c.tracker.StatusFor(m.ID) < models.StatusRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Failure is the error left by the last failed local action on a message
func (c *Conversation) Failure(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[messageID]
}

// PendingState reports whether a message is a local send still waiting
func (c *Conversation) PendingState(messageID string) PendingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.pendingByLocalID(messageID); p != nil {
		return p.state
	}
	return PendingNone
}

func (c *Conversation) pendingByLocalID(localID string) *pendingSend {
	if !strings.HasPrefix(localID, localPrefix) {
		return nil
	}
	return c.pending[strings.TrimPrefix(localID, localPrefix)]
}

// byClientID finds our own confirmed message by idempotency key
func (c *Conversation) byClientID(clientID string) *models.Message {
	for _, m := range c.store.messages {
		if m.ClientID == clientID && m.SenderID == c.selfID && !strings.HasPrefix(m.ID, localPrefix) {
			return m.Clone()
		}
	}
	return nil
}

func (c *Conversation) isPending(messageID string) bool {
	return c.pendingByLocalID(messageID) != nil
}

// begin registers a local change under key and returns its token
func (c *Conversation) begin(key string) uint64 {
	c.token++
	c.optimistic[key] = c.token
	return c.token
}

// settle reports whether token is still the latest local change for key
// and forgets it either way.
func (c *Conversation) settle(key string, token uint64) bool {
	cur, ok := c.optimistic[key]
	if !ok || cur != token {
		return false
	}
	delete(c.optimistic, key)
	return true
}

func messageKey(messageID string) string          { return "msg|" + messageID }
func readKey(messageID string) string             { return "read|" + messageID }
func reactionKey(messageID, emoji string) string { return "react|" + messageID + "|" + emoji }

// seed loads a server snapshot. Called once from Session.Open.
func (c *Conversation) seed(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range snap.Messages {
		m := snap.Messages[i]
		if m.ConversationID != "" && m.ConversationID != c.id {
			continue
		}
		c.store.Append(&m)
		if m.Seq > c.lastSeq {
			c.lastSeq = m.Seq
		}
	}
	// the conversation row is read before its contents, so replaying from
	// its LastSeq can only repeat events, never skip one
	if snap.Conversation.LastSeq > 0 {
		c.lastSeq = snap.Conversation.LastSeq
	}
	for _, r := range snap.Receipts {
		c.tracker.Mark(r.MessageID, r.RecipientID, r.Status, r.UpdatedAt)
	}
	for _, r := range snap.Reactions {
		if _, err := c.ledger.Set(r.MessageID, r.UserID, r.Emoji, true); err != nil {
			c.log.Warn("dropping reaction from snapshot", "message_id", r.MessageID, "error", err)
		}
	}
}

// ingest applies a pushed or fetched event under the lock, honouring
// server order. It reports whether the reorder buffer overflowed.
func (c *Conversation) ingest(ev *models.Event) ([]Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Seq == 0 {
		return c.apply(ev), false
	}
	if ev.Seq <= c.lastSeq {
		c.log.Debug("dropping stale event", "seq", ev.Seq, "last_seq", c.lastSeq, "type", ev.Type)
		return nil, false
	}
	if ev.Seq > c.lastSeq+1 {
		if _, ok := c.buffer[ev.Seq]; ok {
			return nil, false
		}
		if len(c.buffer) >= c.reorderLimit {
			c.log.Warn("reorder buffer full", "seq", ev.Seq, "last_seq", c.lastSeq)
			return nil, true
		}
		c.buffer[ev.Seq] = ev
		return nil, false
	}

	changes := c.apply(ev)
	c.lastSeq = ev.Seq
	return append(changes, c.drainLocked()...), false
}

// drainLocked applies buffered events that are now contiguous
func (c *Conversation) drainLocked() []Change {
	var changes []Change
	for {
		next, ok := c.buffer[c.lastSeq+1]
		if !ok {
			break
		}
		delete(c.buffer, next.Seq)
		changes = append(changes, c.apply(next)...)
		c.lastSeq = next.Seq
	}
	for seq := range c.buffer {
		if seq <= c.lastSeq {
			delete(c.buffer, seq)
		}
	}
	return changes
}

// flushBuffer applies whatever is still buffered in order, accepting the
// gaps the server could not fill.
func (c *Conversation) flushBuffer() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changes []Change
	for _, seq := range slices.Sorted(maps.Keys(c.buffer)) {
		ev := c.buffer[seq]
		delete(c.buffer, seq)
		if seq <= c.lastSeq {
			continue
		}
		c.log.Warn("applying event across a sequence gap", "seq", seq, "last_seq", c.lastSeq)
		changes = append(changes, c.apply(ev)...)
		c.lastSeq = seq
	}
	return changes
}

func (c *Conversation) apply(ev *models.Event) []Change {
	switch ev.Type {
	case models.EventMessageNew:
		return c.applyNew(ev.Message)
	case models.EventMessageStatus:
		return c.applyStatus(ev.Status)
	case models.EventMessageReaction:
		return c.applyReaction(ev.Reaction)
	case models.EventMessageEdit:
		return c.applyEdit(ev.Edit)
	case models.EventMessageDelete:
		return c.applyDelete(ev.Delete)
	}
	c.log.Warn("ignoring event", "type", ev.Type)
	return nil
}

func (c *Conversation) recipientOf(senderID string) string {
	if senderID == c.selfID {
		return c.peerID
	}
	return c.selfID
}

func (c *Conversation) applyNew(msg *models.Message) []Change {
	m := msg.Clone()
	if m.SenderID != c.selfID && m.SenderID != c.peerID {
		c.log.Warn("dropping message from non-participant", "message_id", m.ID, "sender_id", m.SenderID)
		return nil
	}
	m.ConversationID = c.id

	if m.SenderID == c.selfID && m.ClientID != "" {
		if p, ok := c.pending[m.ClientID]; ok {
			return []Change{c.confirmLocked(p, m)}
		}
	}
	if !c.store.Append(m) {
		return nil
	}
	c.tracker.MarkSent(m.ID, c.recipientOf(m.SenderID), m.CreatedAt)
	return []Change{{Kind: ChangeMessageAdded, ConversationID: c.id, MessageID: m.ID, UserID: m.SenderID}}
}

// confirmLocked replaces a pending local message with its server copy
func (c *Conversation) confirmLocked(p *pendingSend, confirmed *models.Message) Change {
	c.store.Rekey(p.localID, confirmed)
	delete(c.pending, p.clientID)
	delete(c.failures, p.localID)
	c.tracker.MarkSent(confirmed.ID, c.peerID, confirmed.CreatedAt)
	return Change{
		Kind:           ChangeMessageConfirmed,
		ConversationID: c.id,
		MessageID:      confirmed.ID,
		PreviousID:     p.localID,
		UserID:         c.selfID,
	}
}

func (c *Conversation) applyStatus(s *models.StatusChange) []Change {
	var changes []Change
	for _, id := range s.MessageIDs {
		// a confirmed read settles our optimistic one even when the
		// local status already says read
		if s.Status == models.StatusRead && s.RecipientID == c.selfID {
			delete(c.optimistic, readKey(id))
		}
		if !c.tracker.Mark(id, s.RecipientID, s.Status, s.At) {
			continue
		}
		changes = append(changes, Change{Kind: ChangeStatus, ConversationID: c.id, MessageID: id, UserID: s.RecipientID})
	}
	return changes
}

func (c *Conversation) applyReaction(r *models.ReactionChange) []Change {
	if r.UserID == c.selfID {
		delete(c.optimistic, reactionKey(r.MessageID, r.Emoji))
	}
	changed, err := c.ledger.Set(r.MessageID, r.UserID, r.Emoji, r.Present)
	if err != nil {
		c.log.Warn("dropping reaction", "message_id", r.MessageID, "error", err)
		return nil
	}
	if !changed {
		return nil
	}
	return []Change{{Kind: ChangeReaction, ConversationID: c.id, MessageID: r.MessageID, UserID: r.UserID}}
}

func (c *Conversation) applyEdit(e *models.EditChange) []Change {
	cur, ok := c.store.Get(e.MessageID)
	if !ok {
		c.log.Warn("edit for unknown message", "message_id", e.MessageID)
		return nil
	}
	delete(c.optimistic, messageKey(e.MessageID))
	if cur.EditedAt != nil && e.EditedAt.Before(*cur.EditedAt) {
		c.log.Debug("ignoring stale edit", "message_id", e.MessageID)
		return nil
	}
	if cur.EditedAt != nil && e.EditedAt.Equal(*cur.EditedAt) && cur.Content == e.Content {
		return nil
	}
	if err := c.store.ApplyEdit(e.MessageID, e.Content, e.EditedAt); err != nil {
		return nil
	}
	return []Change{{Kind: ChangeMessageUpdated, ConversationID: c.id, MessageID: e.MessageID}}
}

func (c *Conversation) applyDelete(d *models.DeleteChange) []Change {
	delete(c.optimistic, messageKey(d.MessageID))
	if err := c.store.ApplyDeletion(d.MessageID); err != nil {
		// already tombstoned locally or unknown; nothing to do
		return nil
	}
	return []Change{{Kind: ChangeMessageUpdated, ConversationID: c.id, MessageID: d.MessageID}}
}
