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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
)

// DefaultReorderLimit bounds the events held while waiting for a gap
const DefaultReorderLimit = 256

// Backend is the server side of the conversation
type Backend interface {
	SendMessage(ctx context.Context, conversationID string, req models.SendRequest) (models.Message, error)
	MarkAsRead(ctx context.Context, messageIDs []string) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	EditMessage(ctx context.Context, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	// SetTypingIndicator marks the caller typing in conversationID; ""
	// clears the marker.
	SetTypingIndicator(ctx context.Context, conversationID string) error
	FetchEvents(ctx context.Context, conversationID string, afterSeq int64) ([]models.Event, error)
}

// Uploader stores attachment bytes and returns their public URL
type Uploader interface {
	Upload(ctx context.Context, a models.Attachment) (string, error)
}

type Options struct {
	SelfID         string
	Backend        Backend
	Uploader       Uploader
	Clock          Clock
	Logger         *slog.Logger
	Location       *time.Location
	TypingDebounce time.Duration
	ReorderLimit   int
	// NewClientID generates idempotency keys for sends
	NewClientID func() string
}

// Snapshot is the server state a conversation is opened with
type Snapshot struct {
	Conversation models.Conversation
	Messages     []models.Message
	Receipts     []models.Receipt
	Reactions    []models.Reaction
}

// Draft is an outgoing message before it is sent
type Draft struct {
	Content    string
	Media      models.Media
	Attachment *models.Attachment
	ReplyToID  string
}

// Session is the client-side context for one signed-in user: the open
// conversations, presence, the observer bus and the reconciler.
type Session struct {
	opts     Options
	log      *slog.Logger
	bus      *Bus
	presence *PresenceTracker
	typing   *TypingDebouncer
	recon    *Reconciler

	mu            sync.RWMutex
	conversations map[string]*Conversation
	closed        bool
}

func NewSession(opts Options) (*Session, error) {
	if opts.SelfID == "" {
		return nil, errors.New("session needs a user id")
	}
	if opts.Backend == nil {
		return nil, errors.New("session needs a backend")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ReorderLimit <= 0 {
		opts.ReorderLimit = DefaultReorderLimit
	}
	if opts.NewClientID == nil {
		opts.NewClientID = uuid.NewString
	}

	s := &Session{
		opts:          opts,
		log:           opts.Logger.With("user_id", opts.SelfID),
		bus:           NewBus(),
		presence:      NewPresenceTracker(opts.Clock),
		conversations: make(map[string]*Conversation),
	}
	s.typing = NewTypingDebouncer(opts.Clock, opts.TypingDebounce, opts.Backend.SetTypingIndicator, s.log)
	s.recon = newReconciler(s)
	return s, nil
}

func (s *Session) SelfID() string { return s.opts.SelfID }

// Subscribe registers an observer; call the returned func to remove it
func (s *Session) Subscribe(fn func(Change)) func() {
	return s.bus.Subscribe(fn)
}

func (s *Session) Presence() *PresenceTracker { return s.presence }

// Location is the zone used to group messages into days
func (s *Session) Location() *time.Location { return s.opts.Location }

func (s *Session) Reconciler() *Reconciler { return s.recon }

// Open registers a conversation seeded with snap. Opening an already open
// conversation returns the existing one untouched.
func (s *Session) Open(snap Snapshot) (*Conversation, error) {
	c := snap.Conversation
	if c.ID == "" {
		return nil, errors.New("conversation id is empty")
	}
	if !c.HasParticipant(s.opts.SelfID) {
		return nil, fmt.Errorf("conversation %s: %s is not a participant", c.ID, s.opts.SelfID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if conv, ok := s.conversations[c.ID]; ok {
		return conv, nil
	}
	conv := newConversation(c, s.opts.SelfID, s.opts.ReorderLimit, s.log)
	conv.seed(snap)
	s.conversations[c.ID] = conv
	return conv, nil
}

func (s *Session) Conversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotOpen)
	}
	return conv, nil
}

func (s *Session) open() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out
}

// Close stops typing, drops observers and refuses further operations
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.typing.Close()
	s.bus.Close()
	return nil
}

// Send appends the draft optimistically and delivers it. On failure the
// local copy stays in place marked failed and is returned with the error;
// Retry takes its id.
func (s *Session) Send(ctx context.Context, conversationID string, d Draft) (models.Message, error) {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(d.Content) == "" && d.Media == nil && d.Attachment == nil {
		return models.Message{}, ErrEmptyContent
	}
	if d.Media != nil {
		if err := d.Media.Validate(); err != nil {
			return models.Message{}, err
		}
	}
	if d.Attachment != nil && s.opts.Uploader == nil {
		return models.Message{}, ErrNoUploader
	}

	clientID := s.opts.NewClientID()
	local := &models.Message{
		ID:             localPrefix + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       s.opts.SelfID,
		Content:        d.Content,
		Media:          d.Media,
		CreatedAt:      s.opts.Clock.Now(),
	}
	p := &pendingSend{
		clientID:   clientID,
		localID:    local.ID,
		attachment: d.Attachment,
		state:      PendingInFlight,
		req: models.SendRequest{
			ClientID:  clientID,
			Content:   d.Content,
			ReplyToID: d.ReplyToID,
			MediaWire: models.Flatten(d.Media),
		},
	}

	conv.mu.Lock()
	if d.ReplyToID != "" {
		target, ok := conv.store.Get(d.ReplyToID)
		if !ok || conv.isPending(d.ReplyToID) {
			conv.mu.Unlock()
			return models.Message{}, fmt.Errorf("reply target %s: %w", d.ReplyToID, ErrMessageNotFound)
		}
		local.ReplyTo = target.Preview()
	}
	conv.store.Append(local)
	conv.pending[clientID] = p
	conv.mu.Unlock()

	s.typing.Stop()
	s.bus.publish(Change{Kind: ChangeMessageAdded, ConversationID: conversationID, MessageID: local.ID, UserID: s.opts.SelfID})
	return s.deliver(ctx, conv, p)
}

// Retry resends a failed local message with its original client id
func (s *Session) Retry(ctx context.Context, conversationID, localID string) (models.Message, error) {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return models.Message{}, err
	}

	conv.mu.Lock()
	p := conv.pendingByLocalID(localID)
	if p == nil {
		conv.mu.Unlock()
		return models.Message{}, fmt.Errorf("retry %s: %w", localID, ErrMessageNotFound)
	}
	if p.state != PendingFailed {
		conv.mu.Unlock()
		return models.Message{}, fmt.Errorf("retry %s: %s: %w", localID, p.state, ErrInvalidState)
	}
	p.state = PendingInFlight
	delete(conv.failures, localID)
	conv.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeMessageUpdated, ConversationID: conversationID, MessageID: localID})
	return s.deliver(ctx, conv, p)
}

// SendVoice sends a finished recording as a voice message
func (s *Session) SendVoice(ctx context.Context, conversationID string, rec Recording, replyToID string) (models.Message, error) {
	if len(rec.Data) == 0 || rec.Duration <= 0 {
		return models.Message{}, ErrTooShort
	}
	return s.Send(ctx, conversationID, Draft{
		ReplyToID: replyToID,
		Attachment: &models.Attachment{
			Kind:        models.MediaVoice,
			Name:        fmt.Sprintf("voice-%d", s.opts.Clock.Now().UnixMilli()),
			ContentType: rec.ContentType,
			Data:        rec.Data,
			Duration:    rec.Duration,
		},
	})
}

func (s *Session) deliver(ctx context.Context, conv *Conversation, p *pendingSend) (models.Message, error) {
	conv.mu.Lock()
	req := p.req
	att := p.attachment
	conv.mu.Unlock()

	if att != nil && req.MediaType == "" {
		url, err := s.opts.Uploader.Upload(ctx, *att)
		if err != nil {
			return s.failSend(conv, p, fmt.Errorf("upload failed: %w", err))
		}
		media := att.MediaFor(url)
		req.MediaWire = models.Flatten(media)

		conv.mu.Lock()
		p.req = req
		if m, ok := conv.store.byID[p.localID]; ok {
			m.Media = media
		}
		conv.mu.Unlock()
		s.bus.publish(Change{Kind: ChangeMessageUpdated, ConversationID: conv.id, MessageID: p.localID})
	}

	confirmed, err := s.opts.Backend.SendMessage(ctx, conv.id, req)
	if err != nil {
		return s.failSend(conv, p, err)
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = p.clientID
	}

	conv.mu.Lock()
	var change Change
	_, stillPending := conv.pending[p.clientID]
	if stillPending {
		change = conv.confirmLocked(p, &confirmed)
	}
	conv.mu.Unlock()

	if stillPending {
		s.bus.publish(change)
	}
	return confirmed, nil
}

func (s *Session) failSend(conv *Conversation, p *pendingSend, err error) (models.Message, error) {
	conv.mu.Lock()
	if _, ok := conv.pending[p.clientID]; !ok {
		// confirmed by a pushed event in the meantime
		confirmed := conv.byClientID(p.clientID)
		conv.mu.Unlock()
		if confirmed == nil {
			return models.Message{}, err
		}
		return *confirmed, nil
	}
	p.state = PendingFailed
	conv.failures[p.localID] = err
	local, _ := conv.store.Get(p.localID)
	conv.mu.Unlock()

	s.log.Warn("send failed", "conversation_id", conv.id, "client_id", p.clientID, "error", err)
	s.bus.publish(Change{Kind: ChangeMessageFailed, ConversationID: conv.id, MessageID: p.localID, Err: err})
	if local == nil {
		return models.Message{}, err
	}
	return *local, err
}

// ToggleReaction flips our reaction and reports whether it is now present
func (s *Session) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (bool, error) {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return false, err
	}

	conv.mu.Lock()
	if conv.isPending(messageID) {
		conv.mu.Unlock()
		return false, ErrPending
	}
	if m, ok := conv.store.byID[messageID]; ok && m.Deleted {
		conv.mu.Unlock()
		return false, fmt.Errorf("react to %s: %w", messageID, ErrInvalidState)
	}
	added, err := conv.ledger.Toggle(messageID, s.opts.SelfID, emoji)
	if err != nil {
		conv.mu.Unlock()
		return false, err
	}
	key := reactionKey(messageID, emoji)
	token := conv.begin(key)
	delete(conv.failures, messageID)
	conv.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeReaction, ConversationID: conv.id, MessageID: messageID, UserID: s.opts.SelfID})

	if added {
		err = s.opts.Backend.AddReaction(ctx, messageID, emoji)
	} else {
		err = s.opts.Backend.RemoveReaction(ctx, messageID, emoji)
	}

	conv.mu.Lock()
	ours := conv.settle(key, token)
	if err != nil && ours {
		conv.ledger.Set(messageID, s.opts.SelfID, emoji, !added)
		conv.failures[messageID] = err
	}
	conv.mu.Unlock()

	if err != nil {
		s.log.Warn("reaction failed", "conversation_id", conv.id, "message_id", messageID, "error", err)
		if ours {
			s.bus.publish(Change{Kind: ChangeReaction, ConversationID: conv.id, MessageID: messageID, UserID: s.opts.SelfID, Err: err})
		}
		return !added, err
	}
	return added, nil
}

// Edit replaces the content of one of our messages
func (s *Session) Edit(ctx context.Context, conversationID, messageID, content string) error {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	if conv.isPending(messageID) {
		conv.mu.Unlock()
		return ErrPending
	}
	prev, err := conv.tombstones.Edit(s.opts.SelfID, messageID, content, s.opts.Clock.Now())
	if err != nil {
		conv.mu.Unlock()
		if errors.Is(err, ErrInvalidState) {
			s.log.Warn("edit rejected", "conversation_id", conv.id, "message_id", messageID, "error", err)
		}
		return err
	}
	key := messageKey(messageID)
	token := conv.begin(key)
	delete(conv.failures, messageID)
	conv.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeMessageUpdated, ConversationID: conv.id, MessageID: messageID})

	confirmed, err := s.opts.Backend.EditMessage(ctx, messageID, content)

	conv.mu.Lock()
	ours := conv.settle(key, token)
	switch {
	case err != nil && ours:
		conv.store.Replace(prev)
		conv.failures[messageID] = err
	case err == nil && ours && confirmed.EditedAt != nil:
		if m, ok := conv.store.byID[messageID]; ok && !m.Deleted && m.Content == content {
			t := *confirmed.EditedAt
			m.EditedAt = &t
		}
	}
	conv.mu.Unlock()

	if err != nil {
		s.log.Warn("edit failed", "conversation_id", conv.id, "message_id", messageID, "error", err)
		if ours {
			s.bus.publish(Change{Kind: ChangeMessageFailed, ConversationID: conv.id, MessageID: messageID, Err: err})
		}
		return err
	}
	return nil
}

// Delete tombstones one of our messages
func (s *Session) Delete(ctx context.Context, conversationID, messageID string) error {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	if conv.isPending(messageID) {
		conv.mu.Unlock()
		return ErrPending
	}
	prev, err := conv.tombstones.Delete(s.opts.SelfID, messageID)
	if err != nil {
		conv.mu.Unlock()
		if errors.Is(err, ErrInvalidState) {
			s.log.Warn("delete rejected", "conversation_id", conv.id, "message_id", messageID, "error", err)
		}
		return err
	}
	key := messageKey(messageID)
	token := conv.begin(key)
	delete(conv.failures, messageID)
	conv.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeMessageUpdated, ConversationID: conv.id, MessageID: messageID})

	err = s.opts.Backend.DeleteMessage(ctx, messageID)

	conv.mu.Lock()
	ours := conv.settle(key, token)
	if err != nil && ours {
		conv.store.Replace(prev)
		conv.failures[messageID] = err
	}
	conv.mu.Unlock()

	if err != nil {
		s.log.Warn("delete failed", "conversation_id", conv.id, "message_id", messageID, "error", err)
		if ours {
			s.bus.publish(Change{Kind: ChangeMessageFailed, ConversationID: conv.id, MessageID: messageID, Err: err})
		}
		return err
	}
	return nil
}

// MarkRead marks peer messages read; with no ids every unread message is
// marked. It returns the ids that changed.
func (s *Session) MarkRead(ctx context.Context, conversationID string, ids ...string) ([]string, error) {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return nil, err
	}

	type prior struct {
		receipt models.Receipt
		had     bool
		token   uint64
	}
	now := s.opts.Clock.Now()

	conv.mu.Lock()
	if len(ids) == 0 {
		ids = conv.unreadLocked()
	}
	eligible := make([]string, 0, len(ids))
	before := make(map[string]prior, len(ids))
	for _, id := range ids {
		m, ok := conv.store.byID[id]
		if !ok || m.SenderID == s.opts.SelfID || conv.isPending(id) {
			continue
		}
		r, had := conv.tracker.Receipt(id)
		before[id] = prior{receipt: r, had: had}
		eligible = append(eligible, id)
	}
	changed := conv.tracker.MarkReadBatch(eligible, s.opts.SelfID, now)
	for _, id := range changed {
		p := before[id]
		p.token = conv.begin(readKey(id))
		before[id] = p
	}
	conv.mu.Unlock()

	if len(changed) == 0 {
		return nil, nil
	}
	changes := make([]Change, 0, len(changed))
	for _, id := range changed {
		changes = append(changes, Change{Kind: ChangeStatus, ConversationID: conv.id, MessageID: id, UserID: s.opts.SelfID})
	}
	s.bus.publish(changes...)

	err = s.opts.Backend.MarkAsRead(ctx, changed)

	var reverted []Change
	conv.mu.Lock()
	for _, id := range changed {
		p := before[id]
		if !conv.settle(readKey(id), p.token) || err == nil {
			continue
		}
		conv.tracker.restore(id, p.receipt, p.had)
		reverted = append(reverted, Change{Kind: ChangeStatus, ConversationID: conv.id, MessageID: id, UserID: s.opts.SelfID, Err: err})
	}
	conv.mu.Unlock()

	if err != nil {
		s.log.Warn("mark read failed", "conversation_id", conv.id, "count", len(changed), "error", err)
		s.bus.publish(reverted...)
		return nil, err
	}
	return changed, nil
}

// Typing reports a keystroke in the conversation's composer
func (s *Session) Typing(conversationID string) error {
	if _, err := s.Conversation(conversationID); err != nil {
		return err
	}
	s.typing.Keystroke(conversationID)
	return nil
}

// StopTyping clears our typing marker straight away
func (s *Session) StopTyping() {
	s.typing.Stop()
}
