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

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("not a participant")
	ErrNotOwner     = errors.New("only the sender may change a message")
	ErrInvalidState = errors.New("message was deleted")
	ErrInvalid      = errors.New("invalid request")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Publisher fans events out to every connection of the given users
type Publisher interface {
	Publish(ctx context.Context, ev models.Event, userIDs ...string) error
}

type UnreadIndex interface {
	AddUnread(ctx context.Context, userID string, messageIDs ...string) error
	RemoveUnread(ctx context.Context, userID string, messageIDs ...string) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

type PresenceStore interface {
	Connect(ctx context.Context, userID string) (models.Presence, bool, error)
	Disconnect(ctx context.Context, userID string) (models.Presence, bool, error)
	Touch(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (models.Presence, error)
	SetTyping(ctx context.Context, userID, conversationID string) error
	Typing(ctx context.Context, userID string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.PushNotification) error
}

type Options struct {
	Store    storage.Store
	Events   Publisher
	Unread   UnreadIndex
	Presence PresenceStore
	Notifier Notifier // optional
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service is the authoritative side of a conversation: it validates every
// mutation, sequences it and fans the resulting event out.
type Service struct {
	store    storage.Store
	events   Publisher
	unread   UnreadIndex
	presence PresenceStore
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		events:   opts.Events,
		unread:   opts.Unread,
		presence: opts.Presence,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "messaging")
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// mapErr translates storage errors into service errors
func mapErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (s *Service) reject(reason string, err error) error {
	s.metrics.Rejected(reason)
	return err
}

// publish delivers ev; the event is already durable, so failures are only
// logged and clients catch up through backfill
func (s *Service) publish(ctx context.Context, ev models.Event, userIDs ...string) {
	if err := s.events.Publish(ctx, ev, userIDs...); err != nil {
		s.log.Warn("failed to publish event", "type", ev.Type, "conversation_id", ev.ConversationID, "seq", ev.Seq, "error", err)
		return
	}
	s.metrics.EventPublished(string(ev.Type))
}

// conversationFor loads a conversation and checks userID belongs to it
func (s *Service) conversationFor(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapErr(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, s.reject("forbidden", ErrForbidden)
	}
	return conv, nil
}

// messageFor loads a message and its conversation for a participant
func (s *Service) messageFor(ctx context.Context, userID, messageID string) (*models.Message, *models.Conversation, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	conv, err := s.conversationFor(ctx, userID, m.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return m, conv, nil
}

// UpsertProfile records the display fields peers see for a user
func (s *Service) UpsertProfile(ctx context.Context, p models.Profile) error {
	if p.UserID == "" {
		return ErrInvalid
	}
	return s.store.UpsertProfile(ctx, p)
}

// InitiateConversation returns the conversation between the two users,
// creating it if needed
func (s *Service) InitiateConversation(ctx context.Context, userID, peerID string) (*models.Conversation, bool, error) {
	if userID == "" || peerID == "" || userID == peerID {
		return nil, false, s.reject("invalid", fmt.Errorf("%w: cannot start a conversation with %q", ErrInvalid, peerID))
	}

	conv, err := s.store.FindConversation(ctx, userID, peerID)
	if err != nil {
		return nil, false, err
	}
	created := false
	if conv == nil {
		user1, user2 := models.OrderUsers(userID, peerID)
		conv = &models.Conversation{
			ID:        "dm_" + s.newID(),
			User1ID:   user1,
			User2ID:   user2,
			CreatedAt: s.now().UTC(),
		}
		err := s.store.CreateConversation(ctx, *conv)
		switch {
		case errors.Is(err, storage.ErrConflict):
			// created concurrently by the peer
			if conv, err = s.store.FindConversation(ctx, userID, peerID); err != nil {
				return nil, false, err
			}
			if conv == nil {
				return nil, false, fmt.Errorf("conversation %s/%s vanished after conflict", user1, user2)
			}
		case err != nil:
			return nil, false, err
		default:
			created = true
			s.log.Info("conversation created", "conversation_id", conv.ID)
		}
	}

	s.attachPeer(ctx, conv, userID)
	return conv, created, nil
}

func (s *Service) attachPeer(ctx context.Context, conv *models.Conversation, viewerID string) {
	if conv.Peer != nil {
		return
	}
	p, err := s.store.GetProfile(ctx, conv.PeerOf(viewerID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("failed to load peer profile", "conversation_id", conv.ID, "error", err)
		}
		return
	}
	conv.Peer = p
}

func (s *Service) FindConversation(ctx context.Context, userID, peerID string) (*models.Conversation, error) {
	conv, err := s.store.FindConversation(ctx, userID, peerID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	s.attachPeer(ctx, conv, userID)
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

// Snapshot is what a client opens a conversation with
type Snapshot struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []models.Message    `json:"messages"`
	Receipts     []models.Receipt    `json:"receipts"`
	Reactions    []models.Reaction   `json:"reactions"`
}

// Snapshot returns the latest page of a conversation. The conversation row
// is read first, so its LastSeq never runs ahead of the contents.
func (s *Service) Snapshot(ctx context.Context, userID, conversationID string, limit int) (*Snapshot, error) {
	conv, err := s.conversationFor(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	s.attachPeer(ctx, conv, userID)

	msgs, err := s.store.ListMessages(ctx, conversationID, 0, pageSize(limit))
	if err != nil {
		return nil, err
	}
	receipts, err := s.store.GetReceipts(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	reactions, err := s.store.GetReactions(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Conversation: *conv,
		Messages:     nonNil(msgs),
		Receipts:     nonNil(receipts),
		Reactions:    nonNil(reactions),
	}, nil
}

// History pages backwards through older messages
func (s *Service) History(ctx context.Context, userID, conversationID string, beforeSeq int64, limit int) ([]models.Message, error) {
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, beforeSeq, pageSize(limit))
	return nonNil(msgs), err
}

// Events returns the change log after afterSeq for resync
func (s *Service) Events(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]models.Event, error) {
	if afterSeq < 0 {
		return nil, ErrInvalid
	}
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxPageSize
	}
	events, err := s.store.EventsAfter(ctx, conversationID, afterSeq, min(limit, MaxPageSize))
	return nonNil(events), err
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.unread.UnreadCount(ctx, userID)
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
