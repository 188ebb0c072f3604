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
	"slices"
	"strings"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// SendMessage stores and fans out a message. Repeating a request with the
// same client id returns the stored message without a second event.
func (s *Service) SendMessage(ctx context.Context, senderID, conversationID string, req models.SendRequest) (*models.Message, error) {
	conv, err := s.conversationFor(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}
	if req.ClientID == "" {
		return nil, s.reject("invalid", fmt.Errorf("%w: client_id is required", ErrInvalid))
	}
	media, err := models.MediaFromWire(req.MediaWire)
	if err != nil {
		return nil, s.reject("invalid", fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if strings.TrimSpace(req.Content) == "" && media == nil {
		return nil, s.reject("invalid", fmt.Errorf("%w: message is empty", ErrInvalid))
	}

	m := &models.Message{
		ID:             s.newID(),
		ClientID:       req.ClientID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        req.Content,
		Media:          media,
		CreatedAt:      s.now().UTC(),
	}
	if req.ReplyToID != "" {
		target, err := s.store.GetMessage(ctx, req.ReplyToID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if target == nil || target.ConversationID != conv.ID {
			return nil, s.reject("invalid", fmt.Errorf("%w: reply target %s is not in this conversation", ErrInvalid, req.ReplyToID))
		}
		m.ReplyTo = target.Preview()
	}

	recipientID := conv.PeerOf(senderID)
	ev, created, err := s.store.InsertMessage(ctx, m, recipientID)
	if err != nil {
		return nil, mapErr(err)
	}
	if !created {
		s.log.Debug("duplicate send", "conversation_id", conv.ID, "client_id", req.ClientID)
		return ev.Message, nil
	}

	s.metrics.MessageSent()
	s.publish(ctx, *ev, senderID, recipientID)
	if err := s.unread.AddUnread(ctx, recipientID, m.ID); err != nil {
		s.log.Warn("failed to index unread message", "message_id", m.ID, "error", err)
	}
	s.notifyOffline(ctx, conv, ev.Message)
	return ev.Message, nil
}

func (s *Service) notifyOffline(ctx context.Context, conv *models.Conversation, m *models.Message) {
	if s.notifier == nil {
		return
	}
	recipientID := conv.PeerOf(m.SenderID)
	if p, err := s.presence.Get(ctx, recipientID); err == nil && p.Online {
		return
	}

	n := models.PushNotification{
		RecipientID:    recipientID,
		SenderID:       m.SenderID,
		ConversationID: conv.ID,
		MessageID:      m.ID,
		Preview:        models.Snippet(m),
		CreatedAt:      m.CreatedAt,
	}
	if p, err := s.store.GetProfile(ctx, m.SenderID); err == nil {
		n.SenderName = p.Name
		if n.SenderName == "" {
			n.SenderName = p.Username
		}
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("failed to queue push notification", "message_id", m.ID, "error", err)
	}
}

// MarkAsRead raises the reader's receipts to read and returns the ids that
// changed. Ids the reader did not receive are ignored.
func (s *Service) MarkAsRead(ctx context.Context, readerID string, messageIDs []string) ([]string, error) {
	changed, err := s.upgrade(ctx, readerID, messageIDs, models.StatusRead)
	if err != nil {
		return nil, err
	}
	if err := s.unread.RemoveUnread(ctx, readerID, messageIDs...); err != nil {
		s.log.Warn("failed to clear unread messages", "user_id", readerID, "error", err)
	}
	return changed, nil
}

func (s *Service) MarkDelivered(ctx context.Context, recipientID string, messageIDs []string) ([]string, error) {
	return s.upgrade(ctx, recipientID, messageIDs, models.StatusDelivered)
}

func (s *Service) upgrade(ctx context.Context, recipientID string, messageIDs []string, status models.DeliveryStatus) ([]string, error) {
	ids := slices.Compact(slices.Sorted(slices.Values(messageIDs)))
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == "" })
	if len(ids) == 0 {
		return nil, nil
	}

	events, err := s.store.UpgradeReceipts(ctx, recipientID, ids, status, s.now().UTC())
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, ev := range events {
		conv, err := s.store.GetConversation(ctx, ev.ConversationID)
		if err != nil {
			s.log.Warn("status event for unknown conversation", "conversation_id", ev.ConversationID, "error", err)
			continue
		}
		s.publish(ctx, ev, conv.User1ID, conv.User2ID)
		changed = append(changed, ev.Status.MessageIDs...)
	}
	return changed, nil
}

// AddReaction and RemoveReaction are idempotent; an event is emitted only
// when the reaction set changes
func (s *Service) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	return s.setReaction(ctx, userID, messageID, emoji, true)
}

func (s *Service) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	return s.setReaction(ctx, userID, messageID, emoji, false)
}

func (s *Service) setReaction(ctx context.Context, userID, messageID, emoji string, present bool) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return s.reject("invalid", fmt.Errorf("%w: emoji is required", ErrInvalid))
	}
	m, conv, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if present && m.Deleted {
		return s.reject("deleted", ErrInvalidState)
	}

	ev, err := s.store.SetReaction(ctx, conv.ID, models.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: s.now().UTC(),
	}, present)
	if err != nil {
		return err
	}
	if ev != nil {
		s.publish(ctx, *ev, conv.User1ID, conv.User2ID)
	}
	return nil
}

// EditMessage replaces the text of a live message sent by actorID
func (s *Service) EditMessage(ctx context.Context, actorID, messageID, content string) (*models.Message, error) {
	m, conv, err := s.messageFor(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actorID {
		return nil, s.reject("not_owner", ErrNotOwner)
	}
	if m.Deleted {
		return nil, s.reject("deleted", ErrInvalidState)
	}
	if strings.TrimSpace(content) == "" && m.Media == nil {
		return nil, s.reject("invalid", fmt.Errorf("%w: content is empty", ErrInvalid))
	}

	editedAt := s.now().UTC()
	ev, err := s.store.EditMessage(ctx, messageID, content, editedAt)
	if errors.Is(err, storage.ErrNotFound) {
		// deleted between the read and the update
		return nil, s.reject("deleted", ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	s.publish(ctx, *ev, conv.User1ID, conv.User2ID)

	m.Content = content
	m.EditedAt = &editedAt
	return m, nil
}

// DeleteMessage tombstones a message sent by actorID
func (s *Service) DeleteMessage(ctx context.Context, actorID, messageID string) error {
	m, conv, err := s.messageFor(ctx, actorID, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return s.reject("not_owner", ErrNotOwner)
	}
	if m.Deleted {
		return s.reject("deleted", ErrInvalidState)
	}

	ev, err := s.store.DeleteMessage(ctx, messageID, s.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return s.reject("deleted", ErrInvalidState)
	}
	if err != nil {
		return err
	}
	s.publish(ctx, *ev, conv.User1ID, conv.User2ID)

	if err := s.unread.RemoveUnread(ctx, conv.PeerOf(actorID), messageID); err != nil {
		s.log.Warn("failed to clear unread message", "message_id", messageID, "error", err)
	}
	return nil
}
