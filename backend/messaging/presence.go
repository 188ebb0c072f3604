// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"

	"github.com/efchatnet/efdm/backend/models"
)

// SetTyping marks userID typing in conversationID, or clears the marker
// when conversationID is empty. Typing events are not sequenced.
func (s *Service) SetTyping(ctx context.Context, userID, conversationID string) error {
	var peers []string
	if conversationID != "" {
		c, err := s.conversationFor(ctx, userID, conversationID)
		if err != nil {
			return err
		}
		peers = []string{c.PeerOf(userID)}
	} else {
		prev, err := s.presence.Typing(ctx, userID)
		if err != nil {
			return err
		}
		if prev != "" {
			if c, err := s.store.GetConversation(ctx, prev); err == nil && c.HasParticipant(userID) {
				peers = []string{c.PeerOf(userID)}
			}
		}
		if peers == nil {
			// the marker expired, so the conversation is unknown: clear everywhere
			if peers, err = s.peersOf(ctx, userID); err != nil {
				return err
			}
		}
	}

	if err := s.presence.SetTyping(ctx, userID, conversationID); err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}

	now := s.now().UTC()
	s.publish(ctx, models.Event{
		Type: models.EventTyping,
		At:   now,
		Typing: &models.TypingChange{
			UserID:         userID,
			ConversationID: conversationID,
			At:             now,
		},
	}, peers...)
	return nil
}

// Connect registers one realtime connection of userID; the first one
// announces the user online to every peer
func (s *Service) Connect(ctx context.Context, userID string) error {
	p, changed, err := s.presence.Connect(ctx, userID)
	if err != nil {
		return err
	}
	if changed {
		s.announce(ctx, p)
	}
	return nil
}

// Disconnect drops one connection; the last one announces the user offline
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	p, changed, err := s.presence.Disconnect(ctx, userID)
	if err != nil {
		return err
	}
	if changed {
		s.announce(ctx, p)
	}
	return nil
}

func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	return s.presence.Touch(ctx, userID)
}

func (s *Service) GetPresence(ctx context.Context, userID string) (models.Presence, error) {
	return s.presence.Get(ctx, userID)
}

func (s *Service) peersOf(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	peers := make([]string, 0, len(convs))
	for _, c := range convs {
		peers = append(peers, c.PeerOf(userID))
	}
	return peers, nil
}

func (s *Service) announce(ctx context.Context, p models.Presence) {
	peers, err := s.peersOf(ctx, p.UserID)
	if err != nil {
		s.log.Warn("failed to list peers for presence", "user_id", p.UserID, "error", err)
		return
	}
	if len(peers) == 0 {
		return
	}
	s.publish(ctx, models.Event{Type: models.EventPresence, At: p.LastSeen, Presence: &p}, peers...)
}
