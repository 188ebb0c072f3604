// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	// UnreadTTL bounds how long an idle user's unread set is kept
	UnreadTTL = 30 * 24 * time.Hour

	// Redis key prefixes
	notifyPrefix = "dm:notify:" // dm:notify:{userId} - pub/sub channel of pushed events
	unreadPrefix = "dm:unread:" // dm:unread:{userId} - set of unread message IDs
)

// NotifyChannel is the pub/sub channel a user's connections listen on
func NotifyChannel(userID string) string {
	return notifyPrefix + userID
}

// EventBus fans events out to every connection of a user through Redis
// pub/sub and keeps the per-user unread sets.
type EventBus struct {
	rdb *redis.Client
}

func NewEventBus(rdb *redis.Client) *EventBus {
	return &EventBus{rdb: rdb}
}

// Publish sends ev to each user's notification channel
func (b *EventBus) Publish(ctx context.Context, ev models.Event, userIDs ...string) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := b.rdb.Pipeline()
	for _, userID := range userIDs {
		pipe.Publish(ctx, NotifyChannel(userID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe subscribes to real-time notifications for a user
func (b *EventBus) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, NotifyChannel(userID))
}

// Stream subscribes to userID's channel and returns its payloads. The
// subscription is confirmed before Stream returns.
func (b *EventBus) Stream(ctx context.Context, userID string) (<-chan []byte, func() error, error) {
	pubsub := b.rdb.Subscribe(ctx, NotifyChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe %s: %w", userID, err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() error {
		once.Do(func() { close(done) })
		return pubsub.Close()
	}
	return out, stop, nil
}

// AddUnread marks messages as unread for a user
func (b *EventBus) AddUnread(ctx context.Context, userID string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	key := unreadPrefix + userID
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, key, toAny(messageIDs)...)
	pipe.Expire(ctx, key, UnreadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark as unread: %w", err)
	}
	return nil
}

// RemoveUnread clears messages from a user's unread set
func (b *EventBus) RemoveUnread(ctx context.Context, userID string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := b.rdb.SRem(ctx, unreadPrefix+userID, toAny(messageIDs)...).Err(); err != nil {
		return fmt.Errorf("failed to clear unread: %w", err)
	}
	return nil
}

// UnreadCount returns the number of unread messages for a user
func (b *EventBus) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return b.rdb.SCard(ctx, unreadPrefix+userID).Result()
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
