// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/efchatnet/efdm/backend/models"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer emits push notifications for the notification service to
// deliver to offline recipients
type Producer struct {
	w   writer
	log *slog.Logger
}

// NewProducer returns a Producer; with no brokers it drops every
// notification.
func NewProducer(brokers []string, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{log: log.With("component", "notify")}
	if len(brokers) == 0 {
		p.log.Info("push notifications disabled, no kafka brokers configured")
		return p
	}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return p
}

func (p *Producer) Enabled() bool {
	return p.w != nil
}

// Notify writes n keyed by recipient so one user's notifications stay in order
func (p *Producer) Notify(ctx context.Context, n models.PushNotification) error {
	if p.w == nil {
		return nil
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientID),
		Value: b,
		Time:  n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to publish push notification: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}
