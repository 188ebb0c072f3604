// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
)

// openTestStore connects to the database in EFDM_TEST_DATABASE_URL, for
// example postgres://localhost/efdm_test?sslmode=disable
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EFDM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EFDM_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return store
}

// newTestConversation creates a conversation between two fresh users
func newTestConversation(t *testing.T, store *Store) (conv models.Conversation, sender, recipient string) {
	t.Helper()
	a, b := models.OrderUsers("u-"+uuid.NewString(), "u-"+uuid.NewString())
	conv = models.Conversation{ID: "dm_" + uuid.NewString(), User1ID: a, User2ID: b, CreatedAt: time.Now().UTC()}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	return conv, a, b
}

func insert(t *testing.T, store *Store, conv models.Conversation, sender, recipient, clientID, content string, reply *models.ReplyPreview) (*models.Event, bool) {
	t.Helper()
	m := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sender,
		ClientID:       clientID,
		Content:        content,
		ReplyTo:        reply,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	ev, created, err := store.InsertMessage(context.Background(), m, recipient)
	if err != nil {
		t.Fatal(err)
	}
	return ev, created
}

func TestInsertMessageIdempotentOnClientID(t *testing.T) {
	store := openTestStore(t)
	conv, sender, recipient := newTestConversation(t, store)

	first, created := insert(t, store, conv, sender, recipient, "c1", "hello", nil)
	if !created || first.Seq != 1 {
		t.Fatalf("first insert: created = %v seq = %d", created, first.Seq)
	}
	again, created := insert(t, store, conv, sender, recipient, "c1", "hello", nil)
	if created || again.Message.ID != first.Message.ID || again.Seq != first.Seq {
		t.Fatalf("retry: created = %v message = %+v", created, again.Message)
	}

	got, err := store.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeq != 1 {
		t.Fatalf("last_seq = %d, want 1", got.LastSeq)
	}
}

func TestUpgradeReceiptsIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, sender, recipient := newTestConversation(t, store)
	ev, _ := insert(t, store, conv, sender, recipient, "c1", "hello", nil)
	id := ev.Message.ID
	now := time.Now().UTC()

	events, err := store.UpgradeReceipts(ctx, recipient, []string{id}, models.StatusRead, now)
	if err != nil || len(events) != 1 {
		t.Fatalf("read: events = %d err = %v", len(events), err)
	}
	events, err = store.UpgradeReceipts(ctx, recipient, []string{id}, models.StatusDelivered, now)
	if err != nil || len(events) != 0 {
		t.Fatalf("delivered after read: events = %d err = %v", len(events), err)
	}
	// the sender holds no receipt for its own message
	events, err = store.UpgradeReceipts(ctx, sender, []string{id}, models.StatusRead, now)
	if err != nil || len(events) != 0 {
		t.Fatalf("sender read: events = %d err = %v", len(events), err)
	}

	receipts, err := store.GetReceipts(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].Status != models.StatusRead {
		t.Fatalf("receipts = %+v", receipts)
	}
}

func TestSetReactionOnlyLogsChanges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, sender, recipient := newTestConversation(t, store)
	ev, _ := insert(t, store, conv, sender, recipient, "c1", "hello", nil)
	r := models.Reaction{MessageID: ev.Message.ID, UserID: recipient, Emoji: "🔥", CreatedAt: time.Now().UTC()}

	steps := []struct {
		present bool
		event   bool
	}{
		{true, true},
		{true, false},
		{false, true},
		{false, false},
	}
	for i, step := range steps {
		got, err := store.SetReaction(ctx, conv.ID, r, step.present)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if (got != nil) != step.event {
			t.Fatalf("step %d present=%v: event = %+v", i, step.present, got)
		}
	}
}

func TestDeleteMessageScrubsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, sender, recipient := newTestConversation(t, store)

	original, _ := insert(t, store, conv, sender, recipient, "c1", "secret plans", nil)
	id := original.Message.ID
	if _, err := store.EditMessage(ctx, id, "secret plans v2", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	reply, _ := insert(t, store, conv, recipient, sender, "c2", "what plans?", &models.ReplyPreview{
		MessageID: id, SenderID: sender, Snippet: "secret plans v2",
	})

	if _, err := store.DeleteMessage(ctx, id, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DeleteMessage(ctx, id, time.Now().UTC()); err == nil {
		t.Fatal("second delete succeeded")
	}

	m, err := store.GetMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Deleted || m.Content != models.DeletedPlaceholder {
		t.Fatalf("deleted message = %+v", m)
	}
	r, err := store.GetMessage(ctx, reply.Message.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.ReplyTo == nil || r.ReplyTo.Snippet != models.DeletedPlaceholder {
		t.Fatalf("reply preview = %+v", r.ReplyTo)
	}

	events, err := store.EventsAfter(ctx, conv.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		switch ev.Type {
		case models.EventMessageNew:
			if ev.Message.ID == id && (!ev.Message.Deleted || ev.Message.Content != models.DeletedPlaceholder) {
				t.Fatalf("message.new kept content: %+v", ev.Message)
			}
			if ev.Message.ReplyTo != nil && ev.Message.ReplyTo.Snippet != models.DeletedPlaceholder {
				t.Fatalf("reply event kept snippet: %+v", ev.Message.ReplyTo)
			}
		case models.EventMessageEdit:
			if ev.Edit.Content != models.DeletedPlaceholder {
				t.Fatalf("edit event kept content: %+v", ev.Edit)
			}
		}
	}
}
