// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		db.Close()
	})
	return NewStore(db), mock
}

var messageRowColumns = []string{
	"id", "conversation_id", "sender_id", "client_id", "content",
	"media_type", "media_url", "voice_duration", "lat", "lng", "file_name",
	"reply_to_id", "reply_sender_id", "reply_snippet",
	"created_at", "edited_at", "deleted", "seq",
}

func TestInsertMessageLosesClientIDRace(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM dm_messages`).
		WithArgs("dm_1", "alice", "c1").
		WillReturnRows(sqlmock.NewRows(messageRowColumns))
	mock.ExpectQuery(`UPDATE dm_conversations`).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(4)))
	mock.ExpectExec(`INSERT INTO dm_messages`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	// the concurrent insert that won
	mock.ExpectQuery(`(?s)SELECT .+ FROM dm_messages`).
		WithArgs("dm_1", "alice", "c1").
		WillReturnRows(sqlmock.NewRows(messageRowColumns).AddRow(
			"m-winner", "dm_1", "alice", "c1", "hi",
			"", "", 0.0, nil, nil, "",
			nil, nil, nil,
			at, nil, false, int64(3),
		))

	m := &models.Message{ID: "m-loser", ConversationID: "dm_1", SenderID: "alice", ClientID: "c1", Content: "hi", CreatedAt: at}
	ev, created, err := store.InsertMessage(context.Background(), m, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("created = true for a duplicate client id")
	}
	if ev.Message.ID != "m-winner" || ev.Seq != 3 {
		t.Fatalf("event = %+v", ev.Message)
	}
}

func TestSetReactionWithoutChangeHasNoEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO dm_reactions .+ ON CONFLICT .+ DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ev, err := store.SetReaction(context.Background(), "dm_1",
		models.Reaction{MessageID: "m1", UserID: "bob", Emoji: "👍", CreatedAt: time.Now()}, true)
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Fatalf("event = %+v, want none", ev)
	}
}

func TestUpgradeReceiptsGroupsByConversation(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)UPDATE dm_receipts .+ AND r.status < \$3`).
		WithArgs("bob", sqlmock.AnyArg(), int(models.StatusRead), at).
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "message_id"}).
			AddRow("dm_1", "m2").
			AddRow("dm_1", "m1"))
	mock.ExpectQuery(`UPDATE dm_conversations`).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(9)))
	mock.ExpectExec(`INSERT INTO dm_events`).
		WithArgs("dm_1", int64(9), string(models.EventMessageStatus), sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events, err := store.UpgradeReceipts(context.Background(), "bob", []string{"m1", "m2", "m3"}, models.StatusRead, at)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	st := events[0].Status
	if events[0].Seq != 9 || len(st.MessageIDs) != 2 || st.MessageIDs[0] != "m1" || st.MessageIDs[1] != "m2" {
		t.Fatalf("status event = %+v seq %d", st, events[0].Seq)
	}
}
