// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

func TestSendRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seenLocal bool
	f.session.Subscribe(func(c Change) {
		if c.Kind == ChangeMessageAdded && c.MessageID == "local-c1" {
			// optimistic copy is visible before the backend answers
			_, seenLocal = f.conv.Message("local-c1")
		}
	})

	sent, err := f.session.Send(ctx, convA, Draft{Content: "hello bob"})
	if err != nil {
		t.Fatal(err)
	}
	if !seenLocal {
		t.Fatal("no optimistic append")
	}
	if sent.ID != "srv-1" || sent.ClientID != "c1" {
		t.Fatalf("sent = %+v", sent)
	}
	if _, ok := f.conv.Message("local-c1"); ok {
		t.Fatal("local copy survived confirmation")
	}
	if f.conv.StatusFor("srv-1") != models.StatusSent {
		t.Fatalf("status = %v", f.conv.StatusFor("srv-1"))
	}

	// the pushed echo of our own message is absorbed
	f.session.Reconciler().Handle(ctx, newEvent(1, sent))
	if f.conv.Len() != 1 {
		t.Fatalf("len = %d after echo", f.conv.Len())
	}

	// bob reads it
	f.session.Reconciler().Handle(ctx, &models.Event{
		Type: models.EventMessageStatus, ConversationID: convA, Seq: 2,
		Status: &models.StatusChange{MessageIDs: []string{"srv-1"}, RecipientID: bob, Status: models.StatusRead, At: t0},
	})
	if f.conv.StatusFor("srv-1") != models.StatusRead {
		t.Fatalf("status = %v", f.conv.StatusFor("srv-1"))
	}
	if len(f.changes.kinds(ChangeMessageConfirmed)) != 1 {
		t.Fatal("expected one confirmation")
	}
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	f := newFixture(t)
	if _, err := f.session.Send(context.Background(), convA, Draft{Content: "  "}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.session.Send(context.Background(), "dm_other", Draft{Content: "x"}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v", err)
	}
	if f.conv.Len() != 0 {
		t.Fatal("rejected draft was appended")
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.sendErr = errNetwork

	local, err := f.session.Send(ctx, convA, Draft{Content: "are you there?"})
	if !errors.Is(err, errNetwork) {
		t.Fatalf("err = %v", err)
	}
	if local.ID != "local-c1" {
		t.Fatalf("failed send returned %+v", local)
	}
	if f.conv.PendingState(local.ID) != PendingFailed || !errors.Is(f.conv.Failure(local.ID), errNetwork) {
		t.Fatal("failed send not marked")
	}
	if f.conv.Len() != 1 {
		t.Fatal("failed send must stay in place")
	}

	f.backend.sendErr = nil
	sent, err := f.session.Retry(ctx, convA, local.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.conv.PendingState(local.ID) != PendingNone || f.conv.Failure(local.ID) != nil {
		t.Fatal("retry left failure state behind")
	}
	if f.backend.sent[0].ClientID != f.backend.sent[1].ClientID {
		t.Fatal("retry must reuse the client id")
	}
	if _, ok := f.conv.Message(sent.ID); !ok || f.conv.Len() != 1 {
		t.Fatal("confirmed message missing")
	}
	if _, err := f.session.Retry(ctx, convA, local.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("retry after success: %v", err)
	}
}

func TestRetryReuploadsFailedAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.session.opts.Uploader.(*fakeUploader)
	up.err = errors.New("s3 down")

	draft := Draft{Attachment: &models.Attachment{Kind: models.MediaImage, Name: "cat.png", Data: []byte{1}}}
	local, err := f.session.Send(ctx, convA, draft)
	if err == nil {
		t.Fatal("expected upload failure")
	}
	if len(f.backend.sent) != 0 {
		t.Fatal("backend called despite failed upload")
	}

	up.err = nil
	sent, err := f.session.Retry(ctx, convA, local.ID)
	if err != nil {
		t.Fatal(err)
	}
	if img, ok := sent.Media.(models.Image); !ok || img.URL != "https://cdn.example/cat.png" {
		t.Fatalf("media = %#v", sent.Media)
	}
	if up.calls != 2 {
		t.Fatalf("uploads = %d", up.calls)
	}
}

func TestPushConfirmsBeforeResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the pushed copy arrives while the HTTP call is still in flight
	f.backend.beforeReturn = func() {
		f.backend.beforeReturn = nil
		pushed := msg("srv-1", alice, t0, "quick")
		pushed.ClientID = "c1"
		f.session.Reconciler().Handle(ctx, newEvent(1, pushed))
	}
	if _, err := f.session.Send(ctx, convA, Draft{Content: "quick"}); err != nil {
		t.Fatal(err)
	}
	if f.conv.Len() != 1 {
		t.Fatalf("len = %d, want a single confirmed copy", f.conv.Len())
	}
	if f.conv.PendingState("local-c1") != PendingNone {
		t.Fatal("pending entry left behind")
	}
}

func TestReplyPreview(t *testing.T) {
	f := newFixture(t, msg("m1", bob, t0, "lunch at noon?"))
	if _, err := f.session.Send(context.Background(), convA, Draft{Content: "sure", ReplyToID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if f.backend.sent[0].ReplyToID != "m1" {
		t.Fatal("reply id not sent")
	}
	if _, err := f.session.Send(context.Background(), convA, Draft{Content: "x", ReplyToID: "nope"}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("unknown reply target: %v", err)
	}
}

func TestReactionRollback(t *testing.T) {
	f := newFixture(t, msg("m1", bob, t0, "hi"))
	ctx := context.Background()

	added, err := f.session.ToggleReaction(ctx, convA, "m1", "👍")
	if err != nil || !added {
		t.Fatalf("toggle: %v %v", added, err)
	}
	f.backend.reactErr = errNetwork
	if _, err := f.session.ToggleReaction(ctx, convA, "m1", "👍"); !errors.Is(err, errNetwork) {
		t.Fatalf("err = %v", err)
	}
	users := f.conv.ReactionsFor("m1")["👍"]
	if !users.Has(alice) {
		t.Fatal("failed removal was not rolled back")
	}
	if !errors.Is(f.conv.Failure("m1"), errNetwork) {
		t.Fatal("failure not recorded")
	}
}

func TestReactionRollbackSkipsConfirmedState(t *testing.T) {
	f := newFixture(t, msg("m1", bob, t0, "hi"))
	ctx := context.Background()
	f.backend.reactErr = errNetwork
	f.backend.beforeReturn = func() {
		f.backend.beforeReturn = nil
		// our other device added the same reaction and the server confirmed it
		f.session.Reconciler().Handle(ctx, &models.Event{
			Type: models.EventMessageReaction, ConversationID: convA, Seq: 1,
			Reaction: &models.ReactionChange{MessageID: "m1", UserID: alice, Emoji: "👍", Present: true},
		})
	}
	f.session.ToggleReaction(ctx, convA, "m1", "👍")
	if !f.conv.ReactionsFor("m1")["👍"].Has(alice) {
		t.Fatal("rollback overwrote confirmed state")
	}
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, msg("mine", alice, t0, "teh"), msg("theirs", bob, t0.Add(time.Second), "hi"))
	ctx := context.Background()

	if err := f.session.Edit(ctx, convA, "mine", "the"); err != nil {
		t.Fatal(err)
	}
	m, _ := f.conv.Message("mine")
	if m.Content != "the" || !m.Edited() {
		t.Fatalf("edit not applied: %+v", m)
	}
	if err := f.session.Edit(ctx, convA, "theirs", "x"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("edit theirs: %v", err)
	}
	if err := f.session.Delete(ctx, convA, "theirs"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("delete theirs: %v", err)
	}

	if err := f.session.Delete(ctx, convA, "mine"); err != nil {
		t.Fatal(err)
	}
	if err := f.session.Edit(ctx, convA, "mine", "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("edit deleted: %v", err)
	}
	if _, err := f.session.ToggleReaction(ctx, convA, "mine", "👍"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("react to deleted: %v", err)
	}
}

func TestEditFailureRestores(t *testing.T) {
	f := newFixture(t, msg("mine", alice, t0, "original"))
	ctx := context.Background()
	f.backend.editErr = errNetwork

	if err := f.session.Edit(ctx, convA, "mine", "changed"); !errors.Is(err, errNetwork) {
		t.Fatalf("err = %v", err)
	}
	m, _ := f.conv.Message("mine")
	if m.Content != "original" || m.Edited() {
		t.Fatalf("not restored: %+v", m)
	}
	if len(f.changes.kinds(ChangeMessageFailed)) != 1 {
		t.Fatal("failure not published")
	}
}

func TestDeleteFailureRestores(t *testing.T) {
	f := newFixture(t, msg("mine", alice, t0, "keep me"))
	f.backend.deleteErr = errNetwork
	if err := f.session.Delete(context.Background(), convA, "mine"); !errors.Is(err, errNetwork) {
		t.Fatalf("err = %v", err)
	}
	m, _ := f.conv.Message("mine")
	if m.Deleted || m.Content != "keep me" {
		t.Fatalf("not restored: %+v", m)
	}
}

func TestDeleteRollbackSkipsConfirmedDelete(t *testing.T) {
	f := newFixture(t, msg("mine", alice, t0, "bye"))
	ctx := context.Background()
	f.backend.deleteErr = errNetwork
	f.backend.beforeReturn = func() {
		f.backend.beforeReturn = nil
		f.session.Reconciler().Handle(ctx, &models.Event{
			Type: models.EventMessageDelete, ConversationID: convA, Seq: 1,
			Delete: &models.DeleteChange{MessageID: "mine", At: t0},
		})
	}
	f.session.Delete(ctx, convA, "mine")
	if m, _ := f.conv.Message("mine"); !m.Deleted {
		t.Fatal("confirmed delete was undone")
	}
}

func TestPendingMessagesRefuseChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.sendErr = errNetwork
	local, _ := f.session.Send(ctx, convA, Draft{Content: "x"})

	if err := f.session.Edit(ctx, convA, local.ID, "y"); !errors.Is(err, ErrPending) {
		t.Fatalf("edit: %v", err)
	}
	if _, err := f.session.ToggleReaction(ctx, convA, local.ID, "👍"); !errors.Is(err, ErrPending) {
		t.Fatalf("react: %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t,
		msg("b1", bob, t0, "one"),
		msg("a1", alice, t0.Add(time.Second), "mine"),
		msg("b2", bob, t0.Add(2*time.Second), "two"),
	)
	ctx := context.Background()

	if got := f.conv.Unread(); len(got) != 2 {
		t.Fatalf("unread = %v", got)
	}
	changed, err := f.session.MarkRead(ctx, convA)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 2 || f.conv.StatusFor("b2") != models.StatusRead {
		t.Fatalf("changed = %v", changed)
	}
	if len(f.conv.Unread()) != 0 {
		t.Fatal("still unread")
	}
	if changed, _ := f.session.MarkRead(ctx, convA, "b1"); len(changed) != 0 {
		t.Fatal("re-marking changed something")
	}
	if len(f.backend.read) != 1 {
		t.Fatalf("backend calls = %d", len(f.backend.read))
	}
}

func TestMarkReadFailureRestores(t *testing.T) {
	f := newFixture(t, msg("b1", bob, t0, "one"))
	f.conv.mu.Lock()
	f.conv.tracker.MarkDelivered("b1", alice, t0)
	f.conv.mu.Unlock()
	f.backend.readErr = errNetwork

	if _, err := f.session.MarkRead(context.Background(), convA, "b1"); !errors.Is(err, errNetwork) {
		t.Fatalf("err = %v", err)
	}
	if got := f.conv.StatusFor("b1"); got != models.StatusDelivered {
		t.Fatalf("status = %v, want delivered", got)
	}
}

func TestMarkReadKeepsServerConfirmedRead(t *testing.T) {
	f := newFixture(t, msg("b1", bob, t0, "one"))
	f.conv.mu.Lock()
	f.conv.tracker.MarkDelivered("b1", alice, t0)
	f.conv.mu.Unlock()
	ctx := context.Background()

	// the server commits the read and pushes it, then the response is lost
	f.backend.readErr = errNetwork
	f.backend.beforeReturn = func() {
		f.session.Reconciler().Handle(ctx, &models.Event{
			Type: models.EventMessageStatus, ConversationID: convA, Seq: 1, At: t0,
			Status: &models.StatusChange{MessageIDs: []string{"b1"}, RecipientID: alice, Status: models.StatusRead, At: t0},
		})
	}

	if _, err := f.session.MarkRead(ctx, convA, "b1"); !errors.Is(err, errNetwork) {
		t.Fatalf("err = %v", err)
	}
	if got := f.conv.StatusFor("b1"); got != models.StatusRead {
		t.Fatalf("status = %v, want read", got)
	}
}

func TestSessionClose(t *testing.T) {
	f := newFixture(t)
	f.session.Close()
	if _, err := f.session.Send(context.Background(), convA, Draft{Content: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}
