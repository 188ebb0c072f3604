// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

type fakeService struct {
	mu        sync.Mutex
	connected int
	typing    []string
	delivered chan []string
	gone      chan string
}

func newFakeService() *fakeService {
	return &fakeService{delivered: make(chan []string, 8), gone: make(chan string, 1)}
}

func (f *fakeService) Connect(ctx context.Context, userID string) error {
	f.mu.Lock()
	f.connected++
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Disconnect(ctx context.Context, userID string) error {
	f.gone <- userID
	return nil
}

func (f *fakeService) Heartbeat(ctx context.Context, userID string) error { return nil }

func (f *fakeService) SetTyping(ctx context.Context, userID, conversationID string) error {
	f.mu.Lock()
	f.typing = append(f.typing, conversationID)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) MarkDelivered(ctx context.Context, userID string, ids []string) ([]string, error) {
	f.delivered <- ids
	return ids, nil
}

type fakeFeed struct {
	ch chan []byte
}

func (f *fakeFeed) Stream(ctx context.Context, userID string) (<-chan []byte, func() error, error) {
	return f.ch, func() error { return nil }, nil
}

func startHub(t *testing.T, svc *fakeService, feed *fakeFeed) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(svc, feed, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.WithClaims(r.Context(), &middleware.Claims{UserID: "alice"})
		hub.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func encode(t *testing.T, ev models.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestForwardsEventsAndMarksDelivered(t *testing.T) {
	svc := newFakeService()
	feed := &fakeFeed{ch: make(chan []byte, 4)}
	_, conn := startHub(t, svc, feed)

	feed.ch <- encode(t, models.Event{
		Type: models.EventMessageNew, ConversationID: "dm_1", Seq: 1,
		Message: &models.Message{ID: "m1", ConversationID: "dm_1", SenderID: "bob", Content: "hi"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	ev, err := models.DecodeEvent(data)
	if err != nil || ev.Message.ID != "m1" {
		t.Fatalf("event = %+v, err = %v", ev, err)
	}

	select {
	case ids := <-svc.delivered:
		if len(ids) != 1 || ids[0] != "m1" {
			t.Fatalf("delivered = %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not marked delivered")
	}
}

func TestOwnMessageNotMarkedDelivered(t *testing.T) {
	svc := newFakeService()
	feed := &fakeFeed{ch: make(chan []byte, 4)}
	_, conn := startHub(t, svc, feed)

	feed.ch <- encode(t, models.Event{
		Type: models.EventMessageNew, ConversationID: "dm_1", Seq: 1,
		Message: &models.Message{ID: "m1", ConversationID: "dm_1", SenderID: "alice", Content: "hi"},
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	select {
	case ids := <-svc.delivered:
		t.Fatalf("own message marked delivered: %v", ids)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientFrames(t *testing.T) {
	svc := newFakeService()
	feed := &fakeFeed{ch: make(chan []byte)}
	hub, conn := startHub(t, svc, feed)

	if err := conn.WriteJSON(ClientFrame{Type: "delivered", MessageIDs: []string{"m7"}}); err != nil {
		t.Fatal(err)
	}
	select {
	case ids := <-svc.delivered:
		if ids[0] != "m7" {
			t.Fatalf("delivered = %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivered frame not handled")
	}

	conn.WriteJSON(ClientFrame{Type: "typing", ConversationID: "dm_1"})
	conn.Close()

	select {
	case user := <-svc.gone:
		if user != "alice" {
			t.Fatalf("disconnected %s", user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not recorded")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.connected != 1 || len(svc.typing) != 1 || svc.typing[0] != "dm_1" {
		t.Fatalf("connected = %d, typing = %v", svc.connected, svc.typing)
	}
	if n := hub.Connections(); n > 1 {
		t.Fatalf("connections = %d", n)
	}
}
