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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

var (
	t0         = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	errNetwork = errors.New("network unreachable")
)

const (
	alice = "alice"
	bob   = "bob"
	convA = "dm_ab"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers outside the clock lock
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	self    string
	clock   Clock
	nextID  int
	lastSeq int64

	sendErr   error
	readErr   error
	reactErr  error
	editErr   error
	deleteErr error
	fetchErr  error

	// beforeReturn runs inside a call before it returns, to interleave
	// pushed events with in-flight requests
	beforeReturn func()

	sent    []models.SendRequest
	read    [][]string
	added   []string
	removed []string
	fetches []int64
	events  []models.Event
	typing  chan string
}

func newFakeBackend(self string, clock Clock) *fakeBackend {
	return &fakeBackend{self: self, clock: clock, typing: make(chan string, 32)}
}

func (b *fakeBackend) hook() {
	b.mu.Lock()
	h := b.beforeReturn
	b.mu.Unlock()
	if h != nil {
		h()
	}
}

func (b *fakeBackend) SendMessage(ctx context.Context, conversationID string, req models.SendRequest) (models.Message, error) {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, req)
	if b.sendErr != nil {
		return models.Message{}, b.sendErr
	}
	b.nextID++
	b.lastSeq++
	media, err := models.MediaFromWire(req.MediaWire)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:             fmt.Sprintf("srv-%d", b.nextID),
		ClientID:       req.ClientID,
		ConversationID: conversationID,
		SenderID:       b.self,
		Content:        req.Content,
		Media:          media,
		CreatedAt:      b.clock.Now(),
		Seq:            b.lastSeq,
	}, nil
}

func (b *fakeBackend) MarkAsRead(ctx context.Context, ids []string) error {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = append(b.read, ids)
	return b.readErr
}

func (b *fakeBackend) AddReaction(ctx context.Context, messageID, emoji string) error {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, messageID+emoji)
	return b.reactErr
}

func (b *fakeBackend) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, messageID+emoji)
	return b.reactErr
}

func (b *fakeBackend) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.editErr != nil {
		return models.Message{}, b.editErr
	}
	at := b.clock.Now()
	return models.Message{ID: messageID, SenderID: b.self, Content: content, EditedAt: &at}, nil
}

func (b *fakeBackend) DeleteMessage(ctx context.Context, messageID string) error {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteErr
}

func (b *fakeBackend) SetTypingIndicator(ctx context.Context, conversationID string) error {
	b.typing <- conversationID
	return nil
}

func (b *fakeBackend) FetchEvents(ctx context.Context, conversationID string, afterSeq int64) ([]models.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches = append(b.fetches, afterSeq)
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	var out []models.Event
	for _, ev := range b.events {
		if ev.ConversationID == conversationID && ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, a models.Attachment) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "https://cdn.example/" + a.Name, nil
}

// recorder collects bus changes
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds(kind ChangeKind) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Change
	for _, c := range r.changes {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	clock   *fakeClock
	backend *fakeBackend
	session *Session
	conv    *Conversation
	changes *recorder
}

// newFixture opens convA between alice (self) and bob
func newFixture(t *testing.T, seed ...models.Message) *fixture {
	t.Helper()
	clock := newFakeClock()
	backend := newFakeBackend(alice, clock)
	ids := 0
	s, err := NewSession(Options{
		SelfID:   alice,
		Backend:  backend,
		Uploader: &fakeUploader{},
		Clock:    clock,
		NewClientID: func() string {
			ids++
			return fmt.Sprintf("c%d", ids)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	conv, err := s.Open(Snapshot{
		Conversation: models.Conversation{ID: convA, User1ID: alice, User2ID: bob},
		Messages:     seed,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	s.Subscribe(rec.record)
	return &fixture{clock: clock, backend: backend, session: s, conv: conv, changes: rec}
}

func msg(id, sender string, at time.Time, content string) models.Message {
	return models.Message{ID: id, ConversationID: convA, SenderID: sender, Content: content, CreatedAt: at}
}

func newEvent(seq int64, m models.Message) *models.Event {
	m.Seq = seq
	return &models.Event{Type: models.EventMessageNew, ConversationID: convA, Seq: seq, At: m.CreatedAt, Message: &m}
}
