// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

// memStore is an in-memory storage.Store with the same sequencing rules as
// the postgres implementation
type memStore struct {
	mu        sync.Mutex
	convs     map[string]*models.Conversation
	profiles  map[string]models.Profile
	messages  map[string]*models.Message
	order     []string
	receipts  map[string]*models.Receipt
	reactions map[string]models.Reaction
	events    map[string][]models.Event
}

func newMemStore() *memStore {
	return &memStore{
		convs:     make(map[string]*models.Conversation),
		profiles:  make(map[string]models.Profile),
		messages:  make(map[string]*models.Message),
		receipts:  make(map[string]*models.Receipt),
		reactions: make(map[string]models.Reaction),
		events:    make(map[string][]models.Event),
	}
}

func (s *memStore) CreateConversation(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.User1ID == conv.User1ID && c.User2ID == conv.User2ID {
			return storage.ErrConflict
		}
	}
	s.convs[conv.ID] = &conv
	return nil
}

func (s *memStore) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b = models.OrderUsers(a, b)
	for _, c := range s.convs {
		if c.User1ID == a && c.User2ID == b {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b models.Conversation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *memStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
	return nil
}

func (s *memStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

// appendEvent must be called with mu held
func (s *memStore) appendEvent(ev *models.Event) {
	c := s.convs[ev.ConversationID]
	c.LastSeq++
	ev.Seq = c.LastSeq
	s.events[ev.ConversationID] = append(s.events[ev.ConversationID], *ev)
}

func (s *memStore) InsertMessage(ctx context.Context, m *models.Message, recipientID string) (*models.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[m.ConversationID]; !ok {
		return nil, false, storage.ErrNotFound
	}
	for _, id := range s.order {
		e := s.messages[id]
		if e.ConversationID == m.ConversationID && e.SenderID == m.SenderID && e.ClientID == m.ClientID {
			return &models.Event{Type: models.EventMessageNew, ConversationID: e.ConversationID, Seq: e.Seq, Message: e.Clone()}, false, nil
		}
	}
	ev := &models.Event{Type: models.EventMessageNew, ConversationID: m.ConversationID, At: m.CreatedAt}
	s.appendEvent(ev)
	m.Seq = ev.Seq
	stored := m.Clone()
	ev.Message = stored.Clone()
	s.events[m.ConversationID][len(s.events[m.ConversationID])-1] = *ev
	s.messages[m.ID] = stored
	s.order = append(s.order, m.ID)
	s.receipts[m.ID] = &models.Receipt{MessageID: m.ID, RecipientID: recipientID, Status: models.StatusSent, UpdatedAt: m.CreatedAt}
	return ev, true, nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *memStore) GetMessages(ctx context.Context, ids []string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, *m.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListMessages(ctx context.Context, convID string, beforeSeq int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID == convID && (beforeSeq == 0 || m.Seq < beforeSeq) {
			out = append(out, *m.Clone())
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) EditMessage(ctx context.Context, id, content string, at time.Time) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return nil, storage.ErrNotFound
	}
	m.Content, m.EditedAt = content, &at
	ev := &models.Event{Type: models.EventMessageEdit, ConversationID: m.ConversationID, At: at,
		Edit: &models.EditChange{MessageID: id, Content: content, EditedAt: at}}
	s.appendEvent(ev)
	return ev, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id string, at time.Time) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return nil, storage.ErrNotFound
	}
	m.Deleted, m.Content, m.Media = true, models.DeletedPlaceholder, nil
	ev := &models.Event{Type: models.EventMessageDelete, ConversationID: m.ConversationID, At: at,
		Delete: &models.DeleteChange{MessageID: id, At: at}}
	s.appendEvent(ev)
	return ev, nil
}

func (s *memStore) UpgradeReceipts(ctx context.Context, recipientID string, ids []string, status models.DeliveryStatus, at time.Time) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := map[string][]string{}
	for _, id := range ids {
		r, ok := s.receipts[id]
		if !ok || r.RecipientID != recipientID || !status.Outranks(r.Status) {
			continue
		}
		r.Status, r.UpdatedAt = status, at
		conv := s.messages[id].ConversationID
		changed[conv] = append(changed[conv], id)
	}
	var events []models.Event
	for _, conv := range slices.Sorted(maps.Keys(changed)) {
		ev := models.Event{Type: models.EventMessageStatus, ConversationID: conv, At: at,
			Status: &models.StatusChange{MessageIDs: changed[conv], RecipientID: recipientID, Status: status, At: at}}
		s.appendEvent(&ev)
		events = append(events, ev)
	}
	return events, nil
}

func (s *memStore) GetReceipts(ctx context.Context, convID string) ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Receipt
	for _, id := range s.order {
		if s.messages[id].ConversationID == convID {
			out = append(out, *s.receipts[id])
		}
	}
	return out, nil
}

func (s *memStore) SetReaction(ctx context.Context, convID string, r models.Reaction, present bool) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.MessageID + "|" + r.UserID + "|" + r.Emoji
	_, exists := s.reactions[key]
	if exists == present {
		return nil, nil
	}
	if present {
		s.reactions[key] = r
	} else {
		delete(s.reactions, key)
	}
	ev := &models.Event{Type: models.EventMessageReaction, ConversationID: convID, At: r.CreatedAt,
		Reaction: &models.ReactionChange{MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji, Present: present}}
	s.appendEvent(ev)
	return ev, nil
}

func (s *memStore) GetReactions(ctx context.Context, convID string) ([]models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reaction
	for _, r := range s.reactions {
		if m, ok := s.messages[r.MessageID]; ok && m.ConversationID == convID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) EventsAfter(ctx context.Context, convID string, after int64, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events[convID] {
		if ev.Seq > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type published struct {
	ev    models.Event
	users []string
}

type fakeEvents struct {
	mu  sync.Mutex
	out []published
}

func (f *fakeEvents) Publish(ctx context.Context, ev models.Event, userIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{ev: ev, users: userIDs})
	return nil
}

func (f *fakeEvents) ofType(t models.EventType) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.out {
		if p.ev.Type == t {
			out = append(out, p)
		}
	}
	return out
}

type fakeUnread struct {
	sets map[string]map[string]bool
}

func (f *fakeUnread) AddUnread(ctx context.Context, userID string, ids ...string) error {
	if f.sets[userID] == nil {
		f.sets[userID] = map[string]bool{}
	}
	for _, id := range ids {
		f.sets[userID][id] = true
	}
	return nil
}

func (f *fakeUnread) RemoveUnread(ctx context.Context, userID string, ids ...string) error {
	for _, id := range ids {
		delete(f.sets[userID], id)
	}
	return nil
}

func (f *fakeUnread) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return int64(len(f.sets[userID])), nil
}

type fakePresence struct {
	conns  map[string]int
	typing map[string]string
	now    func() time.Time
}

func (f *fakePresence) Connect(ctx context.Context, userID string) (models.Presence, bool, error) {
	f.conns[userID]++
	return models.Presence{UserID: userID, Online: true, LastSeen: f.now()}, f.conns[userID] == 1, nil
}

func (f *fakePresence) Disconnect(ctx context.Context, userID string) (models.Presence, bool, error) {
	f.conns[userID]--
	online := f.conns[userID] > 0
	return models.Presence{UserID: userID, Online: online, LastSeen: f.now()}, !online, nil
}

func (f *fakePresence) Touch(ctx context.Context, userID string) error { return nil }

func (f *fakePresence) Get(ctx context.Context, userID string) (models.Presence, error) {
	return models.Presence{UserID: userID, Online: f.conns[userID] > 0}, nil
}

func (f *fakePresence) SetTyping(ctx context.Context, userID, convID string) error {
	f.typing[userID] = convID
	return nil
}

func (f *fakePresence) Typing(ctx context.Context, userID string) (string, error) {
	return f.typing[userID], nil
}

type fakeNotifier struct {
	sent []models.PushNotification
}

func (f *fakeNotifier) Notify(ctx context.Context, n models.PushNotification) error {
	f.sent = append(f.sent, n)
	return nil
}

type fixture struct {
	svc      *Service
	store    *memStore
	events   *fakeEvents
	unread   *fakeUnread
	presence *fakePresence
	notifier *fakeNotifier
	conv     *models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	var n int
	f := &fixture{
		store:    newMemStore(),
		events:   &fakeEvents{},
		unread:   &fakeUnread{sets: map[string]map[string]bool{}},
		presence: &fakePresence{conns: map[string]int{}, typing: map[string]string{}, now: clock},
		notifier: &fakeNotifier{},
	}
	f.svc = NewService(Options{
		Store:    f.store,
		Events:   f.events,
		Unread:   f.unread,
		Presence: f.presence,
		Notifier: f.notifier,
		Now:      clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
	})

	conv, _, err := f.svc.InitiateConversation(context.Background(), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	f.conv = conv
	return f
}

func (f *fixture) send(t *testing.T, sender, clientID, content string) *models.Message {
	t.Helper()
	m, err := f.svc.SendMessage(context.Background(), sender, f.conv.ID, models.SendRequest{ClientID: clientID, Content: content})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return m
}
