// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import "sync"

// ChangeKind tells observers what moved
type ChangeKind int

const (
	ChangeMessageAdded ChangeKind = iota + 1
	ChangeMessageUpdated
	ChangeMessageConfirmed
	ChangeMessageFailed
	ChangeStatus
	ChangeReaction
	ChangePresence
	ChangeTyping
	ChangeLink
	ChangeResyncFailed
	ChangeUnknownConversation
)

// Change is delivered to observers after the mutation is complete and
// the conversation lock is released.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	// PreviousID is the local id replaced when a send is confirmed
	PreviousID string
	UserID     string
	Link       LinkState
	Err        error
}

// Bus fans changes out to subscribers. It is owned by a Session.
type Bus struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(Change)
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Change))}
}

// Subscribe registers fn and returns the function that removes it
func (b *Bus) Subscribe(fn func(Change)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]func(Change), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// Close drops every subscriber; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subs)
}
