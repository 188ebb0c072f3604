// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import (
	"fmt"
	"maps"
	"strings"
)

// UserSet is the set of users that reacted with one emoji
type UserSet map[string]struct{}

func (u UserSet) Has(userID string) bool {
	_, ok := u[userID]
	return ok
}

// Ledger holds at most one reaction per (message, user, emoji)
type Ledger struct {
	index     MessageIndex
	reactions map[string]map[string]UserSet
}

func NewLedger(index MessageIndex) *Ledger {
	return &Ledger{
		index:     index,
		reactions: make(map[string]map[string]UserSet),
	}
}

// Toggle adds the reaction when absent and removes it when present
func (l *Ledger) Toggle(messageID, userID, emoji string) (bool, error) {
	if err := l.check(messageID, emoji); err != nil {
		return false, err
	}
	present := l.Has(messageID, userID, emoji)
	l.set(messageID, userID, emoji, !present)
	return !present, nil
}

// Set forces the reaction to the given presence. Repeating it is harmless.
func (l *Ledger) Set(messageID, userID, emoji string, present bool) (bool, error) {
	if err := l.check(messageID, emoji); err != nil {
		return false, err
	}
	if l.Has(messageID, userID, emoji) == present {
		return false, nil
	}
	l.set(messageID, userID, emoji, present)
	return true, nil
}

func (l *Ledger) Has(messageID, userID, emoji string) bool {
	return l.reactions[messageID][emoji].Has(userID)
}

// ReactionsFor returns a copy; emoji without reactors are absent
func (l *Ledger) ReactionsFor(messageID string) map[string]UserSet {
	out := make(map[string]UserSet, len(l.reactions[messageID]))
	for emoji, users := range l.reactions[messageID] {
		out[emoji] = maps.Clone(users)
	}
	return out
}

func (l *Ledger) check(messageID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return ErrEmptyEmoji
	}
	if !l.index.Has(messageID) {
		return fmt.Errorf("reaction on %s: %w", messageID, ErrMessageNotFound)
	}
	return nil
}

func (l *Ledger) set(messageID, userID, emoji string, present bool) {
	byEmoji := l.reactions[messageID]
	if present {
		if byEmoji == nil {
			byEmoji = make(map[string]UserSet)
			l.reactions[messageID] = byEmoji
		}
		if byEmoji[emoji] == nil {
			byEmoji[emoji] = make(UserSet)
		}
		byEmoji[emoji][userID] = struct{}{}
		return
	}
	delete(byEmoji[emoji], userID)
	if len(byEmoji[emoji]) == 0 {
		delete(byEmoji, emoji)
	}
	if len(byEmoji) == 0 {
		delete(l.reactions, messageID)
	}
}
