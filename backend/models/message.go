// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// DeletedPlaceholder replaces the content of a deleted message
const DeletedPlaceholder = "This message was deleted"

// SnippetLength caps reply preview snippets, in runes
const SnippetLength = 80

// Message is a single direct message. ID and SenderID never change once
// created; Content, EditedAt and Deleted are the only mutable fields.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	Content        string
	Media          Media
	CreatedAt      time.Time
	EditedAt       *time.Time
	Deleted        bool
	ReplyTo        *ReplyPreview
	Seq            int64
}

// ReplyPreview is a weak reference to the message being replied to
type ReplyPreview struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Snippet   string `json:"snippet"`
}

// Edited reports whether the "(edited)" marker should be shown
func (m *Message) Edited() bool {
	return m.EditedAt != nil && !m.Deleted
}

// Clone returns a copy that shares no pointers with m
func (m *Message) Clone() *Message {
	c := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	return &c
}

// Preview builds the reply preview pointing at m
func (m *Message) Preview() *ReplyPreview {
	return &ReplyPreview{MessageID: m.ID, SenderID: m.SenderID, Snippet: Snippet(m)}
}

// Snippet is the short text shown for m in reply previews and push
// notifications.
func Snippet(m *Message) string {
	if m.Deleted {
		return DeletedPlaceholder
	}
	text := strings.TrimSpace(m.Content)
	if text == "" && m.Media != nil {
		return MediaLabel(m.Media)
	}
	if utf8.RuneCountInString(text) <= SnippetLength {
		return text
	}
	r := []rune(text)
	return string(r[:SnippetLength-1]) + "…"
}

type messageJSON struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	Deleted        bool          `json:"deleted"`
	ReplyTo        *ReplyPreview `json:"reply_to,omitempty"`
	Seq            int64         `json:"seq"`
	MediaWire
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		ReplyTo:        m.ReplyTo,
		Seq:            m.Seq,
		MediaWire:      Flatten(m.Media),
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	media, err := MediaFromWire(raw.MediaWire)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             raw.ID,
		ClientID:       raw.ClientID,
		ConversationID: raw.ConversationID,
		SenderID:       raw.SenderID,
		Content:        raw.Content,
		Media:          media,
		CreatedAt:      raw.CreatedAt,
		EditedAt:       raw.EditedAt,
		Deleted:        raw.Deleted,
		ReplyTo:        raw.ReplyTo,
		Seq:            raw.Seq,
	}
	return nil
}

// SendRequest is the body of a send call
type SendRequest struct {
	ClientID  string `json:"client_id"`
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	MediaWire
}

// AttachmentKind selects the media variant produced once an attachment is
// uploaded.
type AttachmentKind = MediaType

// Attachment is a local file waiting for upload
type Attachment struct {
	Kind        AttachmentKind
	Name        string
	ContentType string
	Data        []byte
	Duration    time.Duration
}

// MediaFor builds the media variant for an uploaded attachment
func (a Attachment) MediaFor(url string) Media {
	switch a.Kind {
	case MediaImage:
		return Image{URL: url}
	case MediaVideo:
		return Video{URL: url}
	case MediaVoice:
		return Voice{URL: url, Duration: a.Duration}
	case MediaFile:
		return File{URL: url, Name: a.Name}
	}
	return nil
}
