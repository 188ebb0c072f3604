// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

// Messenger is the messaging.Service surface the HTTP handlers use
type Messenger interface {
	UpsertProfile(ctx context.Context, p models.Profile) error
	InitiateConversation(ctx context.Context, userID, peerID string) (*models.Conversation, bool, error)
	FindConversation(ctx context.Context, userID, peerID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	Snapshot(ctx context.Context, userID, conversationID string, limit int) (*messaging.Snapshot, error)
	History(ctx context.Context, userID, conversationID string, beforeSeq int64, limit int) ([]models.Message, error)
	Events(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]models.Event, error)

	SendMessage(ctx context.Context, senderID, conversationID string, req models.SendRequest) (*models.Message, error)
	MarkAsRead(ctx context.Context, readerID string, messageIDs []string) ([]string, error)
	MarkDelivered(ctx context.Context, recipientID string, messageIDs []string) ([]string, error)
	AddReaction(ctx context.Context, userID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, userID, messageID, emoji string) error
	EditMessage(ctx context.Context, actorID, messageID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, actorID, messageID string) error

	SetTyping(ctx context.Context, userID, conversationID string) error
	GetPresence(ctx context.Context, userID string) (models.Presence, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, messaging.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, messaging.ErrForbidden), errors.Is(err, messaging.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, messaging.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, messaging.ErrInvalidState):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// requireUser returns the authenticated user or answers 401
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "Invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil && n >= 0
}
