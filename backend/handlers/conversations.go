// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// ConversationHandler serves conversation listing, snapshots and backfill
type ConversationHandler struct {
	svc Messenger
	log *slog.Logger
}

func NewConversationHandler(svc Messenger, log *slog.Logger) *ConversationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationHandler{svc: svc, log: log.With("handler", "conversations")}
}

// InitiateRequest represents a request to start a conversation
type InitiateRequest struct {
	PeerID string `json:"peer_id"`
}

// Initiate creates or retrieves the conversation with a peer
// POST /api/dm/conversations
func (h *ConversationHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req InitiateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PeerID == "" {
		badRequest(w, "peer_id is required")
		return
	}

	conv, created, err := h.svc.InitiateConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// List returns the caller's conversations, most recent first
// GET /api/dm/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	convs, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	})
}

// Find looks up the conversation with peer_id
// GET /api/dm/conversations/find?peer_id=
func (h *ConversationHandler) Find(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		badRequest(w, "peer_id is required")
		return
	}
	conv, err := h.svc.FindConversation(r.Context(), userID, peerID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Snapshot returns the latest page with receipts and reactions
// GET /api/dm/conversations/{id}?limit=
func (h *ConversationHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	snap, err := h.svc.Snapshot(r.Context(), userID, mux.Vars(r)["id"], int(limit))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// History pages through older messages
// GET /api/dm/conversations/{id}/messages?before=&limit=
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	before, ok1 := queryInt(r, "before")
	limit, ok2 := queryInt(r, "limit")
	if !ok1 || !ok2 {
		badRequest(w, "invalid paging parameters")
		return
	}
	msgs, err := h.svc.History(r.Context(), userID, mux.Vars(r)["id"], before, int(limit))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// Events returns the change log after a sequence number
// GET /api/dm/conversations/{id}/events?after=&limit=
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	after, ok1 := queryInt(r, "after")
	limit, ok2 := queryInt(r, "limit")
	if !ok1 || !ok2 {
		badRequest(w, "invalid paging parameters")
		return
	}
	events, err := h.svc.Events(r.Context(), userID, mux.Vars(r)["id"], after, int(limit))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type typingRequest struct {
	ConversationID *string `json:"conversation_id"`
}

// Typing sets or clears the caller's typing marker
// POST /api/dm/typing
func (h *ConversationHandler) Typing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req typingRequest
	if !decode(w, r, &req) {
		return
	}
	convID := ""
	if req.ConversationID != nil {
		convID = *req.ConversationID
	}
	if err := h.svc.SetTyping(r.Context(), userID, convID); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Presence returns a user's online state
// GET /api/dm/presence/{userId}
func (h *ConversationHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	p, err := h.svc.GetPresence(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Unread returns the caller's total unread count
// GET /api/dm/unread
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.svc.UnreadCount(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": n})
}
