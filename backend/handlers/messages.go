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
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/models"
)

type MessageHandler struct {
	svc Messenger
	log *slog.Logger
}

func NewMessageHandler(svc Messenger, log *slog.Logger) *MessageHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessageHandler{svc: svc, log: log.With("handler", "messages")}
}

// Send stores a message in a conversation
// POST /api/dm/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	senderID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.SendRequest
	if !decode(w, r, &req) {
		return
	}

	m, err := h.svc.SendMessage(r.Context(), senderID, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type messageIDsRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// Read marks messages addressed to the caller as read
// POST /api/dm/messages/read
func (h *MessageHandler) Read(w http.ResponseWriter, r *http.Request) {
	h.upgrade(w, r, h.svc.MarkAsRead)
}

// Delivered marks messages addressed to the caller as delivered
// POST /api/dm/messages/delivered
func (h *MessageHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	h.upgrade(w, r, h.svc.MarkDelivered)
}

func (h *MessageHandler) upgrade(w http.ResponseWriter, r *http.Request, mark func(ctx context.Context, userID string, ids []string) ([]string, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req messageIDsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.MessageIDs) == 0 {
		badRequest(w, "message_ids is required")
		return
	}

	changed, err := mark(r.Context(), userID, req.MessageIDs)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": changed})
}

type editRequest struct {
	Content string `json:"content"`
}

// Edit replaces the text of the caller's message
// PATCH /api/dm/messages/{id}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.EditMessage(r.Context(), userID, mux.Vars(r)["id"], req.Content)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Delete tombstones the caller's message
// DELETE /api/dm/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// AddReaction
// POST /api/dm/messages/{id}/reactions
func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req reactionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.AddReaction(r.Context(), userID, mux.Vars(r)["id"], req.Emoji); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveReaction
// DELETE /api/dm/messages/{id}/reactions/{emoji}
func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.svc.RemoveReaction(r.Context(), userID, vars["id"], vars["emoji"]); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
