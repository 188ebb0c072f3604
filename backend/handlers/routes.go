// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes groups the handlers mounted under /api/dm
type Routes struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Media         *MediaHandler // optional
	Realtime      http.Handler  // optional websocket endpoint
}

// Register adds the DM endpoints to api, which must already carry auth
func (rt Routes) Register(api *mux.Router) {
	c, m := rt.Conversations, rt.Messages

	api.HandleFunc("/conversations", c.Initiate).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations", c.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/find", c.Find).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{id}", c.Snapshot).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{id}/messages", c.History).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{id}/messages", m.Send).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{id}/events", c.Events).Methods("GET", "OPTIONS")

	api.HandleFunc("/messages/read", m.Read).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/delivered", m.Delivered).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/{id}", m.Edit).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/messages/{id}", m.Delete).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/messages/{id}/reactions", m.AddReaction).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/{id}/reactions/{emoji}", m.RemoveReaction).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/typing", c.Typing).Methods("POST", "OPTIONS")
	api.HandleFunc("/presence/{userId}", c.Presence).Methods("GET", "OPTIONS")
	api.HandleFunc("/unread", c.Unread).Methods("GET", "OPTIONS")

	if rt.Media != nil {
		api.HandleFunc("/media", rt.Media.Upload).Methods("POST", "OPTIONS")
	}
	if rt.Realtime != nil {
		api.Handle("/ws", rt.Realtime).Methods("GET")
	}
}
