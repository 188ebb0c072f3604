// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

// SyncProfile copies display fields from the token into the profile table
// the first time this process sees a user
func SyncProfile(svc Messenger, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	var seen sync.Map

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := middleware.GetClaims(r)
			if ok {
				userID := claims.User()
				if _, loaded := seen.LoadOrStore(userID, true); !loaded {
					err := svc.UpsertProfile(r.Context(), models.Profile{
						UserID:    userID,
						Username:  claims.Username,
						Name:      claims.Name,
						AvatarURL: claims.AvatarURL,
					})
					if err != nil {
						seen.Delete(userID)
						log.Warn("failed to sync profile", "user_id", userID, "error", err)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
