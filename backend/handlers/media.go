// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/efchatnet/efdm/backend/storage/s3"
)

// MediaStore stores uploaded attachment bytes
type MediaStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	MaxBytes() int64
}

type MediaHandler struct {
	store MediaStore
	log   *slog.Logger
}

func NewMediaHandler(store MediaStore, log *slog.Logger) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{store: store, log: log.With("handler", "media")}
}

// Upload accepts one multipart "file" and returns its URL
// POST /api/dm/media
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := h.store.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large or malformed"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		badRequest(w, "failed to read upload")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	url, err := h.store.Upload(r.Context(), s3.Key(userID, header.Filename), contentType, data)
	if errors.Is(err, s3.ErrTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("media upload failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upload failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"url":          url,
		"content_type": contentType,
	})
}
