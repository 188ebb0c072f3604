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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/efchatnet/efdm/backend/conversation"
	"github.com/efchatnet/efdm/backend/models"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dm api: %d %s", e.Status, e.Message)
}

// Temporary reports whether retrying could succeed
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type Options struct {
	// BaseURL is the server root, e.g. https://chat.example; /api/dm is appended
	BaseURL    string
	Token      func() string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Breaker opens after this many consecutive server failures (default 5)
	// and stays open for BreakerTimeout (default 30s)
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPBackend talks to the DM API. Every call goes through one circuit
// breaker so an unreachable server fails fast.
type HTTPBackend struct {
	base  string
	token func() string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
	log   *slog.Logger
}

var (
	_ conversation.Backend  = (*HTTPBackend)(nil)
	_ conversation.Uploader = (*HTTPBackend)(nil)
)

func NewHTTPBackend(opts Options) *HTTPBackend {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dm-client")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dm-api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// client errors mean the server is up
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPBackend{
		base:  strings.TrimRight(opts.BaseURL, "/") + "/api/dm",
		token: token,
		http:  hc,
		cb:    cb,
		log:   log,
	}
}

// do sends body (JSON unless it is a *multipart payload) and decodes the
// answer into out when out is non-nil
func (b *HTTPBackend) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		var rd io.Reader
		contentType := ""
		switch v := body.(type) {
		case nil:
		case *multipartBody:
			rd, contentType = bytes.NewReader(v.data), v.contentType
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			rd, contentType = bytes.NewReader(data), "application/json"
		}

		req, err := http.NewRequestWithContext(ctx, method, b.base+path, rd)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if tok := b.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		resp, err := b.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			var e struct {
				Error string `json:"error"`
			}
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if json.Unmarshal(raw, &e) != nil || e.Error == "" {
				e.Error = strings.TrimSpace(string(raw))
			}
			return nil, &APIError{Status: resp.StatusCode, Message: e.Error}
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil, nil
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (b *HTTPBackend) SendMessage(ctx context.Context, conversationID string, req models.SendRequest) (models.Message, error) {
	var m models.Message
	err := b.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, &m)
	return m, err
}

func (b *HTTPBackend) MarkAsRead(ctx context.Context, messageIDs []string) error {
	return b.do(ctx, http.MethodPost, "/messages/read", map[string][]string{"message_ids": messageIDs}, nil)
}

func (b *HTTPBackend) AddReaction(ctx context.Context, messageID, emoji string) error {
	return b.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{"emoji": emoji}, nil)
}

func (b *HTTPBackend) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return b.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
}

func (b *HTTPBackend) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	var m models.Message
	err := b.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), map[string]string{"content": content}, &m)
	return m, err
}

func (b *HTTPBackend) DeleteMessage(ctx context.Context, messageID string) error {
	return b.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

func (b *HTTPBackend) SetTypingIndicator(ctx context.Context, conversationID string) error {
	body := map[string]*string{"conversation_id": nil}
	if conversationID != "" {
		body["conversation_id"] = &conversationID
	}
	return b.do(ctx, http.MethodPost, "/typing", body, nil)
}

func (b *HTTPBackend) FetchEvents(ctx context.Context, conversationID string, afterSeq int64) ([]models.Event, error) {
	var out struct {
		Events []models.Event `json:"events"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/events?after=" + strconv.FormatInt(afterSeq, 10)
	err := b.do(ctx, http.MethodGet, path, nil, &out)
	return out.Events, err
}

// Initiate returns the conversation with peerID, creating it if needed
func (b *HTTPBackend) Initiate(ctx context.Context, peerID string) (models.Conversation, error) {
	var c models.Conversation
	err := b.do(ctx, http.MethodPost, "/conversations", map[string]string{"peer_id": peerID}, &c)
	return c, err
}

func (b *HTTPBackend) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	err := b.do(ctx, http.MethodGet, "/conversations", nil, &out)
	return out.Conversations, err
}

// Snapshot loads what Session.Open needs for a conversation
func (b *HTTPBackend) Snapshot(ctx context.Context, conversationID string) (conversation.Snapshot, error) {
	var snap conversation.Snapshot
	var out struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
		Receipts     []models.Receipt    `json:"receipts"`
		Reactions    []models.Reaction   `json:"reactions"`
	}
	if err := b.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return snap, err
	}
	snap.Conversation = out.Conversation
	snap.Messages = out.Messages
	snap.Receipts = out.Receipts
	snap.Reactions = out.Reactions
	return snap, nil
}

type multipartBody struct {
	data        []byte
	contentType string
}

// Upload sends an attachment to the media endpoint and returns its URL
func (b *HTTPBackend) Upload(ctx context.Context, a models.Attachment) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := a.Name
	if name == "" {
		name = string(a.Kind)
	}
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, name)},
		"Content-Type":        {a.ContentType},
	})
	if err != nil {
		return "", err
	}
	if _, err := part.Write(a.Data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		URL string `json:"url"`
	}
	body := &multipartBody{data: buf.Bytes(), contentType: mw.FormDataContentType()}
	if err := b.do(ctx, http.MethodPost, "/media", body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
