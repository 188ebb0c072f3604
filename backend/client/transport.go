// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/conversation"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Transport keeps a websocket to the DM server open and reports what
// happens on it as conversation signals.
type Transport struct {
	url        string
	token      func() string
	dialer     *websocket.Dialer
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

type TransportOptions struct {
	BaseURL    string
	Token      func() string
	Logger     *slog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewTransport(opts TransportOptions) *Transport {
	u := strings.TrimRight(opts.BaseURL, "/") + "/api/dm/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	t := &Transport{
		url:        u,
		token:      opts.Token,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:        opts.Logger,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
	}
	if t.token == nil {
		t.token = func() string { return "" }
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	t.log = t.log.With("component", "dm-transport")
	if t.minBackoff <= 0 {
		t.minBackoff = defaultMinBackoff
	}
	if t.maxBackoff < t.minBackoff {
		t.maxBackoff = max(defaultMaxBackoff, t.minBackoff)
	}
	return t
}

// Signals starts the transport and returns its signal stream. The channel
// closes once ctx ends.
func (t *Transport) Signals(ctx context.Context) <-chan conversation.Signal {
	out := make(chan conversation.Signal, 64)
	go func() {
		defer close(out)
		t.Run(ctx, out)
	}()
	return out
}

// Run dials, reads and redials with capped exponential backoff until ctx
// ends.
func (t *Transport) Run(ctx context.Context, out chan<- conversation.Signal) {
	backoff := t.minBackoff
	for ctx.Err() == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			t.log.Warn("dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, t.maxBackoff)
			continue
		}
		backoff = t.minBackoff

		if !emit(ctx, out, conversation.Signal{Kind: conversation.SignalConnected}) {
			conn.Close()
			return
		}
		t.read(ctx, conn, out)
		if !emit(ctx, out, conversation.Signal{Kind: conversation.SignalDisconnected}) {
			return
		}
		if !sleep(ctx, backoff) {
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := t.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (t *Transport) read(ctx context.Context, conn *websocket.Conn, out chan<- conversation.Signal) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Info("connection lost", "error", err)
			}
			return
		}
		ev, err := models.DecodeEvent(data)
		if err != nil {
			t.log.Warn("dropping bad frame", "error", err)
			continue
		}
		if !emit(ctx, out, conversation.Signal{Kind: conversation.SignalEvent, Event: ev}) {
			return
		}
	}
}

func emit(ctx context.Context, out chan<- conversation.Signal, sig conversation.Signal) bool {
	select {
	case out <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
