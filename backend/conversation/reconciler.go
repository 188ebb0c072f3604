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

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/efchatnet/efdm/backend/models"
)

// LinkState is the state of the realtime connection
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkSyncing
	LinkLive
	LinkReconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkSyncing:
		return "syncing"
	case LinkLive:
		return "live"
	case LinkReconnecting:
		return "reconnecting"
	}
	return "idle"
}

type SignalKind int

const (
	SignalConnected SignalKind = iota + 1
	SignalDisconnected
	SignalEvent
)

// Signal is one input from the transport
type Signal struct {
	Kind  SignalKind
	Event *models.Event
}

// maxResyncPages stops a resync that keeps returning events without
// advancing.
const maxResyncPages = 1000

// Reconciler merges pushed events into the session's conversations. No
// error escapes it: bad events are logged and dropped.
type Reconciler struct {
	s   *Session
	log *slog.Logger

	mu    sync.Mutex
	state LinkState
}

func newReconciler(s *Session) *Reconciler {
	return &Reconciler{s: s, log: s.log.With("component", "reconciler")}
}

func (r *Reconciler) State() LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(state LinkState) {
	r.mu.Lock()
	changed := r.state != state
	r.state = state
	r.mu.Unlock()
	if changed {
		r.log.Debug("link state", "state", state)
		r.s.bus.publish(Change{Kind: ChangeLink, Link: state})
	}
}

// Connected resyncs every open conversation from its last applied Seq,
// then goes live.
func (r *Reconciler) Connected(ctx context.Context) {
	r.setState(LinkSyncing)
	for _, conv := range r.s.open() {
		if ctx.Err() != nil {
			return
		}
		r.resync(ctx, conv)
	}
	r.setState(LinkLive)
}

func (r *Reconciler) Disconnected() {
	if r.State() == LinkIdle {
		return
	}
	r.setState(LinkReconnecting)
}

// Handle routes one pushed event
func (r *Reconciler) Handle(ctx context.Context, ev *models.Event) {
	if ev == nil {
		return
	}
	if err := ev.Validate(); err != nil {
		r.log.Warn("dropping malformed event", "error", err)
		return
	}

	switch ev.Type {
	case models.EventPresence:
		p := ev.Presence
		if r.s.presence.SetPresence(p.UserID, p.Online, p.LastSeen) {
			r.s.bus.publish(Change{Kind: ChangePresence, UserID: p.UserID})
		}
		return
	case models.EventTyping:
		t := ev.Typing
		if t.UserID == r.s.opts.SelfID {
			return
		}
		at := t.At
		if at.IsZero() {
			at = r.s.opts.Clock.Now()
		}
		if r.s.presence.SetTyping(t.UserID, t.ConversationID, at) {
			r.s.bus.publish(Change{Kind: ChangeTyping, ConversationID: t.ConversationID, UserID: t.UserID})
		}
		return
	}

	conv, err := r.s.Conversation(ev.ConversationID)
	if err != nil {
		r.log.Debug("event for conversation not open", "conversation_id", ev.ConversationID, "type", ev.Type)
		r.s.bus.publish(Change{Kind: ChangeUnknownConversation, ConversationID: ev.ConversationID})
		return
	}
	changes, overflow := conv.ingest(ev)
	r.s.bus.publish(changes...)
	if overflow {
		r.resync(ctx, conv)
	}
}

// resync pulls events after the last applied Seq until the server has
// nothing newer, then applies whatever is left in the reorder buffer.
func (r *Reconciler) resync(ctx context.Context, conv *Conversation) {
	for range maxResyncPages {
		after := conv.LastSeq()
		events, err := r.s.opts.Backend.FetchEvents(ctx, conv.id, after)
		if err != nil {
			r.log.Warn("resync failed", "conversation_id", conv.id, "after", after, "error", err)
			r.s.bus.publish(Change{Kind: ChangeResyncFailed, ConversationID: conv.id, Err: err})
			return
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			ev := &events[i]
			if err := ev.Validate(); err != nil {
				r.log.Warn("dropping malformed event from resync", "conversation_id", conv.id, "error", err)
				continue
			}
			changes, _ := conv.ingest(ev)
			r.s.bus.publish(changes...)
		}
		if conv.LastSeq() == after {
			break
		}
	}
	r.s.bus.publish(conv.flushBuffer()...)
}

// Run consumes transport signals until ctx ends or signals is closed
func (r *Reconciler) Run(ctx context.Context, signals <-chan Signal) error {
	for {
		select {
		case <-ctx.Done():
			r.setState(LinkIdle)
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				r.setState(LinkIdle)
				return nil
			}
			switch sig.Kind {
			case SignalConnected:
				r.Connected(ctx)
			case SignalDisconnected:
				r.Disconnected()
			case SignalEvent:
				r.Handle(ctx, sig.Event)
			default:
				r.log.Warn("unknown signal", "kind", sig.Kind)
			}
		}
	}
}
