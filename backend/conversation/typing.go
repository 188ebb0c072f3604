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
	"time"
)

const (
	// DefaultTypingDebounce is the idle time after the last keystroke
	// before the typing marker is cleared.
	DefaultTypingDebounce = time.Second
	typingRefresh         = FreshnessWindow / 2
	typingQueueSize       = 16
)

// TypingDebouncer collapses keystrokes into at most one "typing" call per
// conversation switch plus one trailing clear. Calls are made in order on
// a single goroutine.
type TypingDebouncer struct {
	mu        sync.Mutex
	clock     Clock
	delay     time.Duration
	active    string
	sentAt    time.Time
	timer     Timer
	gen       uint64
	out       chan string
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
	log       *slog.Logger
}

// NewTypingDebouncer starts the sending goroutine; Close stops it
func NewTypingDebouncer(clock Clock, delay time.Duration, send func(ctx context.Context, conversationID string) error, log *slog.Logger) *TypingDebouncer {
	if clock == nil {
		clock = SystemClock
	}
	if delay <= 0 {
		delay = DefaultTypingDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	d := &TypingDebouncer{
		clock: clock,
		delay: delay,
		out:   make(chan string, typingQueueSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go d.loop(send)
	return d
}

func (d *TypingDebouncer) loop(send func(ctx context.Context, conversationID string) error) {
	defer close(d.done)
	for conversationID := range d.out {
		if err := send(context.Background(), conversationID); err != nil {
			d.log.Warn("typing indicator failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// enqueue is called with d.mu held
func (d *TypingDebouncer) enqueue(conversationID string) {
	if d.closed {
		return
	}
	select {
	case d.out <- conversationID:
	default:
		d.log.Warn("typing queue full, dropping update", "conversation_id", conversationID)
	}
}

// Keystroke reports local typing activity in conversationID
func (d *TypingDebouncer) Keystroke(conversationID string) {
	if conversationID == "" {
		d.Stop()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	now := d.clock.Now()
	if d.active != conversationID || now.Sub(d.sentAt) >= typingRefresh {
		if d.active != "" && d.active != conversationID {
			d.enqueue("")
		}
		d.active = conversationID
		d.sentAt = now
		d.enqueue(conversationID)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.expire(gen) })
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.active == "" {
		return
	}
	d.clearLocked()
}

func (d *TypingDebouncer) clearLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	if d.active != "" {
		d.active = ""
		d.sentAt = time.Time{}
		d.enqueue("")
	}
}

// Stop clears the marker immediately, for example after a send
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

// Active is the conversation currently marked as typing
func (d *TypingDebouncer) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Close clears any marker, flushes queued calls and stops the goroutine
func (d *TypingDebouncer) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.clearLocked()
		d.closed = true
		close(d.out)
		d.mu.Unlock()
		<-d.done
	})
}
