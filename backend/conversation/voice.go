// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MinVoiceDuration rejects accidental taps on the record button
const MinVoiceDuration = 500 * time.Millisecond

var (
	ErrRecording    = errors.New("already recording")
	ErrNotRecording = errors.New("not recording")
	ErrTooShort     = errors.New("recording too short")
)

// Microphone hands out exclusive capture sessions
type Microphone interface {
	Acquire(ctx context.Context) (Capture, error)
}

// Capture is one exclusive use of the microphone. Release must be called
// exactly once whatever happens.
type Capture interface {
	Finish() (data []byte, contentType string, err error)
	Release() error
}

// Recording is a finished voice clip ready for upload
type Recording struct {
	Data        []byte
	ContentType string
	Duration    time.Duration
}

// VoiceRecorder owns the microphone between Start and Stop/Discard/Close
type VoiceRecorder struct {
	mu      sync.Mutex
	mic     Microphone
	clock   Clock
	capture Capture
	started time.Time
	log     *slog.Logger
}

func NewVoiceRecorder(mic Microphone, clock Clock, log *slog.Logger) *VoiceRecorder {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &VoiceRecorder{mic: mic, clock: clock, log: log}
}

func (r *VoiceRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture != nil {
		return ErrRecording
	}
	c, err := r.mic.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire microphone: %w", err)
	}
	if err := ctx.Err(); err != nil {
		r.release(c)
		return err
	}
	r.capture = c
	r.started = r.clock.Now()
	return nil
}

// Recording reports whether the microphone is held
func (r *VoiceRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capture != nil
}

// Stop finishes the clip and releases the microphone
func (r *VoiceRecorder) Stop() (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.capture
	if c == nil {
		return Recording{}, ErrNotRecording
	}
	r.capture = nil
	defer r.release(c)

	dur := r.clock.Now().Sub(r.started)
	data, contentType, err := c.Finish()
	if err != nil {
		return Recording{}, fmt.Errorf("failed to finish recording: %w", err)
	}
	if dur < MinVoiceDuration || len(data) == 0 {
		return Recording{}, ErrTooShort
	}
	return Recording{Data: data, ContentType: contentType, Duration: dur}, nil
}

// Discard drops the clip and releases the microphone
func (r *VoiceRecorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture != nil {
		r.release(r.capture)
		r.capture = nil
	}
}

func (r *VoiceRecorder) Close() error {
	r.Discard()
	return nil
}

func (r *VoiceRecorder) release(c Capture) {
	if err := c.Release(); err != nil {
		r.log.Warn("failed to release microphone", "error", err)
	}
}
