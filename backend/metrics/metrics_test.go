// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.MessageSent()
	m.MessageSent()
	m.EventPublished("message.new")
	m.Rejected("not_owner")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.messagesSent); got != 2 {
		t.Fatalf("messages sent = %v", got)
	}
	if got := testutil.ToFloat64(m.eventsPublished.WithLabelValues("message.new")); got != 1 {
		t.Fatalf("events published = %v", got)
	}
	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Fatalf("connections = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageSent()
	m.Rejected("x")
	m.ConnectionClosed()
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Rejected("forbidden")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `efdm_operations_rejected_total{reason="forbidden"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
