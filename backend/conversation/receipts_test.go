// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package conversation

import (
	"slices"
	"testing"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

type index map[string]bool

func (i index) Has(id string) bool { return i[id] }

func TestTrackerIsMonotonic(t *testing.T) {
	tr := NewTracker(index{"m1": true})
	steps := []struct {
		mark func() bool
		want models.DeliveryStatus
	}{
		{func() bool { return tr.MarkSent("m1", bob, t0) }, models.StatusSent},
		{func() bool { return tr.MarkRead("m1", bob, t0.Add(time.Second)) }, models.StatusRead},
		{func() bool { return tr.MarkDelivered("m1", bob, t0.Add(2*time.Second)) }, models.StatusRead},
		{func() bool { return tr.MarkSent("m1", bob, t0.Add(3*time.Second)) }, models.StatusRead},
	}
	for i, s := range steps {
		s.mark()
		if got := tr.StatusFor("m1"); got != s.want {
			t.Fatalf("step %d: status %v, want %v", i, got, s.want)
		}
	}
}

func TestTrackerOutOfOrderReceipts(t *testing.T) {
	tr := NewTracker(index{"m1": true})
	if !tr.MarkRead("m1", bob, t0) {
		t.Fatal("read should apply")
	}
	if tr.MarkDelivered("m1", bob, t0.Add(-time.Second)) {
		t.Fatal("late delivered must not downgrade")
	}
	r, _ := tr.Receipt("m1")
	if r.Status != models.StatusRead || !r.UpdatedAt.Equal(t0) {
		t.Fatalf("receipt %+v", r)
	}
}

func TestTrackerRefusesUnknownMessages(t *testing.T) {
	tr := NewTracker(index{})
	if tr.MarkRead("ghost", bob, t0) {
		t.Fatal("mark for unknown id accepted")
	}
	if tr.StatusFor("ghost") != models.StatusNone {
		t.Fatal("unknown id has a status")
	}
}

func TestTrackerSingleRecipient(t *testing.T) {
	tr := NewTracker(index{"m1": true})
	tr.MarkSent("m1", bob, t0)
	if tr.MarkRead("m1", "mallory", t0) {
		t.Fatal("second recipient accepted")
	}
}

func TestTrackerReadBatch(t *testing.T) {
	tr := NewTracker(index{"a": true, "b": true, "c": true})
	tr.MarkRead("b", alice, t0)
	changed := tr.MarkReadBatch([]string{"a", "b", "c", "zzz"}, alice, t0)
	if !slices.Equal(changed, []string{"a", "c"}) {
		t.Fatalf("changed = %v", changed)
	}
}
