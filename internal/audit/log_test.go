package audit

import (
	"context"
	"testing"
)

func TestNewFillsDefaultsFromContext(t *testing.T) {
	ctx := WithActor(context.Background(), 42)
	ctx = WithIP(ctx, "203.0.113.9")

	evt := New(ctx, ActionLoginSuccess, 7, "")

	if evt.ID == "" {
		t.Fatalf("expected generated event id")
	}
	if evt.OccurredAtUTC.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if evt.PerformingUserID != 42 {
		t.Fatalf("expected performing user 42, got %d", evt.PerformingUserID)
	}
	if evt.AffectedUserID != 7 {
		t.Fatalf("expected affected user 7, got %d", evt.AffectedUserID)
	}
	if evt.IPAddress != "203.0.113.9" {
		t.Fatalf("unexpected ip: %s", evt.IPAddress)
	}
}

func TestNewWithoutActorIsUnattributed(t *testing.T) {
	evt := New(context.Background(), ActionLoginFailed, 0, "unknown user")
	if evt.PerformingUserID != -1 {
		t.Fatalf("expected -1 for anonymous actor, got %d", evt.PerformingUserID)
	}
}

func TestMemorySinkBoundsAndFilters(t *testing.T) {
	sink := NewMemorySink(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		sink.Record(ctx, New(ctx, ActionLoginFailed, i, ""))
	}
	sink.Record(ctx, New(ctx, ActionAccountLocked, 9, ""))

	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected ring bounded at 3, got %d", len(events))
	}
	locked := sink.ByAction(ActionAccountLocked)
	if len(locked) != 1 || locked[0].AffectedUserID != 9 {
		t.Fatalf("unexpected filter result: %+v", locked)
	}
}
