package notify

import (
	"testing"
	"time"
)

func TestCenter_NewestFirstAndCapacity(t *testing.T) {
	c := NewCenter(2)
	c.Info("one")
	c.Success("two")
	c.Error("three")

	got := c.List()
	if len(got) != 2 {
		t.Fatalf("expected capacity of 2, got %d", len(got))
	}
	if got[0].Message != "three" || got[1].Message != "two" {
		t.Fatalf("expected newest first, got %q, %q", got[0].Message, got[1].Message)
	}
	if got[0].Level != LevelError || got[0].Source != SourceSystem {
		t.Fatalf("unexpected classification: %#v", got[0])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("expected unique ids, got %q and %q", got[0].ID, got[1].ID)
	}
}

func TestCenter_DismissAndUserCount(t *testing.T) {
	c := NewCenter(0)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	user := c.Notify(LevelWarning, SourceUser, "Engine Breakdown")
	c.Notify(LevelError, SourceUser, "Ship Hijack")
	c.Info("vessels refreshed")

	if user.Timestamp != fixed {
		t.Fatalf("expected injected clock, got %v", user.Timestamp)
	}
	if got := c.UserCount(); got != 2 {
		t.Fatalf("expected 2 user notifications, got %d", got)
	}
	if !c.Dismiss(user.ID) {
		t.Fatalf("expected dismiss to find %s", user.ID)
	}
	if c.Dismiss(user.ID) {
		t.Fatalf("expected second dismiss to report false")
	}
	if got := c.UserCount(); got != 1 {
		t.Fatalf("expected 1 user notification, got %d", got)
	}
}

func TestCenter_NilIsSafe(t *testing.T) {
	var c *Center
	c.Error("dropped")
	if c.List() != nil || c.UserCount() != 0 || c.Dismiss("x") {
		t.Fatalf("expected nil center to be inert")
	}
}
