package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHubDeliversToOpenSession(t *testing.T) {
	hub := NewHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup, err := hub.Open(ctx, "session-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cleanup()

	if err := hub.Send("session-1", "item-moved", map[string]string{"item_id": "c1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case received := <-stream:
		if received.Event != "item-moved" {
			t.Fatalf("expected item-moved, got %s", received.Event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected frame within deadline")
	}
}

func TestHubReportsUnavailableSessions(t *testing.T) {
	hub := NewHub(1)
	if err := hub.Send("nobody", "presence", nil); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, cleanup, err := hub.Open(ctx, "session-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cleanup()
	if err := hub.Send("session-1", "presence", nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := hub.Send("session-1", "presence", nil); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected full buffer to be reported, got %v", err)
	}
}

func TestHubDetachesWhenContextEnds(t *testing.T) {
	hub := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	if _, _, err := hub.Open(ctx, "session-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !hub.Connected("session-1") {
		t.Fatalf("expected session to be connected")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for hub.Connected("session-1") {
		if time.Now().After(deadline) {
			t.Fatal("expected session to detach after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubReopenKeepsNewerStream(t *testing.T) {
	hub := NewHub(2)
	ctx := context.Background()
	_, firstCleanup, err := hub.Open(ctx, "session-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, secondCleanup, err := hub.Open(ctx, "session-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer secondCleanup()

	firstCleanup()
	if err := hub.Send("session-1", "presence", nil); err != nil {
		t.Fatalf("expected newer stream to remain attached: %v", err)
	}
	select {
	case <-second:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected frame on newer stream")
	}

	if _, _, err := hub.Open(ctx, ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}
