package realtime

import (
	"context"
	"errors"
	"testing"
)

func presenceUsers(t *testing.T, frame sentFrame) []string {
	t.Helper()
	snapshot, ok := frame.payload.(PresenceSnapshot)
	if !ok {
		t.Fatalf("expected presence snapshot, got %T", frame.payload)
	}
	ids := make([]string, len(snapshot.Users))
	for index, profile := range snapshot.Users {
		ids[index] = profile.UserID
	}
	return ids
}

func TestRegistryJoinBroadcastsPresence(t *testing.T) {
	transport := newRecordingTransport()
	registry, _ := newTestRegistry(t, transport, nil)
	mustConnect(t, registry, "session-a", "user-1")
	mustConnect(t, registry, "session-b", "user-2")

	mustJoin(t, registry, "session-a", "user-1", "board-1")
	mustJoin(t, registry, "session-b", "user-2", "board-1")

	frames := transport.sentEvents("session-a", EventPresence)
	if len(frames) != 2 {
		t.Fatalf("expected two presence frames for session-a, got %d", len(frames))
	}
	latest := presenceUsers(t, frames[1])
	if len(latest) != 2 || latest[0] != "user-1" || latest[1] != "user-2" {
		t.Fatalf("expected users ordered by display name, got %v", latest)
	}
	snapshot := frames[1].payload.(PresenceSnapshot)
	if snapshot.BoardID != "board-1" || snapshot.Users[0].DisplayName != "Ada" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestRegistryJoinLeavesPreviousRoom(t *testing.T) {
	transport := newRecordingTransport()
	registry, _ := newTestRegistry(t, transport, nil)
	mustConnect(t, registry, "session-a", "user-1")
	mustConnect(t, registry, "session-b", "user-2")
	mustJoin(t, registry, "session-a", "user-1", "board-1")
	mustJoin(t, registry, "session-b", "user-2", "board-1")

	mustJoin(t, registry, "session-a", "user-1", "board-2")

	if room, ok := registry.RoomOf("session-a"); !ok || room != "board-2" {
		t.Fatalf("expected session-a in board-2, got %q", room)
	}
	if sessions := registry.SessionsInRoom("board-1"); len(sessions) != 1 || sessions[0] != "session-b" {
		t.Fatalf("expected only session-b in board-1, got %v", sessions)
	}
	frames := transport.sentEvents("session-b", EventPresence)
	remaining := presenceUsers(t, frames[len(frames)-1])
	if len(remaining) != 1 || remaining[0] != "user-2" {
		t.Fatalf("expected board-1 presence to drop user-1, got %v", remaining)
	}
}

func TestRegistryDeduplicatesUsersAcrossSessions(t *testing.T) {
	registry, _ := newTestRegistry(t, newRecordingTransport(), nil)
	mustConnect(t, registry, "tab-1", "user-1")
	mustConnect(t, registry, "tab-2", "user-1")
	mustJoin(t, registry, "tab-1", "user-1", "board-1")
	mustJoin(t, registry, "tab-2", "user-1", "board-1")

	if profiles := registry.UsersInRoom("board-1"); len(profiles) != 1 {
		t.Fatalf("expected one distinct user, got %+v", profiles)
	}
	if sessions := registry.SessionsInRoom("board-1"); len(sessions) != 2 {
		t.Fatalf("expected two sessions, got %v", sessions)
	}
}

func TestRegistryLeaveIsNoOpOutsideRoom(t *testing.T) {
	transport := newRecordingTransport()
	registry, _ := newTestRegistry(t, transport, nil)
	mustConnect(t, registry, "session-a", "user-1")
	mustJoin(t, registry, "session-a", "user-1", "board-1")
	before := len(transport.sent("session-a"))

	registry.Leave("session-a", "board-2")
	registry.Leave("session-unknown", "board-1")
	if len(transport.sent("session-a")) != before {
		t.Fatalf("expected no presence frames for no-op leaves")
	}
	if room, ok := registry.RoomOf("session-a"); !ok || room != "board-1" {
		t.Fatalf("expected session-a to stay in board-1")
	}

	registry.Leave("session-a", "board-1")
	if _, ok := registry.RoomOf("session-a"); ok {
		t.Fatalf("expected session-a to have no room")
	}
	if sessions := registry.SessionsInRoom("board-1"); len(sessions) != 0 {
		t.Fatalf("expected empty room, got %v", sessions)
	}
}

func TestRegistryDisconnectUpdatesPresence(t *testing.T) {
	transport := newRecordingTransport()
	registry, _ := newTestRegistry(t, transport, nil)
	mustConnect(t, registry, "session-a", "user-1")
	mustConnect(t, registry, "session-b", "user-2")
	mustJoin(t, registry, "session-a", "user-1", "board-1")
	mustJoin(t, registry, "session-b", "user-2", "board-1")

	registry.Disconnect("session-a")

	if _, ok := registry.Owner("session-a"); ok {
		t.Fatalf("expected session-a to be forgotten")
	}
	frames := transport.sentEvents("session-b", EventPresence)
	remaining := presenceUsers(t, frames[len(frames)-1])
	if len(remaining) != 1 || remaining[0] != "user-2" {
		t.Fatalf("expected user-1 to leave presence, got %v", remaining)
	}
}

func TestRegistryRejectsForeignSessions(t *testing.T) {
	registry, _ := newTestRegistry(t, newRecordingTransport(), nil)
	mustConnect(t, registry, "session-a", "user-1")

	if err := registry.Join("session-a", "user-2", "board-1"); !errors.Is(err, ErrSessionOwner) {
		t.Fatalf("expected ErrSessionOwner, got %v", err)
	}
	if err := registry.Join("session-z", "user-1", "board-1"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := registry.Join("session-a", "user-1", ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestRegistryShutdownRejectsNewWork(t *testing.T) {
	registry, _ := newTestRegistry(t, newRecordingTransport(), nil)
	mustConnect(t, registry, "session-a", "user-1")
	mustJoin(t, registry, "session-a", "user-1", "board-1")

	registry.Shutdown()

	if sessions := registry.SessionsInRoom("board-1"); len(sessions) != 0 {
		t.Fatalf("expected rooms to be cleared, got %v", sessions)
	}
	if err := registry.Connect(context.Background(), "session-b", "user-2"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}
