package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/corkboard/internal/users"
	"go.uber.org/zap"
)

type sentFrame struct {
	event   string
	payload any
}

type recordingTransport struct {
	mu      sync.Mutex
	frames  map[string][]sentFrame
	offline map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(map[string][]sentFrame), offline: make(map[string]bool)}
}

func (tr *recordingTransport) Send(sessionID, event string, payload any) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.offline[sessionID] {
		return fmt.Errorf("%w: %s", ErrTransportUnavailable, sessionID)
	}
	tr.frames[sessionID] = append(tr.frames[sessionID], sentFrame{event: event, payload: payload})
	return nil
}

func (tr *recordingTransport) sent(sessionID string) []sentFrame {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]sentFrame(nil), tr.frames[sessionID]...)
}

func (tr *recordingTransport) sentEvents(sessionID, event string) []sentFrame {
	var matching []sentFrame
	for _, frame := range tr.sent(sessionID) {
		if frame.event == event {
			matching = append(matching, frame)
		}
	}
	return matching
}

type staticProfiles map[string]string

func (p staticProfiles) Profile(_ context.Context, userID string) (users.Profile, error) {
	name, ok := p[userID]
	if !ok {
		name = userID
	}
	return users.Profile{UserID: userID, DisplayName: name}, nil
}

func newTestRegistry(t *testing.T, transport Transport, logger *zap.Logger) (*Registry, *Broadcaster) {
	t.Helper()
	broadcaster, err := NewBroadcaster(BroadcasterConfig{Transport: transport, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}
	registry, err := NewRegistry(RegistryConfig{
		Broadcaster: broadcaster,
		Profiles:    staticProfiles{"user-1": "Ada", "user-2": "Grace"},
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return registry, broadcaster
}

func mustConnect(t *testing.T, registry *Registry, sessionID, userID string) {
	t.Helper()
	if err := registry.Connect(context.Background(), sessionID, userID); err != nil {
		t.Fatalf("connect %s: %v", sessionID, err)
	}
}

func mustJoin(t *testing.T, registry *Registry, sessionID, userID, boardID string) {
	t.Helper()
	if err := registry.Join(sessionID, userID, boardID); err != nil {
		t.Fatalf("join %s: %v", sessionID, err)
	}
}
