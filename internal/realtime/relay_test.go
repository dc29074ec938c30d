package realtime

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingLocal struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (l *recordingLocal) Publish(event events.DomainEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLocal) received() []events.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.DomainEvent(nil), l.events...)
}

func newRelayClient(t *testing.T, server *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return client
}

func startRelay(t *testing.T, server *miniredis.Miniredis, instanceID string, local LocalPublisher) *RedisRelay {
	t.Helper()
	relay, err := NewRedisRelay(RelayConfig{
		Client:     newRelayClient(t, server),
		InstanceID: instanceID,
		Local:      local,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(relay.Close)
	return relay
}

func TestRedisRelayForwardsToOtherInstances(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	localA := &recordingLocal{}
	localB := &recordingLocal{}
	relayA := startRelay(t, server, "instance-a", localA)
	startRelay(t, server, "instance-b", localB)

	relayA.Publish(movedEvent("board-1", "session-a", "c2"))

	deadline := time.Now().Add(2 * time.Second)
	for len(localB.received()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the event to reach the other instance")
		}
		time.Sleep(10 * time.Millisecond)
	}
	forwarded := localB.received()[0]
	if forwarded.BoardID != "board-1" || forwarded.Kind != events.KindItemMoved || forwarded.Items[0].Position != 150 {
		t.Fatalf("unexpected forwarded event: %+v", forwarded)
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(localA.received()); got != 1 {
		t.Fatalf("expected the origin instance to deliver exactly once, got %d", got)
	}
}

func TestRedisRelayPublishesLocallyWhenRedisIsDown(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := newRelayClient(t, server)
	local := &recordingLocal{}
	relay, err := NewRedisRelay(RelayConfig{Client: client, InstanceID: "instance-a", Local: local})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	server.Close()

	relay.Publish(movedEvent("board-1", "session-a", "c1"))
	if got := len(local.received()); got != 1 {
		t.Fatalf("expected local delivery despite redis failure, got %d", got)
	}
}

// stalledRedisAddr accepts connections and never answers them.
func stalledRedisAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return listener.Addr().String()
}

func TestRedisRelayPublishDoesNotWaitOnStalledRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: stalledRedisAddr(t)})
	t.Cleanup(func() { _ = client.Close() })
	core, recorded := observer.New(zapcore.WarnLevel)
	local := &recordingLocal{}
	relay, err := NewRedisRelay(RelayConfig{
		Client:     client,
		InstanceID: "instance-a",
		Local:      local,
		QueueSize:  1,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relay.forward(ctx)

	started := time.Now()
	for _, cardID := range []string{"c1", "c2", "c3", "c4", "c5"} {
		relay.Publish(movedEvent("board-1", "session-a", cardID))
	}
	if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
		t.Fatalf("expected Publish to return without waiting on redis, took %v", elapsed)
	}
	if got := len(local.received()); got != 5 {
		t.Fatalf("expected every event delivered locally, got %d", got)
	}
	if recorded.FilterMessage("relay queue full, event not forwarded").Len() == 0 {
		t.Fatalf("expected dropped forwards to be logged, got %v", recorded.All())
	}
}

func TestNewRedisRelayValidatesConfig(t *testing.T) {
	if _, err := NewRedisRelay(RelayConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
