package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRelayChannel = "corkboard:events"
	relayPublishTimeout = 2 * time.Second
	relayReconnectDelay = time.Second
	defaultRelayQueue   = 1024
)

// LocalPublisher delivers an event to this process's sessions.
type LocalPublisher interface {
	Publish(event events.DomainEvent)
}

// RelayConfig describes the dependencies of the RedisRelay.
type RelayConfig struct {
	Client     *redis.Client
	Channel    string
	InstanceID string
	Local      LocalPublisher
	QueueSize  int
	Logger     *zap.Logger
}

// RedisRelay publishes events locally and forwards them over a Redis channel
// so that sessions connected to other instances receive them too. Ordering
// across instances is not guaranteed. Forwarding happens on a background
// goroutine; Publish never waits on Redis.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	local      LocalPublisher
	logger     *zap.Logger
	outbound   chan []byte

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type relayEnvelope struct {
	Origin string             `json:"origin"`
	Event  events.DomainEvent `json:"event"`
}

// NewRedisRelay constructs a relay. Start must be called to receive events
// from other instances.
func NewRedisRelay(cfg RelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errors.New("realtime: redis client is required")
	}
	if cfg.Local == nil {
		return nil, errors.New("realtime: local publisher is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("realtime: instance id is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRelayChannel
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultRelayQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     cfg.Client,
		channel:    channel,
		instanceID: cfg.InstanceID,
		local:      cfg.Local,
		logger:     logger,
		outbound:   make(chan []byte, queueSize),
	}, nil
}

// Publish delivers event to local sessions, then queues it for the other
// instances. A full queue drops the event with a warning.
func (r *RedisRelay) Publish(event events.DomainEvent) {
	r.local.Publish(event)

	payload, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Event: event})
	if err != nil {
		r.logger.Error("relay encode failed", zap.String("board_id", event.BoardID), zap.Error(err))
		return
	}
	select {
	case r.outbound <- payload:
	default:
		r.logger.Warn("relay queue full, event not forwarded",
			zap.String("board_id", event.BoardID),
			zap.String("kind", string(event.Kind)))
	}
}

// Start subscribes to the relay channel and replays events from other
// instances into the local publisher until Close is called or ctx ends.
// It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("realtime: relay already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	subscription := r.client.Subscribe(runCtx, r.channel)
	if _, err := subscription.Receive(runCtx); err != nil {
		cancel()
		_ = subscription.Close()
		return err
	}
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		r.run(runCtx, subscription)
	}()
	go func() {
		defer workers.Done()
		r.forward(runCtx)
	}()
	go func() {
		workers.Wait()
		close(done)
	}()
	return nil
}

// Close stops the subscription and forwarding loops and waits for them to
// exit. Events still queued are dropped.
func (r *RedisRelay) Close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *RedisRelay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.outbound:
			publishCtx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
			err := r.client.Publish(publishCtx, r.channel, payload).Err()
			cancel()
			if err != nil {
				r.logger.Warn("relay publish failed", zap.String("channel", r.channel), zap.Error(err))
			}
		}
	}
}

func (r *RedisRelay) run(ctx context.Context, subscription *redis.PubSub) {
	for {
		r.consume(ctx, subscription)
		_ = subscription.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("relay subscription closed, reconnecting", zap.String("channel", r.channel))
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayReconnectDelay):
		}
		subscription = r.client.Subscribe(ctx, r.channel)
	}
}

func (r *RedisRelay) consume(ctx context.Context, subscription *redis.PubSub) {
	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			r.replay(message.Payload)
		}
	}
}

func (r *RedisRelay) replay(payload string) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		r.logger.Warn("relay decode failed", zap.Error(err))
		return
	}
	if envelope.Origin == r.instanceID {
		return
	}
	r.local.Publish(envelope.Event)
}
