package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 2 * time.Second
)

var (
	// ErrQueueFull reports an event dropped because the writer is behind.
	ErrQueueFull = errors.New("activity: queue full")
	// ErrQueueClosed reports an event offered after Close.
	ErrQueueClosed = errors.New("activity: queue closed")
	errMissingSink = errors.New("activity: sink is required")
)

// Sink persists one event. RedisLog is the production sink.
type Sink interface {
	Record(ctx context.Context, event events.DomainEvent) error
}

// QueueConfig describes the dependencies of the Queue.
type QueueConfig struct {
	Sink         Sink
	Size         int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Queue hands events to its sink on a background goroutine so that callers
// never wait on the sink. Each write runs under its own timeout, detached
// from the caller's context.
type Queue struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	pending chan events.DomainEvent
	done    chan struct{}
}

// NewQueue constructs a Queue and starts its writer.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := &Queue{
		sink:    cfg.Sink,
		timeout: timeout,
		logger:  logger,
		pending: make(chan events.DomainEvent, size),
		done:    make(chan struct{}),
	}
	go queue.run()
	return queue, nil
}

// Record enqueues event without blocking. The context is ignored: a write
// accepted here outlives the request that produced it.
func (q *Queue) Record(_ context.Context, event events.DomainEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.pending <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events, flushes what is queued and waits for the
// writer to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for event := range q.pending {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.sink.Record(ctx, event)
		cancel()
		if err != nil {
			q.logger.Warn("activity write failed",
				zap.String("board_id", event.BoardID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}
