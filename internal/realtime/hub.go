// Package realtime fans committed board events out to connected sessions and
// tracks which session is viewing which board.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultBufferSize = 32

var (
	// ErrTransportUnavailable reports a send that could not be handed to a
	// session's stream. Callers log it and move on.
	ErrTransportUnavailable = errors.New("realtime: transport unavailable")
	// ErrInvalidSession reports an empty session identifier.
	ErrInvalidSession = errors.New("realtime: invalid session")
)

// Message is one outbound frame for a session.
type Message struct {
	Event     string
	Payload   any
	Timestamp time.Time
}

// Transport delivers named payloads to a single session.
type Transport interface {
	Send(sessionID, event string, payload any) error
}

// Hub is the in-process Transport backing server-sent event streams. Every
// session owns one buffered stream; a full buffer drops the frame.
type Hub struct {
	mu         sync.RWMutex
	streams    map[string]*hubStream
	nextID     int64
	bufferSize int
	clock      func() time.Time
}

type hubStream struct {
	id     int64
	frames chan Message
}

// NewHub constructs a Hub. A non-positive bufferSize uses the default.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		streams:    make(map[string]*hubStream),
		bufferSize: bufferSize,
		clock:      time.Now,
	}
}

// Open attaches a stream to sessionID and returns it with a cleanup function.
// The stream is detached when ctx ends or cleanup runs. Opening a session
// twice replaces the earlier stream.
func (h *Hub) Open(ctx context.Context, sessionID string) (<-chan Message, func(), error) {
	if sessionID == "" {
		return nil, nil, ErrInvalidSession
	}
	h.mu.Lock()
	h.nextID++
	stream := &hubStream{
		id:     h.nextID,
		frames: make(chan Message, h.bufferSize),
	}
	h.streams[sessionID] = stream
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.detach(sessionID, stream.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream.frames, cleanup, nil
}

// Send queues a frame for sessionID without blocking.
func (h *Hub) Send(sessionID, event string, payload any) error {
	h.mu.RLock()
	stream, ok := h.streams[sessionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: session %s has no stream", ErrTransportUnavailable, sessionID)
	}
	select {
	case stream.frames <- Message{Event: event, Payload: payload, Timestamp: h.clock().UTC()}:
		return nil
	default:
		return fmt.Errorf("%w: session %s buffer full", ErrTransportUnavailable, sessionID)
	}
}

// Connected reports whether sessionID currently has a stream.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.streams[sessionID]
	return ok
}

func (h *Hub) detach(sessionID string, streamID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if stream, ok := h.streams[sessionID]; ok && stream.id == streamID {
		delete(h.streams, sessionID)
	}
}
