package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/internal/users"
	"go.uber.org/zap"
)

// EventPresence names the frame carrying a room's connected users.
const EventPresence = "presence"

// RoomDirectory answers who is in a board room. The Registry implements it.
type RoomDirectory interface {
	SessionsInRoom(boardID string) []string
	UsersInRoom(boardID string) []users.Profile
}

// PresenceSnapshot is the payload of a presence frame.
type PresenceSnapshot struct {
	BoardID   string          `json:"board_id"`
	Users     []users.Profile `json:"users"`
	Timestamp time.Time       `json:"timestamp"`
}

// BroadcasterConfig describes the dependencies of the Broadcaster.
// SuppressEcho lists the event kinds that are not sent back to the session
// that caused them; nil selects item-moved only.
type BroadcasterConfig struct {
	Transport    Transport
	SuppressEcho []events.Kind
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Broadcaster relays committed events to every session in the event's board
// room. Frames for one board leave in publish order.
type Broadcaster struct {
	transport Transport
	suppress  map[events.Kind]struct{}
	clock     func() time.Time
	logger    *zap.Logger
	locks     boardLocks

	mu        sync.RWMutex
	directory RoomDirectory
}

// NewBroadcaster constructs a Broadcaster. A Registry must be attached
// before anything is delivered.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Transport == nil {
		return nil, errors.New("realtime: transport is required")
	}
	kinds := cfg.SuppressEcho
	if kinds == nil {
		kinds = []events.Kind{events.KindItemMoved}
	}
	suppress := make(map[events.Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		suppress[kind] = struct{}{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		transport: cfg.Transport,
		suppress:  suppress,
		clock:     clock,
		logger:    logger,
		locks:     boardLocks{locks: make(map[string]*boardLock)},
	}, nil
}

func (b *Broadcaster) attach(directory RoomDirectory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.directory = directory
}

func (b *Broadcaster) roomDirectory() RoomDirectory {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.directory
}

// Publish sends event to every session in its board room, skipping the
// originating session for echo-suppressed kinds. Delivery failures are
// logged and never returned.
func (b *Broadcaster) Publish(event events.DomainEvent) {
	if !event.Valid() {
		return
	}
	directory := b.roomDirectory()
	if directory == nil {
		return
	}
	unlock := b.locks.lock(event.BoardID)
	defer unlock()

	_, suppressed := b.suppress[event.Kind]
	for _, sessionID := range directory.SessionsInRoom(event.BoardID) {
		if suppressed && sessionID == event.OriginSessionID {
			continue
		}
		b.send(sessionID, event.BoardID, string(event.Kind), event)
	}
}

// BroadcastPresence sends the current connected-user list of boardID to
// every session in the room.
func (b *Broadcaster) BroadcastPresence(boardID string) {
	if boardID == "" {
		return
	}
	directory := b.roomDirectory()
	if directory == nil {
		return
	}
	unlock := b.locks.lock(boardID)
	defer unlock()

	snapshot := PresenceSnapshot{
		BoardID:   boardID,
		Users:     directory.UsersInRoom(boardID),
		Timestamp: b.clock().UTC(),
	}
	for _, sessionID := range directory.SessionsInRoom(boardID) {
		b.send(sessionID, boardID, EventPresence, snapshot)
	}
}

func (b *Broadcaster) send(sessionID, boardID, event string, payload any) {
	if err := b.transport.Send(sessionID, event, payload); err != nil {
		level := zap.WarnLevel
		if !errors.Is(err, ErrTransportUnavailable) {
			level = zap.ErrorLevel
		}
		b.logger.Log(level, "realtime send failed",
			zap.String("session_id", sessionID),
			zap.String("board_id", boardID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// boardLocks hands out one mutex per board and forgets it once unused.
type boardLocks struct {
	mu    sync.Mutex
	locks map[string]*boardLock
}

type boardLock struct {
	mu   sync.Mutex
	refs int
}

func (l *boardLocks) lock(boardID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[boardID]
	if !ok {
		entry = &boardLock{}
		l.locks[boardID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, boardID)
		}
		l.mu.Unlock()
	}
}
