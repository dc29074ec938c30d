package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/corkboard/internal/users"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSession reports an operation on a session that is not connected.
	ErrUnknownSession = errors.New("realtime: unknown session")
	// ErrSessionOwner reports a session used by a user other than the one who opened it.
	ErrSessionOwner = errors.New("realtime: session belongs to another user")
	// ErrRegistryClosed reports use of a registry after Shutdown.
	ErrRegistryClosed = errors.New("realtime: registry closed")
)

// ProfileResolver supplies the display-safe record shown in presence lists.
type ProfileResolver interface {
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

// RegistryConfig describes the dependencies of the Registry.
type RegistryConfig struct {
	Broadcaster *Broadcaster
	Profiles    ProfileResolver
	Logger      *zap.Logger
}

// Registry is the process-local record of connected sessions and the board
// room each one is viewing. A session is in at most one room; the session
// map and the room map are only mutated together under one lock.
type Registry struct {
	broadcaster *Broadcaster
	profiles    ProfileResolver
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]struct{}
	closed   bool
}

type session struct {
	userID  string
	profile users.Profile
	boardID string
}

// NewRegistry constructs a Registry and attaches it to the broadcaster as
// its room directory.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Broadcaster == nil {
		return nil, errors.New("realtime: broadcaster is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		broadcaster: cfg.Broadcaster,
		profiles:    cfg.Profiles,
		logger:      logger,
		sessions:    make(map[string]*session),
		rooms:       make(map[string]map[string]struct{}),
	}
	cfg.Broadcaster.attach(registry)
	return registry, nil
}

// Connect records sessionID for userID with no room.
func (r *Registry) Connect(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return ErrInvalidSession
	}
	profile := users.Profile{UserID: userID, DisplayName: userID}
	if r.profiles != nil {
		resolved, err := r.profiles.Profile(ctx, userID)
		if err != nil {
			r.logger.Warn("presence profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			profile = resolved
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	previousRoom := ""
	if existing, ok := r.sessions[sessionID]; ok {
		previousRoom = existing.boardID
		r.removeFromRoomLocked(sessionID, existing.boardID)
	}
	r.sessions[sessionID] = &session{userID: userID, profile: profile}
	r.mu.Unlock()

	if previousRoom != "" {
		r.broadcaster.BroadcastPresence(previousRoom)
	}
	return nil
}

// Join moves sessionID into boardID's room, leaving any earlier room first.
// The caller must have verified that userID may read boardID.
func (r *Registry) Join(sessionID, userID, boardID string) error {
	if boardID == "" {
		return fmt.Errorf("%w: board id required", ErrInvalidSession)
	}
	r.mu.Lock()
	state, err := r.sessionLocked(sessionID, userID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	previousRoom := state.boardID
	if previousRoom == boardID {
		r.mu.Unlock()
		return nil
	}
	r.removeFromRoomLocked(sessionID, previousRoom)
	members, ok := r.rooms[boardID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[boardID] = members
	}
	members[sessionID] = struct{}{}
	state.boardID = boardID
	r.mu.Unlock()

	if previousRoom != "" {
		r.broadcaster.BroadcastPresence(previousRoom)
	}
	r.broadcaster.BroadcastPresence(boardID)
	return nil
}

// Leave removes sessionID from boardID's room. It is a no-op when the
// session is not in that room.
func (r *Registry) Leave(sessionID, boardID string) {
	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok || boardID == "" || state.boardID != boardID {
		r.mu.Unlock()
		return
	}
	r.removeFromRoomLocked(sessionID, boardID)
	state.boardID = ""
	r.mu.Unlock()

	r.broadcaster.BroadcastPresence(boardID)
}

// Disconnect leaves the session's room, if any, and forgets the session.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	boardID := state.boardID
	r.removeFromRoomLocked(sessionID, boardID)
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if boardID != "" {
		r.broadcaster.BroadcastPresence(boardID)
	}
}

// UsersInRoom lists the distinct users in boardID's room, ordered by display
// name and then user id.
func (r *Registry) UsersInRoom(boardID string) []users.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	profiles := make([]users.Profile, 0, len(r.rooms[boardID]))
	for sessionID := range r.rooms[boardID] {
		state := r.sessions[sessionID]
		if _, dup := seen[state.userID]; dup {
			continue
		}
		seen[state.userID] = struct{}{}
		profiles = append(profiles, state.profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].DisplayName != profiles[j].DisplayName {
			return profiles[i].DisplayName < profiles[j].DisplayName
		}
		return profiles[i].UserID < profiles[j].UserID
	})
	return profiles
}

// SessionsInRoom lists the sessions in boardID's room in a stable order.
func (r *Registry) SessionsInRoom(boardID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionIDs := make([]string, 0, len(r.rooms[boardID]))
	for sessionID := range r.rooms[boardID] {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)
	return sessionIDs
}

// RoomOf returns the board sessionID is viewing.
func (r *Registry) RoomOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok || state.boardID == "" {
		return "", false
	}
	return state.boardID, true
}

// Owner returns the user that connected sessionID.
func (r *Registry) Owner(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return state.userID, true
}

// Shutdown clears every session and room. Later connects fail.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.sessions = make(map[string]*session)
	r.rooms = make(map[string]map[string]struct{})
}

func (r *Registry) sessionLocked(sessionID, userID string) (*session, error) {
	if r.closed {
		return nil, ErrRegistryClosed
	}
	state, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if state.userID != userID {
		return nil, fmt.Errorf("%w: %s", ErrSessionOwner, sessionID)
	}
	return state, nil
}

func (r *Registry) removeFromRoomLocked(sessionID, boardID string) {
	if boardID == "" {
		return
	}
	members := r.rooms[boardID]
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, boardID)
	}
}
