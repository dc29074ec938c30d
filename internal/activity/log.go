// Package activity keeps a capped, per-board history of committed events in
// Redis streams.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "corkboard:activity:"
	defaultMaxLen    = 1000
	defaultLimit     = 50
	maxLimit         = 200
	eventField       = "event"
)

var (
	// ErrInvalidBoard reports a missing board identifier.
	ErrInvalidBoard  = errors.New("activity: board id required")
	errMissingClient = errors.New("activity: redis client is required")
)

// Config describes the dependencies of the RedisLog.
type Config struct {
	Client    *redis.Client
	KeyPrefix string
	MaxLen    int64
	Logger    *zap.Logger
}

// Entry is one recorded event with its stream id.
type Entry struct {
	ID    string             `json:"id"`
	Event events.DomainEvent `json:"event"`
}

// RedisLog appends events to one stream per board.
type RedisLog struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	logger    *zap.Logger
}

// NewRedisLog constructs a RedisLog.
func NewRedisLog(cfg Config) (*RedisLog, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLog{client: cfg.Client, keyPrefix: prefix, maxLen: maxLen, logger: logger}, nil
}

// Record appends event to its board's stream, trimming the oldest entries
// beyond the cap.
func (l *RedisLog) Record(ctx context.Context, event events.DomainEvent) error {
	if event.BoardID == "" {
		return ErrInvalidBoard
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("activity: encode event: %w", err)
	}
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key(event.BoardID),
		MaxLen: l.maxLen,
		Values: map[string]any{eventField: payload},
	}).Err()
}

// Recent returns up to limit entries for boardID, newest first.
func (l *RedisLog) Recent(ctx context.Context, boardID string, limit int) ([]Entry, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, ErrInvalidBoard
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	messages, err := l.client.XRevRangeN(ctx, l.key(boardID), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(messages))
	for _, message := range messages {
		raw, ok := message.Values[eventField].(string)
		if !ok {
			l.logger.Warn("activity entry missing event", zap.String("board_id", boardID), zap.String("id", message.ID))
			continue
		}
		var event events.DomainEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			l.logger.Warn("activity entry decode failed", zap.String("board_id", boardID), zap.String("id", message.ID), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{ID: message.ID, Event: event})
	}
	return entries, nil
}

func (l *RedisLog) key(boardID string) string {
	return l.keyPrefix + boardID
}
