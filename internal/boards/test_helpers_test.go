package boards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testBoardID = "board-1"

var testDatabaseSequence atomic.Int64

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type staticAuthorizer struct {
	edit bool
	read bool
}

func (a staticAuthorizer) CanEditParent(context.Context, string, string) (bool, error) {
	return a.edit, nil
}

func (a staticAuthorizer) CanReadBoard(context.Context, string, string) (bool, error) {
	return a.read, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) Publish(event events.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DomainEvent(nil), p.events...)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, events.DomainEvent) error {
	return errors.New("activity log offline")
}

type recordingGranter struct {
	grants []string
}

func (g *recordingGranter) GrantOwner(tx *gorm.DB, boardID, userID string) error {
	g.grants = append(g.grants, boardID+":"+userID)
	return nil
}

func testClock() time.Time {
	return time.Unix(1700000600, 0).UTC()
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:corkboard_boards_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, logger *zap.Logger) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    testClock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

type testServiceOptions struct {
	authorizer Authorizer
	recorder   Recorder
	store      *Store
	logger     *zap.Logger
	ids        []string
}

func newTestService(t *testing.T, db *gorm.DB, options testServiceOptions) (*Service, *recordingPublisher) {
	t.Helper()

	authorizer := options.authorizer
	if authorizer == nil {
		authorizer = staticAuthorizer{edit: true, read: true}
	}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Store:      options.store,
		Authorizer: authorizer,
		Publisher:  publisher,
		Recorder:   options.recorder,
		IDProvider: &staticIDGenerator{ids: options.ids},
		Clock:      testClock,
		Logger:     options.logger,
	})
	if err != nil {
		t.Fatalf("failed to construct boards service: %v", err)
	}
	return service, publisher
}

func seedBoard(t *testing.T, db *gorm.DB, boardID string) {
	t.Helper()
	board := Board{BoardID: boardID, Title: "Board " + boardID, OwnerID: "user-1", CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	if err := db.Create(&board).Error; err != nil {
		t.Fatalf("failed to seed board: %v", err)
	}
}

func seedList(t *testing.T, db *gorm.DB, listID, boardID string, position float64) {
	t.Helper()
	list := List{ListID: listID, BoardID: boardID, Position: position, Title: "List " + listID, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	if err := db.Create(&list).Error; err != nil {
		t.Fatalf("failed to seed list: %v", err)
	}
}

func seedCards(t *testing.T, db *gorm.DB, listID string, cards map[string]float64) {
	t.Helper()
	for cardID, position := range cards {
		card := Card{CardID: cardID, ListID: listID, Position: position, Title: "Card " + cardID, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
		if err := db.Create(&card).Error; err != nil {
			t.Fatalf("failed to seed card: %v", err)
		}
	}
}

func loadCards(t *testing.T, db *gorm.DB, listID string) []Card {
	t.Helper()
	var cards []Card
	if err := db.Where("list_id = ?", listID).Order("position ASC").Find(&cards).Error; err != nil {
		t.Fatalf("failed to load cards: %v", err)
	}
	return cards
}

func cardOrder(cards []Card) []string {
	ids := make([]string, len(cards))
	for index, card := range cards {
		ids[index] = card.CardID
	}
	return ids
}

func assertOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func assertDistinctPositions(t *testing.T, cards []Card) {
	t.Helper()
	seen := make(map[float64]string, len(cards))
	for _, card := range cards {
		if other, ok := seen[card.Position]; ok {
			t.Fatalf("cards %s and %s share position %v", other, card.CardID, card.Position)
		}
		seen[card.Position] = card.CardID
	}
}

// rivalWriter simulates a concurrent writer that takes the computed position
// between the sibling read and the write.
func rivalWriter(t *testing.T, limit int) (writeHook, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	hook := func(tx *gorm.DB, itemType events.ItemType, parentID string, position float64) error {
		call := calls.Add(1)
		if limit > 0 && call > int64(limit) {
			return nil
		}
		rival := Card{
			CardID:           fmt.Sprintf("rival-%d", call),
			ListID:           parentID,
			Position:         position,
			Title:            "rival",
			CreatedAtSeconds: 1,
			UpdatedAtSeconds: 1,
		}
		return tx.Create(&rival).Error
	}
	return hook, &calls
}
