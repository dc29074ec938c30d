package boards

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
)

// Board is the top-level container whose lists are ordered by position.
type Board struct {
	BoardID          string `gorm:"column:board_id;primaryKey;size:190;not null" json:"board_id"`
	Title            string `gorm:"column:title;size:512;not null" json:"title"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index" json:"owner_id"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// List is ordered within its board. The unique index rejects two lists
// sharing a position at statement time.
type List struct {
	ListID           string  `gorm:"column:list_id;primaryKey;size:190;not null" json:"list_id"`
	BoardID          string  `gorm:"column:board_id;size:190;not null;uniqueIndex:idx_lists_board_position,priority:1" json:"board_id"`
	Position         float64 `gorm:"column:position;not null;uniqueIndex:idx_lists_board_position,priority:2" json:"position"`
	Title            string  `gorm:"column:title;size:512;not null" json:"title"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (List) TableName() string {
	return "lists"
}

// OrderedID implements Positioned.
func (list *List) OrderedID() string {
	return list.ListID
}

// SetPlacement implements Positioned.
func (list *List) SetPlacement(parentID string, position float64) {
	list.BoardID = parentID
	list.Position = position
}

// Card is ordered within its list.
type Card struct {
	CardID           string  `gorm:"column:card_id;primaryKey;size:190;not null" json:"card_id"`
	ListID           string  `gorm:"column:list_id;size:190;not null;uniqueIndex:idx_cards_list_position,priority:1" json:"list_id"`
	Position         float64 `gorm:"column:position;not null;uniqueIndex:idx_cards_list_position,priority:2" json:"position"`
	Title            string  `gorm:"column:title;size:512;not null" json:"title"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}

// OrderedID implements Positioned.
func (card *Card) OrderedID() string {
	return card.CardID
}

// SetPlacement implements Positioned.
func (card *Card) SetPlacement(parentID string, position float64) {
	card.ListID = parentID
	card.Position = position
}

// Positioned is a persistable row whose parent and position are assigned by the Store.
type Positioned interface {
	OrderedID() string
	SetPlacement(parentID string, position float64)
}

// OrderedItem is the ordering view shared by lists and cards.
type OrderedItem struct {
	ID       string  `gorm:"column:item_id" json:"item_id"`
	ParentID string  `gorm:"column:parent_id" json:"parent_id"`
	Position float64 `gorm:"column:position" json:"position"`
}

// Actor identifies who caused a mutation and from which realtime session.
type Actor struct {
	UserID    string
	SessionID string
}

// Models lists the GORM models owned by this package, in migration order.
func Models() []any {
	return []any{&Board{}, &List{}, &Card{}}
}

func validateIdentifier(kind, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s id", ErrInvalidTarget, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s id exceeds %d characters", ErrInvalidTarget, kind, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateTitle(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty title", ErrInvalidInput)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: title exceeds %d characters", ErrInvalidInput, maxTitleLength)
	}
	return trimmed, nil
}

type collection struct {
	itemType     events.ItemType
	table        string
	idColumn     string
	parentColumn string
}

var (
	listCollection = collection{itemType: events.ItemTypeList, table: "lists", idColumn: "list_id", parentColumn: "board_id"}
	cardCollection = collection{itemType: events.ItemTypeCard, table: "cards", idColumn: "card_id", parentColumn: "list_id"}
)

func collectionFor(itemType events.ItemType) (collection, error) {
	switch itemType {
	case events.ItemTypeList:
		return listCollection, nil
	case events.ItemTypeCard:
		return cardCollection, nil
	default:
		return collection{}, fmt.Errorf("%w: unknown item type %q", ErrInvalidTarget, itemType)
	}
}
