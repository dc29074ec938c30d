// Package events defines the domain events emitted after board mutations commit.
package events

import "time"

// Kind enumerates domain event kinds.
type Kind string

const (
	// KindItemMoved reports a reorder or a transfer to another parent.
	KindItemMoved Kind = "item-moved"
	// KindItemCreated reports a newly inserted list or card.
	KindItemCreated Kind = "item-created"
	// KindItemUpdated reports a change to an item's attributes other than its order.
	KindItemUpdated Kind = "item-updated"
	// KindItemDeleted reports a removed list or card.
	KindItemDeleted Kind = "item-deleted"
	// KindItemsRebalanced reports a bulk rewrite of every position within a parent.
	KindItemsRebalanced Kind = "items-rebalanced"
)

// ItemType distinguishes the two ordered collections.
type ItemType string

const (
	// ItemTypeList marks a list ordered within a board.
	ItemTypeList ItemType = "list"
	// ItemTypeCard marks a card ordered within a list.
	ItemTypeCard ItemType = "card"
)

// ItemState is the post-mutation state of a single ordered item.
type ItemState struct {
	ItemType     ItemType `json:"item_type"`
	ItemID       string   `json:"item_id"`
	ParentID     string   `json:"parent_id"`
	FromParentID string   `json:"from_parent_id,omitempty"`
	Position     float64  `json:"position"`
	Title        string   `json:"title,omitempty"`
}

// DomainEvent describes one committed change to a board.
type DomainEvent struct {
	Kind            Kind        `json:"kind"`
	BoardID         string      `json:"board_id"`
	Actor           string      `json:"actor"`
	OriginSessionID string      `json:"-"`
	Items           []ItemState `json:"items"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Valid reports whether the event carries the routing data the broadcaster needs.
func (event DomainEvent) Valid() bool {
	return event.Kind != "" && event.BoardID != ""
}
