package boards

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MoveCardRequest moves a card to TargetIndex of TargetListID. TargetIndex
// counts the destination's cards with the moving card left out.
type MoveCardRequest struct {
	CardID       string
	SourceListID string
	TargetListID string
	TargetIndex  int
	Actor        Actor
}

// MoveListRequest moves a list to TargetIndex within its board.
type MoveListRequest struct {
	ListID      string
	TargetIndex int
	Actor       Actor
}

// BulkReorderRequest submits the complete new order of a parent's children.
type BulkReorderRequest struct {
	ItemType   events.ItemType
	ParentID   string
	OrderedIDs []string
	Actor      Actor
}

// RebalanceRequest rewrites a parent's positions to evenly spaced values.
type RebalanceRequest struct {
	ItemType events.ItemType
	ParentID string
	Actor    Actor
}

// MovedItem is the public representation of a moved list or card.
type MovedItem struct {
	ItemType     events.ItemType `json:"item_type"`
	ItemID       string          `json:"item_id"`
	BoardID      string          `json:"board_id"`
	ParentID     string          `json:"parent_id"`
	FromParentID string          `json:"from_parent_id"`
	Position     float64         `json:"position"`
	Changed      bool            `json:"changed"`
	Rebalanced   bool            `json:"rebalanced"`
}

// MoveCard reorders a card within its list or transfers it to another list
// of the same board.
func (service *Service) MoveCard(ctx context.Context, request MoveCardRequest) (moved MovedItem, err error) {
	ctx, span := service.startSpan(ctx, opMoveCard,
		attribute.String("card.id", request.CardID),
		attribute.String("list.source_id", request.SourceListID),
		attribute.String("list.target_id", request.TargetListID),
		attribute.Int("target.index", request.TargetIndex))
	defer func() { finishSpan(span, err) }()

	cardID, sourceListID, targetListID, err := normalizeMoveCard(request)
	if err != nil {
		return MovedItem{}, service.classify(opMoveCard, err)
	}

	// The card's own board is authorized before the request's lists are
	// checked, so callers without access learn nothing about them.
	card, boardID, err := service.resolveItem(ctx, events.ItemTypeCard, cardID)
	if err != nil {
		return MovedItem{}, service.classify(opMoveCard, err, zap.String("card_id", cardID))
	}
	if err := service.authorizeEdit(ctx, request.Actor, boardID); err != nil {
		return MovedItem{}, service.classify(opMoveCard, err)
	}
	span.SetAttributes(attribute.String("board.id", boardID))
	if err := service.checkCardTarget(ctx, card, boardID, sourceListID, targetListID); err != nil {
		return MovedItem{}, service.classify(opMoveCard, err, zap.String("card_id", cardID))
	}

	var placement Placement
	var snapshot []OrderedItem
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := service.store.WithTx(tx)
		current, loadErr := loadItem(tx, cardCollection, cardID)
		if loadErr != nil {
			return loadErr
		}
		if current.ParentID != sourceListID {
			return fmt.Errorf("%w: card %s left list %s", ErrInvalidTarget, cardID, sourceListID)
		}
		if _, loadErr = loadItem(tx, listCollection, targetListID); loadErr != nil {
			return loadErr
		}
		var moveErr error
		if sourceListID == targetListID {
			placement, moveErr = store.MoveWithinParent(ctx, events.ItemTypeCard, cardID, request.TargetIndex)
		} else {
			placement, moveErr = store.TransferToParent(ctx, events.ItemTypeCard, cardID, targetListID, request.TargetIndex)
		}
		if moveErr != nil {
			return moveErr
		}
		if placement.Rebalanced {
			snapshot, moveErr = store.Siblings(ctx, events.ItemTypeCard, targetListID)
		}
		return moveErr
	})
	if err != nil {
		return MovedItem{}, service.classify(opMoveCard, err, zap.String("card_id", cardID), zap.String("board_id", boardID))
	}

	moved = movedItem(events.ItemTypeCard, boardID, placement)
	span.SetAttributes(attribute.Bool("move.changed", moved.Changed), attribute.Bool("move.rebalanced", moved.Rebalanced))
	service.emit(ctx, service.placementEvents(events.ItemTypeCard, boardID, request.Actor, placement, snapshot)...)
	return moved, nil
}

// MoveList reorders a list within its board.
func (service *Service) MoveList(ctx context.Context, request MoveListRequest) (moved MovedItem, err error) {
	ctx, span := service.startSpan(ctx, opMoveList,
		attribute.String("list.id", request.ListID),
		attribute.Int("target.index", request.TargetIndex))
	defer func() { finishSpan(span, err) }()

	listID, err := validateIdentifier("list", request.ListID)
	if err != nil {
		return MovedItem{}, service.classify(opMoveList, err)
	}
	if request.TargetIndex < 0 {
		return MovedItem{}, service.classify(opMoveList, fmt.Errorf("%w: negative index %d", ErrInvalidTarget, request.TargetIndex))
	}

	list, err := service.store.Item(ctx, events.ItemTypeList, listID)
	if err != nil {
		return MovedItem{}, service.classify(opMoveList, err, zap.String("list_id", listID))
	}
	boardID := list.ParentID
	if err := service.authorizeEdit(ctx, request.Actor, boardID); err != nil {
		return MovedItem{}, service.classify(opMoveList, err)
	}
	span.SetAttributes(attribute.String("board.id", boardID))

	var placement Placement
	var snapshot []OrderedItem
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := service.store.WithTx(tx)
		var moveErr error
		placement, moveErr = store.MoveWithinParent(ctx, events.ItemTypeList, listID, request.TargetIndex)
		if moveErr != nil {
			return moveErr
		}
		if placement.Item.ParentID != boardID {
			return fmt.Errorf("%w: list %s changed board", ErrInvalidTarget, listID)
		}
		if placement.Rebalanced {
			snapshot, moveErr = store.Siblings(ctx, events.ItemTypeList, boardID)
		}
		return moveErr
	})
	if err != nil {
		return MovedItem{}, service.classify(opMoveList, err, zap.String("list_id", listID), zap.String("board_id", boardID))
	}

	moved = movedItem(events.ItemTypeList, boardID, placement)
	span.SetAttributes(attribute.Bool("move.changed", moved.Changed), attribute.Bool("move.rebalanced", moved.Rebalanced))
	service.emit(ctx, service.placementEvents(events.ItemTypeList, boardID, request.Actor, placement, snapshot)...)
	return moved, nil
}

// BulkReorder commits a complete ordering of a parent's children. One
// item-moved event is emitted per item whose position changed.
func (service *Service) BulkReorder(ctx context.Context, request BulkReorderRequest) (result ReorderResult, err error) {
	ctx, span := service.startSpan(ctx, opBulkReorder,
		attribute.String("item.type", string(request.ItemType)),
		attribute.String("parent.id", request.ParentID),
		attribute.Int("items", len(request.OrderedIDs)))
	defer func() { finishSpan(span, err) }()

	parentID, err := validateIdentifier("parent", request.ParentID)
	if err != nil {
		return ReorderResult{}, service.classify(opBulkReorder, err)
	}
	boardID, err := service.boardOf(ctx, request.ItemType, parentID)
	if err != nil {
		return ReorderResult{}, service.classify(opBulkReorder, err, zap.String("parent_id", parentID))
	}
	if err := service.authorizeEdit(ctx, request.Actor, boardID); err != nil {
		return ReorderResult{}, service.classify(opBulkReorder, err)
	}

	result, err = service.store.ReorderBatch(ctx, request.ItemType, parentID, request.OrderedIDs)
	if err != nil {
		return ReorderResult{}, service.classify(opBulkReorder, err, zap.String("parent_id", parentID), zap.String("board_id", boardID))
	}
	span.SetAttributes(attribute.Int("items.moved", len(result.Moved)), attribute.Bool("rebalanced", result.Rebalanced))

	batch := make([]events.DomainEvent, 0, len(result.Moved)+1)
	if result.Rebalanced {
		batch = append(batch, service.newEvent(events.KindItemsRebalanced, boardID, request.Actor, itemStates(request.ItemType, result.Items)...))
	}
	for _, item := range result.Moved {
		state := itemState(request.ItemType, item)
		state.FromParentID = item.ParentID
		batch = append(batch, service.newEvent(events.KindItemMoved, boardID, request.Actor, state))
	}
	service.emit(ctx, batch...)
	return result, nil
}

// Rebalance rewrites every position of a parent to Base, 2*Base, ...
func (service *Service) Rebalance(ctx context.Context, request RebalanceRequest) (items []OrderedItem, err error) {
	ctx, span := service.startSpan(ctx, opRebalance,
		attribute.String("item.type", string(request.ItemType)),
		attribute.String("parent.id", request.ParentID))
	defer func() { finishSpan(span, err) }()

	parentID, err := validateIdentifier("parent", request.ParentID)
	if err != nil {
		return nil, service.classify(opRebalance, err)
	}
	boardID, err := service.boardOf(ctx, request.ItemType, parentID)
	if err != nil {
		return nil, service.classify(opRebalance, err, zap.String("parent_id", parentID))
	}
	if err := service.authorizeEdit(ctx, request.Actor, boardID); err != nil {
		return nil, service.classify(opRebalance, err)
	}

	items, err = service.store.RebalanceAll(ctx, request.ItemType, parentID)
	if err != nil {
		return nil, service.classify(opRebalance, err, zap.String("parent_id", parentID), zap.String("board_id", boardID))
	}
	if len(items) > 0 {
		service.emit(ctx, service.newEvent(events.KindItemsRebalanced, boardID, request.Actor, itemStates(request.ItemType, items)...))
	}
	return items, nil
}

func normalizeMoveCard(request MoveCardRequest) (string, string, string, error) {
	cardID, err := validateIdentifier("card", request.CardID)
	if err != nil {
		return "", "", "", err
	}
	sourceListID, err := validateIdentifier("source list", request.SourceListID)
	if err != nil {
		return "", "", "", err
	}
	targetListID, err := validateIdentifier("target list", request.TargetListID)
	if err != nil {
		return "", "", "", err
	}
	if request.TargetIndex < 0 {
		return "", "", "", fmt.Errorf("%w: negative index %d", ErrInvalidTarget, request.TargetIndex)
	}
	return cardID, sourceListID, targetListID, nil
}

// checkCardTarget verifies that card still sits in sourceListID and that
// targetListID belongs to boardID. Lists on other boards are an invalid target.
func (service *Service) checkCardTarget(ctx context.Context, card OrderedItem, boardID, sourceListID, targetListID string) error {
	if card.ParentID != sourceListID {
		return fmt.Errorf("%w: card %s is not in list %s", ErrInvalidTarget, card.ID, sourceListID)
	}
	if targetListID == sourceListID {
		return nil
	}
	target, err := service.store.Item(ctx, events.ItemTypeList, targetListID)
	if err != nil {
		return err
	}
	if target.ParentID != boardID {
		return fmt.Errorf("%w: list %s is on another board", ErrInvalidTarget, targetListID)
	}
	return nil
}

// boardOf resolves the board that owns the children of parentID.
func (service *Service) boardOf(ctx context.Context, itemType events.ItemType, parentID string) (string, error) {
	switch itemType {
	case events.ItemTypeList:
		var board Board
		err := service.db.WithContext(ctx).Where("board_id = ?", parentID).Take(&board).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: board %s", ErrNotFound, parentID)
		}
		if err != nil {
			return "", err
		}
		return board.BoardID, nil
	case events.ItemTypeCard:
		list, err := service.store.Item(ctx, events.ItemTypeList, parentID)
		if err != nil {
			return "", err
		}
		return list.ParentID, nil
	default:
		return "", fmt.Errorf("%w: unknown item type %q", ErrInvalidTarget, itemType)
	}
}

func (service *Service) placementEvents(itemType events.ItemType, boardID string, actor Actor, placement Placement, snapshot []OrderedItem) []events.DomainEvent {
	if !placement.Changed {
		return nil
	}
	batch := make([]events.DomainEvent, 0, 2)
	if placement.Rebalanced && len(snapshot) > 0 {
		batch = append(batch, service.newEvent(events.KindItemsRebalanced, boardID, actor, itemStates(itemType, snapshot)...))
	}
	state := itemState(itemType, placement.Item)
	state.FromParentID = placement.PreviousParentID
	batch = append(batch, service.newEvent(events.KindItemMoved, boardID, actor, state))
	return batch
}

func movedItem(itemType events.ItemType, boardID string, placement Placement) MovedItem {
	return MovedItem{
		ItemType:     itemType,
		ItemID:       placement.Item.ID,
		BoardID:      boardID,
		ParentID:     placement.Item.ParentID,
		FromParentID: placement.PreviousParentID,
		Position:     placement.Item.Position,
		Changed:      placement.Changed,
		Rebalanced:   placement.Rebalanced,
	}
}

func itemState(itemType events.ItemType, item OrderedItem) events.ItemState {
	return events.ItemState{
		ItemType: itemType,
		ItemID:   item.ID,
		ParentID: item.ParentID,
		Position: item.Position,
	}
}

func itemStates(itemType events.ItemType, items []OrderedItem) []events.ItemState {
	states := make([]events.ItemState, len(items))
	for index, item := range items {
		states[index] = itemState(itemType, item)
	}
	return states
}
