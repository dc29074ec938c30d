package boards

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateBoardRequest creates a board owned by the actor.
type CreateBoardRequest struct {
	Title string
	Actor Actor
}

// CreateListRequest inserts a list into a board. A nil Index appends.
type CreateListRequest struct {
	BoardID string
	Title   string
	Index   *int
	Actor   Actor
}

// CreateCardRequest inserts a card into a list. A nil Index appends.
type CreateCardRequest struct {
	ListID string
	Title  string
	Index  *int
	Actor  Actor
}

// ListView is a list together with its cards in position order.
type ListView struct {
	List
	Cards []Card `json:"cards"`
}

// BoardView is the authoritative state a client re-fetches after missing events.
type BoardView struct {
	Board
	Lists []ListView `json:"lists"`
}

// CreateBoard persists a new board and grants its creator the owner role.
func (service *Service) CreateBoard(ctx context.Context, request CreateBoardRequest) (board Board, err error) {
	ctx, span := service.startSpan(ctx, opCreateBoard)
	defer func() { finishSpan(span, err) }()

	if request.Actor.UserID == "" {
		return Board{}, service.classify(opCreateBoard, fmt.Errorf("%w: anonymous actor", ErrForbidden))
	}
	title, err := validateTitle(request.Title)
	if err != nil {
		return Board{}, service.classify(opCreateBoard, err)
	}
	boardID, err := service.idProvider.NewID()
	if err != nil {
		return Board{}, newServiceError(opCreateBoard, reasonIDGeneration, err)
	}

	now := service.now()
	board = Board{
		BoardID:          boardID,
		Title:            title,
		OwnerID:          request.Actor.UserID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(&board).Error; createErr != nil {
			return createErr
		}
		if service.granter == nil {
			return nil
		}
		return service.granter.GrantOwner(tx, boardID, request.Actor.UserID)
	})
	if err != nil {
		return Board{}, service.classify(opCreateBoard, err, zap.String("board_id", boardID))
	}
	span.SetAttributes(attribute.String("board.id", boardID))
	return board, nil
}

// CreateList inserts a list into a board at the requested index.
func (service *Service) CreateList(ctx context.Context, request CreateListRequest) (list List, err error) {
	ctx, span := service.startSpan(ctx, opCreateList, attribute.String("board.id", request.BoardID))
	defer func() { finishSpan(span, err) }()

	boardID, err := validateIdentifier("board", request.BoardID)
	if err != nil {
		return List{}, service.classify(opCreateList, err)
	}
	title, err := validateTitle(request.Title)
	if err != nil {
		return List{}, service.classify(opCreateList, err)
	}
	index, err := insertIndex(request.Index)
	if err != nil {
		return List{}, service.classify(opCreateList, err)
	}
	if _, err = service.boardOf(ctx, events.ItemTypeList, boardID); err != nil {
		return List{}, service.classify(opCreateList, err, zap.String("board_id", boardID))
	}
	if err := service.authorizeEdit(ctx, request.Actor, boardID); err != nil {
		return List{}, service.classify(opCreateList, err)
	}
	listID, err := service.idProvider.NewID()
	if err != nil {
		return List{}, newServiceError(opCreateList, reasonIDGeneration, err)
	}

	now := service.now()
	list = List{ListID: listID, Title: title, CreatedAtSeconds: now, UpdatedAtSeconds: now}
	placement, snapshot, err := service.insert(ctx, events.ItemTypeList, boardID, index, &list)
	if err != nil {
		return List{}, service.classify(opCreateList, err, zap.String("board_id", boardID))
	}
	service.emit(ctx, service.creationEvents(events.ItemTypeList, boardID, title, request.Actor, placement, snapshot)...)
	return list, nil
}

// CreateCard inserts a card into a list at the requested index.
func (service *Service) CreateCard(ctx context.Context, request CreateCardRequest) (card Card, err error) {
	ctx, span := service.startSpan(ctx, opCreateCard, attribute.String("list.id", request.ListID))
	defer func() { finishSpan(span, err) }()

	listID, err := validateIdentifier("list", request.ListID)
	if err != nil {
		return Card{}, service.classify(opCreateCard, err)
	}
	title, err := validateTitle(request.Title)
	if err != nil {
		return Card{}, service.classify(opCreateCard, err)
	}
	index, err := insertIndex(request.Index)
	if err != nil {
		return Card{}, service.classify(opCreateCard, err)
	}
	boardID, err := service.boardOf(ctx, events.ItemTypeCard, listID)
	if err != nil {
		return Card{}, service.classify(opCreateCard, err, zap.String("list_id", listID))
	}
	if err := service.authorizeEdit(ctx, request.Actor, boardID); err != nil {
		return Card{}, service.classify(opCreateCard, err)
	}
	cardID, err := service.idProvider.NewID()
	if err != nil {
		return Card{}, newServiceError(opCreateCard, reasonIDGeneration, err)
	}

	now := service.now()
	card = Card{CardID: cardID, Title: title, CreatedAtSeconds: now, UpdatedAtSeconds: now}
	placement, snapshot, err := service.insert(ctx, events.ItemTypeCard, listID, index, &card)
	if err != nil {
		return Card{}, service.classify(opCreateCard, err, zap.String("list_id", listID))
	}
	span.SetAttributes(attribute.String("board.id", boardID), attribute.String("card.id", cardID))
	service.emit(ctx, service.creationEvents(events.ItemTypeCard, boardID, title, request.Actor, placement, snapshot)...)
	return card, nil
}

// RenameList changes a list title.
func (service *Service) RenameList(ctx context.Context, listID, title string, actor Actor) (events.ItemState, error) {
	return service.rename(ctx, events.ItemTypeList, listID, title, actor)
}

// RenameCard changes a card title.
func (service *Service) RenameCard(ctx context.Context, cardID, title string, actor Actor) (events.ItemState, error) {
	return service.rename(ctx, events.ItemTypeCard, cardID, title, actor)
}

// DeleteList removes a list and its cards. Sibling positions are left as they are.
func (service *Service) DeleteList(ctx context.Context, listID string, actor Actor) error {
	return service.remove(ctx, events.ItemTypeList, listID, actor)
}

// DeleteCard removes a card. Sibling positions are left as they are.
func (service *Service) DeleteCard(ctx context.Context, cardID string, actor Actor) error {
	return service.remove(ctx, events.ItemTypeCard, cardID, actor)
}

// GetBoard returns the board with its lists and cards in position order.
func (service *Service) GetBoard(ctx context.Context, boardID, userID string) (view BoardView, err error) {
	ctx, span := service.startSpan(ctx, opGetBoard, attribute.String("board.id", boardID))
	defer func() { finishSpan(span, err) }()

	boardID, err = validateIdentifier("board", boardID)
	if err != nil {
		return BoardView{}, service.classify(opGetBoard, err)
	}
	var board Board
	err = service.db.WithContext(ctx).Where("board_id = ?", boardID).Take(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BoardView{}, service.classify(opGetBoard, fmt.Errorf("%w: board %s", ErrNotFound, boardID))
	}
	if err != nil {
		return BoardView{}, service.classify(opGetBoard, err)
	}
	allowed, err := service.authorizer.CanReadBoard(ctx, userID, boardID)
	if err != nil {
		return BoardView{}, newServiceError(opGetBoard, reasonAuthorizeFailed, err)
	}
	if !allowed {
		return BoardView{}, service.classify(opGetBoard, fmt.Errorf("%w: %s cannot read board %s", ErrForbidden, userID, boardID))
	}

	var lists []List
	if err = service.db.WithContext(ctx).Where("board_id = ?", boardID).Order("position ASC").Order("list_id ASC").Find(&lists).Error; err != nil {
		return BoardView{}, service.classify(opGetBoard, err)
	}
	listIDs := make([]string, len(lists))
	for index, list := range lists {
		listIDs[index] = list.ListID
	}
	var cards []Card
	if len(listIDs) > 0 {
		if err = service.db.WithContext(ctx).Where("list_id IN ?", listIDs).Order("position ASC").Order("card_id ASC").Find(&cards).Error; err != nil {
			return BoardView{}, service.classify(opGetBoard, err)
		}
	}
	cardsByList := make(map[string][]Card, len(lists))
	for _, card := range cards {
		cardsByList[card.ListID] = append(cardsByList[card.ListID], card)
	}

	view = BoardView{Board: board, Lists: make([]ListView, len(lists))}
	for index, list := range lists {
		listCards := cardsByList[list.ListID]
		if listCards == nil {
			listCards = []Card{}
		}
		view.Lists[index] = ListView{List: list, Cards: listCards}
	}
	return view, nil
}

func (service *Service) insert(ctx context.Context, itemType events.ItemType, parentID string, index int, record Positioned) (Placement, []OrderedItem, error) {
	var placement Placement
	var snapshot []OrderedItem
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := service.store.WithTx(tx)
		var insertErr error
		placement, insertErr = store.Insert(ctx, itemType, parentID, index, record)
		if insertErr != nil {
			return insertErr
		}
		if placement.Rebalanced {
			snapshot, insertErr = store.Siblings(ctx, itemType, parentID)
		}
		return insertErr
	})
	return placement, snapshot, err
}

func (service *Service) creationEvents(itemType events.ItemType, boardID, title string, actor Actor, placement Placement, snapshot []OrderedItem) []events.DomainEvent {
	batch := make([]events.DomainEvent, 0, 2)
	if placement.Rebalanced && len(snapshot) > 0 {
		batch = append(batch, service.newEvent(events.KindItemsRebalanced, boardID, actor, itemStates(itemType, snapshot)...))
	}
	state := itemState(itemType, placement.Item)
	state.Title = title
	return append(batch, service.newEvent(events.KindItemCreated, boardID, actor, state))
}

func (service *Service) rename(ctx context.Context, itemType events.ItemType, itemID, rawTitle string, actor Actor) (state events.ItemState, err error) {
	ctx, span := service.startSpan(ctx, opRenameItem,
		attribute.String("item.type", string(itemType)),
		attribute.String("item.id", itemID))
	defer func() { finishSpan(span, err) }()

	itemID, err = validateIdentifier(string(itemType), itemID)
	if err != nil {
		return events.ItemState{}, service.classify(opRenameItem, err)
	}
	title, err := validateTitle(rawTitle)
	if err != nil {
		return events.ItemState{}, service.classify(opRenameItem, err)
	}
	item, boardID, err := service.resolveItem(ctx, itemType, itemID)
	if err != nil {
		return events.ItemState{}, service.classify(opRenameItem, err)
	}
	if err := service.authorizeEdit(ctx, actor, boardID); err != nil {
		return events.ItemState{}, service.classify(opRenameItem, err)
	}

	col, err := collectionFor(itemType)
	if err != nil {
		return events.ItemState{}, service.classify(opRenameItem, err)
	}
	result := service.db.WithContext(ctx).Table(col.table).
		Where(col.idColumn+" = ?", itemID).
		Updates(map[string]any{"title": title, columnUpdatedAt: service.now()})
	if result.Error != nil {
		return events.ItemState{}, service.classify(opRenameItem, result.Error)
	}
	if result.RowsAffected == 0 {
		return events.ItemState{}, service.classify(opRenameItem, fmt.Errorf("%w: %s %s", ErrNotFound, itemType, itemID))
	}

	state = itemState(itemType, item)
	state.Title = title
	service.emit(ctx, service.newEvent(events.KindItemUpdated, boardID, actor, state))
	return state, nil
}

func (service *Service) remove(ctx context.Context, itemType events.ItemType, itemID string, actor Actor) (err error) {
	ctx, span := service.startSpan(ctx, opDeleteItem,
		attribute.String("item.type", string(itemType)),
		attribute.String("item.id", itemID))
	defer func() { finishSpan(span, err) }()

	itemID, err = validateIdentifier(string(itemType), itemID)
	if err != nil {
		return service.classify(opDeleteItem, err)
	}
	item, boardID, err := service.resolveItem(ctx, itemType, itemID)
	if err != nil {
		return service.classify(opDeleteItem, err)
	}
	if err := service.authorizeEdit(ctx, actor, boardID); err != nil {
		return service.classify(opDeleteItem, err)
	}

	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if itemType == events.ItemTypeList {
			if deleteErr := tx.Where("list_id = ?", itemID).Delete(&Card{}).Error; deleteErr != nil {
				return deleteErr
			}
			result := tx.Where("list_id = ?", itemID).Delete(&List{})
			if result.Error == nil && result.RowsAffected == 0 {
				return fmt.Errorf("%w: list %s", ErrNotFound, itemID)
			}
			return result.Error
		}
		result := tx.Where("card_id = ?", itemID).Delete(&Card{})
		if result.Error == nil && result.RowsAffected == 0 {
			return fmt.Errorf("%w: card %s", ErrNotFound, itemID)
		}
		return result.Error
	})
	if err != nil {
		return service.classify(opDeleteItem, err, zap.String("item_id", itemID))
	}
	service.emit(ctx, service.newEvent(events.KindItemDeleted, boardID, actor, itemState(itemType, item)))
	return nil
}

// resolveItem loads an item and the board it belongs to.
func (service *Service) resolveItem(ctx context.Context, itemType events.ItemType, itemID string) (OrderedItem, string, error) {
	item, err := service.store.Item(ctx, itemType, itemID)
	if err != nil {
		return OrderedItem{}, "", err
	}
	if itemType == events.ItemTypeList {
		return item, item.ParentID, nil
	}
	boardID, err := service.boardOf(ctx, events.ItemTypeCard, item.ParentID)
	if err != nil {
		return OrderedItem{}, "", err
	}
	return item, boardID, nil
}

func insertIndex(index *int) (int, error) {
	if index == nil {
		return math.MaxInt, nil
	}
	if *index < 0 {
		return 0, fmt.Errorf("%w: negative index %d", ErrInvalidTarget, *index)
	}
	return *index, nil
}
