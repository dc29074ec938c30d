package boards

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/internal/ordering"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 10
	tieBreakModulus    = 1_000_003
	columnPosition     = "position"
	columnUpdatedAt    = "updated_at_s"
)

// StoreConfig describes the dependencies of the ordered collection store.
// A zero RetryJitter retries conflicts without sleeping.
type StoreConfig struct {
	Database    *gorm.DB
	MaxAttempts int
	RetryJitter time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// writeHook runs around a single positional write attempt.
type writeHook func(tx *gorm.DB, itemType events.ItemType, parentID string, position float64) error

// Store applies insert, move, transfer, rebalance and batch reorder operations
// to lists and cards so that no two siblings share a position once an
// operation commits.
type Store struct {
	db          *gorm.DB
	maxAttempts int
	retryJitter time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	beforeWrite writeHook
	afterWrite  writeHook
}

// Placement describes the outcome of a positional write.
type Placement struct {
	Item             OrderedItem
	PreviousParentID string
	PreviousPosition float64
	// Changed is false when the item already sat at the requested index.
	Changed bool
	// Rebalanced is true when the parent collection was rewritten to make room.
	Rebalanced bool
}

// ReorderResult describes the outcome of ReorderBatch.
type ReorderResult struct {
	Items      []OrderedItem
	Moved      []OrderedItem
	Rebalanced bool
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryJitter := cfg.RetryJitter
	if retryJitter < 0 {
		retryJitter = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:          cfg.Database,
		maxAttempts: maxAttempts,
		retryJitter: retryJitter,
		clock:       clock,
		logger:      logger,
	}, nil
}

// WithTx returns a copy of the store bound to tx. Operations on the copy run
// as nested transactions of tx.
func (store *Store) WithTx(tx *gorm.DB) *Store {
	clone := *store
	clone.db = tx
	return &clone
}

// Siblings returns every item of parentID sorted by position.
func (store *Store) Siblings(ctx context.Context, itemType events.ItemType, parentID string) ([]OrderedItem, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return nil, err
	}
	return loadSiblings(store.db.WithContext(ctx), col, parentID, "")
}

// Item returns the ordering view of a single item.
func (store *Store) Item(ctx context.Context, itemType events.ItemType, itemID string) (OrderedItem, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return OrderedItem{}, err
	}
	return loadItem(store.db.WithContext(ctx), col, itemID)
}

// Insert persists record inside parentID at atIndex. Indexes past the end append.
func (store *Store) Insert(ctx context.Context, itemType events.ItemType, parentID string, atIndex int, record Positioned) (Placement, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return Placement{}, err
	}
	var placement Placement
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		position, rebalanced, placeErr := store.place(ctx, tx, col, parentID, "", atIndex, func(writer *gorm.DB, candidate float64) error {
			record.SetPlacement(parentID, candidate)
			return writer.Create(record).Error
		})
		if placeErr != nil {
			return placeErr
		}
		placement = Placement{
			Item:       OrderedItem{ID: record.OrderedID(), ParentID: parentID, Position: position},
			Changed:    true,
			Rebalanced: rebalanced,
		}
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	return placement, nil
}

// MoveWithinParent repositions itemID to newIndex among its current siblings.
// Only the moving row is rewritten unless the parent has to be rebalanced.
func (store *Store) MoveWithinParent(ctx context.Context, itemType events.ItemType, itemID string, newIndex int) (Placement, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return Placement{}, err
	}
	var placement Placement
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, loadErr := loadItem(tx, col, itemID)
		if loadErr != nil {
			return loadErr
		}
		placement, loadErr = store.moveWithin(ctx, tx, col, current, newIndex)
		return loadErr
	})
	if err != nil {
		return Placement{}, err
	}
	return placement, nil
}

// TransferToParent moves itemID into newParentID at newIndex. Parent and
// position change in a single statement.
func (store *Store) TransferToParent(ctx context.Context, itemType events.ItemType, itemID, newParentID string, newIndex int) (Placement, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return Placement{}, err
	}
	var placement Placement
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, loadErr := loadItem(tx, col, itemID)
		if loadErr != nil {
			return loadErr
		}
		if current.ParentID == newParentID {
			placement, loadErr = store.moveWithin(ctx, tx, col, current, newIndex)
			return loadErr
		}
		position, rebalanced, placeErr := store.place(ctx, tx, col, newParentID, "", newIndex, func(writer *gorm.DB, candidate float64) error {
			return store.updatePlacement(writer, col, itemID, newParentID, candidate)
		})
		if placeErr != nil {
			return placeErr
		}
		placement = Placement{
			Item:             OrderedItem{ID: itemID, ParentID: newParentID, Position: position},
			PreviousParentID: current.ParentID,
			PreviousPosition: current.Position,
			Changed:          true,
			Rebalanced:       rebalanced,
		}
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	return placement, nil
}

// RebalanceAll rewrites every position of parentID to Base, 2*Base, ...
// preserving the current order.
func (store *Store) RebalanceAll(ctx context.Context, itemType events.ItemType, parentID string) ([]OrderedItem, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return nil, err
	}
	var items []OrderedItem
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		siblings, loadErr := loadSiblings(tx, col, parentID, "")
		if loadErr != nil {
			return loadErr
		}
		finals := ordering.Rebalance(len(siblings))
		if rewriteErr := store.rewritePositions(tx, col, siblings, finals); rewriteErr != nil {
			return rewriteErr
		}
		items = withPositions(siblings, finals)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ReorderBatch commits orderedIDs as the complete order of parentID. Items
// already in ascending order relative to each other keep their positions;
// the rest are parked and then spread into the gaps between them. When a gap
// is too narrow the whole collection is rewritten.
func (store *Store) ReorderBatch(ctx context.Context, itemType events.ItemType, parentID string, orderedIDs []string) (ReorderResult, error) {
	col, err := collectionFor(itemType)
	if err != nil {
		return ReorderResult{}, err
	}
	var result ReorderResult
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		siblings, loadErr := loadSiblings(tx, col, parentID, "")
		if loadErr != nil {
			return loadErr
		}
		target, orderErr := orderByIDs(siblings, orderedIDs)
		if orderErr != nil {
			return orderErr
		}

		finals := positionsOf(target)
		keep := stableSubsequence(finals)
		rebalanced := false
		for index := 0; index < len(target) && !rebalanced; {
			if keep[index] {
				index++
				continue
			}
			start := index
			for index < len(target) && !keep[index] {
				index++
			}
			var before, after *float64
			if start > 0 {
				before = &finals[start-1]
			}
			if index < len(target) {
				after = &finals[index]
			}
			spread, spreadErr := ordering.Spread(before, after, index-start)
			if errors.Is(spreadErr, ordering.ErrExhausted) {
				rebalanced = true
				break
			}
			if spreadErr != nil {
				return fmt.Errorf("%w: %v", ErrOrderingExhausted, spreadErr)
			}
			copy(finals[start:index], spread)
		}

		var rewriteItems []OrderedItem
		var rewriteFinals []float64
		if rebalanced {
			finals = ordering.Rebalance(len(target))
			rewriteItems, rewriteFinals = target, finals
		} else {
			for index := range target {
				if !keep[index] {
					rewriteItems = append(rewriteItems, target[index])
					rewriteFinals = append(rewriteFinals, finals[index])
				}
			}
		}
		if rewriteErr := store.rewritePositions(tx, col, rewriteItems, rewriteFinals); rewriteErr != nil {
			return rewriteErr
		}

		result = ReorderResult{Items: withPositions(target, finals), Rebalanced: rebalanced}
		for index, item := range result.Items {
			if !keep[index] {
				result.Moved = append(result.Moved, item)
			}
		}
		return nil
	})
	if err != nil {
		return ReorderResult{}, err
	}
	return result, nil
}

func (store *Store) moveWithin(ctx context.Context, tx *gorm.DB, col collection, current OrderedItem, newIndex int) (Placement, error) {
	placement := Placement{
		Item:             current,
		PreviousParentID: current.ParentID,
		PreviousPosition: current.Position,
	}
	siblings, err := loadSiblings(tx, col, current.ParentID, "")
	if err != nil {
		return Placement{}, err
	}
	targetIndex := clampIndex(newIndex, len(siblings)-1)
	if indexOf(siblings, current.ID) == targetIndex {
		return placement, nil
	}
	position, rebalanced, err := store.place(ctx, tx, col, current.ParentID, current.ID, targetIndex, func(writer *gorm.DB, candidate float64) error {
		return store.updatePlacement(writer, col, current.ID, current.ParentID, candidate)
	})
	if err != nil {
		return Placement{}, err
	}
	placement.Item.Position = position
	placement.Changed = true
	placement.Rebalanced = rebalanced
	return placement, nil
}

// place computes a position for targetIndex within parentID and runs write
// with it inside a savepoint, refreshing siblings and retrying on conflicts.
// movingID names an item already in parentID that must be left out of the
// sibling set.
func (store *Store) place(ctx context.Context, tx *gorm.DB, col collection, parentID, movingID string, targetIndex int, write func(*gorm.DB, float64) error) (float64, bool, error) {
	rebalanced := false
	for attempt := 0; attempt < store.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := store.backoff(ctx, attempt); err != nil {
				return 0, rebalanced, err
			}
		}
		candidate, didRebalance, err := store.allocate(tx, col, parentID, movingID, targetIndex, ordering.PositionBetween)
		rebalanced = rebalanced || didRebalance
		if err != nil {
			return 0, rebalanced, err
		}
		err = store.attemptWrite(tx, col, parentID, candidate, write)
		if err == nil {
			return candidate, rebalanced, nil
		}
		if !errors.Is(err, ErrPositionConflict) {
			return 0, rebalanced, err
		}
		store.logger.Debug("position conflict",
			zap.String("item_type", string(col.itemType)),
			zap.String("parent_id", parentID),
			zap.Float64("position", candidate),
			zap.Int("attempt", attempt+1))
	}

	fraction := float64(store.clock().UnixNano()%tieBreakModulus) / tieBreakModulus
	candidate, didRebalance, err := store.allocate(tx, col, parentID, movingID, targetIndex, func(before, after *float64) (float64, error) {
		return ordering.Jitter(before, after, fraction)
	})
	rebalanced = rebalanced || didRebalance
	if err != nil {
		return 0, rebalanced, err
	}
	err = store.attemptWrite(tx, col, parentID, candidate, write)
	if errors.Is(err, ErrPositionConflict) {
		store.logger.Warn("ordering exhausted",
			zap.String("item_type", string(col.itemType)),
			zap.String("parent_id", parentID),
			zap.Int("attempts", store.maxAttempts+1))
		return 0, rebalanced, fmt.Errorf("%w: %s parent %s after %d attempts", ErrOrderingExhausted, col.itemType, parentID, store.maxAttempts+1)
	}
	if err != nil {
		return 0, rebalanced, err
	}
	return candidate, rebalanced, nil
}

// allocate picks a position for targetIndex, rebalancing parentID first when
// the neighbouring gap is exhausted.
func (store *Store) allocate(tx *gorm.DB, col collection, parentID, movingID string, targetIndex int, pick func(before, after *float64) (float64, error)) (float64, bool, error) {
	siblings, err := loadSiblings(tx, col, parentID, movingID)
	if err != nil {
		return 0, false, err
	}
	candidate, err := pick(ordering.Neighbours(positionsOf(siblings), targetIndex))
	if err == nil {
		return candidate, false, nil
	}
	if !errors.Is(err, ordering.ErrExhausted) && !errors.Is(err, ordering.ErrUnordered) {
		return 0, false, err
	}

	store.logger.Info("rebalancing collection",
		zap.String("item_type", string(col.itemType)),
		zap.String("parent_id", parentID),
		zap.Int("items", len(siblings)),
		zap.NamedError("cause", err))
	if movingID != "" {
		if parkErr := store.updatePosition(tx, col, movingID, parkingPosition(len(siblings))); parkErr != nil {
			return 0, false, parkErr
		}
	}
	finals := ordering.Rebalance(len(siblings))
	if rewriteErr := store.rewritePositions(tx, col, siblings, finals); rewriteErr != nil {
		return 0, false, rewriteErr
	}
	candidate, err = pick(ordering.Neighbours(finals, targetIndex))
	if err != nil {
		return 0, true, fmt.Errorf("%w: %v", ErrOrderingExhausted, err)
	}
	return candidate, true, nil
}

func (store *Store) attemptWrite(tx *gorm.DB, col collection, parentID string, candidate float64, write func(*gorm.DB, float64) error) error {
	if store.beforeWrite != nil {
		if err := store.beforeWrite(tx, col.itemType, parentID, candidate); err != nil {
			return err
		}
	}
	return tx.Transaction(func(savepoint *gorm.DB) error {
		if err := write(savepoint, candidate); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s parent %s at %g", ErrPositionConflict, col.itemType, parentID, candidate)
			}
			return err
		}
		if store.afterWrite != nil {
			return store.afterWrite(savepoint, col.itemType, parentID, candidate)
		}
		return nil
	})
}

// rewritePositions assigns finals to items in two passes. The first pass
// parks every item at a distinct negative position so that the second pass
// never trips the (parent, position) unique index on a value still held by
// another item of the batch.
func (store *Store) rewritePositions(tx *gorm.DB, col collection, items []OrderedItem, finals []float64) error {
	if len(items) != len(finals) {
		return fmt.Errorf("rewrite positions: %d items, %d positions", len(items), len(finals))
	}
	for index, item := range items {
		if err := store.updatePosition(tx, col, item.ID, parkingPosition(index)); err != nil {
			return err
		}
	}
	for index, item := range items {
		if err := store.updatePosition(tx, col, item.ID, finals[index]); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) updatePosition(tx *gorm.DB, col collection, itemID string, position float64) error {
	result := tx.Table(col.table).
		Where(col.idColumn+" = ?", itemID).
		Updates(map[string]any{
			columnPosition:  position,
			columnUpdatedAt: store.clock().UTC().Unix(),
		})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: rewrite of %s %s collided", ErrOrderingExhausted, col.itemType, itemID)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, col.itemType, itemID)
	}
	return nil
}

func (store *Store) updatePlacement(tx *gorm.DB, col collection, itemID, parentID string, position float64) error {
	result := tx.Table(col.table).
		Where(col.idColumn+" = ?", itemID).
		Updates(map[string]any{
			col.parentColumn: parentID,
			columnPosition:   position,
			columnUpdatedAt:  store.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, col.itemType, itemID)
	}
	return nil
}

func (store *Store) backoff(ctx context.Context, attempt int) error {
	if store.retryJitter <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(rand.N(store.retryJitter * time.Duration(attempt)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func loadSiblings(tx *gorm.DB, col collection, parentID, excludeID string) ([]OrderedItem, error) {
	query := tx.Table(col.table).
		Select(col.idColumn+" AS item_id, "+col.parentColumn+" AS parent_id, position").
		Where(col.parentColumn+" = ?", parentID)
	if excludeID != "" {
		query = query.Where(col.idColumn+" <> ?", excludeID)
	}
	var items []OrderedItem
	if err := query.Order("position ASC").Order(col.idColumn + " ASC").Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func loadItem(tx *gorm.DB, col collection, itemID string) (OrderedItem, error) {
	var items []OrderedItem
	err := tx.Table(col.table).
		Select(col.idColumn+" AS item_id, "+col.parentColumn+" AS parent_id, position").
		Where(col.idColumn+" = ?", itemID).
		Limit(1).
		Scan(&items).Error
	if err != nil {
		return OrderedItem{}, err
	}
	if len(items) == 0 {
		return OrderedItem{}, fmt.Errorf("%w: %s %s", ErrNotFound, col.itemType, itemID)
	}
	return items[0], nil
}

func orderByIDs(siblings []OrderedItem, orderedIDs []string) ([]OrderedItem, error) {
	if len(orderedIDs) != len(siblings) {
		return nil, fmt.Errorf("%w: expected %d ids, got %d", ErrInvalidTarget, len(siblings), len(orderedIDs))
	}
	byID := make(map[string]OrderedItem, len(siblings))
	for _, item := range siblings {
		byID[item.ID] = item
	}
	target := make([]OrderedItem, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a member or is repeated", ErrInvalidTarget, id)
		}
		delete(byID, id)
		target = append(target, item)
	}
	return target, nil
}

// stableSubsequence marks a longest strictly increasing subsequence of values.
// Marked items can keep their positions in the new order.
func stableSubsequence(values []float64) []bool {
	keep := make([]bool, len(values))
	if len(values) == 0 {
		return keep
	}
	tails := make([]int, 0, len(values))
	parents := make([]int, len(values))
	for index, value := range values {
		slot := sort.Search(len(tails), func(k int) bool { return values[tails[k]] >= value })
		parents[index] = -1
		if slot > 0 {
			parents[index] = tails[slot-1]
		}
		if slot == len(tails) {
			tails = append(tails, index)
		} else {
			tails[slot] = index
		}
	}
	for index := tails[len(tails)-1]; index >= 0; index = parents[index] {
		keep[index] = true
	}
	return keep
}

func positionsOf(items []OrderedItem) []float64 {
	positions := make([]float64, len(items))
	for index, item := range items {
		positions[index] = item.Position
	}
	return positions
}

func withPositions(items []OrderedItem, positions []float64) []OrderedItem {
	updated := make([]OrderedItem, len(items))
	for index, item := range items {
		item.Position = positions[index]
		updated[index] = item
	}
	return updated
}

func indexOf(items []OrderedItem, itemID string) int {
	for index, item := range items {
		if item.ID == itemID {
			return index
		}
	}
	return -1
}

func clampIndex(index, upper int) int {
	if index < 0 {
		return 0
	}
	if upper < 0 {
		return 0
	}
	if index > upper {
		return upper
	}
	return index
}

func parkingPosition(index int) float64 {
	return -float64(index + 1)
}
