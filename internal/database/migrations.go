package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/boards"
	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairNonPositivePositions = "2026-10-01_repair_non_positive_positions"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairNonPositivePositions, apply: repairNonPositivePositions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairNonPositivePositions rebalances every parent holding a list or card
// at a position of zero or below, which the ordering scheme never produces.
func repairNonPositivePositions(db *gorm.DB, logger *zap.Logger) error {
	store, err := boards.NewStore(boards.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	collections := []struct {
		itemType     events.ItemType
		model        any
		parentColumn string
	}{
		{itemType: events.ItemTypeList, model: &boards.List{}, parentColumn: "board_id"},
		{itemType: events.ItemTypeCard, model: &boards.Card{}, parentColumn: "list_id"},
	}
	ctx := context.Background()
	for _, collection := range collections {
		var parentIDs []string
		if err := db.Model(collection.model).
			Where("position <= 0").
			Distinct().
			Pluck(collection.parentColumn, &parentIDs).Error; err != nil {
			return err
		}
		for _, parentID := range parentIDs {
			if _, err := store.RebalanceAll(ctx, collection.itemType, parentID); err != nil {
				return err
			}
			if logger != nil {
				logger.Info("repaired item positions",
					zap.String("item_type", string(collection.itemType)),
					zap.String("parent_id", parentID))
			}
		}
	}
	return nil
}
