package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pocketledger/backend/internal/ledger"
)

const migrationClearOrphanedPhotoIDs = "2026-07-18_clear_orphaned_photo_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearOrphanedPhotoIDs, apply: clearOrphanedPhotoIDs},
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
		if err := migration.apply(db); err != nil {
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

// clearOrphanedPhotoIDs drops storage keys left behind by interrupted photo
// replacements, where the old object was deleted but the new upload never
// landed.
func clearOrphanedPhotoIDs(db *gorm.DB) error {
	return db.Model(&ledger.Transaction{}).
		Where("photo_url = ? AND photo_id <> ?", "", "").
		Update("photo_id", "").Error
}
