package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillContentBytes = "2026-06-02_backfill_content_bytes"
	migrationBackfillTaskAttempts = "2026-07-21_backfill_task_attempts"
)

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
		{name: migrationBackfillContentBytes, apply: backfillContentBytes},
		{name: migrationBackfillTaskAttempts, apply: backfillTaskAttempts},
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

// backfillContentBytes recomputes the byte counter for rows written before the
// counter column existed.
func backfillContentBytes(db *gorm.DB) error {
	return db.Exec("UPDATE document_versions SET content_bytes = length(content) WHERE content_bytes = 0 AND content <> ''").Error
}

// backfillTaskAttempts gives pre-counter task rows an attempt of 1 so stale
// callback detection compares against a real value.
func backfillTaskAttempts(db *gorm.DB) error {
	return db.Exec("UPDATE generation_tasks SET attempt = 1 WHERE attempt IS NULL OR attempt < 1").Error
}
