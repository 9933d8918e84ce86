package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/task"
)

func TestApplyMigrationsBackfillsContentBytes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&document.Version{}, &task.GenerationTask{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	version := document.Version{
		ID:            "version-1",
		Kind:          document.KindStoryText,
		ProjectID:     "project-1",
		LogicalKey:    "chain-1",
		VersionNumber: 1,
		VersionType:   document.VersionTypeBase,
		Content:       "hello world",
		ContentBytes:  0,
	}
	if err := database.Create(&version).Error; err != nil {
		testContext.Fatalf("failed to insert version: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored document.Version
	if err := database.Where("id = ?", version.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload version: %v", err)
	}
	if stored.ContentBytes != int64(len(version.Content)) {
		testContext.Fatalf("expected content bytes %d, got %d", len(version.Content), stored.ContentBytes)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillContentBytes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsTaskAttempts(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "attempts.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&document.Version{}, &task.GenerationTask{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := database.Exec(
		"INSERT INTO generation_tasks (id, project_id, target_kind, target_id, status, attempt) VALUES (?, ?, ?, ?, ?, ?)",
		"task-1", "project-1", "story_text", "version-1", "pending", 0,
	).Error; err != nil {
		testContext.Fatalf("failed to insert task: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored task.GenerationTask
	if err := database.Where("id = ?", "task-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload task: %v", err)
	}
	if stored.Attempt != 1 {
		testContext.Fatalf("expected attempt 1 after backfill, got %d", stored.Attempt)
	}
}
