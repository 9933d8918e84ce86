package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/auth"
)

func newTestService(t *testing.T, name string) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveCanonicalUserIDSplitsProviderPrefix(t *testing.T) {
	service := newTestService(t, "users_provider_prefix")

	userID, err := service.ResolveCanonicalUserID(auth.Claims{
		UserID:      "google:12345",
		Email:       "user@example.com",
		DisplayName: "Example User",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical id 12345, got %q", userID)
	}

	var identity Identity
	if err := service.db.Where("provider = ? AND subject = ?", "google", "12345").First(&identity).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if identity.Email != "user@example.com" {
		t.Fatalf("expected stored email, got %q", identity.Email)
	}
	if identity.DisplayName != "Example User" {
		t.Fatalf("expected stored display name, got %q", identity.DisplayName)
	}
}

func TestResolveCanonicalUserIDIsStableAcrossLogins(t *testing.T) {
	service := newTestService(t, "users_stable")

	first, err := service.ResolveCanonicalUserID(auth.Claims{UserID: "google:12345"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, err := service.ResolveCanonicalUserID(auth.Claims{
		UserID: "google:12345",
		Email:  "renamed@example.com",
	})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected a stable canonical id, got %q then %q", first, second)
	}

	var count int64
	if err := service.db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveCanonicalUserIDDefaultsProvider(t *testing.T) {
	service := newTestService(t, "users_default_provider")

	userID, err := service.ResolveCanonicalUserID(auth.Claims{Subject: "user-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}

	var identity Identity
	if err := service.db.Where("subject = ?", "user-1").First(&identity).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if identity.Provider != "default" {
		t.Fatalf("expected provider default, got %q", identity.Provider)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t, "users_empty_claims")
	if _, err := service.ResolveCanonicalUserID(auth.Claims{}); err == nil {
		t.Fatalf("expected an error for claims without an identifier")
	}
}

func TestExistsReportsKnownUsers(t *testing.T) {
	service := newTestService(t, "users_exists")
	ctx := context.Background()

	if _, err := service.ResolveCanonicalUserID(auth.Claims{Subject: "user-1"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	present, err := service.Exists(ctx, "user-1")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if !present {
		t.Fatalf("expected resolved user to exist")
	}

	absent, err := service.Exists(ctx, "user-gone")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if absent {
		t.Fatalf("expected unknown user to be absent")
	}

	blank, err := service.Exists(ctx, "   ")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if blank {
		t.Fatalf("expected a blank id to be absent")
	}
}
