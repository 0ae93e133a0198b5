package users

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	return directory
}

func TestDirectoryUpsertAndFind(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory(t)

	if err := directory.Upsert(ctx, chat.User{ID: " user-1 ", Name: "Ann", Email: "ann@example.com"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := directory.Upsert(ctx, chat.User{ID: "user-1", Name: "Ann B", Email: "ann@example.com"}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	user, err := directory.FindUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if user.Name != "Ann B" {
		t.Fatalf("expected updated name, got %q", user.Name)
	}

	if _, err := directory.FindUser(ctx, "missing"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDirectoryFindUsersBatch(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory(t)
	for _, user := range []chat.User{
		{ID: "user-1", Name: "Ann"},
		{ID: "user-2", Name: "Ben"},
		{ID: "user-3", Name: "Cy"},
	} {
		if err := directory.Upsert(ctx, user); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	found, err := directory.FindUsers(ctx, []string{"user-1", "user-3", "missing"})
	if err != nil {
		t.Fatalf("batch find failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected two users, got %d", len(found))
	}

	empty, err := directory.FindUsers(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty batch result, got %v, %v", empty, err)
	}
}

func TestDirectoryRejectsInvalidUser(t *testing.T) {
	directory := newTestDirectory(t)
	if err := directory.Upsert(context.Background(), chat.User{ID: "user-1"}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected invalid user error, got %v", err)
	}
}
