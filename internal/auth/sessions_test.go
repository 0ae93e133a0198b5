package auth

import (
	"context"
	"testing"
	"time"

	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

func TestSessionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sessions, err := NewSessionStore(SessionStoreConfig{
		Store: sharedstore.NewMemory(clock),
		TTL:   time.Hour,
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to construct session store: %v", err)
	}

	sessionID, err := sessions.Create(ctx, testUserID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := sessions.Validate(ctx, testUserID, sessionID)
	if err != nil || !result.Valid {
		t.Fatalf("expected valid session, got %#v, %v", result, err)
	}

	result, _ = sessions.Validate(ctx, testUserID, "other")
	if result.Valid || result.Reason != SessionReasonMismatch {
		t.Fatalf("expected mismatch, got %#v", result)
	}

	result, _ = sessions.Validate(ctx, "unknown", sessionID)
	if result.Valid || result.Reason != SessionReasonNotFound {
		t.Fatalf("expected not found, got %#v", result)
	}

	result, _ = sessions.Validate(ctx, testUserID, "")
	if result.Valid || result.Reason != SessionReasonMissing {
		t.Fatalf("expected missing, got %#v", result)
	}
}

func TestSessionStoreTouchExtendsSession(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sessions, err := NewSessionStore(SessionStoreConfig{
		Store: sharedstore.NewMemory(clock),
		TTL:   time.Hour,
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to construct session store: %v", err)
	}
	sessionID, err := sessions.Create(ctx, testUserID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now = now.Add(50 * time.Minute)
	if err := sessions.TouchLastActivity(ctx, testUserID); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	now = now.Add(50 * time.Minute)

	result, err := sessions.Validate(ctx, testUserID, sessionID)
	if err != nil || !result.Valid {
		t.Fatalf("expected touched session to remain valid, got %#v, %v", result, err)
	}

	now = now.Add(2 * time.Hour)
	result, _ = sessions.Validate(ctx, testUserID, sessionID)
	if result.Valid {
		t.Fatalf("expected idle session to be invalid")
	}
}

func TestSessionStoreCreateReplacesPreviousSession(t *testing.T) {
	ctx := context.Background()
	sessions, err := NewSessionStore(SessionStoreConfig{Store: sharedstore.NewMemory(nil)})
	if err != nil {
		t.Fatalf("failed to construct session store: %v", err)
	}
	first, _ := sessions.Create(ctx, testUserID)
	second, _ := sessions.Create(ctx, testUserID)

	if result, _ := sessions.Validate(ctx, testUserID, first); result.Valid {
		t.Fatalf("expected previous session to be replaced")
	}
	if result, _ := sessions.Validate(ctx, testUserID, second); !result.Valid {
		t.Fatalf("expected newest session to be valid")
	}
	if err := sessions.Remove(ctx, testUserID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if result, _ := sessions.Validate(ctx, testUserID, second); result.Valid {
		t.Fatalf("expected removed session to be invalid")
	}
}

// interleavingStore runs beforeSwap once, between a read and the
// compare-and-swap that follows it.
type interleavingStore struct {
	sharedstore.Store
	beforeSwap func()
}

func (s *interleavingStore) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	if hook := s.beforeSwap; hook != nil {
		s.beforeSwap = nil
		hook()
	}
	return s.Store.CompareAndSwap(ctx, key, expected, value, ttl)
}

func TestSessionStoreTouchKeepsConcurrentLogin(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := &interleavingStore{Store: sharedstore.NewMemory(clock)}
	sessions, err := NewSessionStore(SessionStoreConfig{Store: store, TTL: time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct session store: %v", err)
	}
	staleID, err := sessions.Create(ctx, testUserID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var freshID string
	store.beforeSwap = func() {
		freshID, err = sessions.Create(ctx, testUserID)
		if err != nil {
			t.Fatalf("concurrent create failed: %v", err)
		}
	}
	now = now.Add(time.Minute)
	if err := sessions.TouchLastActivity(ctx, testUserID); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	result, err := sessions.Validate(ctx, testUserID, freshID)
	if err != nil || !result.Valid {
		t.Fatalf("expected the new login to stay valid, got %#v, %v", result, err)
	}
	result, _ = sessions.Validate(ctx, testUserID, staleID)
	if result.Valid || result.Reason != SessionReasonMismatch {
		t.Fatalf("expected the earlier session to be superseded, got %#v", result)
	}
}
