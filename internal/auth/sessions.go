package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

const (
	sessionKeyPrefix  = "session:"
	defaultSessionTTL = 24 * time.Hour
	touchAttempts     = 3
)

// Reasons reported by SessionStore.Validate.
const (
	SessionReasonMissing  = "session_missing"
	SessionReasonNotFound = "session_not_found"
	SessionReasonMismatch = "session_mismatch"
	SessionReasonExpired  = "session_expired"
)

var errMissingSessionStore = errors.New("session store: shared store required")

// SessionValidation is the outcome of a session check.
type SessionValidation struct {
	Valid  bool
	Reason string
}

type sessionRecord struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
}

// SessionStoreConfig configures a SessionStore.
type SessionStoreConfig struct {
	Store sharedstore.Store
	TTL   time.Duration
	Clock func() time.Time
}

// SessionStore keeps one application session per user in the shared store.
type SessionStore struct {
	store sharedstore.Store
	ttl   time.Duration
	clock func() time.Time
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.Store == nil {
		return nil, errMissingSessionStore
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionStore{store: cfg.Store, ttl: ttl, clock: clock}, nil
}

func sessionKey(userID string) string {
	return sessionKeyPrefix + userID
}

// Create starts a new session for userID, replacing any previous one, and returns its id.
func (s *SessionStore) Create(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errMissingSubjectClaim
	}
	sessionID, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	now := s.clock().UnixMilli()
	record := sessionRecord{
		UserID:       userID,
		SessionID:    sessionID.String(),
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.save(ctx, record); err != nil {
		return "", err
	}
	return record.SessionID, nil
}

// Validate checks that sessionID is the live session of userID.
func (s *SessionStore) Validate(ctx context.Context, userID, sessionID string) (SessionValidation, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return SessionValidation{Reason: SessionReasonMissing}, nil
	}
	record, ok, err := s.load(ctx, userID)
	if err != nil {
		return SessionValidation{}, err
	}
	if !ok {
		return SessionValidation{Reason: SessionReasonNotFound}, nil
	}
	if record.SessionID != sessionID {
		return SessionValidation{Reason: SessionReasonMismatch}, nil
	}
	lastActivity := time.UnixMilli(record.LastActivity)
	if s.clock().Sub(lastActivity) > s.ttl {
		return SessionValidation{Reason: SessionReasonExpired}, nil
	}
	return SessionValidation{Valid: true}, nil
}

// TouchLastActivity refreshes the user's session activity marker and expiry.
// The write only lands while the stored record is the one that was read, so a
// session created concurrently by another login is never overwritten.
func (s *SessionStore) TouchLastActivity(ctx context.Context, userID string) error {
	sessionID := ""
	for attempt := 0; attempt < touchAttempts; attempt++ {
		raw, record, ok, err := s.loadRaw(ctx, userID)
		if err != nil || !ok {
			return err
		}
		if sessionID == "" {
			sessionID = record.SessionID
		} else if record.SessionID != sessionID {
			return nil
		}
		record.LastActivity = s.clock().UnixMilli()
		encoded, err := json.Marshal(record)
		if err != nil {
			return err
		}
		swapped, err := s.store.CompareAndSwap(ctx, sessionKey(userID), raw, string(encoded), s.ttl)
		if err != nil || swapped {
			return err
		}
	}
	return nil
}

// Remove deletes the user's session.
func (s *SessionStore) Remove(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, sessionKey(userID))
}

func (s *SessionStore) save(ctx context.Context, record sessionRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, sessionKey(record.UserID), string(encoded), s.ttl)
}

func (s *SessionStore) load(ctx context.Context, userID string) (sessionRecord, bool, error) {
	_, record, ok, err := s.loadRaw(ctx, userID)
	return record, ok, err
}

func (s *SessionStore) loadRaw(ctx context.Context, userID string) (string, sessionRecord, bool, error) {
	raw, err := s.store.Get(ctx, sessionKey(userID))
	if errors.Is(err, sharedstore.ErrNotFound) {
		return "", sessionRecord{}, false, nil
	}
	if err != nil {
		return "", sessionRecord{}, false, err
	}
	var record sessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", sessionRecord{}, false, fmt.Errorf("session store: decode: %w", err)
	}
	return raw, record, true, nil
}
