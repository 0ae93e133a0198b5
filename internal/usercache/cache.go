// Package usercache serves user profiles cache-first from the shared store,
// falling back to the directory and backfilling with a fixed TTL.
package usercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

const (
	keyPrefix  = "users::"
	defaultTTL = 30 * time.Minute
)

var (
	errMissingStore = errors.New("usercache: shared store required")
	errMissingUsers = errors.New("usercache: user store required")
)

// Config configures a Cache.
type Config struct {
	Store  sharedstore.Store
	Users  chat.UserStore
	TTL    time.Duration
	Logger *zap.Logger
}

// Cache resolves users cache-first.
type Cache struct {
	store  sharedstore.Store
	users  chat.UserStore
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: cfg.Store, users: cfg.Users, ttl: ttl, logger: logger}, nil
}

func cacheKey(userID string) string {
	return keyPrefix + userID
}

type cachedUser struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage"`
}

func encode(user chat.User) (string, error) {
	encoded, err := json.Marshal(cachedUser{
		ID:           user.ID,
		Name:         user.Name,
		Email:        user.Email,
		ProfileImage: user.ProfileImage,
	})
	return string(encoded), err
}

func decode(raw string) (chat.User, error) {
	var cached cachedUser
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return chat.User{}, err
	}
	return chat.User{
		ID:           cached.ID,
		Name:         cached.Name,
		Email:        cached.Email,
		ProfileImage: cached.ProfileImage,
	}, nil
}

// Get returns a single user. Concurrent misses for the same id share one directory lookup.
func (c *Cache) Get(ctx context.Context, userID string) (chat.User, error) {
	raw, err := c.store.Get(ctx, cacheKey(userID))
	if err == nil {
		if user, decodeErr := decode(raw); decodeErr == nil {
			return user, nil
		}
	} else if !errors.Is(err, sharedstore.ErrNotFound) {
		c.logger.Warn("user cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	value, err, _ := c.group.Do(userID, func() (interface{}, error) {
		user, err := c.users.FindUser(ctx, userID)
		if err != nil {
			return chat.User{}, err
		}
		c.backfill(ctx, []chat.User{user})
		return user, nil
	})
	if err != nil {
		return chat.User{}, err
	}
	return value.(chat.User), nil
}

// GetMany resolves every known id in userIDs: one multi-get, one batch directory
// query for the misses, then a backfill. Unknown ids are absent from the result.
func (c *Cache) GetMany(ctx context.Context, userIDs []string) (map[string]chat.User, error) {
	result := make(map[string]chat.User, len(userIDs))
	unique := dedupe(userIDs)
	if len(unique) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(unique))
	for _, userID := range unique {
		keys = append(keys, cacheKey(userID))
	}
	cached, err := c.store.MGet(ctx, keys...)
	if err != nil {
		c.logger.Warn("user cache batch read failed", zap.Int("count", len(keys)), zap.Error(err))
		cached = map[string]string{}
	}

	misses := make([]string, 0)
	for _, userID := range unique {
		raw, ok := cached[cacheKey(userID)]
		if !ok {
			misses = append(misses, userID)
			continue
		}
		user, err := decode(raw)
		if err != nil {
			misses = append(misses, userID)
			continue
		}
		result[userID] = user
	}
	if len(misses) == 0 {
		return result, nil
	}

	loaded, err := c.users.FindUsers(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("usercache: batch load: %w", err)
	}
	for _, user := range loaded {
		result[user.ID] = user
	}
	c.backfill(ctx, loaded)
	return result, nil
}

// Evict drops a cached profile after it changes.
func (c *Cache) Evict(ctx context.Context, userID string) error {
	return c.store.Delete(ctx, cacheKey(userID))
}

func (c *Cache) backfill(ctx context.Context, users []chat.User) {
	if len(users) == 0 {
		return
	}
	values := make(map[string]string, len(users))
	for _, user := range users {
		encoded, err := encode(user)
		if err != nil {
			continue
		}
		values[cacheKey(user.ID)] = encoded
	}
	if err := c.store.SetMany(ctx, values, c.ttl); err != nil {
		c.logger.Warn("user cache backfill failed", zap.Int("count", len(values)), zap.Error(err))
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
