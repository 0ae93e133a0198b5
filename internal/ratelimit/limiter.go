package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

const defaultKeyPrefix = "ratelimit:"

var (
	errMissingStore   = errors.New("ratelimit: store required")
	errInvalidLimit   = errors.New("ratelimit: limit must be positive")
	errInvalidWindow  = errors.New("ratelimit: window must be at least one millisecond")
	errMissingSubject = errors.New("ratelimit: user id required")
)

// Result is the outcome of a single rate-limit check.
type Result struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// Config configures a Limiter.
type Config struct {
	Store sharedstore.Store
	// Action namespaces counters, e.g. "chat-message".
	Action string
	Clock  func() time.Time
}

// Limiter is a fixed-window counter keyed by user and window start.
type Limiter struct {
	store  sharedstore.Store
	prefix string
	clock  func() time.Time
}

// NewLimiter constructs a Limiter.
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	prefix := defaultKeyPrefix
	if cfg.Action != "" {
		prefix = prefix + cfg.Action + ":"
	}
	return &Limiter{store: cfg.Store, prefix: prefix, clock: clock}, nil
}

// Check counts one attempt by userID and reports whether it fits into limit per window.
// A rejected attempt still counts; it has no other side effects.
func (l *Limiter) Check(ctx context.Context, userID string, limit int, window time.Duration) (Result, error) {
	if userID == "" {
		return Result{}, errMissingSubject
	}
	if limit <= 0 {
		return Result{}, errInvalidLimit
	}
	if window < time.Millisecond {
		return Result{}, errInvalidWindow
	}

	windowStart := l.clock().UnixMilli() / window.Milliseconds()
	key := fmt.Sprintf("%s%s:%d", l.prefix, userID, windowStart)

	count, ttl, err := l.store.IncrWindow(ctx, key, window)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment: %w", err)
	}

	if count > int64(limit) {
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfterSeconds(ttl, window),
		}, nil
	}
	return Result{
		Allowed:   true,
		Remaining: limit - int(count),
	}, nil
}

func retryAfterSeconds(ttl, window time.Duration) int {
	if ttl <= 0 {
		ttl = window
	}
	seconds := int(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
