// Package sharedstore exposes the narrow set of single-key atomic operations the
// coordination core relies on. Every operation maps to one remote command or script,
// so the same code is correct on one node or many.
package sharedstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("sharedstore: key not found")

// Store is implemented by Redis and by an in-process map for single-node deployments.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only if it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndSwap replaces the value of key with value and ttl only if it still holds expected.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// MGet returns the values of the keys that exist.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	// SetMany stores every entry with the same ttl.
	SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error

	// SetAdd adds member and reports whether it was not already present.
	SetAdd(ctx context.Context, key, member string) (bool, error)
	// SetRemove removes member and drops the key once the set is empty.
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	// IncrWindow increments the counter at key and, when it has no expiry yet, sets it to window.
	// It returns the new count and the remaining time to live.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}
