package sharedstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	set       map[string]struct{}
	expiresAt time.Time
}

// Memory is an in-process Store for single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   func() time.Time
}

// NewMemory constructs an empty store. A nil clock defaults to time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		entries: make(map[string]*memoryEntry),
		clock:   clock,
	}
}

// lookup returns the live entry for key, evicting it if expired. Callers hold mu.
func (m *Memory) lookup(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !m.clock().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set != nil {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set != nil || entry.value != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set != nil || entry.value != expected {
		return false, nil
	}
	m.entries[key] = &memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) MGet(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		entry := m.lookup(key)
		if entry == nil || entry.set != nil {
			continue
		}
		result[key] = entry.value
	}
	return result, nil
}

func (m *Memory) SetMany(_ context.Context, values map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt := m.expiry(ttl)
	for key, value := range values {
		m.entries[key] = &memoryEntry{value: value, expiresAt: expiresAt}
	}
	return nil
}

func (m *Memory) SetAdd(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set == nil {
		entry = &memoryEntry{set: make(map[string]struct{})}
		m.entries[key] = entry
	}
	if _, ok := entry.set[member]; ok {
		return false, nil
	}
	entry.set[member] = struct{}{}
	return true, nil
}

func (m *Memory) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set == nil {
		return nil
	}
	delete(entry.set, member)
	if len(entry.set) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set == nil {
		return []string{}, nil
	}
	members := make([]string, 0, len(entry.set))
	for member := range entry.set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) SetIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set == nil {
		return false, nil
	}
	_, ok := entry.set[member]
	return ok, nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil || entry.set != nil {
		entry = &memoryEntry{value: "0"}
		m.entries[key] = entry
	}
	count, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	count++
	entry.value = strconv.FormatInt(count, 10)
	if entry.expiresAt.IsZero() {
		entry.expiresAt = m.expiry(window)
	}
	return count, entry.expiresAt.Sub(m.clock()), nil
}
