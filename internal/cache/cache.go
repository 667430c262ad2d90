// Package cache keeps recently finished execution results close at hand
// so idempotent replays skip the ledger.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// KeyPrefix namespaces result entries.
const KeyPrefix = "result:"

// Cache stores opaque values with a time to live. A missing key is not an
// error: Get returns nil, false, nil.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds the cache key of one submission. The session id is length
// prefixed so no pair of ids can produce the key of another pair.
func Key(sessionID, submissionID string) string {
	return KeyPrefix + strconv.Itoa(len(sessionID)) + ":" + sessionID + ":" + submissionID
}

// Nop is a cache that never holds anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte) error          { return nil }
func (Nop) Delete(context.Context, string) error               { return nil }
func (Nop) Close() error                                        { return nil }

type memoryItem struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process cache. Expired entries are dropped lazily.
type Memory struct {
	ttl   time.Duration
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, items: make(map[string]memoryItem), now: time.Now}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && m.now().After(item.expires) {
		delete(m.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: append([]byte(nil), value...), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Close() error { return nil }
