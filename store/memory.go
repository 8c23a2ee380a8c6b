package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex
// protection.
//
// WARNING: counters are per-process. On an edge or multi-instance deployment
// each instance counts only the traffic it sees, so effective limits are
// approximate (good enough for abuse deterrence, not for hard quotas). Use
// the Redis store when limits must hold across instances.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	stopCh  chan struct{}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired
// entries. A background goroutine sweeps every minute to bound memory growth;
// cleanup is not needed for correctness since expired entries behave as
// absent on every access.
//
// Call Close() when done to stop the cleanup goroutine.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		stopCh:  make(chan struct{}),
	}

	go m.cleanup()
	return m
}

// Increment atomically increments the counter for the given key and returns
// the new count, time until the window resets, and any error (always nil for
// the in-memory store). An entry whose reset time is at or before now is
// treated as absent: a fresh window starts with count 1.
//
// The context parameter is accepted for interface compatibility but is not
// used; in-memory operations complete immediately.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry, exists := m.entries[key]

	if !exists || !now.Before(entry.resetAt) {
		m.entries[key] = &memoryEntry{
			count:   1,
			resetAt: now.Add(window),
		}
		return 1, window, nil
	}

	entry.count++
	ttl := max(0, time.Until(entry.resetAt))
	return entry.count, ttl, nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or its window has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[key]
	if !exists || !time.Now().Before(entry.resetAt) {
		return 0, nil
	}

	return entry.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len reports the number of entries currently held, including expired
// entries not yet swept. Useful for diagnostics and memory monitoring.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Close stops the cleanup goroutine.
func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

// cleanup sweeps expired entries on a fixed cadence. It only removes entries
// already past their reset time; racing with a caller about to refresh such
// an entry is safe because the caller recreates it.
func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			var expiredKeys []string

			m.mu.RLock()
			for key, entry := range m.entries {
				if !now.Before(entry.resetAt) {
					expiredKeys = append(expiredKeys, key)
				}
			}
			m.mu.RUnlock()

			if len(expiredKeys) > 0 {
				m.mu.Lock()
				for _, key := range expiredKeys {
					// Recheck: the entry may have been refreshed since the scan.
					if entry, ok := m.entries[key]; ok && !now.Before(entry.resetAt) {
						delete(m.entries, key)
					}
				}
				m.mu.Unlock()
			}
		case <-m.stopCh:
			return
		}
	}
}
