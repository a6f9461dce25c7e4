// Package cache holds small shared-state stores backed by memory or redis.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// markerTTL outlives the day a mark belongs to in every timezone
const markerTTL = 48 * time.Hour

// DailyMarker remembers that something happened on a calendar day
type DailyMarker interface {
	// Mark returns true the first time key is marked for day's date and
	// false on every later call for the same date.
	Mark(ctx context.Context, key string, day time.Time) (bool, error)
}

func dayKey(key string, day time.Time) string {
	return key + ":" + day.Format("2006-01-02")
}

// InMemoryDailyMarker implements DailyMarker for single-instance deployments
type InMemoryDailyMarker struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

var _ DailyMarker = (*InMemoryDailyMarker)(nil)

// NewInMemoryDailyMarker creates a marker and starts its cleanup goroutine
func NewInMemoryDailyMarker() *InMemoryDailyMarker {
	m := &InMemoryDailyMarker{
		entries:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	m.wg.Add(1)
	go m.cleanupLoop()
	return m
}

// Mark implements DailyMarker
func (m *InMemoryDailyMarker) Mark(_ context.Context, key string, day time.Time) (bool, error) {
	k := dayKey(key, day)
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.entries[k]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.entries[k] = m.now().Add(markerTTL)
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *InMemoryDailyMarker) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
	})
	return nil
}

func (m *InMemoryDailyMarker) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *InMemoryDailyMarker) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.entries {
		if now.After(exp) {
			delete(m.entries, k)
		}
	}
}

// Size returns the number of live marks
func (m *InMemoryDailyMarker) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisDailyMarker implements DailyMarker with SETNX so that only one
// instance of a deployment acts on a given day.
type RedisDailyMarker struct {
	client    *redis.Client
	keyPrefix string
}

var _ DailyMarker = (*RedisDailyMarker)(nil)

// NewRedisDailyMarker creates a marker over an existing client
func NewRedisDailyMarker(client *redis.Client, keyPrefix string) *RedisDailyMarker {
	if keyPrefix == "" {
		keyPrefix = "atlas:daily:"
	}
	return &RedisDailyMarker{client: client, keyPrefix: keyPrefix}
}

// Mark implements DailyMarker
func (m *RedisDailyMarker) Mark(ctx context.Context, key string, day time.Time) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.keyPrefix+dayKey(key, day), "1", markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set daily marker: %w", err)
	}
	return ok, nil
}
