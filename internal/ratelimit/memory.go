package ratelimit

import (
	"context"
	"sync"
	"time"
)

// counter tracks the fixed-window state for a single key.
type counter struct {
	start time.Time
	count int64
}

// Memory is an in-process fixed-window limiter. All counters live behind one
// mutex, so concurrent requests never under-count.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// NewMemory creates a limiter admitting limit requests per key per window
// and starts its cleanup loop. Call Close to stop the loop.
func NewMemory(limit int, window time.Duration) *Memory {
	m := newMemory(limit, window, time.Now)
	go m.cleanup()
	return m
}

func newMemory(limit int, window time.Duration, now func() time.Time) *Memory {
	return &Memory{
		counters: make(map[string]*counter),
		limit:    limit,
		window:   window,
		now:      now,
		stop:     make(chan struct{}),
	}
}

// Allow counts the request against key's current window.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := windowStart(m.now(), m.window)
	c, ok := m.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		m.counters[key] = c
	}
	// Rejected requests are not counted so Remaining stays at zero rather
	// than going negative.
	if c.count < int64(m.limit) {
		c.count++
		return decide(c.count, m.limit, start.Add(m.window)), nil
	}
	return decide(int64(m.limit)+1, m.limit, start.Add(m.window)), nil
}

// Reset clears the counter for a specific key.
func (m *Memory) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
}

// Close stops the cleanup loop.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

// cleanup periodically drops counters from past windows.
func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := windowStart(m.now(), m.window)
	for key, c := range m.counters {
		if c.start.Before(current) {
			delete(m.counters, key)
		}
	}
}
