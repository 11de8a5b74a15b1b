// Package ratelimit bounds connection counts and message rates per identity.
// Keys are identity keys for end users and agent IDs for agents.
package ratelimit

import (
	"sync"
	"time"
)

// ConnectionLimiter caps concurrent WebSocket connections per key.
type ConnectionLimiter struct {
	connections map[string]int
	maxPerKey   int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a connection limiter allowing maxPerKey
// simultaneous connections for any one key.
func NewConnectionLimiter(maxPerKey int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerKey:   maxPerKey,
	}
}

// Allow reserves a connection slot for the key. Callers must Release
// the slot when the connection closes.
func (cl *ConnectionLimiter) Allow(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[key]
	if count >= cl.maxPerKey {
		return false
	}

	cl.connections[key] = count + 1
	return true
}

// Release returns a connection slot for the key.
func (cl *ConnectionLimiter) Release(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count, ok := cl.connections[key]; ok {
		if count <= 1 {
			delete(cl.connections, key)
		} else {
			cl.connections[key] = count - 1
		}
	}
}

// Count returns the current connection count for a key.
func (cl *ConnectionLimiter) Count(key string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[key]
}

// MessageLimiter enforces a sliding-window message rate per key.
type MessageLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	mu     sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a limiter allowing limit messages per key
// within the given window.
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow records one message attempt and reports whether it is within the
// window limit. Rejected attempts are not recorded.
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var recent []time.Time
	for _, t := range ml.events[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= ml.limit {
		ml.events[key] = recent
		return false
	}

	ml.events[key] = append(recent, now)
	return true
}

// RetryAfter returns how long until the key's next message would be
// allowed, zero if one is allowed now.
func (ml *MessageLimiter) RetryAfter(key string) time.Duration {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.events[key]
	if len(events) < ml.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var oldest time.Time
	inWindow := 0
	for _, t := range events {
		if t.After(cutoff) {
			inWindow++
			if oldest.IsZero() || t.Before(oldest) {
				oldest = t
			}
		}
	}
	if inWindow < ml.limit {
		return 0
	}

	retryAfter := oldest.Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}
	return retryAfter
}

// Reset clears the rate history for a key.
func (ml *MessageLimiter) Reset(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, key)
}

// Cleanup drops events that have left every key's window.
func (ml *MessageLimiter) Cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)

	for key, events := range ml.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
}

// StartCleanup launches the periodic cleanup goroutine.
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ml.Cleanup()
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to exit.
// Safe to call more than once.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}
