package repository

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	payload  []byte
	storedAt time.Time
}

// MemoryIdempotencyRepo caches hold and booking responses keyed by
// idempotency key. Entries older than ttl are treated as absent.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	responses map[string]cachedResponse
	ttl       time.Duration
	now       func() time.Time
}

// NewMemoryIdempotencyRepo constructs the repository; ttl <= 0 keeps entries forever.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{
		responses: make(map[string]cachedResponse),
		ttl:       ttl,
		now:       time.Now,
	}
}

// GetResponse retrieves a cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && m.now().Sub(entry.storedAt) >= m.ttl {
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

// PutResponse stores the first response for a key; later writes are ignored so
// concurrent retries converge on one answer.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.responses[key]; ok && (m.ttl <= 0 || m.now().Sub(entry.storedAt) < m.ttl) {
		return nil
	}
	m.responses[key] = cachedResponse{payload: append([]byte(nil), payload...), storedAt: m.now()}
	return nil
}
