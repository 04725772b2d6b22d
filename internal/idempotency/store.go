package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// StoredResponse holds a completed response for replay to duplicate
// submissions of the same snapshot.
type StoredResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Store is the response cache behind the guard.
type Store interface {
	// Get retrieves a stored response by key. Returns nil if not found.
	Get(ctx context.Context, key string) (*StoredResponse, error)
	// Set stores a response with the given key and TTL.
	Set(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error
	// Close releases any resources.
	Close()
}

// MemoryStore is an in-memory response cache backed by a map with expiry
// timestamps.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	cancel  context.CancelFunc
}

type memEntry struct {
	resp   *StoredResponse
	expiry time.Time
}

// NewMemoryStore creates the memory store and starts a background sweep.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	ms := &MemoryStore{
		entries: make(map[string]*memEntry),
		cancel:  cancel,
	}
	interval := ttl / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	go ms.sweep(ctx, interval)
	return ms
}

func (ms *MemoryStore) Get(_ context.Context, key string) (*StoredResponse, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiry) {
		delete(ms.entries, key)
		return nil, nil
	}
	return e.resp, nil
}

func (ms *MemoryStore) Set(_ context.Context, key string, resp *StoredResponse, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.entries[key] = &memEntry{
		resp:   resp,
		expiry: time.Now().Add(ttl),
	}
	return nil
}

func (ms *MemoryStore) Close() {
	ms.cancel()
}

func (ms *MemoryStore) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.mu.Lock()
			now := time.Now()
			for key, e := range ms.entries {
				if now.After(e.expiry) {
					delete(ms.entries, key)
				}
			}
			ms.mu.Unlock()
		}
	}
}
