// Package idempotency deduplicates snapshot submissions. Concurrent
// duplicates wait on the in-flight entry and replay its result; later
// duplicates within the TTL replay the cached response byte for byte.
package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// Guard coalesces duplicate submissions keyed by snapshot ID.
type Guard struct {
	ttl   time.Duration
	store Store

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

type inflightEntry struct {
	done chan struct{}
	resp *StoredResponse
}

// New builds a guard over the given store. ttl bounds how long a
// completed response replays for; zero means 60 seconds.
func New(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Guard{
		ttl:      ttl,
		store:    store,
		inflight: make(map[string]*inflightEntry),
	}
}

// CheckResult indicates the outcome of a duplicate check.
type CheckResult int

const (
	// ResultProceed means the caller owns the work for this key.
	ResultProceed CheckResult = iota
	// ResultCached means a stored response should be replayed.
	ResultCached
	// ResultWaited means an in-flight duplicate finished and its
	// response should be replayed.
	ResultWaited
	// ResultAborted means the caller's context ended while waiting.
	ResultAborted
)

// CheckOutcome holds the result of a duplicate check.
type CheckOutcome struct {
	Result   CheckResult
	Response *StoredResponse
	Key      string
}

// Check resolves whether the caller should run the pipeline for key or
// replay someone else's result.
func (g *Guard) Check(ctx context.Context, key string) CheckOutcome {
	stored, err := g.store.Get(ctx, key)
	if err == nil && stored != nil {
		return CheckOutcome{Result: ResultCached, Response: stored, Key: key}
	}

	g.mu.Lock()
	if entry, ok := g.inflight[key]; ok {
		g.mu.Unlock()

		select {
		case <-entry.done:
			if entry.resp != nil {
				return CheckOutcome{Result: ResultWaited, Response: entry.resp, Key: key}
			}
			// Owner finished without a cacheable result; this caller
			// retries from scratch.
			return g.Check(ctx, key)
		case <-ctx.Done():
			return CheckOutcome{Result: ResultAborted, Key: key}
		}
	}

	entry := &inflightEntry{done: make(chan struct{})}
	g.inflight[key] = entry
	g.mu.Unlock()

	return CheckOutcome{Result: ResultProceed, Key: key}
}

// RecordResponse completes the in-flight entry. Only terminal outcomes
// are cached for replay: success, accepted-and-queued, and deterministic
// client errors. Transient failures release waiters without caching so a
// retry can run the pipeline again.
func (g *Guard) RecordResponse(key string, resp *StoredResponse) {
	if key == "" {
		return
	}

	if cacheable(resp.StatusCode) {
		g.store.Set(context.Background(), key, resp, g.ttl)
	} else {
		resp = nil
	}

	g.mu.Lock()
	if entry, ok := g.inflight[key]; ok {
		entry.resp = resp
		close(entry.done)
		delete(g.inflight, key)
	}
	g.mu.Unlock()
}

// CancelInFlight releases waiters without recording a response.
func (g *Guard) CancelInFlight(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	if entry, ok := g.inflight[key]; ok {
		close(entry.done)
		delete(g.inflight, key)
	}
	g.mu.Unlock()
}

// Close releases store resources.
func (g *Guard) Close() {
	g.store.Close()
}

func cacheable(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// CapturingWriter wraps http.ResponseWriter to capture the response for
// storage.
type CapturingWriter struct {
	http.ResponseWriter
	statusCode  int
	body        bytes.Buffer
	wroteHeader bool
}

func NewCapturingWriter(w http.ResponseWriter) *CapturingWriter {
	return &CapturingWriter{ResponseWriter: w, statusCode: 200}
}

func (w *CapturingWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *CapturingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(200)
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *CapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ToStoredResponse builds a StoredResponse from the captured data.
func (w *CapturingWriter) ToStoredResponse() *StoredResponse {
	return &StoredResponse{
		StatusCode: w.statusCode,
		Headers:    w.ResponseWriter.Header().Clone(),
		Body:       w.body.Bytes(),
	}
}

// ReplayResponse writes a stored response to the client and marks it as
// a replay.
func ReplayResponse(w http.ResponseWriter, resp *StoredResponse) {
	for k, vv := range resp.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Idempotent-Replayed", "true")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
