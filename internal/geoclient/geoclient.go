// Package geoclient wraps the external geospatial services: Google
// Geocoding, Places, Routes, and TomTom traffic. Calls retry on
// transient failures and run behind per-service circuit breakers.
package geoclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/errclass"
)

const (
	requestTimeout = 10 * time.Second
	maxRetries     = 2
)

func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !errclass.Classify(err).AffectsCircuit()
		},
	})
}

// doJSON issues req through the breaker with bounded retries and
// returns the response body. Non-2xx statuses come back as classified
// HTTPErrors.
func doJSON(ctx context.Context, client *http.Client, cb *gobreaker.CircuitBreaker[[]byte], service string, req func() (*http.Request, error)) ([]byte, error) {
	var body []byte
	op := func() error {
		b, err := cb.Execute(func() ([]byte, error) {
			return send(ctx, client, service, req)
		})
		if err != nil {
			if !errclass.Classify(err).ShouldRetry() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return body, nil
}

func send(ctx context.Context, client *http.Client, service string, build func() (*http.Request, error)) ([]byte, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := client.Do(req.WithContext(rctx))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errclass.HTTPError{Status: resp.StatusCode, Body: body, Service: service}
	}
	return body, nil
}

func logOrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
