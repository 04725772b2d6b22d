// Package errclass maps errors observed at provider and service boundaries
// onto a closed set of kinds that drive retry and circuit-breaker policy.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the classification of a boundary error.
type Kind int

const (
	Unknown Kind = iota
	Aborted
	Timeout
	Throttled
	Server
	Client
	Network
)

func (k Kind) String() string {
	switch k {
	case Aborted:
		return "aborted"
	case Timeout:
		return "timeout"
	case Throttled:
		return "throttled"
	case Server:
		return "server"
	case Client:
		return "client"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// ShouldRetry reports whether a call failing with this kind may be retried.
func (k Kind) ShouldRetry() bool {
	switch k {
	case Timeout, Server, Network, Unknown:
		return true
	default:
		return false
	}
}

// AffectsCircuit reports whether a failure of this kind counts toward
// opening the provider's circuit breaker.
func (k Kind) AffectsCircuit() bool {
	switch k {
	case Timeout, Throttled, Server, Network:
		return true
	default:
		return false
	}
}

// Kinded is implemented by errors that carry an explicit classification.
type Kinded interface {
	Kind() Kind
}

// HTTPError is a non-2xx response from an upstream service.
type HTTPError struct {
	Status  int
	Body    []byte
	Service string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Status, body)
}

// Kind classifies the HTTP status per the fixed policy.
func (e *HTTPError) Kind() Kind {
	return ClassifyStatus(e.Status)
}

// ClassifyStatus maps an HTTP status code to a kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 429:
		return Throttled
	case status >= 500:
		return Server
	case status >= 400:
		return Client
	default:
		return Unknown
	}
}

// KindError wraps an error with an explicit kind.
type KindError struct {
	K   Kind
	Err error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }
func (e *KindError) Kind() Kind    { return e.K }

// WithKind tags err with an explicit kind. Classify honors the tag.
func WithKind(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{K: k, Err: err}
}

// throttleMarkers are message substrings that indicate quota exhaustion
// from providers that don't use 429.
var throttleMarkers = []string{
	"rate limit",
	"rate_limit",
	"quota exceeded",
	"resource_exhausted",
}

var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"network is unreachable",
	"network",
}

// Classify maps any boundary error to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}

	if errors.Is(err, context.Canceled) {
		return Aborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Network
	}

	msg := strings.ToLower(err.Error())
	for _, m := range throttleMarkers {
		if strings.Contains(msg, m) {
			return Throttled
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return Timeout
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return Network
		}
	}

	return Unknown
}

// worstOrder ranks kinds for composite errors: the aggregate of a failed
// hedged race is classified by its most actionable component.
var worstOrder = map[Kind]int{
	Server:    6,
	Timeout:   5,
	Network:   4,
	Throttled: 3,
	Unknown:   2,
	Client:    1,
	Aborted:   0,
}

// Worst returns the highest-severity kind among ks.
func Worst(ks ...Kind) Kind {
	worst := Aborted
	for _, k := range ks {
		if worstOrder[k] > worstOrder[worst] {
			worst = k
		}
	}
	return worst
}
