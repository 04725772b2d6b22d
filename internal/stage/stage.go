// Package stage runs one LLM pipeline stage end to end: build the
// request, route it, parse the model output, persist the result.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/errclass"
	"github.com/melodydashora/vecto-pilot/internal/llmrouter"
	"github.com/melodydashora/vecto-pilot/internal/metrics"
	"github.com/melodydashora/vecto-pilot/internal/provider"
)

// Stage describes one unit of pipeline work. Build produces the model
// request, Parse turns raw model text into the stage's value, and
// Persist (optional) writes the value through the store.
type Stage struct {
	Name    string
	Role    llmrouter.Role
	Timeout time.Duration

	Build   func(ctx context.Context) (*provider.Request, error)
	Parse   func(text string) (any, error)
	Persist func(ctx context.Context, value any, res *llmrouter.Result) error
}

// Outcome is a completed stage's value plus routing detail.
type Outcome struct {
	Value   any
	Result  *llmrouter.Result
	Latency time.Duration
}

// Error wraps a stage failure with the stage name. The underlying error
// kind classification passes through.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Runner executes stages against the router.
type Runner struct {
	router  *llmrouter.Router
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRunner(router *llmrouter.Router, m *metrics.Metrics, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{router: router, metrics: m, log: log}
}

// Run executes s under its deadline. Every returned error carries a
// classifiable kind so callers can decide retry and status mapping.
func (r *Runner) Run(ctx context.Context, s Stage) (*Outcome, error) {
	start := time.Now()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	req, err := s.Build(ctx)
	if err != nil {
		return nil, r.fail(s, start, fmt.Errorf("build: %w", err))
	}

	res, err := r.router.Execute(ctx, s.Role, req)
	if err != nil {
		return nil, r.fail(s, start, err)
	}

	value, err := s.Parse(res.Response.Text)
	if err != nil {
		// Malformed model output is retryable; a fresh call usually
		// produces valid JSON. A kind the parser attached itself, such
		// as a schema violation tagged CLIENT, passes through.
		var kinded errclass.Kinded
		if !errors.As(err, &kinded) {
			err = errclass.WithKind(errclass.Server, err)
		}
		return nil, r.fail(s, start, fmt.Errorf("parse: %w", err))
	}

	if s.Persist != nil {
		if err := s.Persist(ctx, value, res); err != nil {
			return nil, r.fail(s, start, fmt.Errorf("persist: %w", err))
		}
	}

	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.StageLatency.WithLabelValues(s.Name).Observe(elapsed.Seconds())
	}
	r.log.Debug("stage complete",
		zap.String("stage", s.Name),
		zap.String("provider", res.Provider),
		zap.Duration("elapsed", elapsed))

	return &Outcome{Value: value, Result: res, Latency: elapsed}, nil
}

func (r *Runner) fail(s Stage, start time.Time, err error) error {
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.StageLatency.WithLabelValues(s.Name).Observe(elapsed.Seconds())
	}
	r.log.Warn("stage failed",
		zap.String("stage", s.Name),
		zap.String("kind", errclass.Classify(err).String()),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
	return &Error{Stage: s.Name, Err: err}
}
