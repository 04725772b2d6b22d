// Package llmrouter routes completion requests across LLM providers.
// A hedged request races the candidate set and takes the first success,
// cancelling the rest; accuracy-critical roles pin a single provider.
package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/circuitbreaker"
	"github.com/melodydashora/vecto-pilot/internal/errclass"
	"github.com/melodydashora/vecto-pilot/internal/gate"
	"github.com/melodydashora/vecto-pilot/internal/metrics"
	"github.com/melodydashora/vecto-pilot/internal/provider"
)

// ErrNoProvidersAvailable is returned when every candidate circuit is open.
// It classifies as Server so callers treat it as a retriable outage.
var ErrNoProvidersAvailable = errclass.WithKind(errclass.Server,
	errors.New("llmrouter: no providers available"))

// Result is a winning provider response with routing metadata.
type Result struct {
	Response *provider.Response
	Provider string
	Latency  time.Duration
}

// Router owns the provider set and the shared routing primitives.
type Router struct {
	providers map[string]provider.Provider
	gate      *gate.Gate
	breakers  *circuitbreaker.Registry
	policies  map[Role]Policy
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a Router. policies maps each role to its mode, timeout, and
// candidate providers; see DefaultPolicies.
func New(providers map[string]provider.Provider, g *gate.Gate, breakers *circuitbreaker.Registry,
	policies map[Role]Policy, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		providers: providers,
		gate:      g,
		breakers:  breakers,
		policies:  policies,
		logger:    logger,
		metrics:   m,
	}
}

// Execute routes req according to the role's policy.
func (r *Router) Execute(ctx context.Context, role Role, req *provider.Request) (*Result, error) {
	pol, ok := r.policies[role]
	if !ok {
		return nil, fmt.Errorf("llmrouter: no policy for role %q", role)
	}
	if req.Model == "" {
		req.Model = pol.Model
	}

	if pol.Mode == ModeSingle {
		name := pol.Primary()
		if name == "" {
			return nil, ErrNoProvidersAvailable
		}
		return r.ExecuteSingle(ctx, name, req, pol.Timeout)
	}
	return r.executeHedged(ctx, role, pol, req)
}

// ExecuteSingle calls one named provider under the given timeout, going
// through the gate and breaker like any other call.
func (r *Router) ExecuteSingle(ctx context.Context, name string, req *provider.Request, timeout time.Duration) (*Result, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llmrouter: unknown provider %q", name)
	}

	breaker := r.breakers.Get(name)
	if !breaker.Allow() {
		return nil, ErrNoProvidersAvailable
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	permit, err := r.gate.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	start := time.Now()
	resp, err := p.Call(ctx, req)
	latency := time.Since(start)

	kind := errclass.Classify(err)
	r.record(name, err, kind)
	if err != nil {
		r.logger.Warn("provider call failed",
			zap.String("provider", name),
			zap.String("kind", kind.String()),
			zap.Duration("latency", latency),
			zap.Error(err))
		return nil, err
	}

	return &Result{Response: resp, Provider: name, Latency: latency}, nil
}

type raceResult struct {
	name    string
	resp    *provider.Response
	err     error
	latency time.Duration
}

func (r *Router) executeHedged(ctx context.Context, role Role, pol Policy, req *provider.Request) (*Result, error) {
	candidates := r.candidates(pol)
	if len(candidates) == 0 {
		return nil, ErrNoProvidersAvailable
	}

	if r.metrics != nil {
		r.metrics.HedgedRaces.WithLabelValues(string(role)).Inc()
	}

	raceCtx := ctx
	cancel := context.CancelFunc(func() {})
	if pol.Timeout > 0 {
		raceCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
	} else {
		raceCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	resultCh := make(chan raceResult, len(candidates))
	for _, name := range candidates {
		go r.raceBranch(raceCtx, name, req, resultCh)
	}

	var failures []raceResult
	for range candidates {
		select {
		case res := <-resultCh:
			if res.err == nil {
				// First success wins; cancel the losers. Their branches
				// release their own permits on exit.
				cancel()
				if r.metrics != nil {
					r.metrics.HedgedWins.WithLabelValues(res.name).Inc()
				}
				r.logger.Debug("hedged race won",
					zap.String("role", string(role)),
					zap.String("provider", res.name),
					zap.Duration("latency", res.latency))
				return &Result{Response: res.resp, Provider: res.name, Latency: res.latency}, nil
			}
			failures = append(failures, res)
		case <-raceCtx.Done():
			// Deadline or caller cancellation with no winner yet: remaining
			// branches will report ABORTED/TIMEOUT shortly, but the caller
			// doesn't need to wait for them.
			return nil, r.compositeError(failures, raceCtx.Err())
		}
	}

	return nil, r.compositeError(failures, nil)
}

// raceBranch runs one provider leg: acquire the gate permit, call, report.
func (r *Router) raceBranch(ctx context.Context, name string, req *provider.Request, out chan<- raceResult) {
	p := r.providers[name]

	permit, err := r.gate.Acquire(ctx, name)
	if err != nil {
		out <- raceResult{name: name, err: fmt.Errorf("%s: %w", name, err)}
		return
	}
	defer permit.Release()

	start := time.Now()
	resp, err := p.Call(ctx, req)
	latency := time.Since(start)

	kind := errclass.Classify(err)
	r.record(name, err, kind)

	if err != nil {
		out <- raceResult{name: name, err: fmt.Errorf("%s: %w", name, err), latency: latency}
		return
	}
	out <- raceResult{name: name, resp: resp, latency: latency}
}

// record updates breaker state and metrics for one call outcome. Losers
// cancelled by the race classify as Aborted, which never affects circuits.
func (r *Router) record(name string, err error, kind errclass.Kind) {
	if r.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = kind.String()
		}
		r.metrics.ProviderCalls.WithLabelValues(name, outcome).Inc()
	}

	breaker := r.breakers.Get(name)
	if err == nil {
		breaker.RecordSuccess()
		return
	}
	if kind.AffectsCircuit() {
		before := breaker.State()
		breaker.RecordFailure()
		if r.metrics != nil && before != circuitbreaker.StateOpen && breaker.State() == circuitbreaker.StateOpen {
			r.metrics.BreakerOpens.WithLabelValues(name).Inc()
		}
	}
}

// candidates filters the policy's providers to those that are configured
// and whose circuits admit a call.
func (r *Router) candidates(pol Policy) []string {
	out := make([]string, 0, len(pol.Providers))
	for _, name := range pol.Providers {
		if _, ok := r.providers[name]; !ok {
			continue
		}
		if !r.breakers.Get(name).Allow() {
			continue
		}
		out = append(out, name)
	}
	return out
}

// compositeError aggregates per-provider failures with provider tags,
// classified by the worst component.
func (r *Router) compositeError(failures []raceResult, ctxErr error) error {
	if len(failures) == 0 {
		if ctxErr != nil {
			return ctxErr
		}
		return ErrNoProvidersAvailable
	}

	kinds := make([]errclass.Kind, 0, len(failures))
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		kinds = append(kinds, errclass.Classify(f.err))
		msgs = append(msgs, f.err.Error())
	}
	worst := errclass.Worst(kinds...)
	err := fmt.Errorf("llmrouter: all providers failed: %s", strings.Join(msgs, "; "))
	if ctxErr != nil {
		err = fmt.Errorf("%w (race ended: %v)", err, ctxErr)
	}
	return errclass.WithKind(worst, err)
}

// BreakerSnapshots exposes breaker state for health reporting.
func (r *Router) BreakerSnapshots() map[string]circuitbreaker.Snapshot {
	return r.breakers.Snapshots()
}
