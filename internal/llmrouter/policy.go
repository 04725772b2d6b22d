package llmrouter

import (
	"time"
)

// Role names a pipeline stage's routing profile.
type Role string

const (
	RoleStrategyCore     Role = "strategy_core"
	RoleStrategyTactical Role = "strategy_tactical"
	RoleBriefingEvents   Role = "briefing_events"
	RoleBriefingTraffic  Role = "briefing_traffic"
	RoleVenueScorer      Role = "venue_scorer"
	RoleEnrichment       Role = "enrichment"
)

// Mode selects hedged racing or a pinned single provider.
type Mode string

const (
	ModeHedged Mode = "hedged"
	ModeSingle Mode = "single"
)

// Policy is one role's routing profile.
type Policy struct {
	Mode      Mode
	Timeout   time.Duration
	Providers []string // candidate order; first entry is the single-mode pin
	Model     string   // default model when the request carries none
}

// Primary returns the pinned provider for single mode.
func (p Policy) Primary() string {
	if len(p.Providers) == 0 {
		return ""
	}
	return p.Providers[0]
}

// DefaultPolicies builds the role policy table. hedgedTimeout applies to
// hedged roles; accuracy-critical single roles carry their own deadlines.
func DefaultPolicies(hedgedTimeout, plannerDeadline time.Duration, available []string) map[Role]Policy {
	if hedgedTimeout <= 0 {
		hedgedTimeout = 8 * time.Second
	}
	if plannerDeadline <= 0 {
		plannerDeadline = 120 * time.Second
	}

	return map[Role]Policy{
		RoleStrategyCore: {
			Mode:      ModeSingle,
			Timeout:   30 * time.Second,
			Providers: preferOrder(available, "anthropic", "openai", "gemini"),
		},
		RoleStrategyTactical: {
			Mode:      ModeHedged,
			Timeout:   hedgedTimeout,
			Providers: preferOrder(available, "anthropic", "openai", "gemini"),
		},
		RoleBriefingEvents: {
			Mode:      ModeHedged,
			Timeout:   hedgedTimeout,
			Providers: preferOrder(available, "perplexity", "gemini", "openai"),
		},
		RoleBriefingTraffic: {
			Mode:      ModeHedged,
			Timeout:   hedgedTimeout,
			Providers: preferOrder(available, "perplexity", "gemini", "openai"),
		},
		RoleVenueScorer: {
			Mode:      ModeSingle,
			Timeout:   plannerDeadline,
			Providers: preferOrder(available, "anthropic", "openai"),
		},
		RoleEnrichment: {
			Mode:      ModeSingle,
			Timeout:   15 * time.Second,
			Providers: preferOrder(available, "gemini", "openai"),
		},
	}
}

// preferOrder keeps the preferred names that are actually configured,
// in preference order, followed by any remaining configured providers.
func preferOrder(available []string, preferred ...string) []string {
	avail := make(map[string]bool, len(available))
	for _, a := range available {
		avail[a] = true
	}

	out := make([]string, 0, len(available))
	for _, p := range preferred {
		if avail[p] {
			out = append(out, p)
			avail[p] = false
		}
	}
	for _, a := range available {
		if avail[a] {
			out = append(out, a)
		}
	}
	return out
}
