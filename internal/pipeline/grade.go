package pipeline

import (
	"sort"

	"github.com/melodydashora/vecto-pilot/internal/enrich"
)

// ValueConfig holds the earnings-math constants.
type ValueConfig struct {
	BaseRatePerMin      float64
	DefaultTripMin      float64
	DefaultWaitMin      float64
	MinAcceptablePerMin float64
}

// graded pairs an enriched venue with its computed value fields.
type graded struct {
	enrich.Enriched
	valuePerMin *float64
	grade       string
	notWorth    bool
}

// gradeAndSort computes value_per_min for every venue with a known
// drive time, grades it, and orders the list best-first: worthwhile
// venues before not-worth ones, higher value first, nearer first on
// ties. Venues without distance data sort last.
func gradeAndSort(venues []enrich.Enriched, surge float64, cfg ValueConfig) []graded {
	if surge <= 0 {
		surge = 1.0
	}

	out := make([]graded, len(venues))
	for i, v := range venues {
		g := graded{Enriched: v}
		if v.DriveMinutes != nil {
			totalTime := *v.DriveMinutes + cfg.DefaultWaitMin + cfg.DefaultTripMin
			if totalTime > 0 {
				value := cfg.BaseRatePerMin * surge * cfg.DefaultTripMin / totalTime
				g.valuePerMin = &value
				g.grade = gradeFor(value)
				g.notWorth = value < cfg.MinAcceptablePerMin
			}
		}
		out[i] = g
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.notWorth != b.notWorth {
			return !a.notWorth
		}
		av, bv := valueOrZero(a.valuePerMin), valueOrZero(b.valuePerMin)
		if av != bv {
			return av > bv
		}
		ad, bd := distanceOrMax(a.DistanceMiles), distanceOrMax(b.DistanceMiles)
		return ad < bd
	})
	return out
}

func gradeFor(value float64) string {
	switch {
	case value >= 1.0:
		return "A"
	case value >= 0.75:
		return "B"
	case value >= 0.5:
		return "C"
	default:
		return "D"
	}
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func distanceOrMax(v *float64) float64 {
	if v == nil {
		return 1e9
	}
	return *v
}
