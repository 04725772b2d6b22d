package enrich

import (
	"math"
	"strings"
)

// NameSimilarity is the word-overlap Jaccard index between two venue
// names, case-insensitive.
func NameSimilarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,'&()-")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

const earthRadiusMiles = 3958.8

// HaversineMiles is the great-circle distance between two coordinates.
func HaversineMiles(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMiles * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// predictiveMinutes estimates drive time from straight-line distance at
// city speeds.
func predictiveMinutes(miles float64) float64 {
	const avgMPH = 28.0
	return miles / avgMPH * 60
}
