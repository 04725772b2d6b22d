// Package enrich resolves planner-proposed venues against the
// geospatial services: address, place identity, opening hours, and
// traffic-aware drive times. A resolved place replaces the planner's
// coordinates; venues keep their list position no matter what fails.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/melodydashora/vecto-pilot/internal/geoclient"
	"github.com/melodydashora/vecto-pilot/internal/metrics"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

const (
	nearbyRadiusMeters = 20
	maxParallel        = 8
	placeCacheSize     = 512
	metersPerMile      = 1609.344
)

// Venue is a planner-proposed destination.
type Venue struct {
	Name            string   `json:"name"`
	Lat             float64  `json:"lat"`
	Lng             float64  `json:"lng"`
	Category        string   `json:"category"`
	ProTips         []string `json:"pro_tips"`
	StagingName     string   `json:"staging_name,omitempty"`
	StagingLat      *float64 `json:"staging_lat,omitempty"`
	StagingLng      *float64 `json:"staging_lng,omitempty"`
	StagingTips     string   `json:"staging_tips,omitempty"`
	StrategicTiming string   `json:"strategic_timing,omitempty"`
}

// Enriched is a venue after external resolution. Pointer fields stay
// nil when the corresponding lookup failed.
type Enriched struct {
	Venue

	PlaceID          string
	FormattedAddress string
	BusinessStatus   string
	WeekdayHours     []string
	IsOpenNow        *bool
	ClosedReasoning  string
	NameSimilarity   float64

	DistanceMiles       *float64
	DriveMinutes        *float64
	TrafficDelaySeconds *float64
	DistanceSource      string
}

// Origin is the driver's position when the snapshot was taken.
type Origin struct {
	Lat float64
	Lng float64
}

// Enricher fans venue resolution out across the geo services.
type Enricher struct {
	google  *geoclient.Google
	store   store.Store
	cache   *lru.Cache[string, *geoclient.PlaceResult]
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(google *geoclient.Google, st store.Store, log *zap.Logger, m *metrics.Metrics) *Enricher {
	cache, _ := lru.New[string, *geoclient.PlaceResult](placeCacheSize)
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{google: google, store: st, cache: cache, log: log, metrics: m}
}

// Enrich resolves every venue in parallel. The returned slice matches
// the input order one to one; per-venue failures degrade that entry
// rather than failing the batch.
func (e *Enricher) Enrich(ctx context.Context, origin Origin, tz string, now time.Time, venues []Venue) []Enriched {
	out := make([]Enriched, len(venues))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i := range venues {
		i := i
		g.Go(func() error {
			out[i] = e.enrichOne(gctx, origin, tz, now, venues[i])
			return nil
		})
	}
	g.Wait()
	return out
}

func (e *Enricher) enrichOne(ctx context.Context, origin Origin, tz string, now time.Time, v Venue) Enriched {
	enriched := Enriched{Venue: v, DistanceSource: store.DistanceUnknown}

	place := e.lookupPlace(ctx, v)
	if place != nil {
		enriched.PlaceID = place.PlaceID
		// Validated coordinates supersede the model's; routes and
		// persisted candidates use these. Planner coordinates survive
		// only when resolution failed.
		if place.Lat != 0 || place.Lng != 0 {
			enriched.Lat = place.Lat
			enriched.Lng = place.Lng
		}
		enriched.FormattedAddress = place.FormattedAddress
		enriched.BusinessStatus = place.BusinessStatus
		enriched.WeekdayHours = place.WeekdayHours
		enriched.NameSimilarity = NameSimilarity(v.Name, place.DisplayName)
		if enriched.NameSimilarity < 0.3 {
			e.log.Info("venue name mismatch",
				zap.String("planner", v.Name),
				zap.String("resolved", place.DisplayName),
				zap.Float64("similarity", enriched.NameSimilarity))
		}

		e.cachePlace(ctx, place)
	} else if addr := e.reverseGeocode(ctx, v); addr != "" {
		enriched.FormattedAddress = addr
	}

	if len(enriched.WeekdayHours) > 0 {
		local := now
		if loc, err := time.LoadLocation(tz); err == nil {
			local = now.In(loc)
		}
		if open, detail, ok := OpenNow(enriched.WeekdayHours, local); ok {
			enriched.IsOpenNow = &open
			if !open {
				enriched.ClosedReasoning = detail
			}
		}
	}

	e.resolveRoute(ctx, origin, &enriched)
	return enriched
}

// lookupPlace resolves the venue's coordinates to a place, preferring
// the in-process cache over a Places call.
func (e *Enricher) lookupPlace(ctx context.Context, v Venue) *geoclient.PlaceResult {
	key := fmt.Sprintf("%.5f,%.5f", v.Lat, v.Lng)
	if p, ok := e.cache.Get(key); ok {
		return p
	}

	p, err := e.google.NearbyPlace(ctx, v.Lat, v.Lng, nearbyRadiusMeters)
	if err != nil {
		e.log.Warn("place lookup failed", zap.String("venue", v.Name), zap.Error(err))
		if e.metrics != nil {
			e.metrics.EnrichFailures.Inc()
		}
		return nil
	}
	e.cache.Add(key, p)
	return p
}

func (e *Enricher) reverseGeocode(ctx context.Context, v Venue) string {
	res, err := e.google.ReverseGeocode(ctx, v.Lat, v.Lng)
	if err != nil {
		e.log.Warn("reverse geocode failed", zap.String("venue", v.Name), zap.Error(err))
		return ""
	}
	return res.FormattedAddress
}

// resolveRoute fills the distance fields, falling back to a haversine
// estimate when the Routes call fails.
func (e *Enricher) resolveRoute(ctx context.Context, origin Origin, enriched *Enriched) {
	route, err := e.google.RouteWithTraffic(ctx, origin.Lat, origin.Lng, enriched.Lat, enriched.Lng)
	if err == nil {
		miles := route.DistanceMeters / metersPerMile
		minutes := route.DurationSeconds / 60
		enriched.DistanceMiles = &miles
		enriched.DriveMinutes = &minutes
		enriched.TrafficDelaySeconds = &route.TrafficDelaySeconds
		enriched.DistanceSource = store.DistanceGoogleRoutes
		return
	}

	e.log.Warn("route lookup failed", zap.String("venue", enriched.Name), zap.Error(err))
	if e.metrics != nil {
		e.metrics.EnrichFailures.Inc()
	}

	if enriched.PlaceID != "" {
		miles := HaversineMiles(origin.Lat, origin.Lng, enriched.Lat, enriched.Lng)
		minutes := predictiveMinutes(miles)
		enriched.DistanceMiles = &miles
		enriched.DriveMinutes = &minutes
		enriched.DistanceSource = store.DistancePredictive
		return
	}
	enriched.DistanceSource = store.DistanceEnrichmentFailed
}

// cachePlace persists stable place data; failures are tolerated.
func (e *Enricher) cachePlace(ctx context.Context, p *geoclient.PlaceResult) {
	if e.store == nil || p.PlaceID == "" {
		return
	}
	err := e.store.UpsertPlace(ctx, &store.Place{
		PlaceID:          p.PlaceID,
		Name:             p.DisplayName,
		FormattedAddress: p.FormattedAddress,
		Lat:              p.Lat,
		Lng:              p.Lng,
		WeekdayHours:     store.JSONList(p.WeekdayHours),
	})
	if err != nil {
		e.log.Warn("place cache write failed", zap.String("place_id", p.PlaceID), zap.Error(err))
	}
}

// HoursJSON serializes weekday hours for the candidate row.
func HoursJSON(weekday []string) json.RawMessage {
	if len(weekday) == 0 {
		return nil
	}
	b, err := json.Marshal(weekday)
	if err != nil {
		return nil
	}
	return b
}
