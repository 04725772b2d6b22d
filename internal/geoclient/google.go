package geoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultGeocodeBase = "https://maps.googleapis.com"
	defaultPlacesBase  = "https://places.googleapis.com"
	defaultRoutesBase  = "https://routes.googleapis.com"
)

// plusCodeRE matches the global-code prefix Google returns for
// locations without a street address (e.g. "849VCWC8+R9").
var plusCodeRE = regexp.MustCompile(`^[23456789CFGHJMPQRVWX]{4,8}\+[23456789CFGHJMPQRVWX]{2,}`)

// Google calls the Geocoding, Places (New), and Routes APIs.
type Google struct {
	apiKey      string
	geocodeBase string
	placesBase  string
	routesBase  string
	client      *http.Client
	geocodeCB   *gobreaker.CircuitBreaker[[]byte]
	placesCB    *gobreaker.CircuitBreaker[[]byte]
	routesCB    *gobreaker.CircuitBreaker[[]byte]
	log         *zap.Logger
}

// GoogleOption adjusts a Google client, mainly for tests.
type GoogleOption func(*Google)

func WithGoogleBases(geocode, places, routes string) GoogleOption {
	return func(g *Google) {
		g.geocodeBase = geocode
		g.placesBase = places
		g.routesBase = routes
	}
}

func WithGoogleHTTPClient(c *http.Client) GoogleOption {
	return func(g *Google) { g.client = c }
}

func NewGoogle(apiKey string, log *zap.Logger, opts ...GoogleOption) *Google {
	g := &Google{
		apiKey:      apiKey,
		geocodeBase: defaultGeocodeBase,
		placesBase:  defaultPlacesBase,
		routesBase:  defaultRoutesBase,
		client:      &http.Client{},
		geocodeCB:   newBreaker("google-geocoding"),
		placesCB:    newBreaker("google-places"),
		routesCB:    newBreaker("google-routes"),
		log:         logOrNop(log),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GeocodeResult is a resolved address.
type GeocodeResult struct {
	FormattedAddress string
	PlaceID          string
}

// ReverseGeocode resolves coordinates to a street address. Plus-Code
// results are skipped when a street-address alternative exists.
func (g *Google) ReverseGeocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	body, err := doJSON(ctx, g.client, g.geocodeCB, "google-geocoding", func() (*http.Request, error) {
		q := url.Values{}
		q.Set("latlng", fmt.Sprintf("%f,%f", lat, lng))
		q.Set("key", g.apiKey)
		return http.NewRequest(http.MethodGet, g.geocodeBase+"/maps/api/geocode/json?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}

	results := gjson.GetBytes(body, "results")
	if !results.Exists() || len(results.Array()) == 0 {
		return nil, fmt.Errorf("google-geocoding: no results for %f,%f", lat, lng)
	}

	var fallback *GeocodeResult
	for _, r := range results.Array() {
		addr := r.Get("formatted_address").String()
		res := &GeocodeResult{
			FormattedAddress: addr,
			PlaceID:          r.Get("place_id").String(),
		}
		if plusCodeRE.MatchString(addr) {
			if fallback == nil {
				fallback = res
			}
			continue
		}
		return res, nil
	}
	return fallback, nil
}

// PlaceResult is a nearby-search hit.
type PlaceResult struct {
	PlaceID          string
	DisplayName      string
	BusinessStatus   string
	FormattedAddress string
	Lat              float64
	Lng              float64
	WeekdayHours     []string
}

// NearbyPlace finds the closest place to the coordinates within
// radiusMeters, with opening hours. Current hours win over regular.
func (g *Google) NearbyPlace(ctx context.Context, lat, lng, radiusMeters float64) (*PlaceResult, error) {
	payload := map[string]any{
		"maxResultCount": 1,
		"rankPreference": "DISTANCE",
		"locationRestriction": map[string]any{
			"circle": map[string]any{
				"center": map[string]float64{"latitude": lat, "longitude": lng},
				"radius": radiusMeters,
			},
		},
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("google-places: marshal: %w", err)
	}

	body, err := doJSON(ctx, g.client, g.placesCB, "google-places", func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, g.placesBase+"/v1/places:searchNearby", bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Goog-Api-Key", g.apiKey)
		req.Header.Set("X-Goog-FieldMask",
			"places.id,places.displayName,places.businessStatus,places.formattedAddress,places.location,places.regularOpeningHours.weekdayDescriptions,places.currentOpeningHours.weekdayDescriptions")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	place := gjson.GetBytes(body, "places.0")
	if !place.Exists() {
		return nil, fmt.Errorf("google-places: no place at %f,%f", lat, lng)
	}

	hours := place.Get("currentOpeningHours.weekdayDescriptions")
	if !hours.Exists() {
		hours = place.Get("regularOpeningHours.weekdayDescriptions")
	}
	var weekday []string
	for _, h := range hours.Array() {
		weekday = append(weekday, h.String())
	}

	return &PlaceResult{
		PlaceID:          place.Get("id").String(),
		DisplayName:      place.Get("displayName.text").String(),
		BusinessStatus:   place.Get("businessStatus").String(),
		FormattedAddress: place.Get("formattedAddress").String(),
		Lat:              place.Get("location.latitude").Float(),
		Lng:              place.Get("location.longitude").Float(),
		WeekdayHours:     weekday,
	}, nil
}

// RouteResult is a traffic-aware route summary.
type RouteResult struct {
	DistanceMeters      float64
	DurationSeconds     float64
	TrafficDelaySeconds float64
}

// RouteWithTraffic computes a traffic-aware drive from origin to
// destination. Delay is the traffic duration minus the static duration.
func (g *Google) RouteWithTraffic(ctx context.Context, origLat, origLng, destLat, destLng float64) (*RouteResult, error) {
	payload := map[string]any{
		"origin":            latLng(origLat, origLng),
		"destination":       latLng(destLat, destLng),
		"travelMode":        "DRIVE",
		"routingPreference": "TRAFFIC_AWARE",
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("google-routes: marshal: %w", err)
	}

	body, err := doJSON(ctx, g.client, g.routesCB, "google-routes", func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, g.routesBase+"/directions/v2:computeRoutes", bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Goog-Api-Key", g.apiKey)
		req.Header.Set("X-Goog-FieldMask", "routes.distanceMeters,routes.duration,routes.staticDuration")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	route := gjson.GetBytes(body, "routes.0")
	if !route.Exists() {
		return nil, fmt.Errorf("google-routes: no route")
	}

	duration := parseSeconds(route.Get("duration").String())
	static := parseSeconds(route.Get("staticDuration").String())
	delay := duration - static
	if delay < 0 {
		delay = 0
	}
	return &RouteResult{
		DistanceMeters:      route.Get("distanceMeters").Float(),
		DurationSeconds:     duration,
		TrafficDelaySeconds: delay,
	}, nil
}

func latLng(lat, lng float64) map[string]any {
	return map[string]any{
		"location": map[string]any{
			"latLng": map[string]float64{"latitude": lat, "longitude": lng},
		},
	}
}

// parseSeconds reads the Routes API duration format "123s".
func parseSeconds(s string) float64 {
	if s == "" {
		return 0
	}
	if s[len(s)-1] == 's' {
		s = s[:len(s)-1]
	}
	var v float64
	fmt.Sscanf(s, "%f", &v)
	return v
}
