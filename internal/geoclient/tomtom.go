package geoclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultTomTomBase = "https://api.tomtom.com"

// TomTom calls the traffic incidents and flow-segment APIs.
type TomTom struct {
	apiKey string
	base   string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	log    *zap.Logger
}

type TomTomOption func(*TomTom)

func WithTomTomBase(base string) TomTomOption {
	return func(t *TomTom) { t.base = base }
}

func WithTomTomHTTPClient(c *http.Client) TomTomOption {
	return func(t *TomTom) { t.client = c }
}

func NewTomTom(apiKey string, log *zap.Logger, opts ...TomTomOption) *TomTom {
	t := &TomTom{
		apiKey: apiKey,
		base:   defaultTomTomBase,
		client: &http.Client{},
		cb:     newBreaker("tomtom"),
		log:    logOrNop(log),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Incident is one active traffic incident.
type Incident struct {
	Category     string
	Magnitude    int
	DelaySeconds float64
	Road         string
}

var incidentCategories = map[int64]string{
	1:  "accident",
	2:  "fog",
	3:  "dangerous_conditions",
	4:  "rain",
	5:  "ice",
	6:  "jam",
	7:  "lane_closed",
	8:  "road_closed",
	9:  "road_works",
	10: "wind",
	11: "flooding",
	14: "broken_down_vehicle",
}

// Incidents lists active incidents inside the bounding box
// (minLng,minLat,maxLng,maxLat).
func (t *TomTom) Incidents(ctx context.Context, minLng, minLat, maxLng, maxLat float64) ([]Incident, error) {
	body, err := doJSON(ctx, t.client, t.cb, "tomtom", func() (*http.Request, error) {
		q := url.Values{}
		q.Set("key", t.apiKey)
		q.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", minLng, minLat, maxLng, maxLat))
		q.Set("fields", "{incidents{properties{iconCategory,magnitudeOfDelay,delay,roadNumbers}}}")
		return http.NewRequest(http.MethodGet, t.base+"/traffic/services/5/incidentDetails?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}

	var out []Incident
	for _, inc := range gjson.GetBytes(body, "incidents").Array() {
		props := inc.Get("properties")
		road := ""
		if roads := props.Get("roadNumbers").Array(); len(roads) > 0 {
			road = roads[0].String()
		}
		out = append(out, Incident{
			Category:     incidentCategories[props.Get("iconCategory").Int()],
			Magnitude:    int(props.Get("magnitudeOfDelay").Int()),
			DelaySeconds: props.Get("delay").Float(),
			Road:         road,
		})
	}
	return out, nil
}

// Flow is the speed picture on the segment nearest a point.
type Flow struct {
	CurrentSpeedKmh  float64
	FreeFlowSpeedKmh float64
}

// CongestionRatio is current over free-flow speed; below 1 means slowdown.
func (f *Flow) CongestionRatio() float64 {
	if f.FreeFlowSpeedKmh == 0 {
		return 1
	}
	return f.CurrentSpeedKmh / f.FreeFlowSpeedKmh
}

// FlowSegment reads current vs free-flow speed near a point.
func (t *TomTom) FlowSegment(ctx context.Context, lat, lng float64) (*Flow, error) {
	body, err := doJSON(ctx, t.client, t.cb, "tomtom", func() (*http.Request, error) {
		q := url.Values{}
		q.Set("key", t.apiKey)
		q.Set("point", fmt.Sprintf("%f,%f", lat, lng))
		return http.NewRequest(http.MethodGet, t.base+"/traffic/services/4/flowSegmentData/absolute/10/json?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}

	seg := gjson.GetBytes(body, "flowSegmentData")
	if !seg.Exists() {
		return nil, fmt.Errorf("tomtom: no flow segment at %f,%f", lat, lng)
	}
	return &Flow{
		CurrentSpeedKmh:  seg.Get("currentSpeed").Float(),
		FreeFlowSpeedKmh: seg.Get("freeFlowSpeed").Float(),
	}, nil
}
