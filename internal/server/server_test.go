package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/circuitbreaker"
	"github.com/melodydashora/vecto-pilot/internal/enrich"
	"github.com/melodydashora/vecto-pilot/internal/gate"
	"github.com/melodydashora/vecto-pilot/internal/geoclient"
	"github.com/melodydashora/vecto-pilot/internal/idempotency"
	"github.com/melodydashora/vecto-pilot/internal/llmrouter"
	"github.com/melodydashora/vecto-pilot/internal/pipeline"
	"github.com/melodydashora/vecto-pilot/internal/provider"
	"github.com/melodydashora/vecto-pilot/internal/stage"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

// stubLLM answers each stage with fixed JSON recognized from the prompt.
type stubLLM struct{}

func (stubLLM) Name() string { return "anthropic" }

func (stubLLM) Call(_ context.Context, req *provider.Request) (*provider.Response, error) {
	text := `{}`
	switch {
	case strings.Contains(req.User, "public holiday"):
		text = `{"is_holiday": false, "holiday_name": ""}`
	case strings.Contains(req.User, "strategic read"):
		text = `{"strategy":"Stage near the stadium."}`
	case strings.Contains(req.User, "Brief a rideshare driver"):
		text = `{"events":[],"news":[],"traffic":[],"school_closures":[],"weather_summary":""}`
	case strings.Contains(req.User, "Merge the strategist"):
		text = `{"strategy":"Stadium first, then downtown bars."}`
	case strings.Contains(req.User, "Propose"):
		text = `{"venues":[{"name":"Toyota Stadium","lat":33.1543,"lng":-96.8352,"category":"stadium","pro_tips":["wait for the final whistle"]}]}`
	}
	return &provider.Response{Text: text, Model: req.Model}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()

	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "searchNearby"):
			w.Write([]byte(`{"places":[{"id":"p1","displayName":{"text":"Toyota Stadium"},"businessStatus":"OPERATIONAL","formattedAddress":"9200 World Cup Way","location":{"latitude":33.1543,"longitude":-96.8352}}]}`))
		case strings.Contains(r.URL.Path, "computeRoutes"):
			w.Write([]byte(`{"routes":[{"distanceMeters":8000,"duration":"600s","staticDuration":"540s"}]}`))
		default:
			w.Write([]byte(`{"results":[{"formatted_address":"9200 World Cup Way","place_id":"geo"}]}`))
		}
	}))
	t.Cleanup(geo.Close)

	llm := stubLLM{}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	router := llmrouter.New(
		map[string]provider.Provider{"anthropic": llm},
		gate.New(10, time.Second),
		breakers,
		map[llmrouter.Role]llmrouter.Policy{
			llmrouter.RoleStrategyCore:     {Mode: llmrouter.ModeSingle, Timeout: 2 * time.Second, Providers: []string{"anthropic"}},
			llmrouter.RoleStrategyTactical: {Mode: llmrouter.ModeHedged, Timeout: 2 * time.Second, Providers: []string{"anthropic"}},
			llmrouter.RoleBriefingEvents:   {Mode: llmrouter.ModeHedged, Timeout: 2 * time.Second, Providers: []string{"anthropic"}},
			llmrouter.RoleVenueScorer:      {Mode: llmrouter.ModeSingle, Timeout: 5 * time.Second, Providers: []string{"anthropic"}},
			llmrouter.RoleEnrichment:       {Mode: llmrouter.ModeSingle, Timeout: 2 * time.Second, Providers: []string{"anthropic"}},
		},
		zap.NewNop(), nil)
	runner := stage.NewRunner(router, nil, zap.NewNop())

	g := geoclient.NewGoogle("k", nil, geoclient.WithGoogleBases(geo.URL, geo.URL, geo.URL))
	mem := store.NewMemory()
	mem.PutSnapshot(&store.Snapshot{
		SnapshotID: "S1",
		Lat:        33.15, Lng: -96.82,
		City: "Frisco", State: "TX", Timezone: "America/Chicago",
		DOW: 5, DayPart: "evening",
	})

	orch := pipeline.New(mem, runner, enrich.New(g, mem, nil, nil), nil, pipeline.Config{}, nil, zap.NewNop())
	guard := idempotency.New(idempotency.NewMemoryStore(time.Minute), time.Minute)
	t.Cleanup(guard.Close)

	return New(orch, mem, guard, breakers, nil, zap.NewNop()), mem
}

func postBlocks(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/blocks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestPostBlocksHappyPath(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postBlocks(t, s, `{"snapshot_id":"S1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp pipeline.BlocksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].Name != "Toyota Stadium" {
		t.Errorf("unexpected blocks: %+v", resp.Blocks)
	}
	if resp.Strategy == "" {
		t.Error("strategy missing")
	}
}

func TestPostBlocksIdempotentReplay(t *testing.T) {
	s, _ := newTestServer(t)

	first := postBlocks(t, s, `{"snapshot_id":"S1"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status %d", first.Code)
	}
	second := postBlocks(t, s, `{"snapshot_id":"S1"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("second status %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replayed") != "true" {
		t.Error("expected replay marker")
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replayed body must be byte-identical")
	}
}

func TestPostBlocksMissingSnapshotID(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postBlocks(t, s, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), pipeline.CodeSnapshotRequired) {
		t.Errorf("body %s", rec.Body.String())
	}
}

func TestPostBlocksSnapshotNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postBlocks(t, s, `{"snapshot_id":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), pipeline.CodeSnapshotNotFound) {
		t.Errorf("body %s", rec.Body.String())
	}
}

func TestGetBlocksPendingBeforeRun(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/blocks?snapshotId=S1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After")
	}
}

func TestGetBlocksAfterRun(t *testing.T) {
	s, _ := newTestServer(t)

	if rec := postBlocks(t, s, `{"snapshot_id":"S1"}`); rec.Code != http.StatusOK {
		t.Fatalf("post: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/blocks?snapshotId=S1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp pipeline.BlocksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Blocks) != 1 {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestStrategyEndpointLifecycle(t *testing.T) {
	s, mem := newTestServer(t)

	// Unknown snapshot.
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blocks/strategy/S1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	// Pending row.
	if err := mem.EnsureStrategy(context.Background(), "S1"); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blocks/strategy/S1", nil))
	if rec.Code != http.StatusAccepted || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected 202 pending, got %d", rec.Code)
	}

	// Completed row with ETag round trip.
	ok := store.StatusOK
	cs := "Stadium first."
	if _, err := mem.UpdateStrategyCAS(context.Background(), "S1",
		[]string{store.StatusPending}, store.StrategyUpdate{Status: &ok, ConsolidatedStrategy: &cs}); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blocks/strategy/S1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if !strings.Contains(rec.Body.String(), "Stadium first.") {
		t.Errorf("body %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/blocks/strategy/S1", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
