package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/circuitbreaker"
	"github.com/melodydashora/vecto-pilot/internal/enrich"
	"github.com/melodydashora/vecto-pilot/internal/errclass"
	"github.com/melodydashora/vecto-pilot/internal/gate"
	"github.com/melodydashora/vecto-pilot/internal/geoclient"
	"github.com/melodydashora/vecto-pilot/internal/llmrouter"
	"github.com/melodydashora/vecto-pilot/internal/provider"
	"github.com/melodydashora/vecto-pilot/internal/stage"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

const plannerJSON = `{"venues":[
	{"name":"Legacy West","lat":33.0771,"lng":-96.8239,"category":"retail","pro_tips":["stage by the garage"]},
	{"name":"The Star","lat":33.0952,"lng":-96.8340,"category":"entertainment","pro_tips":["events exit north"]},
	{"name":"Stonebriar Centre","lat":33.0998,"lng":-96.8127,"category":"mall","pro_tips":["upper deck pickup"]},
	{"name":"Toyota Stadium","lat":33.1543,"lng":-96.8352,"category":"stadium","pro_tips":["wait for final whistle"]}
]}`

// scriptedLLM answers by stage, recognized from the prompt.
type scriptedLLM struct {
	name string

	strategistErr   error
	brieferErr      error
	plannerErr      error
	plannerDelay    time.Duration
	plannerFailOnce atomic.Bool

	plannerCalls    atomic.Int64
	strategistCalls atomic.Int64
}

func (s *scriptedLLM) Name() string { return s.name }

func (s *scriptedLLM) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	text := ""
	switch {
	case strings.Contains(req.User, "public holiday"):
		text = `{"is_holiday": false, "holiday_name": ""}`
	case strings.Contains(req.User, "strategic read"):
		s.strategistCalls.Add(1)
		if s.strategistErr != nil {
			return nil, s.strategistErr
		}
		text = `{"strategy":"Stage near Legacy West; dinner demand is building."}`
	case strings.Contains(req.User, "Brief a rideshare driver"):
		if s.brieferErr != nil {
			return nil, s.brieferErr
		}
		text = `{"events":["FC Dallas home game 7 PM"],"news":[],"traffic":["US-75 slow northbound"],"school_closures":[],"weather_summary":"clear"}`
	case strings.Contains(req.User, "Merge the strategist"):
		text = `{"strategy":"Work Legacy West now, shift to Toyota Stadium for the 7 PM match exit."}`
	case strings.Contains(req.User, "Propose"):
		s.plannerCalls.Add(1)
		if s.plannerErr != nil {
			return nil, s.plannerErr
		}
		if s.plannerDelay > 0 && !s.plannerFailOnce.Load() {
			s.plannerFailOnce.Store(true)
			select {
			case <-time.After(s.plannerDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		text = plannerJSON
	default:
		text = `{}`
	}
	return &provider.Response{
		Text:  text,
		Model: req.Model,
		Usage: provider.Usage{TotalTokens: 120},
	}, nil
}

func geoOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "searchNearby"):
			w.Write([]byte(`{"places":[{
				"id":"place-x","displayName":{"text":"Resolved"},
				"businessStatus":"OPERATIONAL","formattedAddress":"1 Main St",
				"location":{"latitude":33.0,"longitude":-96.8},
				"regularOpeningHours":{"weekdayDescriptions":["Monday: Open 24 hours","Tuesday: Open 24 hours","Wednesday: Open 24 hours","Thursday: Open 24 hours","Friday: Open 24 hours","Saturday: Open 24 hours","Sunday: Open 24 hours"]}}]}`))
		case strings.Contains(r.URL.Path, "computeRoutes"):
			w.Write([]byte(`{"routes":[{"distanceMeters":6437,"duration":"720s","staticDuration":"660s"}]}`))
		default:
			w.Write([]byte(`{"results":[{"formatted_address":"1 Main St","place_id":"geo"}]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type env struct {
	orch *Orchestrator
	mem  *store.Memory
	llm  *scriptedLLM
}

func newEnv(t *testing.T, llm *scriptedLLM, cfg Config) *env {
	t.Helper()
	policies := map[llmrouter.Role]llmrouter.Policy{
		llmrouter.RoleStrategyCore:     {Mode: llmrouter.ModeSingle, Timeout: 2 * time.Second, Providers: []string{llm.name}},
		llmrouter.RoleStrategyTactical: {Mode: llmrouter.ModeHedged, Timeout: 2 * time.Second, Providers: []string{llm.name}},
		llmrouter.RoleBriefingEvents:   {Mode: llmrouter.ModeHedged, Timeout: 2 * time.Second, Providers: []string{llm.name}},
		llmrouter.RoleVenueScorer:      {Mode: llmrouter.ModeSingle, Timeout: 5 * time.Second, Providers: []string{llm.name}},
		llmrouter.RoleEnrichment:       {Mode: llmrouter.ModeSingle, Timeout: 2 * time.Second, Providers: []string{llm.name}},
	}
	router := llmrouter.New(
		map[string]provider.Provider{llm.name: llm},
		gate.New(10, time.Second),
		circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 10}),
		policies, zap.NewNop(), nil)
	runner := stage.NewRunner(router, nil, zap.NewNop())

	geo := geoOKServer(t)
	g := geoclient.NewGoogle("k", nil, geoclient.WithGoogleBases(geo.URL, geo.URL, geo.URL))
	mem := store.NewMemory()
	enricher := enrich.New(g, mem, nil, nil)

	mem.PutSnapshot(&store.Snapshot{
		SnapshotID: "S1",
		Lat:        32.9483, Lng: -96.8222,
		City: "Frisco", State: "TX",
		Timezone: "America/Chicago",
		DOW:      5, DayPart: "evening",
	})

	return &env{
		orch: New(mem, runner, enricher, nil, cfg, nil, zap.NewNop()),
		mem:  mem,
		llm:  llm,
	}
}

func TestPipelineHappyPath(t *testing.T) {
	e := newEnv(t, &scriptedLLM{name: "anthropic"}, Config{})

	resp, err := e.orch.Run(context.Background(), "S1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(resp.Blocks))
	}
	for i, b := range resp.Blocks {
		if b.Rank != i+1 {
			t.Errorf("rank not dense at %d: %d", i, b.Rank)
		}
		if b.DistanceSource != store.DistanceGoogleRoutes {
			t.Errorf("block %s source %s", b.Name, b.DistanceSource)
		}
		if b.ValueGrade == "" {
			t.Errorf("block %s ungraded", b.Name)
		}
	}
	if resp.Strategy == "" {
		t.Error("consolidated strategy empty")
	}

	s, err := e.mem.GetStrategy(context.Background(), "S1")
	if err != nil || s.Status != store.StatusOK {
		t.Fatalf("strategy row: %+v err=%v", s, err)
	}
	if s.MinStrategy == "" || s.ConsolidatedStrategy == "" || s.Attempt != 1 {
		t.Errorf("strategy fields: %+v", s)
	}

	job, err := e.mem.GetTriadJob(context.Background(), "S1")
	if err != nil || job.Status != store.JobDone {
		t.Errorf("job should be done: %+v err=%v", job, err)
	}

	ranking, cands, err := e.mem.GetLatestRanking(context.Background(), "S1")
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if ranking.RankingID != resp.RankingID || len(cands) != 4 {
		t.Errorf("persisted ranking mismatch")
	}
}

func TestPipelineBrieferOutageStillSucceeds(t *testing.T) {
	llm := &scriptedLLM{name: "anthropic", brieferErr: &errclass.HTTPError{Status: 503, Service: "anthropic"}}
	e := newEnv(t, llm, Config{})

	resp, err := e.orch.Run(context.Background(), "S1")
	if err != nil {
		t.Fatalf("run should survive briefer outage: %v", err)
	}
	if resp.Strategy == "" || len(resp.Blocks) == 0 {
		t.Error("degraded run lost its ranking")
	}

	s, _ := e.mem.GetStrategy(context.Background(), "S1")
	if s.Status != store.StatusOK {
		t.Errorf("strategy status %s", s.Status)
	}
	if s.ErrorCode != CodeBriefingFailed {
		t.Errorf("expected briefing warning, got %q", s.ErrorCode)
	}
	if _, err := e.mem.GetBriefing(context.Background(), "S1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("no briefing row expected")
	}
}

func TestPipelineStrategistThrottledFails(t *testing.T) {
	llm := &scriptedLLM{name: "anthropic", strategistErr: &errclass.HTTPError{Status: 429, Service: "anthropic"}}
	e := newEnv(t, llm, Config{})

	_, err := e.orch.Run(context.Background(), "S1")
	if err == nil {
		t.Fatal("expected failure")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeStrategistFailed {
		t.Fatalf("expected strategist_failed, got %v", err)
	}

	s, _ := e.mem.GetStrategy(context.Background(), "S1")
	if s.Status != store.StatusFailed || s.ErrorCode != CodeStrategistFailed {
		t.Errorf("strategy row: %+v", s)
	}
	if _, _, err := e.mem.GetLatestRanking(context.Background(), "S1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("no ranking must be written")
	}
	// The job row is cleared so a retry can run.
	if _, err := e.mem.GetTriadJob(context.Background(), "S1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("job row should be cleared on failure")
	}
}

func TestPipelineDuplicateSubmissionsCoalesce(t *testing.T) {
	e := newEnv(t, &scriptedLLM{name: "anthropic"}, Config{})

	var wg sync.WaitGroup
	responses := make([]*BlocksResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = e.orch.Run(context.Background(), "S1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
	}
	if responses[0].RankingID != responses[1].RankingID {
		t.Error("duplicates observed different rankings")
	}
	if calls := e.llm.plannerCalls.Load(); calls != 1 {
		t.Errorf("expected one planner call, got %d", calls)
	}
}

func TestPipelinePlannerTimeoutThenRetrySucceeds(t *testing.T) {
	llm := &scriptedLLM{name: "anthropic", plannerDelay: 500 * time.Millisecond}
	e := newEnv(t, llm, Config{PlannerDeadline: 50 * time.Millisecond})

	_, err := e.orch.Run(context.Background(), "S1")
	if err == nil {
		t.Fatal("expected planner timeout")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodePlannerFailed {
		t.Fatalf("expected planner_failed, got %v", err)
	}
	if kind := errclass.Classify(err); kind != errclass.Timeout {
		t.Errorf("expected timeout kind, got %s", kind)
	}
	s, _ := e.mem.GetStrategy(context.Background(), "S1")
	if s.Attempt < 1 {
		t.Errorf("attempt %d", s.Attempt)
	}

	// Job row cleared; the retry runs the pipeline again and succeeds.
	resp, err := e.orch.Run(context.Background(), "S1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(resp.Blocks) == 0 {
		t.Error("retry produced no blocks")
	}
	s, _ = e.mem.GetStrategy(context.Background(), "S1")
	if s.Attempt < 2 {
		t.Errorf("retry attempt %d", s.Attempt)
	}
}

func TestPipelineReplayAfterDone(t *testing.T) {
	e := newEnv(t, &scriptedLLM{name: "anthropic"}, Config{})

	first, err := e.orch.Run(context.Background(), "S1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := e.orch.Run(context.Background(), "S1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.RankingID != first.RankingID {
		t.Error("replay should return the stored ranking")
	}
	if calls := e.llm.plannerCalls.Load(); calls != 1 {
		t.Errorf("replay must not rerun the planner, calls=%d", calls)
	}
}

func TestPipelineSnapshotNotFound(t *testing.T) {
	e := newEnv(t, &scriptedLLM{name: "anthropic"}, Config{})

	_, err := e.orch.Run(context.Background(), "missing")
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeSnapshotNotFound {
		t.Fatalf("expected snapshot_not_found, got %v", err)
	}
	if HTTPStatus(err) != 404 {
		t.Errorf("status %d", HTTPStatus(err))
	}
}

func TestPipelineEmptySnapshotID(t *testing.T) {
	e := newEnv(t, &scriptedLLM{name: "anthropic"}, Config{})

	_, err := e.orch.Run(context.Background(), "")
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeSnapshotRequired {
		t.Fatalf("expected snapshot_required, got %v", err)
	}
	if HTTPStatus(err) != 400 {
		t.Errorf("status %d", HTTPStatus(err))
	}
}

func TestGradeAndSort(t *testing.T) {
	near, far := 5.0, 20.0
	nearMin, farMin := 10.0, 45.0
	cfg := ValueConfig{BaseRatePerMin: 0.85, DefaultTripMin: 18, DefaultWaitMin: 8, MinAcceptablePerMin: 0.40}

	venues := []enrich.Enriched{
		{Venue: enrich.Venue{Name: "far"}, DistanceMiles: &far, DriveMinutes: &farMin, DistanceSource: store.DistanceGoogleRoutes},
		{Venue: enrich.Venue{Name: "no-distance"}, DistanceSource: store.DistanceEnrichmentFailed},
		{Venue: enrich.Venue{Name: "near"}, DistanceMiles: &near, DriveMinutes: &nearMin, DistanceSource: store.DistanceGoogleRoutes},
	}

	out := gradeAndSort(venues, 1.0, cfg)
	if out[0].Name != "near" {
		t.Errorf("best venue first, got %s", out[0].Name)
	}
	if out[len(out)-1].Name != "no-distance" && !out[len(out)-1].notWorth {
		t.Errorf("unexpected tail: %s", out[len(out)-1].Name)
	}

	// near: 0.85*18/(10+8+18) = 0.425 → grade D but above floor.
	if *out[0].valuePerMin < 0.42 || *out[0].valuePerMin > 0.43 {
		t.Errorf("value %f", *out[0].valuePerMin)
	}
	if out[0].notWorth {
		t.Error("near venue should clear the floor")
	}

	// far: 0.85*18/(45+8+18) ≈ 0.215 → not worth.
	var farOut *graded
	for i := range out {
		if out[i].Name == "far" {
			farOut = &out[i]
		}
	}
	if farOut == nil || !farOut.notWorth || farOut.grade != "D" {
		t.Errorf("far venue grading: %+v", farOut)
	}
}

func TestParsePlannerListCaps(t *testing.T) {
	list := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = fmt.Sprintf(`{"name":"V%d","lat":33.0,"lng":-96.8,"pro_tips":["a","b","c","d"]}`, i)
		}
		return `{"venues":[` + strings.Join(parts, ",") + `]}`
	}

	out, err := parsePlanner(list(7))
	if err != nil {
		t.Fatalf("7 venues should parse: %v", err)
	}
	po := out.(*plannerOutput)
	if len(po.Venues) != maxVenues {
		t.Errorf("expected truncation to %d venues, got %d", maxVenues, len(po.Venues))
	}
	if len(po.Venues[0].ProTips) != maxProTips {
		t.Errorf("expected %d tips, got %d", maxProTips, len(po.Venues[0].ProTips))
	}

	if _, err := parsePlanner(list(9)); errclass.Classify(err) != errclass.Client {
		t.Errorf("9 venues should be client-classified, got %v", err)
	}
}

func TestGradeThresholds(t *testing.T) {
	cases := []struct {
		value float64
		grade string
	}{
		{1.2, "A"}, {1.0, "A"}, {0.9, "B"}, {0.75, "B"}, {0.6, "C"}, {0.5, "C"}, {0.4, "D"},
	}
	for _, tc := range cases {
		if got := gradeFor(tc.value); got != tc.grade {
			t.Errorf("gradeFor(%f)=%s want %s", tc.value, got, tc.grade)
		}
	}
}
