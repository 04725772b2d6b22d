// Package pipeline owns the snapshot-to-ranking composition: dedup,
// the four LLM stages, venue enrichment, value grading, and the atomic
// ranking write.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/melodydashora/vecto-pilot/internal/enrich"
	"github.com/melodydashora/vecto-pilot/internal/errclass"
	"github.com/melodydashora/vecto-pilot/internal/geoclient"
	"github.com/melodydashora/vecto-pilot/internal/llmrouter"
	"github.com/melodydashora/vecto-pilot/internal/metrics"
	"github.com/melodydashora/vecto-pilot/internal/provider"
	"github.com/melodydashora/vecto-pilot/internal/stage"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

// Models maps pipeline stages to model identifiers.
type Models struct {
	Strategist   string
	Briefer      string
	Consolidator string
	VenuePlanner string
}

// Config bounds a pipeline run.
type Config struct {
	TotalBudget     time.Duration
	PlannerDeadline time.Duration
	BriefingTimeout time.Duration
	TriadTimeout    time.Duration
	Value           ValueConfig
	Models          Models
}

func (c *Config) applyDefaults() {
	if c.TotalBudget <= 0 {
		c.TotalBudget = 180 * time.Second
	}
	if c.PlannerDeadline <= 0 {
		c.PlannerDeadline = 120 * time.Second
	}
	if c.BriefingTimeout <= 0 {
		c.BriefingTimeout = 8 * time.Second
	}
	if c.TriadTimeout <= 0 {
		c.TriadTimeout = 30 * time.Second
	}
	if c.Value.BaseRatePerMin <= 0 {
		c.Value.BaseRatePerMin = 0.85
	}
	if c.Value.DefaultTripMin <= 0 {
		c.Value.DefaultTripMin = 18
	}
	if c.Value.DefaultWaitMin <= 0 {
		c.Value.DefaultWaitMin = 8
	}
	if c.Value.MinAcceptablePerMin <= 0 {
		c.Value.MinAcceptablePerMin = 0.40
	}
}

// Block is one ranked venue in the API response.
type Block struct {
	Rank            int      `json:"rank"`
	Name            string   `json:"name"`
	Category        string   `json:"category,omitempty"`
	Lat             float64  `json:"lat"`
	Lng             float64  `json:"lng"`
	PlaceID         string   `json:"place_id,omitempty"`
	Address         string   `json:"address,omitempty"`
	DistanceMiles   *float64 `json:"distance_miles"`
	DriveMinutes    *float64 `json:"drive_minutes"`
	ValuePerMin     *float64 `json:"value_per_min"`
	ValueGrade      string   `json:"value_grade,omitempty"`
	NotWorth        bool     `json:"not_worth"`
	ProTips         []string `json:"pro_tips,omitempty"`
	StagingName     string   `json:"staging_name,omitempty"`
	StagingTips     string   `json:"staging_tips,omitempty"`
	IsOpenNow       *bool    `json:"is_open_now,omitempty"`
	ClosedReasoning string   `json:"closed_reasoning,omitempty"`
	BusinessHours   []string `json:"business_hours,omitempty"`
	DistanceSource  string   `json:"distance_source"`
}

// BlocksResponse is the terminal result of a pipeline run.
type BlocksResponse struct {
	RankingID   string    `json:"ranking_id"`
	SnapshotID  string    `json:"snapshot_id"`
	Strategy    string    `json:"strategy"`
	Blocks      []Block   `json:"blocks"`
	PathTaken   string    `json:"path_taken"`
	TimedOut    bool      `json:"timed_out"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Orchestrator sequences the stages for one snapshot at a time per key.
type Orchestrator struct {
	store    store.Store
	runner   *stage.Runner
	enricher *enrich.Enricher
	tomtom   *geoclient.TomTom
	cfg      Config
	metrics  *metrics.Metrics
	log      *zap.Logger
	sf       singleflight.Group
}

func New(st store.Store, runner *stage.Runner, enricher *enrich.Enricher, tomtom *geoclient.TomTom,
	cfg Config, m *metrics.Metrics, log *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		runner:   runner,
		enricher: enricher,
		tomtom:   tomtom,
		cfg:      cfg,
		metrics:  m,
		log:      log,
	}
}

// Run produces the ranking for snapshotID. Concurrent calls for the
// same snapshot coalesce onto one execution; callers arriving after a
// terminal run replay the stored ranking.
func (o *Orchestrator) Run(ctx context.Context, snapshotID string) (*BlocksResponse, error) {
	if snapshotID == "" {
		return nil, failure(CodeSnapshotRequired, errclass.WithKind(errclass.Client, errors.New("snapshot_id is required")))
	}

	ch := o.sf.DoChan(snapshotID, func() (any, error) {
		return o.run(context.WithoutCancel(ctx), snapshotID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*BlocksResponse), nil
	case <-ctx.Done():
		return nil, errclass.WithKind(errclass.Aborted, ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, snapshotID string) (*BlocksResponse, error) {
	started := time.Now()

	created, err := o.store.CreateTriadJob(ctx, snapshotID, "blocks")
	if err != nil {
		return nil, failure(CodePersistFailed, err)
	}
	if !created {
		return o.attachToExisting(ctx, snapshotID)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TotalBudget)
	defer cancel()

	if err := o.store.UpdateTriadJob(ctx, snapshotID, store.JobRunning); err != nil {
		o.log.Warn("triad job transition failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
	}

	resp, runErr := o.execute(ctx, snapshotID, started)
	if runErr != nil {
		// Clearing the job row lets an explicit retry start fresh.
		if delErr := o.store.DeleteTriadJob(context.WithoutCancel(ctx), snapshotID); delErr != nil {
			o.log.Error("triad job cleanup failed", zap.String("snapshot_id", snapshotID), zap.Error(delErr))
		}
		if o.metrics != nil {
			o.metrics.PipelineRuns.WithLabelValues("error").Inc()
		}
		return nil, o.mapBudget(ctx, runErr)
	}

	if err := o.store.UpdateTriadJob(context.WithoutCancel(ctx), snapshotID, store.JobDone); err != nil {
		o.log.Warn("triad job completion mark failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.PipelineRuns.WithLabelValues("ok").Inc()
	}
	return resp, nil
}

// attachToExisting resolves a duplicate submission: replay a finished
// ranking or report the build as pending.
func (o *Orchestrator) attachToExisting(ctx context.Context, snapshotID string) (*BlocksResponse, error) {
	job, err := o.store.GetTriadJob(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The owner failed and cleared the row between our insert
			// attempt and this read.
			return nil, ErrPending
		}
		return nil, failure(CodePersistFailed, err)
	}
	if job.Status == store.JobDone {
		return o.Replay(ctx, snapshotID)
	}
	return nil, ErrPending
}

// Replay rebuilds the response from the stored ranking.
func (o *Orchestrator) Replay(ctx context.Context, snapshotID string) (*BlocksResponse, error) {
	ranking, candidates, err := o.store.GetLatestRanking(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPending
		}
		return nil, failure(CodePersistFailed, err)
	}
	strategy, err := o.store.GetStrategy(ctx, snapshotID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, failure(CodePersistFailed, err)
	}

	resp := &BlocksResponse{
		RankingID:   ranking.RankingID,
		SnapshotID:  snapshotID,
		PathTaken:   ranking.PathTaken,
		TimedOut:    ranking.TimedOut,
		GeneratedAt: ranking.CreatedAt,
	}
	if strategy != nil {
		resp.Strategy = strategy.ConsolidatedStrategy
	}
	for _, c := range candidates {
		resp.Blocks = append(resp.Blocks, candidateBlock(c))
	}
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, snapshotID string, started time.Time) (*BlocksResponse, error) {
	snap, err := o.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, failure(CodeSnapshotNotFound,
				errclass.WithKind(errclass.Client, fmt.Errorf("snapshot %s not found", snapshotID)))
		}
		return nil, failure(CodePersistFailed, err)
	}
	if snap.Lat == 0 && snap.Lng == 0 || snap.Timezone == "" {
		return nil, failure(CodeInvalidSnapshot,
			errclass.WithKind(errclass.Client, errors.New("snapshot missing coordinates or timezone")))
	}

	if err := o.store.EnsureStrategy(ctx, snapshotID); err != nil {
		return nil, failure(CodePersistFailed, err)
	}

	pw := o.startPrewarm(snap)
	defer pw.stop()

	holidayName := snap.HolidayName
	if !snap.IsHoliday {
		holidayName = o.checkHoliday(ctx, snap)
	}
	ctxBlock := snapshotContext(snap, holidayName)

	minStrategy, err := o.runStrategist(ctx, snapshotID, ctxBlock)
	if err != nil {
		return nil, err
	}

	briefing := o.runBriefer(ctx, snapshotID, ctxBlock, pw)

	consolidated, err := o.runConsolidator(ctx, snapshotID, ctxBlock, minStrategy, briefing)
	if err != nil {
		return nil, err
	}

	plannerStart := time.Now()
	planned, err := o.runPlanner(ctx, snapshotID, ctxBlock, consolidated)
	if err != nil {
		return nil, err
	}
	plannerMS := time.Since(plannerStart).Milliseconds()

	scoringStart := time.Now()
	enriched := o.enricher.Enrich(ctx, enrich.Origin{Lat: snap.Lat, Lng: snap.Lng},
		snap.Timezone, time.Now(), planned.Venues)
	if allEnrichmentFailed(enriched) {
		return nil, failure(CodeEnrichmentFailed,
			errclass.WithKind(errclass.Server, errors.New("every venue failed enrichment")))
	}

	ranked := gradeAndSort(enriched, 1.0, o.cfg.Value)
	scoringMS := time.Since(scoringStart).Milliseconds()

	resp, err := o.persistRanking(ctx, snap, planned, ranked, plannerMS, scoringMS, started)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// checkHoliday is a soft stage; failure just means no holiday context.
func (o *Orchestrator) checkHoliday(ctx context.Context, snap *store.Snapshot) string {
	out, err := o.runner.Run(ctx, stage.Stage{
		Name:    "holiday",
		Role:    llmrouter.RoleEnrichment,
		Timeout: o.cfg.TriadTimeout,
		Build: func(context.Context) (*provider.Request, error) {
			return &provider.Request{
				User:           holidayPrompt(snap),
				MaxTokens:      256,
				ResponseFormat: "json",
			}, nil
		},
		Parse: parseHoliday,
	})
	if err != nil {
		return ""
	}
	h := out.Value.(*holidayOutput)
	if !h.IsHoliday {
		return ""
	}
	return h.HolidayName
}

func (o *Orchestrator) runStrategist(ctx context.Context, snapshotID, ctxBlock string) (string, error) {
	out, err := o.runner.Run(ctx, stage.Stage{
		Name:    "strategist",
		Role:    llmrouter.RoleStrategyCore,
		Timeout: o.cfg.TriadTimeout,
		Build: func(context.Context) (*provider.Request, error) {
			return &provider.Request{
				Model:          o.cfg.Models.Strategist,
				System:         "You are a rideshare demand strategist. Answer in strict JSON.",
				User:           strategistPrompt(ctxBlock),
				MaxTokens:      1024,
				ResponseFormat: "json",
			}, nil
		},
		Parse: parseStrategy,
		Persist: func(pctx context.Context, value any, res *llmrouter.Result) error {
			min := value.(string)
			latency := res.Latency.Milliseconds()
			tokens := res.Response.Usage.TotalTokens
			applied, err := o.store.UpdateStrategyCAS(pctx, snapshotID,
				[]string{store.StatusPending, store.StatusFailed, store.StatusOK}, store.StrategyUpdate{
					MinStrategy: &min,
					LatencyMS:   &latency,
					Tokens:      &tokens,
					BumpAttempt: true,
				})
			if err != nil {
				return err
			}
			if !applied {
				return errclass.WithKind(errclass.Client,
					errors.New("strategy row missing"))
			}
			return nil
		},
	})
	if err != nil {
		o.markFailed(ctx, snapshotID, CodeStrategistFailed, err)
		return "", failure(CodeStrategistFailed, err)
	}
	return out.Value.(string), nil
}

// runBriefer is soft-required: failure degrades to an empty briefing
// and a warning on the Strategy row.
func (o *Orchestrator) runBriefer(ctx context.Context, snapshotID, ctxBlock string, pw *prewarm) *briefingOutput {
	out, err := o.runner.Run(ctx, stage.Stage{
		Name:    "briefer",
		Role:    llmrouter.RoleBriefingEvents,
		Timeout: o.cfg.BriefingTimeout,
		Build: func(context.Context) (*provider.Request, error) {
			return &provider.Request{
				Model:          o.cfg.Models.Briefer,
				System:         "You brief rideshare drivers. Answer in strict JSON.",
				User:           brieferPrompt(ctxBlock, pw.trafficLines()),
				MaxTokens:      1024,
				ResponseFormat: "json",
			}, nil
		},
		Parse: parseBriefing,
		Persist: func(pctx context.Context, value any, _ *llmrouter.Result) error {
			b := value.(*briefingOutput)
			return o.store.UpsertBriefing(pctx, &store.Briefing{
				SnapshotID:     snapshotID,
				Events:         b.Events,
				News:           b.News,
				Traffic:        b.Traffic,
				SchoolClosures: b.SchoolClosures,
				WeatherSummary: b.WeatherSummary,
				Status:         store.StatusOK,
			})
		},
	})
	if err != nil {
		o.log.Warn("briefer degraded to empty briefing",
			zap.String("snapshot_id", snapshotID), zap.Error(err))
		code := CodeBriefingFailed
		msg := err.Error()
		o.store.UpdateStrategyCAS(context.WithoutCancel(ctx), snapshotID,
			[]string{store.StatusPending, store.StatusOK, store.StatusFailed}, store.StrategyUpdate{
				ErrorCode:    &code,
				ErrorMessage: &msg,
			})
		return nil
	}
	return out.Value.(*briefingOutput)
}

func (o *Orchestrator) runConsolidator(ctx context.Context, snapshotID, ctxBlock, minStrategy string, briefing *briefingOutput) (string, error) {
	out, err := o.runner.Run(ctx, stage.Stage{
		Name: "consolidator",
		Role: llmrouter.RoleStrategyTactical,
		Build: func(context.Context) (*provider.Request, error) {
			return &provider.Request{
				Model:          o.cfg.Models.Consolidator,
				System:         "You merge strategy inputs for rideshare drivers. Answer in strict JSON.",
				User:           consolidatorPrompt(ctxBlock, minStrategy, briefing),
				MaxTokens:      1024,
				ResponseFormat: "json",
			}, nil
		},
		Parse: parseStrategy,
		Persist: func(pctx context.Context, value any, _ *llmrouter.Result) error {
			consolidated := value.(string)
			ok := store.StatusOK
			applied, err := o.store.UpdateStrategyCAS(pctx, snapshotID,
				[]string{store.StatusPending, store.StatusFailed, store.StatusOK}, store.StrategyUpdate{
					Status:               &ok,
					ConsolidatedStrategy: &consolidated,
				})
			if err != nil {
				return err
			}
			if !applied {
				return errclass.WithKind(errclass.Client,
					errors.New("strategy row missing"))
			}
			return nil
		},
	})
	if err != nil {
		o.markFailed(ctx, snapshotID, CodeConsolidationFailed, err)
		return "", failure(CodeConsolidationFailed, err)
	}
	return out.Value.(string), nil
}

func (o *Orchestrator) runPlanner(ctx context.Context, snapshotID, ctxBlock, consolidated string) (*plannerOutput, error) {
	out, err := o.runner.Run(ctx, stage.Stage{
		Name:    "planner",
		Role:    llmrouter.RoleVenueScorer,
		Timeout: o.cfg.PlannerDeadline,
		Build: func(context.Context) (*provider.Request, error) {
			return &provider.Request{
				Model:          o.cfg.Models.VenuePlanner,
				System:         "You plan staging venues for rideshare drivers. Answer in strict JSON.",
				User:           plannerPrompt(ctxBlock, consolidated),
				MaxTokens:      4096,
				ResponseFormat: "json",
			}, nil
		},
		Parse: parsePlanner,
	})
	if err != nil {
		o.markFailed(ctx, snapshotID, CodePlannerFailed, err)
		return nil, failure(CodePlannerFailed, err)
	}
	return out.Value.(*plannerOutput), nil
}

// markFailed records a terminal stage failure on the Strategy row. A
// row already at ok keeps its status and only gains the error fields.
func (o *Orchestrator) markFailed(ctx context.Context, snapshotID, code string, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	failed := store.StatusFailed

	applied, err := o.store.UpdateStrategyCAS(ctx, snapshotID,
		[]string{store.StatusPending, store.StatusFailed}, store.StrategyUpdate{
			Status:       &failed,
			ErrorCode:    &code,
			ErrorMessage: &msg,
		})
	if err != nil {
		o.log.Error("strategy failure record failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return
	}
	if !applied {
		o.store.UpdateStrategyCAS(ctx, snapshotID, []string{store.StatusOK}, store.StrategyUpdate{
			ErrorCode:    &code,
			ErrorMessage: &msg,
		})
	}
}

func (o *Orchestrator) persistRanking(ctx context.Context, snap *store.Snapshot, planned *plannerOutput,
	ranked []graded, plannerMS, scoringMS int64, started time.Time) (*BlocksResponse, error) {

	rankingID := uuid.NewString()
	totalMS := time.Since(started).Milliseconds()

	ranking := &store.Ranking{
		RankingID:     rankingID,
		SnapshotID:    snap.SnapshotID,
		City:          snap.City,
		ModelName:     o.cfg.Models.VenuePlanner,
		CorrelationID: uuid.NewString(),
		ScoringMS:     scoringMS,
		PlannerMS:     plannerMS,
		TotalMS:       totalMS,
		PathTaken:     "triad",
	}

	candidates := make([]store.RankingCandidate, 0, len(ranked))
	blocks := make([]Block, 0, len(ranked))
	for i, g := range ranked {
		// Venues without their own staging guidance inherit the
		// planner's central staging location.
		if g.StagingName == "" && planned.Staging != nil {
			g.StagingName = planned.Staging.Name
			g.StagingLat = &planned.Staging.Lat
			g.StagingLng = &planned.Staging.Lng
			g.StagingTips = planned.Staging.Tips
		}
		c := store.RankingCandidate{
			ID:              uuid.NewString(),
			RankingID:       rankingID,
			SnapshotID:      snap.SnapshotID,
			Rank:            i + 1,
			Name:            g.Name,
			Lat:             g.Lat,
			Lng:             g.Lng,
			PlaceID:         g.PlaceID,
			DistanceMiles:   g.DistanceMiles,
			DriveMinutes:    g.DriveMinutes,
			ValuePerMin:     g.valuePerMin,
			ValueGrade:      g.grade,
			NotWorth:        g.notWorth,
			ProTips:         store.JSONList(g.ProTips),
			StagingTips:     g.StagingTips,
			StagingName:     g.StagingName,
			StagingLat:      g.StagingLat,
			StagingLng:      g.StagingLng,
			BusinessHours:   enrich.HoursJSON(g.WeekdayHours),
			ClosedReasoning: g.ClosedReasoning,
			DistanceSource:  g.DistanceSource,
			Features:        candidateFeatures(g),
		}
		candidates = append(candidates, c)
		blocks = append(blocks, blockFromGraded(i+1, g))
	}

	if err := o.store.InsertRanking(ctx, ranking, candidates); err != nil {
		return nil, failure(CodePersistFailed, errclass.WithKind(errclass.Server, err))
	}

	strategy := ""
	if s, err := o.store.GetStrategy(ctx, snap.SnapshotID); err == nil {
		strategy = s.ConsolidatedStrategy
	}

	o.log.Info("ranking persisted",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.String("ranking_id", rankingID),
		zap.Int("candidates", len(candidates)),
		zap.Int64("total_ms", totalMS))

	return &BlocksResponse{
		RankingID:   rankingID,
		SnapshotID:  snap.SnapshotID,
		Strategy:    strategy,
		Blocks:      blocks,
		PathTaken:   ranking.PathTaken,
		GeneratedAt: time.Now(),
	}, nil
}

func candidateFeatures(g graded) json.RawMessage {
	features := map[string]any{}
	if g.NameSimilarity > 0 {
		features["name_similarity"] = g.NameSimilarity
	}
	if g.BusinessStatus != "" {
		features["business_status"] = g.BusinessStatus
	}
	if g.StrategicTiming != "" {
		features["strategic_timing"] = g.StrategicTiming
	}
	if g.TrafficDelaySeconds != nil {
		features["traffic_delay_seconds"] = *g.TrafficDelaySeconds
	}
	if len(features) == 0 {
		return nil
	}
	b, err := json.Marshal(features)
	if err != nil {
		return nil
	}
	return b
}

func blockFromGraded(rank int, g graded) Block {
	return Block{
		Rank:            rank,
		Name:            g.Name,
		Category:        g.Category,
		Lat:             g.Lat,
		Lng:             g.Lng,
		PlaceID:         g.PlaceID,
		Address:         g.FormattedAddress,
		DistanceMiles:   g.DistanceMiles,
		DriveMinutes:    g.DriveMinutes,
		ValuePerMin:     g.valuePerMin,
		ValueGrade:      g.grade,
		NotWorth:        g.notWorth,
		ProTips:         g.ProTips,
		StagingName:     g.StagingName,
		StagingTips:     g.StagingTips,
		IsOpenNow:       g.IsOpenNow,
		ClosedReasoning: g.ClosedReasoning,
		BusinessHours:   g.WeekdayHours,
		DistanceSource:  g.DistanceSource,
	}
}

func candidateBlock(c store.RankingCandidate) Block {
	b := Block{
		Rank:            c.Rank,
		Name:            c.Name,
		Lat:             c.Lat,
		Lng:             c.Lng,
		PlaceID:         c.PlaceID,
		DistanceMiles:   c.DistanceMiles,
		DriveMinutes:    c.DriveMinutes,
		ValuePerMin:     c.ValuePerMin,
		ValueGrade:      c.ValueGrade,
		NotWorth:        c.NotWorth,
		ProTips:         c.ProTips,
		StagingName:     c.StagingName,
		StagingTips:     c.StagingTips,
		ClosedReasoning: c.ClosedReasoning,
		DistanceSource:  c.DistanceSource,
	}
	if len(c.BusinessHours) > 0 {
		json.Unmarshal(c.BusinessHours, &b.BusinessHours)
	}
	return b
}

func allEnrichmentFailed(enriched []enrich.Enriched) bool {
	for _, e := range enriched {
		if e.DistanceSource != store.DistanceEnrichmentFailed {
			return false
		}
	}
	return len(enriched) > 0
}

// mapBudget upgrades timeout failures at the orchestrator boundary to
// the budget-exceeded code.
func (o *Orchestrator) mapBudget(ctx context.Context, err error) error {
	if ctx.Err() != context.DeadlineExceeded {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) && (pe.Code == CodePersistFailed || pe.Code == CodeSnapshotNotFound || pe.Code == CodeInvalidSnapshot) {
		return err
	}
	return failure(CodeBudgetExceeded, errclass.WithKind(errclass.Timeout, err))
}
