package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Strategy status values. Transitions are monotonic: pending → ok | failed.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// TriadJob status values.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Distance provenance values for ranking candidates.
const (
	DistanceGoogleRoutes     = "google_routes_api"
	DistanceEnrichmentFailed = "enrichment_failed"
	DistancePredictive       = "predictive"
	DistanceUnknown          = "unknown"
)

// Snapshot is an immutable observation of a driver's situation.
type Snapshot struct {
	SnapshotID       string          `db:"snapshot_id" json:"snapshot_id"`
	Lat              float64         `db:"lat" json:"lat"`
	Lng              float64         `db:"lng" json:"lng"`
	FormattedAddress string          `db:"formatted_address" json:"formatted_address"`
	City             string          `db:"city" json:"city"`
	State            string          `db:"state" json:"state"`
	Timezone         string          `db:"timezone" json:"timezone"`
	DayPart          string          `db:"day_part" json:"day_part"`
	DOW              int             `db:"dow" json:"dow"`
	Weather          string          `db:"weather" json:"weather"`
	AirQuality       string          `db:"air_quality" json:"air_quality"`
	AirportContext   json.RawMessage `db:"airport_context" json:"airport_context,omitempty"`
	IsHoliday        bool            `db:"is_holiday" json:"is_holiday"`
	HolidayName      string          `db:"holiday_name" json:"holiday_name,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// AirportContext is the decoded airport_context payload.
type AirportContext struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	DistanceMiles float64 `json:"distance_miles"`
	DelayMinutes  int     `json:"delay_minutes"`
}

// Strategy is the per-snapshot pipeline state row.
type Strategy struct {
	SnapshotID           string    `db:"snapshot_id" json:"snapshot_id"`
	Status               string    `db:"status" json:"status"`
	MinStrategy          string    `db:"minstrategy" json:"minstrategy,omitempty"`
	ConsolidatedStrategy string    `db:"consolidated_strategy" json:"consolidated_strategy,omitempty"`
	ErrorCode            string    `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage         string    `db:"error_message" json:"error_message,omitempty"`
	Attempt              int       `db:"attempt" json:"attempt"`
	LatencyMS            int64     `db:"latency_ms" json:"latency_ms"`
	Tokens               int       `db:"tokens" json:"tokens"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Briefing is the per-snapshot events/news/traffic digest.
type Briefing struct {
	SnapshotID     string    `db:"snapshot_id" json:"snapshot_id"`
	Events         JSONList  `db:"events" json:"events"`
	News           JSONList  `db:"news" json:"news"`
	Traffic        JSONList  `db:"traffic" json:"traffic"`
	SchoolClosures JSONList  `db:"school_closures" json:"school_closures"`
	WeatherSummary string    `db:"weather_summary" json:"weather_summary,omitempty"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Ranking is one successful pipeline run's header row.
type Ranking struct {
	RankingID     string          `db:"ranking_id" json:"ranking_id"`
	SnapshotID    string          `db:"snapshot_id" json:"snapshot_id"`
	UserID        string          `db:"user_id" json:"user_id,omitempty"`
	City          string          `db:"city" json:"city,omitempty"`
	ModelName     string          `db:"model_name" json:"model_name"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	ScoringMS     int64           `db:"scoring_ms" json:"scoring_ms"`
	PlannerMS     int64           `db:"planner_ms" json:"planner_ms"`
	TotalMS       int64           `db:"total_ms" json:"total_ms"`
	TimedOut      bool            `db:"timed_out" json:"timed_out"`
	PathTaken     string          `db:"path_taken" json:"path_taken"`
	Extras        json.RawMessage `db:"extras" json:"extras,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// RankingCandidate is one ranked venue within a ranking.
type RankingCandidate struct {
	ID              string          `db:"id" json:"id"`
	RankingID       string          `db:"ranking_id" json:"ranking_id"`
	SnapshotID      string          `db:"snapshot_id" json:"snapshot_id"`
	Rank            int             `db:"rank" json:"rank"`
	Name            string          `db:"name" json:"name"`
	Lat             float64         `db:"lat" json:"lat"`
	Lng             float64         `db:"lng" json:"lng"`
	PlaceID         string          `db:"place_id" json:"place_id,omitempty"`
	DistanceMiles   *float64        `db:"distance_miles" json:"distance_miles,omitempty"`
	DriveMinutes    *float64        `db:"drive_minutes" json:"drive_minutes,omitempty"`
	ValuePerMin     *float64        `db:"value_per_min" json:"value_per_min,omitempty"`
	ValueGrade      string          `db:"value_grade" json:"value_grade"`
	NotWorth        bool            `db:"not_worth" json:"not_worth"`
	ProTips         JSONList        `db:"pro_tips" json:"pro_tips"`
	StagingTips     string          `db:"staging_tips" json:"staging_tips,omitempty"`
	StagingName     string          `db:"staging_name" json:"staging_name,omitempty"`
	StagingLat      *float64        `db:"staging_lat" json:"staging_lat,omitempty"`
	StagingLng      *float64        `db:"staging_lng" json:"staging_lng,omitempty"`
	BusinessHours   json.RawMessage `db:"business_hours" json:"business_hours,omitempty"`
	ClosedReasoning string          `db:"closed_reasoning" json:"closed_reasoning,omitempty"`
	DistanceSource  string          `db:"distance_source" json:"distance_source"`
	Features        json.RawMessage `db:"features" json:"features,omitempty"`
}

// TriadJob is the work-initiation dedup row, unique on snapshot_id.
type TriadJob struct {
	SnapshotID string    `db:"snapshot_id" json:"snapshot_id"`
	Status     string    `db:"status" json:"status"`
	Kind       string    `db:"kind" json:"kind"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Place is cached stable place data keyed by place_id.
type Place struct {
	PlaceID          string    `db:"place_id" json:"place_id"`
	Name             string    `db:"name" json:"name"`
	FormattedAddress string    `db:"formatted_address" json:"formatted_address"`
	Lat              float64   `db:"lat" json:"lat"`
	Lng              float64   `db:"lng" json:"lng"`
	WeekdayHours     JSONList  `db:"weekday_hours" json:"weekday_hours"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// StrategyUpdate is the field set applied by UpdateStrategyCAS.
type StrategyUpdate struct {
	Status               *string
	MinStrategy          *string
	ConsolidatedStrategy *string
	ErrorCode            *string
	ErrorMessage         *string
	LatencyMS            *int64
	Tokens               *int
	BumpAttempt          bool
}

// JSONList is a []string stored as a JSON column.
type JSONList []string

// Value implements driver.Valuer.
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

// Scan implements sql.Scanner.
func (l *JSONList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	}
	*l = nil
	return nil
}
