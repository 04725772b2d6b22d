package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// Postgres implements Store over a postgres database.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection (used by tests with sqlmock).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

// DB exposes the underlying handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

// Close closes the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	var s Snapshot
	err := p.db.GetContext(ctx, &s, `
		SELECT snapshot_id, lat, lng, formatted_address, city, state, timezone,
		       day_part, dow, weather, air_quality, airport_context,
		       is_holiday, holiday_name, created_at
		FROM snapshots WHERE snapshot_id = $1`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get snapshot: %w", err)
	}
	return &s, nil
}

func (p *Postgres) EnsureStrategy(ctx context.Context, snapshotID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO strategies (snapshot_id, status, created_at, updated_at)
		VALUES ($1, 'pending', now(), now())
		ON CONFLICT (snapshot_id) DO NOTHING`, snapshotID)
	if err != nil {
		return fmt.Errorf("store: ensure strategy: %w", err)
	}
	return nil
}

func (p *Postgres) GetStrategy(ctx context.Context, snapshotID string) (*Strategy, error) {
	var s Strategy
	err := p.db.GetContext(ctx, &s, `
		SELECT snapshot_id, status, minstrategy, consolidated_strategy,
		       error_code, error_message, attempt, latency_ms, tokens,
		       created_at, updated_at
		FROM strategies WHERE snapshot_id = $1`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get strategy: %w", err)
	}
	return &s, nil
}

func (p *Postgres) UpdateStrategyCAS(ctx context.Context, snapshotID string, expectStatus []string, upd StrategyUpdate) (bool, error) {
	sets := []string{"updated_at = now()"}
	args := []any{snapshotID}
	n := 2

	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.MinStrategy != nil {
		add("minstrategy", *upd.MinStrategy)
	}
	if upd.ConsolidatedStrategy != nil {
		add("consolidated_strategy", *upd.ConsolidatedStrategy)
	}
	if upd.ErrorCode != nil {
		add("error_code", *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.LatencyMS != nil {
		add("latency_ms", *upd.LatencyMS)
	}
	if upd.Tokens != nil {
		add("tokens", *upd.Tokens)
	}
	if upd.BumpAttempt {
		sets = append(sets, "attempt = attempt + 1")
	}

	expectPh := make([]string, len(expectStatus))
	for i, st := range expectStatus {
		expectPh[i] = fmt.Sprintf("$%d", n)
		args = append(args, st)
		n++
	}

	query := fmt.Sprintf(`UPDATE strategies SET %s WHERE snapshot_id = $1 AND status IN (%s)`,
		strings.Join(sets, ", "), strings.Join(expectPh, ", "))

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("store: update strategy: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update strategy rows: %w", err)
	}
	return rows == 1, nil
}

func (p *Postgres) UpsertBriefing(ctx context.Context, b *Briefing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO briefings (snapshot_id, events, news, traffic, school_closures,
		                       weather_summary, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (snapshot_id) DO UPDATE SET
			events = EXCLUDED.events,
			news = EXCLUDED.news,
			traffic = EXCLUDED.traffic,
			school_closures = EXCLUDED.school_closures,
			weather_summary = EXCLUDED.weather_summary,
			status = EXCLUDED.status`,
		b.SnapshotID, b.Events, b.News, b.Traffic, b.SchoolClosures,
		b.WeatherSummary, b.Status)
	if err != nil {
		return fmt.Errorf("store: upsert briefing: %w", err)
	}
	return nil
}

func (p *Postgres) GetBriefing(ctx context.Context, snapshotID string) (*Briefing, error) {
	var b Briefing
	err := p.db.GetContext(ctx, &b, `
		SELECT snapshot_id, events, news, traffic, school_closures,
		       weather_summary, status, created_at
		FROM briefings WHERE snapshot_id = $1`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get briefing: %w", err)
	}
	return &b, nil
}

// InsertRanking writes the ranking header and all candidate rows in a
// single transaction; any failure rolls the whole attempt back.
func (p *Postgres) InsertRanking(ctx context.Context, r *Ranking, candidates []RankingCandidate) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin ranking txn: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rankings (ranking_id, snapshot_id, user_id, city, model_name,
		                      correlation_id, scoring_ms, planner_ms, total_ms,
		                      timed_out, path_taken, extras, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		r.RankingID, r.SnapshotID, nullStr(r.UserID), nullStr(r.City), r.ModelName,
		r.CorrelationID, r.ScoringMS, r.PlannerMS, r.TotalMS,
		r.TimedOut, r.PathTaken, nullJSON(r.Extras))
	if err != nil {
		return fmt.Errorf("store: insert ranking: %w", err)
	}

	for i := range candidates {
		c := &candidates[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ranking_candidates (id, ranking_id, snapshot_id, "rank",
				name, lat, lng, place_id, distance_miles, drive_minutes,
				value_per_min, value_grade, not_worth, pro_tips,
				staging_tips, staging_name, staging_lat, staging_lng,
				business_hours, closed_reasoning, distance_source, features)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
			c.ID, c.RankingID, c.SnapshotID, c.Rank,
			c.Name, c.Lat, c.Lng, nullStr(c.PlaceID), c.DistanceMiles, c.DriveMinutes,
			c.ValuePerMin, c.ValueGrade, c.NotWorth, c.ProTips,
			nullStr(c.StagingTips), nullStr(c.StagingName), c.StagingLat, c.StagingLng,
			nullJSON(c.BusinessHours), nullStr(c.ClosedReasoning), c.DistanceSource, nullJSON(c.Features))
		if err != nil {
			return fmt.Errorf("store: insert candidate %d: %w", c.Rank, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit ranking: %w", err)
	}
	return nil
}

func (p *Postgres) GetLatestRanking(ctx context.Context, snapshotID string) (*Ranking, []RankingCandidate, error) {
	var r Ranking
	err := p.db.GetContext(ctx, &r, `
		SELECT ranking_id, snapshot_id, user_id, city, model_name, correlation_id,
		       scoring_ms, planner_ms, total_ms, timed_out, path_taken, extras, created_at
		FROM rankings WHERE snapshot_id = $1
		ORDER BY created_at DESC LIMIT 1`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: get ranking: %w", err)
	}

	var candidates []RankingCandidate
	err = p.db.SelectContext(ctx, &candidates, `
		SELECT id, ranking_id, snapshot_id, "rank", name, lat, lng, place_id,
		       distance_miles, drive_minutes, value_per_min, value_grade, not_worth,
		       pro_tips, staging_tips, staging_name, staging_lat, staging_lng,
		       business_hours, closed_reasoning, distance_source, features
		FROM ranking_candidates WHERE ranking_id = $1
		ORDER BY "rank" ASC`, r.RankingID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: get candidates: %w", err)
	}
	return &r, candidates, nil
}

func (p *Postgres) CreateTriadJob(ctx context.Context, snapshotID, kind string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO triad_jobs (snapshot_id, status, kind, created_at)
		VALUES ($1, 'queued', $2, now())
		ON CONFLICT (snapshot_id) DO NOTHING`, snapshotID, kind)
	if err != nil {
		return false, fmt.Errorf("store: create triad job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create triad job rows: %w", err)
	}
	return rows == 1, nil
}

func (p *Postgres) GetTriadJob(ctx context.Context, snapshotID string) (*TriadJob, error) {
	var j TriadJob
	err := p.db.GetContext(ctx, &j, `
		SELECT snapshot_id, status, kind, created_at
		FROM triad_jobs WHERE snapshot_id = $1`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get triad job: %w", err)
	}
	return &j, nil
}

func (p *Postgres) UpdateTriadJob(ctx context.Context, snapshotID, status string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE triad_jobs SET status = $2 WHERE snapshot_id = $1`, snapshotID, status)
	if err != nil {
		return fmt.Errorf("store: update triad job: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteTriadJob(ctx context.Context, snapshotID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM triad_jobs WHERE snapshot_id = $1`, snapshotID)
	if err != nil {
		return fmt.Errorf("store: delete triad job: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertPlace(ctx context.Context, pl *Place) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO places (place_id, name, formatted_address, lat, lng, weekday_hours, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (place_id) DO UPDATE SET
			name = EXCLUDED.name,
			formatted_address = EXCLUDED.formatted_address,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			weekday_hours = EXCLUDED.weekday_hours,
			updated_at = now()`,
		pl.PlaceID, pl.Name, pl.FormattedAddress, pl.Lat, pl.Lng, pl.WeekdayHours)
	if err != nil {
		return fmt.Errorf("store: upsert place: %w", err)
	}
	return nil
}

func (p *Postgres) GetPlace(ctx context.Context, placeID string) (*Place, error) {
	var pl Place
	err := p.db.GetContext(ctx, &pl, `
		SELECT place_id, name, formatted_address, lat, lng, weekday_hours, updated_at
		FROM places WHERE place_id = $1`, placeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get place: %w", err)
	}
	return &pl, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
