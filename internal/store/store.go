// Package store provides the typed operations over the relational backing
// store. The postgres implementation is the production path; the memory
// implementation backs tests and local development.
package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the typed operation set the pipeline consumes.
type Store interface {
	// Snapshots are created externally; the pipeline only reads them.
	GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)

	// EnsureStrategy idempotently inserts a pending Strategy row.
	EnsureStrategy(ctx context.Context, snapshotID string) error
	GetStrategy(ctx context.Context, snapshotID string) (*Strategy, error)
	// UpdateStrategyCAS applies upd only when the row's current status is in
	// expectStatus. It reports whether the update was applied. updated_at is
	// always refreshed on application, making the write a compare-and-set.
	UpdateStrategyCAS(ctx context.Context, snapshotID string, expectStatus []string, upd StrategyUpdate) (bool, error)

	UpsertBriefing(ctx context.Context, b *Briefing) error
	GetBriefing(ctx context.Context, snapshotID string) (*Briefing, error)

	// InsertRanking writes the header and all candidates in one transaction.
	// On any failure nothing from the attempt is observable.
	InsertRanking(ctx context.Context, r *Ranking, candidates []RankingCandidate) error
	GetLatestRanking(ctx context.Context, snapshotID string) (*Ranking, []RankingCandidate, error)

	// CreateTriadJob inserts the unique-on-snapshot_id job row. It reports
	// false when a row already exists (the dedup primitive).
	CreateTriadJob(ctx context.Context, snapshotID, kind string) (bool, error)
	GetTriadJob(ctx context.Context, snapshotID string) (*TriadJob, error)
	UpdateTriadJob(ctx context.Context, snapshotID, status string) error
	DeleteTriadJob(ctx context.Context, snapshotID string) error

	// UpsertPlace caches stable place data; conflicts update in place.
	UpsertPlace(ctx context.Context, p *Place) error
	GetPlace(ctx context.Context, placeID string) (*Place, error)

	Ping(ctx context.Context) error
}
