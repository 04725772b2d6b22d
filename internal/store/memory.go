package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and local development. All
// methods are safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	snapshots  map[string]*Snapshot
	strategies map[string]*Strategy
	briefings  map[string]*Briefing
	rankings   []*Ranking
	candidates map[string][]RankingCandidate // keyed by ranking_id
	jobs       map[string]*TriadJob
	places     map[string]*Place
}

func NewMemory() *Memory {
	return &Memory{
		snapshots:  make(map[string]*Snapshot),
		strategies: make(map[string]*Strategy),
		briefings:  make(map[string]*Briefing),
		candidates: make(map[string][]RankingCandidate),
		jobs:       make(map[string]*TriadJob),
		places:     make(map[string]*Place),
	}
}

// PutSnapshot seeds a snapshot. Production snapshots arrive out of band.
func (m *Memory) PutSnapshot(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.snapshots[s.SnapshotID] = &cp
}

func (m *Memory) GetSnapshot(_ context.Context, snapshotID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) EnsureStrategy(_ context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[snapshotID]; ok {
		return nil
	}
	now := time.Now()
	m.strategies[snapshotID] = &Strategy{
		SnapshotID: snapshotID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (m *Memory) GetStrategy(_ context.Context, snapshotID string) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateStrategyCAS(_ context.Context, snapshotID string, expectStatus []string, upd StrategyUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[snapshotID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range expectStatus {
		if s.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.MinStrategy != nil {
		s.MinStrategy = *upd.MinStrategy
	}
	if upd.ConsolidatedStrategy != nil {
		s.ConsolidatedStrategy = *upd.ConsolidatedStrategy
	}
	if upd.ErrorCode != nil {
		s.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		s.ErrorMessage = *upd.ErrorMessage
	}
	if upd.LatencyMS != nil {
		s.LatencyMS = *upd.LatencyMS
	}
	if upd.Tokens != nil {
		s.Tokens = *upd.Tokens
	}
	if upd.BumpAttempt {
		s.Attempt++
	}
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) UpsertBriefing(_ context.Context, b *Briefing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.briefings[b.SnapshotID] = &cp
	return nil
}

func (m *Memory) GetBriefing(_ context.Context, snapshotID string) (*Briefing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.briefings[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) InsertRanking(_ context.Context, r *Ranking, candidates []RankingCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.rankings = append(m.rankings, &cp)
	m.candidates[r.RankingID] = append([]RankingCandidate(nil), candidates...)
	return nil
}

func (m *Memory) GetLatestRanking(_ context.Context, snapshotID string) (*Ranking, []RankingCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Ranking
	for _, r := range m.rankings {
		if r.SnapshotID != snapshotID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil, ErrNotFound
	}
	cands := append([]RankingCandidate(nil), m.candidates[latest.RankingID]...)
	sort.Slice(cands, func(i, j int) bool { return cands[i].Rank < cands[j].Rank })
	cp := *latest
	return &cp, cands, nil
}

func (m *Memory) CreateTriadJob(_ context.Context, snapshotID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[snapshotID]; ok {
		return false, nil
	}
	m.jobs[snapshotID] = &TriadJob{
		SnapshotID: snapshotID,
		Status:     JobQueued,
		Kind:       kind,
		CreatedAt:  time.Now(),
	}
	return true, nil
}

func (m *Memory) GetTriadJob(_ context.Context, snapshotID string) (*TriadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateTriadJob(_ context.Context, snapshotID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[snapshotID]; ok {
		j.Status = status
	}
	return nil
}

func (m *Memory) DeleteTriadJob(_ context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, snapshotID)
	return nil
}

func (m *Memory) UpsertPlace(_ context.Context, p *Place) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.places[p.PlaceID] = &cp
	return nil
}

func (m *Memory) GetPlace(_ context.Context, placeID string) (*Place, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.places[placeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
