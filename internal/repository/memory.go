package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/adlineage/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and memory-backed dry
// runs. Per-key merges replace state under one lock so readers never observe
// a partially applied merge.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[domain.EntityKey][]domain.DimensionVersion
	facts    map[domain.EntityKey]map[string]domain.MetricObservation
	resolved map[domain.EntityKey]map[string]domain.ResolvedFactRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: map[domain.EntityKey][]domain.DimensionVersion{},
		facts:    map[domain.EntityKey]map[string]domain.MetricObservation{},
		resolved: map[domain.EntityKey]map[string]domain.ResolvedFactRow{},
	}
}

var _ Store = (*MemoryStore)(nil)

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *MemoryStore) VersionsByKeys(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey][]domain.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[domain.EntityKey][]domain.DimensionVersion, len(keys))
	for _, key := range keys {
		versions, ok := s.versions[key]
		if !ok {
			continue
		}
		result[key] = cloneVersions(versions)
	}
	return result, nil
}

func (s *MemoryStore) VersionAt(ctx context.Context, key domain.EntityKey, at time.Time) (domain.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, version := range s.versions[key] {
		if version.Contains(at) {
			return cloneVersion(version), nil
		}
	}
	return domain.DimensionVersion{}, ErrNotFound
}

func (s *MemoryStore) FactsInWindow(ctx context.Context, keys []domain.EntityKey, from, to time.Time) ([]domain.MetricObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var facts []domain.MetricObservation
	for _, key := range keys {
		for _, fact := range s.facts[key] {
			if !from.IsZero() && fact.Date.Before(from) {
				continue
			}
			if !to.IsZero() && fact.Date.After(to) {
				continue
			}
			facts = append(facts, cloneFact(fact))
		}
	}

	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Key != facts[j].Key {
			return facts[i].Key.String() < facts[j].Key.String()
		}
		return facts[i].Date.Before(facts[j].Date)
	})
	return facts, nil
}

func (s *MemoryStore) ApplyKeyMerge(ctx context.Context, merge KeyMerge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := merge.Key
	s.versions[key] = cloneVersions(merge.Versions)

	factsByDate := s.facts[key]
	if factsByDate == nil {
		factsByDate = map[string]domain.MetricObservation{}
		s.facts[key] = factsByDate
	}
	resolvedByDate := s.resolved[key]
	if resolvedByDate == nil {
		resolvedByDate = map[string]domain.ResolvedFactRow{}
		s.resolved[key] = resolvedByDate
	}

	for _, fact := range merge.Facts {
		factsByDate[dateKey(fact.Date)] = cloneFact(fact)
		delete(resolvedByDate, dateKey(fact.Date))
	}
	for _, row := range merge.Resolved {
		resolvedByDate[dateKey(row.Date)] = cloneResolved(row)
	}

	return nil
}

// ResolvedByKey returns the key's resolved rows ordered by date. Test helper.
func (s *MemoryStore) ResolvedByKey(key domain.EntityKey) []domain.ResolvedFactRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.ResolvedFactRow, 0, len(s.resolved[key]))
	for _, row := range s.resolved[key] {
		rows = append(rows, cloneResolved(row))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Date.Before(rows[j].Date)
	})
	return rows
}

// State is a deep copy of the full persisted state, used to assert
// idempotence across runs.
type State struct {
	Versions map[domain.EntityKey][]domain.DimensionVersion
	Facts    map[domain.EntityKey]map[string]domain.MetricObservation
	Resolved map[domain.EntityKey]map[string]domain.ResolvedFactRow
}

// Snapshot returns a deep copy of the current state.
func (s *MemoryStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{
		Versions: make(map[domain.EntityKey][]domain.DimensionVersion, len(s.versions)),
		Facts:    make(map[domain.EntityKey]map[string]domain.MetricObservation, len(s.facts)),
		Resolved: make(map[domain.EntityKey]map[string]domain.ResolvedFactRow, len(s.resolved)),
	}
	for key, versions := range s.versions {
		state.Versions[key] = cloneVersions(versions)
	}
	for key, byDate := range s.facts {
		facts := make(map[string]domain.MetricObservation, len(byDate))
		for date, fact := range byDate {
			facts[date] = cloneFact(fact)
		}
		state.Facts[key] = facts
	}
	for key, byDate := range s.resolved {
		rows := make(map[string]domain.ResolvedFactRow, len(byDate))
		for date, row := range byDate {
			rows[date] = cloneResolved(row)
		}
		state.Resolved[key] = rows
	}
	return state
}

// MemoryRunLog is an in-memory RunLogRepository.
type MemoryRunLog struct {
	mu        sync.Mutex
	summaries []domain.RunSummary
}

// NewMemoryRunLog creates an empty in-memory run log.
func NewMemoryRunLog() *MemoryRunLog {
	return &MemoryRunLog{}
}

var _ RunLogRepository = (*MemoryRunLog)(nil)

func (l *MemoryRunLog) Record(ctx context.Context, summary domain.RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaries = append(l.summaries, summary)
	return nil
}

func (l *MemoryRunLog) List(ctx context.Context, limit, offset int) ([]domain.RunSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	// Most recent first, matching the Postgres repository.
	reversed := make([]domain.RunSummary, 0, len(l.summaries))
	for i := len(l.summaries) - 1; i >= 0; i-- {
		reversed = append(reversed, l.summaries[i])
	}

	if offset >= len(reversed) {
		return []domain.RunSummary{}, nil
	}
	end := offset + limit
	if end > len(reversed) {
		end = len(reversed)
	}
	return reversed[offset:end], nil
}

func cloneVersion(version domain.DimensionVersion) domain.DimensionVersion {
	out := version
	out.Attributes = cloneStringMap(version.Attributes)
	return out
}

func cloneVersions(versions []domain.DimensionVersion) []domain.DimensionVersion {
	out := make([]domain.DimensionVersion, len(versions))
	for i, version := range versions {
		out[i] = cloneVersion(version)
	}
	return out
}

func cloneFact(fact domain.MetricObservation) domain.MetricObservation {
	out := fact
	out.Metrics = cloneFloatMap(fact.Metrics)
	return out
}

func cloneResolved(row domain.ResolvedFactRow) domain.ResolvedFactRow {
	out := row
	out.Attributes = cloneStringMap(row.Attributes)
	out.Metrics = cloneFloatMap(row.Metrics)
	out.NormalizedMetrics = cloneFloatMap(row.NormalizedMetrics)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
