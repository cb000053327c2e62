package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/adlineage/internal/domain"
)

// ErrNotFound is returned for point lookups with no matching row.
var ErrNotFound = errors.New("not found")

// KeyMerge is the unit the merge engine commits for one natural key: the
// rebuilt version set, the fact rows admitted into the run, and the resolved
// rows derived from them.
type KeyMerge struct {
	Key      domain.EntityKey
	Versions []domain.DimensionVersion
	Facts    []domain.MetricObservation
	Resolved []domain.ResolvedFactRow
}

// Store is the storage backend for derived pipeline state. Implementations
// (Postgres, in-memory) are interchangeable behind this interface.
//
// ApplyKeyMerge must be atomic per key: readers never observe a version set
// with a gap, overlap, or zero/multiple current rows, and a failed apply
// leaves the key's state untouched.
type Store interface {
	// VersionsByKeys returns the persisted version sets for the given keys,
	// each ordered by valid_from. Keys with no versions are absent from the
	// result.
	VersionsByKeys(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey][]domain.DimensionVersion, error)

	// VersionAt returns the version whose validity range contains the given
	// instant, or ErrNotFound.
	VersionAt(ctx context.Context, key domain.EntityKey, at time.Time) (domain.DimensionVersion, error)

	// FactsInWindow returns persisted fact rows for the given keys dated
	// within [from, to]. A zero bound is unbounded on that side.
	FactsInWindow(ctx context.Context, keys []domain.EntityKey, from, to time.Time) ([]domain.MetricObservation, error)

	// ApplyKeyMerge replaces the key's version set, upserts the fact rows by
	// (key, date) and replaces the resolved rows for the merged dates, all
	// atomically.
	ApplyKeyMerge(ctx context.Context, merge KeyMerge) error
}

// RunLogRepository persists per-run summaries for observability.
type RunLogRepository interface {
	Record(ctx context.Context, summary domain.RunSummary) error
	List(ctx context.Context, limit, offset int) ([]domain.RunSummary, error)
}
