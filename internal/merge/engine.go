// Package merge applies snapshot and fact batches to persisted state one
// natural key at a time, preserving the version-history invariants under
// incremental re-runs.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/adlineage/internal/domain"
	"github.com/rpattn/adlineage/internal/repository"
	"github.com/rpattn/adlineage/internal/resolve"
	"github.com/rpattn/adlineage/internal/versioning"
)

const (
	defaultWorkers      = 4
	defaultLookbackDays = 7
)

// Config controls a single run. The mode is an explicit input; it is never
// inferred from the state of previously written output.
type Config struct {
	Mode domain.RunMode
	// LookbackDays bounds how many trailing days of previously merged fact
	// rows are re-admitted in incremental mode. Defaults to 7.
	LookbackDays int
	// Workers bounds per-key parallelism. Defaults to 4.
	Workers int
	// ReferenceDate anchors the lookback window. Defaults to today (UTC).
	ReferenceDate time.Time
}

// Engine merges normalized batches into the store. Work is partitioned by
// natural key; partitions have no data dependency on each other and are
// merged in parallel, each committed atomically.
type Engine struct {
	store    repository.Store
	runs     repository.RunLogRepository
	builder  *versioning.Builder
	resolver *resolve.Resolver
}

// NewEngine wires a merge engine. The run log repository may be nil.
func NewEngine(store repository.Store, runs repository.RunLogRepository, builder *versioning.Builder, resolver *resolve.Resolver) *Engine {
	return &Engine{
		store:    store,
		runs:     runs,
		builder:  builder,
		resolver: resolver,
	}
}

// Run applies one batch. Keys whose rebuilt version set violates an
// invariant are refused and reported in the summary; a storage failure
// aborts the run with no further commits. Re-running the same batch yields
// the same persisted state.
func (e *Engine) Run(ctx context.Context, batch domain.Batch, cfg Config) (domain.RunSummary, error) {
	summary := domain.RunSummary{
		RunID:             uuid.New(),
		Mode:              cfg.Mode,
		StartedAt:         time.Now().UTC(),
		SnapshotsIn:       len(batch.Snapshots),
		FactsIn:           len(batch.Facts),
		RejectedSnapshots: batch.RejectedSnapshots,
		RejectedFacts:     batch.RejectedFacts,
		Warnings:          append([]string(nil), batch.Warnings...),
	}

	if cfg.Mode != domain.RunModeFull && cfg.Mode != domain.RunModeIncremental {
		return summary, fmt.Errorf("run mode must be %q or %q", domain.RunModeFull, domain.RunModeIncremental)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = defaultLookbackDays
	}
	if cfg.ReferenceDate.IsZero() {
		cfg.ReferenceDate = domain.Day(time.Now())
	}

	snapshotsByKey := domain.PartitionSnapshotsByKey(batch.Snapshots)
	factsByKey := domain.PartitionFactsByKey(batch.Facts)
	keys := touchedKeys(snapshotsByKey, factsByKey)
	summary.KeysTouched = len(keys)

	if len(keys) == 0 {
		summary.CompletedAt = time.Now().UTC()
		e.recordRun(ctx, summary)
		return summary, nil
	}

	existing, err := e.store.VersionsByKeys(ctx, keys)
	if err != nil {
		return summary, fmt.Errorf("failed to load persisted versions: %w", err)
	}

	if err := e.admitPriorFacts(ctx, keys, factsByKey, cfg); err != nil {
		return summary, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	var mu sync.Mutex

	for _, key := range keys {
		key := key
		g.Go(func() error {
			result, err := e.mergeKey(gctx, key, snapshotsByKey[key], factsByKey[key], existing[key])
			if err != nil {
				if errors.Is(err, domain.ErrInvariantViolation) {
					mu.Lock()
					summary.KeysFailed = append(summary.KeysFailed, domain.KeyFailure{Key: key, Reason: err.Error()})
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("key %s: %w", key, err)
			}

			mu.Lock()
			summary.KeysSucceeded++
			summary.VersionsWritten += len(result.merge.Versions)
			summary.FactsMerged += len(result.merge.Facts)
			summary.ResolvedWritten += len(result.merge.Resolved)
			summary.UnmatchedFacts += result.unmatched
			summary.Warnings = append(summary.Warnings, result.warnings...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	// Partitions complete in arbitrary order; keep the summary deterministic.
	sort.SliceStable(summary.KeysFailed, func(i, j int) bool {
		return summary.KeysFailed[i].Key.String() < summary.KeysFailed[j].Key.String()
	})
	sort.Strings(summary.Warnings)

	summary.CompletedAt = time.Now().UTC()
	e.recordRun(ctx, summary)
	return summary, nil
}

type keyResult struct {
	merge     repository.KeyMerge
	unmatched int
	warnings  []string
}

// mergeKey rebuilds one key's version set from the union of its persisted
// change points and the new snapshots, re-resolves the admitted facts, and
// commits the result atomically.
func (e *Engine) mergeKey(ctx context.Context, key domain.EntityKey, snapshots []domain.Snapshot, facts []domain.MetricObservation, existing []domain.DimensionVersion) (keyResult, error) {
	union := make([]domain.Snapshot, 0, len(existing)+len(snapshots))
	for i, version := range existing {
		// Persisted change points replay with negative sequence numbers so
		// re-submitted batch rows win equal-timestamp ties the same way they
		// did on first merge.
		union = append(union, domain.Snapshot{
			Key:         key,
			Attributes:  version.Attributes,
			EffectiveAt: version.ValidFrom,
			Seq:         int64(i) - int64(len(existing)),
		})
	}
	union = append(union, snapshots...)

	versions := e.builder.Build(union)
	if err := domain.ValidateVersionSet(versions, e.builder.EndOfTime(), e.builder.CloseOffset(), e.builder.Tracked()); err != nil {
		return keyResult{}, err
	}

	resolved, unmatched, warnings := e.resolver.Resolve(versions, facts)

	merge := repository.KeyMerge{
		Key:      key,
		Versions: versions,
		Facts:    facts,
		Resolved: resolved,
	}
	if err := e.store.ApplyKeyMerge(ctx, merge); err != nil {
		return keyResult{}, fmt.Errorf("failed to apply merge: %w", err)
	}

	return keyResult{merge: merge, unmatched: len(unmatched), warnings: warnings}, nil
}

// admitPriorFacts widens each touched key's fact set with previously merged
// rows: the full history in full mode, or the trailing lookback window in
// incremental mode. Batch rows win over persisted rows on the same day.
func (e *Engine) admitPriorFacts(ctx context.Context, keys []domain.EntityKey, factsByKey map[domain.EntityKey][]domain.MetricObservation, cfg Config) error {
	var from time.Time
	if cfg.Mode == domain.RunModeIncremental {
		from = cfg.ReferenceDate.AddDate(0, 0, -cfg.LookbackDays)
	}

	prior, err := e.store.FactsInWindow(ctx, keys, from, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to load prior facts: %w", err)
	}
	if len(prior) == 0 {
		return nil
	}

	seen := make(map[domain.EntityKey]map[time.Time]struct{}, len(factsByKey))
	for key, facts := range factsByKey {
		dates := make(map[time.Time]struct{}, len(facts))
		for _, fact := range facts {
			dates[fact.Date] = struct{}{}
		}
		seen[key] = dates
	}

	for _, fact := range prior {
		if dates, ok := seen[fact.Key]; ok {
			if _, dup := dates[fact.Date]; dup {
				continue
			}
		}
		factsByKey[fact.Key] = append(factsByKey[fact.Key], fact)
	}

	return nil
}

func (e *Engine) recordRun(ctx context.Context, summary domain.RunSummary) {
	if e.runs == nil {
		return
	}
	if err := e.runs.Record(ctx, summary); err != nil {
		log.Printf("[MERGE] failed to record run summary %s: %v", summary.RunID, err)
	}
}

func touchedKeys(snapshots map[domain.EntityKey][]domain.Snapshot, facts map[domain.EntityKey][]domain.MetricObservation) []domain.EntityKey {
	set := make(map[domain.EntityKey]struct{}, len(snapshots)+len(facts))
	for key := range snapshots {
		set[key] = struct{}{}
	}
	for key := range facts {
		set[key] = struct{}{}
	}

	keys := make([]domain.EntityKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
