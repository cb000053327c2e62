package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/adlineage/internal/domain"
)

type runLogRepository struct {
	pool *pgxpool.Pool
}

// NewRunLogRepository wires a run log repository backed by pgxpool.
func NewRunLogRepository(pool *pgxpool.Pool) RunLogRepository {
	return &runLogRepository{pool: pool}
}

func (r *runLogRepository) Record(ctx context.Context, summary domain.RunSummary) error {
	if r.pool == nil {
		return fmt.Errorf("run log repository not initialized")
	}

	failedJSON, err := json.Marshal(summary.KeysFailed)
	if err != nil {
		return fmt.Errorf("failed to marshal failed keys: %w", err)
	}
	warningsJSON, err := json.Marshal(summary.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO merge_runs (
			id, mode, started_at, completed_at,
			keys_touched, keys_succeeded, keys_failed,
			snapshots_in, rejected_snapshots, facts_in, rejected_facts,
			versions_written, facts_merged, resolved_written, unmatched_facts,
			warnings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		summary.RunID, string(summary.Mode), summary.StartedAt, summary.CompletedAt,
		summary.KeysTouched, summary.KeysSucceeded, failedJSON,
		summary.SnapshotsIn, summary.RejectedSnapshots, summary.FactsIn, summary.RejectedFacts,
		summary.VersionsWritten, summary.FactsMerged, summary.ResolvedWritten, summary.UnmatchedFacts,
		warningsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to record merge run: %w", err)
	}

	return nil
}

func (r *runLogRepository) List(ctx context.Context, limit, offset int) ([]domain.RunSummary, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("run log repository not initialized")
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, mode, started_at, completed_at,
			keys_touched, keys_succeeded, keys_failed,
			snapshots_in, rejected_snapshots, facts_in, rejected_facts,
			versions_written, facts_merged, resolved_written, unmatched_facts,
			warnings
		 FROM merge_runs
		 ORDER BY started_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge runs: %w", err)
	}
	defer rows.Close()

	summaries := []domain.RunSummary{}
	for rows.Next() {
		var (
			summary      domain.RunSummary
			mode         string
			startedAt    pgtype.Timestamptz
			completedAt  pgtype.Timestamptz
			failedJSON   []byte
			warningsJSON []byte
		)
		if err := rows.Scan(
			&summary.RunID, &mode, &startedAt, &completedAt,
			&summary.KeysTouched, &summary.KeysSucceeded, &failedJSON,
			&summary.SnapshotsIn, &summary.RejectedSnapshots, &summary.FactsIn, &summary.RejectedFacts,
			&summary.VersionsWritten, &summary.FactsMerged, &summary.ResolvedWritten, &summary.UnmatchedFacts,
			&warningsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan merge run: %w", err)
		}

		summary.Mode = domain.RunMode(mode)
		if startedAt.Valid {
			summary.StartedAt = startedAt.Time.UTC()
		}
		if completedAt.Valid {
			summary.CompletedAt = completedAt.Time.UTC()
		}
		if err := json.Unmarshal(failedJSON, &summary.KeysFailed); err != nil {
			return nil, fmt.Errorf("failed to decode failed keys: %w", err)
		}
		if err := json.Unmarshal(warningsJSON, &summary.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}

		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate merge runs: %w", err)
	}

	return summaries, nil
}
