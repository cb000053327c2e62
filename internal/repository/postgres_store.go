package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/adlineage/internal/db"
	"github.com/rpattn/adlineage/internal/domain"
)

// postgresStore implements Store on top of pgxpool.
type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a Store backed by pgxpool.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

func keyColumns(keys []domain.EntityKey) (sources, accounts, entities []string) {
	sources = make([]string, len(keys))
	accounts = make([]string, len(keys))
	entities = make([]string, len(keys))
	for i, key := range keys {
		sources[i] = key.SourceID
		accounts[i] = key.AccountID
		entities[i] = key.EntityID
	}
	return sources, accounts, entities
}

func (s *postgresStore) VersionsByKeys(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey][]domain.DimensionVersion, error) {
	result := make(map[domain.EntityKey][]domain.DimensionVersion, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	sources, accounts, entities := keyColumns(keys)
	rows, err := s.pool.Query(
		ctx,
		`SELECT v.id, v.source_id, v.account_id, v.entity_id, v.attributes, v.valid_from, v.valid_to, v.is_current
		 FROM dimension_versions v
		 JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(source_id, account_id, entity_id)
		   ON v.source_id = k.source_id AND v.account_id = k.account_id AND v.entity_id = k.entity_id
		 ORDER BY v.source_id, v.account_id, v.entity_id, v.valid_from`,
		sources, accounts, entities,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimension versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result[version.Key] = append(result[version.Key], version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dimension versions: %w", err)
	}

	return result, nil
}

func (s *postgresStore) VersionAt(ctx context.Context, key domain.EntityKey, at time.Time) (domain.DimensionVersion, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT id, source_id, account_id, entity_id, attributes, valid_from, valid_to, is_current
		 FROM dimension_versions
		 WHERE source_id = $1 AND account_id = $2 AND entity_id = $3
		   AND valid_from <= $4 AND valid_to > $4
		 LIMIT 1`,
		key.SourceID, key.AccountID, key.EntityID, at,
	)

	version, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DimensionVersion{}, ErrNotFound
		}
		return domain.DimensionVersion{}, err
	}
	return version, nil
}

func (s *postgresStore) FactsInWindow(ctx context.Context, keys []domain.EntityKey, from, to time.Time) ([]domain.MetricObservation, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	sources, accounts, entities := keyColumns(keys)
	query := `SELECT f.source_id, f.account_id, f.entity_id, f.date, f.metrics, f.native_window_days
		 FROM fact_rows f
		 JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(source_id, account_id, entity_id)
		   ON f.source_id = k.source_id AND f.account_id = k.account_id AND f.entity_id = k.entity_id`
	args := []any{sources, accounts, entities}

	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND f.date >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND f.date <= $%d", len(args))
	}
	query += " ORDER BY f.source_id, f.account_id, f.entity_id, f.date"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fact rows: %w", err)
	}
	defer rows.Close()

	var facts []domain.MetricObservation
	for rows.Next() {
		var (
			fact        domain.MetricObservation
			date        pgtype.Date
			metricsJSON []byte
		)
		if err := rows.Scan(&fact.Key.SourceID, &fact.Key.AccountID, &fact.Key.EntityID, &date, &metricsJSON, &fact.NativeWindowDays); err != nil {
			return nil, fmt.Errorf("failed to scan fact row: %w", err)
		}
		if date.Valid {
			fact.Date = domain.Day(date.Time)
		}
		if err := json.Unmarshal(metricsJSON, &fact.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode fact metrics: %w", err)
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fact rows: %w", err)
	}

	return facts, nil
}

func (s *postgresStore) ApplyKeyMerge(ctx context.Context, merge KeyMerge) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return s.applyKeyMerge(ctx, tx, merge)
	})
}

func (s *postgresStore) applyKeyMerge(ctx context.Context, tx pgx.Tx, merge KeyMerge) error {
	key := merge.Key
	if _, err := tx.Exec(
		ctx,
		`DELETE FROM dimension_versions WHERE source_id = $1 AND account_id = $2 AND entity_id = $3`,
		key.SourceID, key.AccountID, key.EntityID,
	); err != nil {
		return fmt.Errorf("failed to clear version set: %w", err)
	}

	for _, version := range merge.Versions {
		attributesJSON, err := json.Marshal(version.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal version attributes: %w", err)
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO dimension_versions (id, source_id, account_id, entity_id, attributes, valid_from, valid_to, is_current)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			version.ID, key.SourceID, key.AccountID, key.EntityID,
			attributesJSON, version.ValidFrom, version.ValidTo, version.IsCurrent,
		); err != nil {
			return fmt.Errorf("failed to insert dimension version: %w", err)
		}
	}

	mergedDates := make([]time.Time, 0, len(merge.Facts))
	for _, fact := range merge.Facts {
		metricsJSON, err := json.Marshal(fact.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal fact metrics: %w", err)
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO fact_rows (source_id, account_id, entity_id, date, metrics, native_window_days)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (source_id, account_id, entity_id, date)
			 DO UPDATE SET metrics = EXCLUDED.metrics, native_window_days = EXCLUDED.native_window_days, updated_at = now()`,
			key.SourceID, key.AccountID, key.EntityID, fact.Date, metricsJSON, fact.NativeWindowDays,
		); err != nil {
			return fmt.Errorf("failed to upsert fact row: %w", err)
		}
		mergedDates = append(mergedDates, fact.Date)
	}

	if len(mergedDates) > 0 {
		if _, err := tx.Exec(
			ctx,
			`DELETE FROM resolved_facts
			 WHERE source_id = $1 AND account_id = $2 AND entity_id = $3 AND date = ANY($4)`,
			key.SourceID, key.AccountID, key.EntityID, mergedDates,
		); err != nil {
			return fmt.Errorf("failed to clear resolved facts: %w", err)
		}
	}

	for _, resolved := range merge.Resolved {
		attributesJSON, err := json.Marshal(resolved.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal resolved attributes: %w", err)
		}
		metricsJSON, err := json.Marshal(resolved.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal resolved metrics: %w", err)
		}
		normalizedJSON, err := json.Marshal(resolved.NormalizedMetrics)
		if err != nil {
			return fmt.Errorf("failed to marshal normalized metrics: %w", err)
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO resolved_facts (source_id, account_id, entity_id, date, version_id, attributes, metrics, normalized_metrics, attribution_method)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			key.SourceID, key.AccountID, key.EntityID, resolved.Date,
			resolved.VersionID, attributesJSON, metricsJSON, normalizedJSON, resolved.AttributionMethod,
		); err != nil {
			return fmt.Errorf("failed to insert resolved fact: %w", err)
		}
	}

	return nil
}

// scanVersion reads a dimension version row from either a pgx.Row or pgx.Rows.
func scanVersion(row pgx.Row) (domain.DimensionVersion, error) {
	var (
		version        domain.DimensionVersion
		attributesJSON []byte
		validFrom      pgtype.Timestamptz
		validTo        pgtype.Timestamptz
	)
	if err := row.Scan(
		&version.ID,
		&version.Key.SourceID,
		&version.Key.AccountID,
		&version.Key.EntityID,
		&attributesJSON,
		&validFrom,
		&validTo,
		&version.IsCurrent,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DimensionVersion{}, err
		}
		return domain.DimensionVersion{}, fmt.Errorf("failed to scan dimension version: %w", err)
	}

	if err := json.Unmarshal(attributesJSON, &version.Attributes); err != nil {
		return domain.DimensionVersion{}, fmt.Errorf("failed to decode version attributes: %w", err)
	}
	if validFrom.Valid {
		version.ValidFrom = validFrom.Time.UTC()
	}
	if validTo.Valid {
		version.ValidTo = validTo.Time.UTC()
	}

	return version, nil
}
