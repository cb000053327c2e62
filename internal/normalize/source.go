package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/adlineage/internal/domain"
)

var (
	// ErrMissingKey marks a row whose natural key is incomplete.
	ErrMissingKey = errors.New("missing natural key component")
	// ErrMissingTimestamp marks a snapshot row without an effective timestamp.
	ErrMissingTimestamp = errors.New("missing effective timestamp")
	// ErrMissingDate marks a metric row without an observation date.
	ErrMissingDate = errors.New("missing observation date")
)

// RawSnapshotRow is an attribute snapshot as handed over by the ingestion
// collaborator, before sentinel coalescing and key validation.
type RawSnapshotRow struct {
	SourceID    string            `json:"source_id"`
	AccountID   string            `json:"account_id"`
	EntityID    string            `json:"entity_id"`
	Attributes  map[string]string `json:"tracked_attributes"`
	EffectiveAt time.Time         `json:"effective_timestamp"`
}

// RawMetricRow is a daily metric observation as handed over by the ingestion
// collaborator.
type RawMetricRow struct {
	SourceID         string             `json:"source_id"`
	AccountID        string             `json:"account_id"`
	EntityID         string             `json:"entity_id"`
	Date             time.Time          `json:"date"`
	Metrics          map[string]float64 `json:"metrics"`
	NativeWindowDays int                `json:"native_attribution_window_days"`
}

// RowError ties a structural rejection to the offending row's position in
// the batch. Structural errors reject the row, never the batch.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// SourceNormalizer maps per-source snapshot and metric rows into the
// canonical schema. Unset tracked attributes are coalesced to the unknown
// sentinel so change detection never compares nulls.
type SourceNormalizer struct {
	tracked []string
}

// NewSourceNormalizer creates a normalizer for the given ordered tracked
// attribute list.
func NewSourceNormalizer(tracked []string) *SourceNormalizer {
	return &SourceNormalizer{tracked: append([]string(nil), tracked...)}
}

// NormalizeSnapshots converts a source batch into canonical snapshots,
// assigning each row its batch sequence for deterministic tie-breaking.
// Rows with a missing key or effective timestamp are rejected individually.
func (n *SourceNormalizer) NormalizeSnapshots(sourceID string, rows []RawSnapshotRow) ([]domain.Snapshot, []RowError) {
	snapshots := make([]domain.Snapshot, 0, len(rows))
	var rejected []RowError

	for i, row := range rows {
		key := domain.EntityKey{
			SourceID:  coalesce(row.SourceID, sourceID),
			AccountID: row.AccountID,
			EntityID:  row.EntityID,
		}
		if !key.Valid() {
			rejected = append(rejected, RowError{Row: i, Err: ErrMissingKey})
			continue
		}
		if row.EffectiveAt.IsZero() {
			rejected = append(rejected, RowError{Row: i, Err: ErrMissingTimestamp})
			continue
		}

		attributes := make(map[string]string, len(n.tracked))
		for _, name := range n.tracked {
			if v, ok := row.Attributes[name]; ok && v != "" {
				attributes[name] = v
			} else {
				attributes[name] = domain.UnknownValue
			}
		}

		snapshots = append(snapshots, domain.Snapshot{
			Key:         key,
			Attributes:  attributes,
			EffectiveAt: row.EffectiveAt.UTC(),
			Seq:         int64(len(snapshots)),
		})
	}

	return snapshots, rejected
}

// NormalizeFacts converts a source batch into canonical metric observations.
// Negative metric values are a data-quality condition, not a structural one:
// the row is kept and a warning is returned.
func (n *SourceNormalizer) NormalizeFacts(sourceID string, rows []RawMetricRow) ([]domain.MetricObservation, []RowError, []string) {
	facts := make([]domain.MetricObservation, 0, len(rows))
	var rejected []RowError
	var warnings []string

	for i, row := range rows {
		key := domain.EntityKey{
			SourceID:  coalesce(row.SourceID, sourceID),
			AccountID: row.AccountID,
			EntityID:  row.EntityID,
		}
		if !key.Valid() {
			rejected = append(rejected, RowError{Row: i, Err: ErrMissingKey})
			continue
		}
		if row.Date.IsZero() {
			rejected = append(rejected, RowError{Row: i, Err: ErrMissingDate})
			continue
		}

		metrics := make(map[string]float64, len(row.Metrics))
		for name, value := range row.Metrics {
			if value < 0 {
				warnings = append(warnings, fmt.Sprintf("row %d: metric %s for %s is negative (%v)", i, name, key, value))
			}
			metrics[name] = value
		}

		facts = append(facts, domain.MetricObservation{
			Key:              key,
			Date:             domain.Day(row.Date),
			Metrics:          metrics,
			NativeWindowDays: row.NativeWindowDays,
		})
	}

	return facts, rejected, warnings
}

func coalesce(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
