package domain

import (
	"time"

	"github.com/google/uuid"
)

// MetricObservation is one immutable fact row: the metric values reported for
// an entity on one calendar day, together with the attribution window the
// source natively credits conversions over.
type MetricObservation struct {
	Key              EntityKey          `json:"key"`
	Date             time.Time          `json:"date"`
	Metrics          map[string]float64 `json:"metrics"`
	NativeWindowDays int                `json:"native_attribution_window_days"`
}

// Day truncates an instant to midnight UTC, the granularity fact rows are
// keyed on.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ResolvedFactRow is a MetricObservation joined to the dimension version that
// was valid on its date. The version's attributes are copied in so the row
// stays meaningful after a later re-merge rewrites the key's version set.
type ResolvedFactRow struct {
	Key               EntityKey          `json:"key"`
	Date              time.Time          `json:"date"`
	VersionID         uuid.UUID          `json:"version_id"`
	Attributes        map[string]string  `json:"attributes"`
	Metrics           map[string]float64 `json:"metrics"`
	NormalizedMetrics map[string]float64 `json:"normalized_metrics"`
	AttributionMethod string             `json:"attribution_method"`
}

// PartitionFactsByKey groups observations by natural key, preserving input
// order within each partition.
func PartitionFactsByKey(facts []MetricObservation) map[EntityKey][]MetricObservation {
	partitions := make(map[EntityKey][]MetricObservation)
	for _, fact := range facts {
		partitions[fact.Key] = append(partitions[fact.Key], fact)
	}
	return partitions
}
