// Package resolve joins metric observations to the dimension version that
// was valid on each observation's date.
package resolve

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/adlineage/internal/domain"
	"github.com/rpattn/adlineage/internal/normalize"
)

// ErrNoMatchingVersion is the documented unmatched state for dates no version
// covers: before a key's first_seen, or inside a closing gap when a nonzero
// close offset is configured. The resolver never silently picks a neighbor.
var ErrNoMatchingVersion = errors.New("no dimension version valid on date")

// VersionAt returns the version whose validity range contains the given
// instant. Versions must be sorted by valid_from, as the builder emits them:
// the lookup is a binary search for the last valid_from at or before the
// instant, followed by a containment check so instants falling between a
// version's valid_to and its successor's valid_from stay unmatched.
func VersionAt(versions []domain.DimensionVersion, at time.Time) (domain.DimensionVersion, error) {
	idx := sort.Search(len(versions), func(i int) bool {
		return versions[i].ValidFrom.After(at)
	}) - 1
	if idx < 0 || !versions[idx].Contains(at) {
		return domain.DimensionVersion{}, ErrNoMatchingVersion
	}
	return versions[idx], nil
}

// Resolver produces attribute-enriched fact rows, rescaling conversion
// metrics to the canonical attribution window along the way.
type Resolver struct {
	windows *normalize.WindowNormalizer
}

// NewResolver creates a resolver using the given window normalizer.
func NewResolver(windows *normalize.WindowNormalizer) *Resolver {
	return &Resolver{windows: windows}
}

// Resolve joins each observation to the version valid on its date and
// returns the resolved rows ordered by date, the observations that predate
// the key's first version, and any normalization warnings.
func (r *Resolver) Resolve(versions []domain.DimensionVersion, facts []domain.MetricObservation) ([]domain.ResolvedFactRow, []domain.MetricObservation, []string) {
	if len(facts) == 0 {
		return nil, nil, nil
	}

	ordered := append([]domain.MetricObservation(nil), facts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})

	resolved := make([]domain.ResolvedFactRow, 0, len(ordered))
	var unmatched []domain.MetricObservation
	var warnings []string

	for _, fact := range ordered {
		version, err := VersionAt(versions, fact.Date)
		if err != nil {
			unmatched = append(unmatched, fact)
			warnings = append(warnings, fmt.Sprintf("fact for %s dated %s has no version valid on its date", fact.Key, fact.Date.Format("2006-01-02")))
			continue
		}

		normalized, normWarnings := r.windows.NormalizeMetrics(fact.Key.SourceID, fact.NativeWindowDays, fact.Metrics)
		warnings = append(warnings, normWarnings...)

		resolved = append(resolved, domain.ResolvedFactRow{
			Key:               fact.Key,
			Date:              fact.Date,
			VersionID:         version.ID,
			Attributes:        version.Attributes,
			Metrics:           fact.Metrics,
			NormalizedMetrics: normalized,
			AttributionMethod: normalize.AttributionMethod,
		})
	}

	return resolved, unmatched, warnings
}
