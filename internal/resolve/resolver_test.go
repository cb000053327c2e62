package resolve

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/adlineage/internal/domain"
	"github.com/rpattn/adlineage/internal/normalize"
)

var testKey = domain.EntityKey{SourceID: "google", AccountID: "acct-1", EntityID: "cmp-1"}

func day(n int) time.Time {
	return time.Date(2024, time.January, n, 0, 0, 0, 0, time.UTC)
}

func testVersions() []domain.DimensionVersion {
	return []domain.DimensionVersion{
		{
			ID:         uuid.MustParse("11111111-1111-1111-1111-111111111111"),
			Key:        testKey,
			Attributes: map[string]string{"geo": "A"},
			ValidFrom:  day(1),
			ValidTo:    day(5),
		},
		{
			ID:         uuid.MustParse("22222222-2222-2222-2222-222222222222"),
			Key:        testKey,
			Attributes: map[string]string{"geo": "B"},
			ValidFrom:  day(5),
			ValidTo:    domain.DefaultEndOfTime(),
			IsCurrent:  true,
		},
	}
}

func TestVersionAt(t *testing.T) {
	versions := testVersions()

	cases := []struct {
		at   time.Time
		geo  string
		errs bool
	}{
		{at: day(1), geo: "A"},
		{at: day(3), geo: "A"},
		{at: day(5), geo: "B"},
		{at: day(7), geo: "B"},
		{at: day(1).Add(-time.Hour), errs: true},
	}

	for _, tc := range cases {
		version, err := VersionAt(versions, tc.at)
		if tc.errs {
			if err != ErrNoMatchingVersion {
				t.Fatalf("expected ErrNoMatchingVersion at %s, got %v", tc.at, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error at %s: %v", tc.at, err)
		}
		if version.Attributes["geo"] != tc.geo {
			t.Fatalf("expected geo=%s at %s, got %s", tc.geo, tc.at, version.Attributes["geo"])
		}
	}
}

func TestVersionAtClosingGapIsUnmatched(t *testing.T) {
	// A nonzero close offset leaves [valid_to, next valid_from) uncovered;
	// instants in that gap must not resolve to the stale predecessor.
	versions := []domain.DimensionVersion{
		{
			ID:         uuid.MustParse("11111111-1111-1111-1111-111111111111"),
			Key:        testKey,
			Attributes: map[string]string{"geo": "A"},
			ValidFrom:  day(1),
			ValidTo:    day(3),
		},
		{
			ID:         uuid.MustParse("22222222-2222-2222-2222-222222222222"),
			Key:        testKey,
			Attributes: map[string]string{"geo": "B"},
			ValidFrom:  day(5),
			ValidTo:    domain.DefaultEndOfTime(),
			IsCurrent:  true,
		},
	}

	if _, err := VersionAt(versions, day(4)); err != ErrNoMatchingVersion {
		t.Fatalf("expected ErrNoMatchingVersion inside the closing gap, got %v", err)
	}
	if _, err := VersionAt(versions, day(3)); err != ErrNoMatchingVersion {
		t.Fatalf("expected ErrNoMatchingVersion at the excluded valid_to, got %v", err)
	}

	version, err := VersionAt(versions, day(2))
	if err != nil {
		t.Fatalf("unexpected error before the gap: %v", err)
	}
	if version.Attributes["geo"] != "A" {
		t.Fatalf("expected geo=A before the gap, got %s", version.Attributes["geo"])
	}
	version, err = VersionAt(versions, day(5))
	if err != nil {
		t.Fatalf("unexpected error after the gap: %v", err)
	}
	if version.Attributes["geo"] != "B" {
		t.Fatalf("expected geo=B after the gap, got %s", version.Attributes["geo"])
	}
}

func newTestResolver() *Resolver {
	return NewResolver(normalize.NewWindowNormalizer(normalize.WindowConfig{
		CanonicalDays:     7,
		PerSourceDays:     map[string]int{"google": 30},
		ConversionMetrics: []string{"conversions"},
	}))
}

func TestResolveJoinsPointInTime(t *testing.T) {
	resolver := newTestResolver()
	versions := testVersions()

	resolved, unmatched, _ := resolver.Resolve(versions, []domain.MetricObservation{
		{Key: testKey, Date: day(7), Metrics: map[string]float64{"spend": 10}},
		{Key: testKey, Date: day(3), Metrics: map[string]float64{"spend": 5}},
	})

	if len(unmatched) != 0 {
		t.Fatalf("expected no unmatched facts, got %d", len(unmatched))
	}
	if len(resolved) != 2 {
		t.Fatalf("expected 2 resolved rows, got %d", len(resolved))
	}
	if !resolved[0].Date.Equal(day(3)) {
		t.Fatalf("expected resolved rows ordered by date, got first %s", resolved[0].Date)
	}
	if resolved[0].Attributes["geo"] != "A" {
		t.Fatalf("day 3 fact should resolve to geo=A, got %s", resolved[0].Attributes["geo"])
	}
	if resolved[1].Attributes["geo"] != "B" {
		t.Fatalf("day 7 fact should resolve to geo=B, got %s", resolved[1].Attributes["geo"])
	}
	if resolved[0].VersionID != versions[0].ID || resolved[1].VersionID != versions[1].ID {
		t.Fatalf("resolved rows reference wrong version IDs")
	}
}

func TestResolveBeforeFirstSeenIsUnmatched(t *testing.T) {
	resolver := newTestResolver()

	resolved, unmatched, warnings := resolver.Resolve(testVersions(), []domain.MetricObservation{
		{Key: testKey, Date: day(1).AddDate(0, 0, -3), Metrics: map[string]float64{"spend": 1}},
	})

	if len(resolved) != 0 {
		t.Fatalf("expected no resolved rows, got %d", len(resolved))
	}
	if len(unmatched) != 1 {
		t.Fatalf("expected 1 unmatched fact, got %d", len(unmatched))
	}
	if len(warnings) != 1 {
		t.Fatalf("expected a warning for the unmatched fact, got %v", warnings)
	}
}

func TestResolveRescalesConversions(t *testing.T) {
	resolver := newTestResolver()

	resolved, _, _ := resolver.Resolve(testVersions(), []domain.MetricObservation{
		{Key: testKey, Date: day(3), Metrics: map[string]float64{"conversions": 100, "spend": 50}},
	})

	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved row, got %d", len(resolved))
	}
	row := resolved[0]
	if row.Metrics["conversions"] != 100 {
		t.Fatalf("raw metrics must be preserved, got %v", row.Metrics["conversions"])
	}
	if got := row.NormalizedMetrics["conversions"]; math.Abs(got-23.333333) > 1e-9 {
		t.Fatalf("expected conversions rescaled to 23.333333, got %v", got)
	}
	if row.NormalizedMetrics["spend"] != 50 {
		t.Fatalf("non-conversion metrics must pass through, got %v", row.NormalizedMetrics["spend"])
	}
	if row.AttributionMethod != normalize.AttributionMethod {
		t.Fatalf("unexpected attribution method %q", row.AttributionMethod)
	}
}

func TestResolveEmptyFacts(t *testing.T) {
	resolved, unmatched, warnings := newTestResolver().Resolve(testVersions(), nil)
	if resolved != nil || unmatched != nil || warnings != nil {
		t.Fatalf("expected nil results for empty input")
	}
}
