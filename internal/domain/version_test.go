package domain

import (
	"errors"
	"testing"
	"time"
)

var versionTestKey = EntityKey{SourceID: "google", AccountID: "a1", EntityID: "e1"}

func versionDay(n int) time.Time {
	return time.Date(2024, time.January, n, 0, 0, 0, 0, time.UTC)
}

func validSet() []DimensionVersion {
	return []DimensionVersion{
		{
			Key:        versionTestKey,
			Attributes: map[string]string{"geo": "A"},
			ValidFrom:  versionDay(1),
			ValidTo:    versionDay(5),
		},
		{
			Key:        versionTestKey,
			Attributes: map[string]string{"geo": "B"},
			ValidFrom:  versionDay(5),
			ValidTo:    DefaultEndOfTime(),
			IsCurrent:  true,
		},
	}
}

func TestValidateVersionSetAcceptsValidHistory(t *testing.T) {
	if err := ValidateVersionSet(validSet(), DefaultEndOfTime(), 0, []string{"geo"}); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}
	if err := ValidateVersionSet(nil, DefaultEndOfTime(), 0, []string{"geo"}); err != nil {
		t.Fatalf("empty set rejected: %v", err)
	}
}

func TestValidateVersionSetRejectsGap(t *testing.T) {
	versions := validSet()
	versions[0].ValidTo = versionDay(4)

	err := ValidateVersionSet(versions, DefaultEndOfTime(), 0, []string{"geo"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation for gap, got %v", err)
	}
}

func TestValidateVersionSetRejectsOverlap(t *testing.T) {
	versions := validSet()
	versions[0].ValidTo = versionDay(6)

	err := ValidateVersionSet(versions, DefaultEndOfTime(), 0, []string{"geo"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation for overlap, got %v", err)
	}
}

func TestValidateVersionSetRejectsEmptyRange(t *testing.T) {
	versions := []DimensionVersion{{
		Key:        versionTestKey,
		Attributes: map[string]string{"geo": "A"},
		ValidFrom:  versionDay(3),
		ValidTo:    versionDay(3),
		IsCurrent:  true,
	}}

	err := ValidateVersionSet(versions, DefaultEndOfTime(), 0, []string{"geo"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation for empty range, got %v", err)
	}
}

func TestValidateVersionSetRejectsWrongCurrentCount(t *testing.T) {
	none := validSet()
	none[1].IsCurrent = false
	if err := ValidateVersionSet(none, DefaultEndOfTime(), 0, []string{"geo"}); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected violation when no version is current, got %v", err)
	}

	both := validSet()
	both[0].IsCurrent = true
	if err := ValidateVersionSet(both, DefaultEndOfTime(), 0, []string{"geo"}); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected violation when a non-last version is current, got %v", err)
	}
}

func TestValidateVersionSetRejectsCurrentNotAtSentinel(t *testing.T) {
	versions := validSet()
	versions[1].ValidTo = versionDay(30)

	err := ValidateVersionSet(versions, DefaultEndOfTime(), 0, []string{"geo"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected violation when current version does not end at sentinel, got %v", err)
	}
}

func TestValidateVersionSetRejectsRedundantAdjacentVersions(t *testing.T) {
	versions := validSet()
	versions[1].Attributes = map[string]string{"geo": "A"}

	err := ValidateVersionSet(versions, DefaultEndOfTime(), 0, []string{"geo"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected violation for identical adjacent versions, got %v", err)
	}
}

func TestValidateVersionSetHonorsCloseOffset(t *testing.T) {
	versions := validSet()
	versions[0].ValidTo = versionDay(5).Add(-time.Microsecond)

	if err := ValidateVersionSet(versions, DefaultEndOfTime(), time.Microsecond, []string{"geo"}); err != nil {
		t.Fatalf("offset-closed set rejected: %v", err)
	}
	if err := ValidateVersionSet(versions, DefaultEndOfTime(), 0, []string{"geo"}); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected violation without offset, got %v", err)
	}
}

func TestDimensionVersionContains(t *testing.T) {
	version := validSet()[0]

	if !version.Contains(versionDay(1)) {
		t.Fatalf("valid_from must be included")
	}
	if !version.Contains(versionDay(4)) {
		t.Fatalf("interior instant must be included")
	}
	if version.Contains(versionDay(5)) {
		t.Fatalf("valid_to must be excluded")
	}
	if version.Contains(versionDay(1).Add(-time.Second)) {
		t.Fatalf("instants before valid_from must be excluded")
	}
}

func TestSnapshotAttributeCoalescing(t *testing.T) {
	snap := Snapshot{Attributes: map[string]string{"geo": "US", "name": ""}}

	if snap.Attribute("geo") != "US" {
		t.Fatalf("set attribute not returned")
	}
	if snap.Attribute("name") != UnknownValue {
		t.Fatalf("empty attribute not coalesced")
	}
	if snap.Attribute("status") != UnknownValue {
		t.Fatalf("missing attribute not coalesced")
	}
}

func TestAttributesEqualComparesTrackedOnly(t *testing.T) {
	a := Snapshot{Attributes: map[string]string{"geo": "US", "budget": "100"}}
	b := Snapshot{Attributes: map[string]string{"geo": "US", "budget": "200"}}

	if !AttributesEqual(a, b, []string{"geo"}) {
		t.Fatalf("untracked attributes must not affect equality")
	}
	if AttributesEqual(a, b, []string{"geo", "budget"}) {
		t.Fatalf("tracked attribute difference must be detected")
	}
}

func TestDayTruncatesToMidnightUTC(t *testing.T) {
	in := time.Date(2024, time.June, 3, 17, 45, 12, 999, time.FixedZone("X", 3600))
	got := Day(in)
	if !got.Equal(time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected midnight UTC, got %s", got)
	}
}
