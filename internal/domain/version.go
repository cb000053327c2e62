package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvariantViolation marks a version set that must not be committed:
// publishing it would silently corrupt historical reporting for the key.
var ErrInvariantViolation = errors.New("version set invariant violation")

// DefaultEndOfTime is the sentinel valid_to of the current version per key.
func DefaultEndOfTime() time.Time {
	return time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
}

// DimensionVersion is one distinct attribute state of an entity, valid over
// the half-open range [ValidFrom, ValidTo). For a fixed key the versions
// partition [first_seen, end-of-time) with no gaps and no overlaps, and
// exactly one version is current.
type DimensionVersion struct {
	ID         uuid.UUID         `json:"id"`
	Key        EntityKey         `json:"key"`
	Attributes map[string]string `json:"attributes"`
	ValidFrom  time.Time         `json:"valid_from"`
	ValidTo    time.Time         `json:"valid_to"`
	IsCurrent  bool              `json:"is_current"`
}

// Attribute returns the tracked attribute value, coalescing unset values to
// UnknownValue, mirroring Snapshot.Attribute.
func (v DimensionVersion) Attribute(name string) string {
	if value, ok := v.Attributes[name]; ok && value != "" {
		return value
	}
	return UnknownValue
}

// Contains reports whether the validity range covers the given instant.
func (v DimensionVersion) Contains(at time.Time) bool {
	return !at.Before(v.ValidFrom) && at.Before(v.ValidTo)
}

// ValidateVersionSet checks every invariant a key's version set must hold
// before it may be committed: strict valid_from ordering, contiguous ranges
// (up to the configured closing offset), a single current version closed by
// the end-of-time sentinel, and change-point minimality over the tracked
// attributes. An empty set is valid.
func ValidateVersionSet(versions []DimensionVersion, endOfTime time.Time, closeOffset time.Duration, tracked []string) error {
	if len(versions) == 0 {
		return nil
	}

	currentCount := 0
	for i, version := range versions {
		if version.IsCurrent {
			currentCount++
			if i != len(versions)-1 {
				return fmt.Errorf("%w: version %d of %s is current but has a successor", ErrInvariantViolation, i, version.Key)
			}
			if !version.ValidTo.Equal(endOfTime) {
				return fmt.Errorf("%w: current version of %s does not end at the end-of-time sentinel", ErrInvariantViolation, version.Key)
			}
		}

		if !version.ValidFrom.Before(version.ValidTo) {
			return fmt.Errorf("%w: version %d of %s has empty or inverted range", ErrInvariantViolation, i, version.Key)
		}

		if i == 0 {
			continue
		}

		prev := versions[i-1]
		if !version.ValidFrom.After(prev.ValidFrom) {
			return fmt.Errorf("%w: versions %d and %d of %s are not strictly ordered by valid_from", ErrInvariantViolation, i-1, i, version.Key)
		}
		if !prev.ValidTo.Add(closeOffset).Equal(version.ValidFrom) {
			return fmt.Errorf("%w: versions %d and %d of %s leave a gap or overlap", ErrInvariantViolation, i-1, i, version.Key)
		}
		if versionAttributesEqual(prev, version, tracked) {
			return fmt.Errorf("%w: adjacent versions %d and %d of %s have identical tracked attributes", ErrInvariantViolation, i-1, i, version.Key)
		}
	}

	if currentCount != 1 {
		return fmt.Errorf("%w: %s has %d current versions, want exactly 1", ErrInvariantViolation, versions[0].Key, currentCount)
	}

	return nil
}

func versionAttributesEqual(a, b DimensionVersion, tracked []string) bool {
	for _, name := range tracked {
		if a.Attribute(name) != b.Attribute(name) {
			return false
		}
	}
	return true
}
