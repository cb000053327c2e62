package domain

import "time"

// UnknownValue replaces unset tracked attributes during normalization so that
// change detection never compares nulls. Null-vs-null equality is not stable
// across storage engines and would silently suppress or fabricate version
// boundaries.
const UnknownValue = "unknown"

// Snapshot is one canonical attribute observation for an entity: the tracked
// attribute state that became true at EffectiveAt.
//
// Seq is the position of the row within its batch. It breaks ties between
// snapshots for the same key sharing an effective timestamp: the snapshot
// with the highest Seq at an instant defines the state at that instant.
// Synthetic snapshots derived from persisted versions carry negative Seq so
// that replayed batch rows win the tie the same way they did on first merge.
type Snapshot struct {
	Key         EntityKey         `json:"key"`
	Attributes  map[string]string `json:"attributes"`
	EffectiveAt time.Time         `json:"effective_at"`
	Seq         int64             `json:"-"`
}

// Attribute returns the tracked attribute value, coalescing unset or empty
// values to UnknownValue.
func (s Snapshot) Attribute(name string) string {
	if v, ok := s.Attributes[name]; ok && v != "" {
		return v
	}
	return UnknownValue
}

// AttributesEqual compares two snapshots over the given tracked attribute
// names only. The unknown sentinel participates as a normal value.
func AttributesEqual(a, b Snapshot, tracked []string) bool {
	for _, name := range tracked {
		if a.Attribute(name) != b.Attribute(name) {
			return false
		}
	}
	return true
}

// PartitionSnapshotsByKey groups snapshots by natural key, preserving the
// input order within each partition.
func PartitionSnapshotsByKey(snapshots []Snapshot) map[EntityKey][]Snapshot {
	partitions := make(map[EntityKey][]Snapshot)
	for _, snap := range snapshots {
		partitions[snap.Key] = append(partitions[snap.Key], snap)
	}
	return partitions
}
