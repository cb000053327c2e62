package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMode selects how a merge run treats previously persisted fact rows. It
// is always an explicit input; the engine never infers it from the state of
// existing output tables.
type RunMode string

const (
	// RunModeFull re-resolves every persisted fact row for each touched key.
	RunModeFull RunMode = "full"
	// RunModeIncremental re-admits only fact rows dated within the lookback
	// window; older rows are treated as closed.
	RunModeIncremental RunMode = "incremental"
)

// ParseRunMode validates a run mode string.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case RunModeFull:
		return RunModeFull, nil
	case RunModeIncremental:
		return RunModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// Batch is the normalized input of one merge run.
type Batch struct {
	Snapshots []Snapshot          `json:"snapshots"`
	Facts     []MetricObservation `json:"facts"`

	// Structural rejections and recoverable warnings collected while the
	// batch was normalized; carried into the run summary.
	RejectedSnapshots int      `json:"rejected_snapshots"`
	RejectedFacts     int      `json:"rejected_facts"`
	Warnings          []string `json:"warnings,omitempty"`
}

// KeyFailure identifies a key whose merge was refused, typically because the
// rebuilt version set violated an invariant.
type KeyFailure struct {
	Key    EntityKey `json:"key"`
	Reason string    `json:"reason"`
}

// RunSummary is the per-run outcome exposed to operators and persisted by the
// run log repository.
type RunSummary struct {
	RunID       uuid.UUID `json:"run_id"`
	Mode        RunMode   `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	KeysTouched   int          `json:"keys_touched"`
	KeysSucceeded int          `json:"keys_succeeded"`
	KeysFailed    []KeyFailure `json:"keys_failed,omitempty"`

	SnapshotsIn       int `json:"snapshots_in"`
	RejectedSnapshots int `json:"rejected_snapshots"`
	FactsIn           int `json:"facts_in"`
	RejectedFacts     int `json:"rejected_facts"`

	VersionsWritten int `json:"versions_written"`
	FactsMerged     int `json:"facts_merged"`
	ResolvedWritten int `json:"resolved_written"`
	UnmatchedFacts  int `json:"unmatched_facts"`

	Warnings []string `json:"warnings,omitempty"`
}
