package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/adlineage/internal/domain"
	"github.com/rpattn/adlineage/internal/merge"
	"github.com/rpattn/adlineage/internal/normalize"
	"github.com/rpattn/adlineage/internal/repository"
)

// BatchRequest is one batch of canonical rows from the ingestion
// collaborator, posted as JSON.
type BatchRequest struct {
	SourceID  string                     `json:"source_id"`
	Mode      string                     `json:"mode,omitempty"`
	Snapshots []normalize.RawSnapshotRow `json:"snapshots"`
	Facts     []normalize.RawMetricRow   `json:"facts"`
}

// BatchHandler accepts posted batches and runs the merge engine on them.
type BatchHandler struct {
	engine     *merge.Engine
	normalizer *normalize.SourceNormalizer
	defaults   merge.Config
}

// NewBatchHandler wraps the engine with a POST endpoint. The config supplies
// the default run mode and lookback for batches that do not override them.
func NewBatchHandler(engine *merge.Engine, normalizer *normalize.SourceNormalizer, defaults merge.Config) http.Handler {
	return &BatchHandler{engine: engine, normalizer: normalizer, defaults: defaults}
}

func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BatchRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid batch payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SourceID) == "" {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}

	cfg := h.defaults
	if req.Mode != "" {
		mode, err := domain.ParseRunMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg.Mode = mode
	}

	batch := NormalizeBatch(h.normalizer, req.SourceID, req.Snapshots, req.Facts)
	summary, err := h.engine.Run(r.Context(), batch, cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// NormalizeBatch runs the source normalizer over raw rows and folds the
// structural rejections and warnings into the batch.
func NormalizeBatch(normalizer *normalize.SourceNormalizer, sourceID string, snapshots []normalize.RawSnapshotRow, facts []normalize.RawMetricRow) domain.Batch {
	canonical, rejectedSnapshots := normalizer.NormalizeSnapshots(sourceID, snapshots)
	observations, rejectedFacts, warnings := normalizer.NormalizeFacts(sourceID, facts)

	batch := domain.Batch{
		Snapshots:         canonical,
		Facts:             observations,
		RejectedSnapshots: len(rejectedSnapshots),
		RejectedFacts:     len(rejectedFacts),
		Warnings:          warnings,
	}
	for _, rowErr := range rejectedSnapshots {
		batch.Warnings = append(batch.Warnings, "rejected snapshot "+rowErr.Error())
	}
	for _, rowErr := range rejectedFacts {
		batch.Warnings = append(batch.Warnings, "rejected fact "+rowErr.Error())
	}
	return batch
}

// RunsHandler lists recorded run summaries, most recent first.
type RunsHandler struct {
	runs repository.RunLogRepository
}

// NewRunsHandler wraps the run log with a GET endpoint.
func NewRunsHandler(runs repository.RunLogRepository) http.Handler {
	return &RunsHandler{runs: runs}
}

func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	summaries, err := h.runs.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
