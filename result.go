package ingest

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Report is the final structured result of one pipeline run. Every run
// produces one — degraded runs report non-zero Failed instead of erroring,
// and even a fatal run yields a best-effort report whose Failed covers
// everything not persisted.
type Report struct {
	RunID string
	State State

	// Succeeded and Failed count persisted and unpersisted documents
	// (records processed, for dry runs).
	Succeeded int
	Failed    int

	Warnings []string

	Duration          time.Duration
	ExtractDuration   time.Duration
	TransformDuration time.Duration
	LoadDuration      time.Duration

	// Destination names the target the run wrote to, for reporting.
	Destination string

	// Details carries run diagnostics: integrity score, duplicate counts,
	// skipped entities, writer metrics, transport split, error context.
	Details map[string]any
}

// reportJSON keeps the upstream report keys so existing reporting consumers
// of the mirrored system keep working. Durations are in milliseconds on the
// wire.
type reportJSON struct {
	RunID             string         `json:"runId"`
	Status            State          `json:"status"`
	Succeeded         int            `json:"sucessos"`
	Failed            int            `json:"falhas"`
	Warnings          []string       `json:"avisos"`
	Duration          int64          `json:"tempoProcessamento"`
	ExtractDuration   int64          `json:"tempoExtracao"`
	TransformDuration int64          `json:"tempoTransformacao"`
	LoadDuration      int64          `json:"tempoCarregamento"`
	Destination       string         `json:"destino"`
	Details           map[string]any `json:"detalhes,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		RunID:             r.RunID,
		Status:            r.State,
		Succeeded:         r.Succeeded,
		Failed:            r.Failed,
		Warnings:          r.Warnings,
		Duration:          r.Duration.Milliseconds(),
		ExtractDuration:   r.ExtractDuration.Milliseconds(),
		TransformDuration: r.TransformDuration.Milliseconds(),
		LoadDuration:      r.LoadDuration.Milliseconds(),
		Destination:       r.Destination,
		Details:           r.Details,
	})
}

// LogValue implements slog.LogValuer for structured logging.
func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", r.RunID),
		slog.String("status", string(r.State)),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
		slog.Int("warnings", len(r.Warnings)),
		slog.Duration("duration", r.Duration),
	)
}
