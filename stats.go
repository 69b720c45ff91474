package ingest

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PhaseStats counts outcomes for one pipeline phase with thread-safe access.
// Counters are monotonically non-decreasing within a run; they are advanced
// only at single-threaded merge points (after a wave or batch resolves),
// never inside concurrent task bodies.
type PhaseStats struct {
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Total returns the number of items seen by the phase.
func (s *PhaseStats) Total() int64 { return s.total.Load() }

// Succeeded returns the number of items the phase completed.
func (s *PhaseStats) Succeeded() int64 { return s.succeeded.Load() }

// Failed returns the number of items the phase could not complete.
func (s *PhaseStats) Failed() int64 { return s.failed.Load() }

func (s *PhaseStats) add(total, succeeded, failed int64) {
	s.total.Add(total)
	s.succeeded.Add(succeeded)
	s.failed.Add(failed)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *PhaseStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("total", s.Total()),
		slog.Int64("succeeded", s.Succeeded()),
		slog.Int64("failed", s.Failed()),
	)
}

// phaseStatsJSON keeps the upstream report keys for external consumers.
type phaseStatsJSON struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"sucessos"`
	Failed    int64 `json:"falhas"`
}

// MarshalJSON implements json.Marshaler.
func (s *PhaseStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(phaseStatsJSON{
		Total:     s.total.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *PhaseStats) UnmarshalJSON(data []byte) error {
	var v phaseStatsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s.total.Store(v.Total)
	s.succeeded.Store(v.Succeeded)
	s.failed.Store(v.Failed)
	return nil
}

// RunStats is the run-scoped processing context: per-phase counters, phase
// durations and warnings accumulated across one pipeline run. It is owned
// exclusively by one run, never shared across concurrent runs, and frozen
// when the run finalizes.
type RunStats struct {
	RunID     string
	StartedAt time.Time

	Extraction PhaseStats
	Transform  PhaseStats
	Load       PhaseStats

	mu         sync.Mutex
	finishedAt time.Time
	durations  map[Phase]time.Duration
	warnings   []string
}

func newRunStats() *RunStats {
	return &RunStats{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		durations: make(map[Phase]time.Duration),
	}
}

// Warn records a non-fatal warning for the final report.
func (s *RunStats) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// Warnings returns a copy of the accumulated warnings.
func (s *RunStats) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// PhaseDuration returns the recorded wall-clock duration of a phase.
func (s *RunStats) PhaseDuration(p Phase) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durations[p]
}

func (s *RunStats) recordDuration(p Phase, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations[p] = d
}

func (s *RunStats) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishedAt.IsZero() {
		s.finishedAt = time.Now()
	}
}

// Elapsed returns total run wall-clock time: live while the run is in
// flight, frozen once the run finalizes.
func (s *RunStats) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.finishedAt.Sub(s.StartedAt)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *RunStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.Any("extracao", &s.Extraction),
		slog.Any("transformacao", &s.Transform),
		slog.Any("carregamento", &s.Load),
		slog.Duration("elapsed", s.Elapsed()),
	)
}
