package ingest

import "log/slog"

// Status describes what the run is doing when a progress event fires.
type Status string

const (
	StatusValidating   Status = "validating"
	StatusExtracting   Status = "extracting"
	StatusTransforming Status = "transforming"
	StatusLoading      Status = "loading"
	StatusFinalizing   Status = "finalizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// ProgressEvent is delivered to registered callbacks on every phase
// transition and at sub-phase milestones (extraction wave completed, batch
// committed).
type ProgressEvent struct {
	Status  Status
	Percent float64 // 0–100
	Message string
	Detail  map[string]any // optional milestone payload
}

// LogValue implements slog.LogValuer for structured logging.
func (e ProgressEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("status", string(e.Status)),
		slog.Float64("percent", e.Percent),
		slog.String("message", e.Message),
	)
}

// ProgressFunc receives progress events. Callbacks run synchronously on the
// run's goroutine in registration order: a slow callback delays the run but
// never fails it, and callbacks must not block indefinitely.
type ProgressFunc func(ProgressEvent)

// emitter fans one event out to every registered callback, in order.
// Registration happens before Run; emission is single-goroutine, so no
// locking is needed.
type emitter struct {
	callbacks []ProgressFunc
}

func (em *emitter) register(fn ProgressFunc) {
	if fn != nil {
		em.callbacks = append(em.callbacks, fn)
	}
}

func (em *emitter) emit(ev ProgressEvent) {
	if ev.Percent < 0 {
		ev.Percent = 0
	}
	if ev.Percent > 100 {
		ev.Percent = 100
	}
	for _, fn := range em.callbacks {
		fn(ev)
	}
}
