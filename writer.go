package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"
)

// outcomeWindow is how many recent batch outcomes feed the rolling success
// rate.
const outcomeWindow = 20

// WriterMetrics is a snapshot of the bulk write engine's adaptive state.
type WriterMetrics struct {
	CurrentBatchSize   int
	CurrentConcurrency int
	SuccessfulBatches  int
	FailedBatches      int
	AdaptationCount    int
	DocsPerSecond      float64
}

// LogValue implements slog.LogValuer for structured logging.
func (m WriterMetrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("batch_size", m.CurrentBatchSize),
		slog.Int("concurrency", m.CurrentConcurrency),
		slog.Int("successful_batches", m.SuccessfulBatches),
		slog.Int("failed_batches", m.FailedBatches),
		slog.Int("adaptations", m.AdaptationCount),
		slog.Float64("docs_per_second", m.DocsPerSecond),
	)
}

// batchOutcome is what one resolved batch reports back to the tuner.
type batchOutcome struct {
	ok      bool
	timeout bool
	latency time.Duration
	written int       // documents persisted before any error
	pending []WriteOp // operations left unwritten by a failed batch
}

// tunerState is the pure adaptation state machine: (state, outcome) -> state.
// It has no clock and no network dependency, so the control loop is
// unit-testable in isolation.
type tunerState struct {
	size    int
	minSize int
	maxSize int

	conc        int
	maxConc     int
	consecFails int
	window      []bool
	adaptations int
}

func newTuner(minSize, initial, maxSize, conc int) tunerState {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	initial = max(minSize, min(initial, maxSize))
	if conc < 1 {
		conc = 1
	}
	return tunerState{
		size:    initial,
		minSize: minSize,
		maxSize: maxSize,
		conc:    conc,
		maxConc: conc,
	}
}

// observe folds one batch outcome into the state. Shrink is aggressive
// (x0.7 on failure or latency above 80% of budget); growth is gentle (x1.1,
// and only on fast success with the rolling success rate above target), so
// the size settles instead of oscillating. The result always satisfies
// minSize <= size <= maxSize.
func (s tunerState) observe(o batchOutcome, budget time.Duration, targetRate float64) tunerState {
	s.window = append(s.window, o.ok)
	if len(s.window) > outcomeWindow {
		s.window = s.window[len(s.window)-outcomeWindow:]
	}

	prevSize, prevConc := s.size, s.conc

	switch {
	case !o.ok || o.latency > budget*8/10:
		s.size = max(int(math.Floor(float64(s.size)*0.7)), s.minSize)
	case o.latency < budget*3/10 && s.successRate() > targetRate:
		s.size = min(int(math.Floor(float64(s.size)*1.1)), s.maxSize)
	}

	if !o.ok {
		s.consecFails++
		if s.consecFails >= 2 && s.conc > 1 {
			s.conc--
		}
	} else {
		s.consecFails = 0
		if s.conc < s.maxConc && s.successRate() > targetRate {
			s.conc++
		}
	}

	if s.size != prevSize || s.conc != prevConc {
		s.adaptations++
	}
	return s
}

func (s tunerState) successRate() float64 {
	if len(s.window) == 0 {
		return 1
	}
	ok := 0
	for _, v := range s.window {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(s.window))
}

// CommitResult is the outcome of one Commit call.
type CommitResult struct {
	Succeeded      int     `json:"sucessos"`
	Failed         int     `json:"falhas"`
	DocsPerSecond  float64 `json:"docsPorSegundo"`
	PrimaryWrites  int     `json:"escritasPrimarias"`
	FallbackWrites int     `json:"escritasFallback"`
}

// BulkWriter accumulates write operations and commits them in adaptively
// sized batches with a bounded number of batches in flight. Oversized
// aggregate documents are sharded before enqueue; systemic primary-transport
// timeouts switch the remainder of the run to a secondary single-document
// transport.
//
// A BulkWriter is run-scoped and not safe for concurrent use; enqueue from
// one goroutine and call Commit once the queue is complete. Commit may be
// called repeatedly as operations accumulate — the fallback switch, metrics
// and tuner state carry across calls within the run.
type BulkWriter struct {
	store    DocumentStore
	fallback SingleWriter
	log      *slog.Logger

	batchTimeout   time.Duration
	targetRate     float64
	fallbackAfter  int
	shardThreshold int
	shardPlan      *ShardPlan

	// batchDone is the sub-phase milestone hook wired by the pipeline.
	batchDone func(written, failed int)

	mu             sync.Mutex
	queue          []WriteOp
	tuner          tunerState
	successBatches int
	failedBatches  int
	timeoutStreak  int
	fallbackActive bool
	lastRate       float64
}

// NewBulkWriter creates a bulk write engine over the primary document store
// with default tuning.
func NewBulkWriter(store DocumentStore) *BulkWriter {
	return &BulkWriter{
		store:          store,
		log:            slog.Default(),
		batchTimeout:   DefaultBatchTimeout,
		targetRate:     DefaultTargetSuccessRate,
		fallbackAfter:  DefaultFallbackAfter,
		shardThreshold: DefaultShardThreshold,
		tuner: newTuner(DefaultMinBatchSize, DefaultInitialBatchSize,
			DefaultMaxBatchSize, DefaultMaxInFlightBatches),
	}
}

// WithBatchBounds sets the adaptive batch-size envelope and starting size.
func (w *BulkWriter) WithBatchBounds(minSize, initial, maxSize int) *BulkWriter {
	w.tuner = newTuner(minSize, initial, maxSize, w.tuner.maxConc)
	return w
}

// WithMaxInFlight caps how many batches may be committing simultaneously.
// Values less than 1 are ignored.
func (w *BulkWriter) WithMaxInFlight(n int) *BulkWriter {
	if n >= 1 {
		w.tuner = newTuner(w.tuner.minSize, w.tuner.size, w.tuner.maxSize, n)
	}
	return w
}

// WithBatchTimeout sets the per-batch commit budget the adaptation loop
// measures latency against.
func (w *BulkWriter) WithBatchTimeout(d time.Duration) *BulkWriter {
	if d > 0 {
		w.batchTimeout = d
	}
	return w
}

// WithTargetSuccessRate sets the rolling success rate required before the
// tuner grows the batch size. Values outside (0, 1] are ignored.
func (w *BulkWriter) WithTargetSuccessRate(r float64) *BulkWriter {
	if r > 0 && r <= 1 {
		w.targetRate = r
	}
	return w
}

// WithFallback sets the secondary transport and how many consecutive
// timeout-class batch failures activate it.
func (w *BulkWriter) WithFallback(sw SingleWriter, afterTimeouts int) *BulkWriter {
	w.fallback = sw
	if afterTimeouts >= 1 {
		w.fallbackAfter = afterTimeouts
	}
	return w
}

// WithShardPlan enables oversized-document sharding with the given layout.
func (w *BulkWriter) WithShardPlan(plan ShardPlan) *BulkWriter {
	w.shardPlan = &plan
	return w
}

// WithShardThreshold sets the serialized-size limit above which an aggregate
// document is sharded. Values less than 1 are ignored.
func (w *BulkWriter) WithShardThreshold(bytes int) *BulkWriter {
	if bytes >= 1 {
		w.shardThreshold = bytes
	}
	return w
}

// WithLogger sets the structured logger. Nil is ignored.
func (w *BulkWriter) WithLogger(log *slog.Logger) *BulkWriter {
	if log != nil {
		w.log = log
	}
	return w
}

// Enqueue validates and queues one write operation. An oversized aggregate
// payload is expanded into a placeholder plus child shard operations when a
// shard plan is configured; without a plan it is queued as-is with a
// warning.
func (w *BulkWriter) Enqueue(op WriteOp) error {
	if err := op.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shardPlan != nil {
		if ops, sharded := shardOps(op, *w.shardPlan, w.shardThreshold); sharded {
			for i := range ops {
				if err := ops[i].Validate(); err != nil {
					return err
				}
			}
			w.queue = append(w.queue, ops...)
			w.log.Info("oversized document sharded",
				"path", op.Path, "shards", len(ops)-1)
			return nil
		}
	} else if size, err := payloadSize(op.Payload); err == nil && size > w.shardThreshold {
		w.log.Warn("payload exceeds shard threshold and no shard plan is configured",
			"path", op.Path, "bytes", size)
	}

	w.queue = append(w.queue, op)
	return nil
}

// Pending returns the number of queued operations.
func (w *BulkWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Metrics returns a snapshot of the adaptive state.
func (w *BulkWriter) Metrics() WriterMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterMetrics{
		CurrentBatchSize:   w.tuner.size,
		CurrentConcurrency: w.tuner.conc,
		SuccessfulBatches:  w.successBatches,
		FailedBatches:      w.failedBatches,
		AdaptationCount:    w.tuner.adaptations,
		DocsPerSecond:      w.lastRate,
	}
}

// FallbackActive reports whether the run has switched to the secondary
// transport. The switch is one-directional for the remainder of the run.
func (w *BulkWriter) FallbackActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fallbackActive
}

// Commit drains the queue: operations are sliced into batches at the
// tuner's current size, dispatched in enqueue order with up to the tuned
// concurrency in flight, and outcomes are folded into the tuner as they
// resolve. Any held transport sessions are released unconditionally before
// Commit returns, on success and failure paths alike.
func (w *BulkWriter) Commit(ctx context.Context) (*CommitResult, error) {
	defer w.release(ctx)

	w.mu.Lock()
	ops := w.queue
	w.queue = nil
	active := w.fallbackActive
	w.mu.Unlock()

	res := &CommitResult{}
	if len(ops) == 0 {
		return res, nil
	}

	start := time.Now()
	var overflow []WriteOp // mid-batch leftovers rerouted to the fallback

	if !active {
		overflow = w.commitPrimary(ctx, ops, res)
	} else {
		overflow = ops
	}

	if len(overflow) > 0 {
		w.drainFallback(ctx, overflow, res)
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		res.DocsPerSecond = float64(res.Succeeded) / elapsed
	}
	w.mu.Lock()
	w.lastRate = res.DocsPerSecond
	w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// commitPrimary runs the adaptive dispatch loop against the primary store.
// The loop goroutine is the single post-outcome handler: tuner state,
// streaks and tallies mutate only here, never inside batch goroutines.
// Returns the operations to reroute through the fallback transport.
func (w *BulkWriter) commitPrimary(ctx context.Context, ops []WriteOp, res *CommitResult) []WriteOp {
	outcomes := make(chan batchOutcome)
	inFlight := 0
	pos := 0
	var overflow []WriteOp

	for {
		w.mu.Lock()
		size, conc, active := w.tuner.size, w.tuner.conc, w.fallbackActive
		w.mu.Unlock()

		if !active && pos < len(ops) && inFlight < conc && ctx.Err() == nil {
			batch := ops[pos:min(pos+size, len(ops))]
			pos += len(batch)
			inFlight++
			go func() {
				outcomes <- w.commitBatch(ctx, batch)
			}()
			continue
		}

		if inFlight == 0 {
			break
		}

		o := <-outcomes
		inFlight--
		w.handleOutcome(o, res, &overflow)

		if w.batchDone != nil {
			w.batchDone(o.written, len(o.pending))
		}
	}

	w.mu.Lock()
	active := w.fallbackActive
	w.mu.Unlock()
	if pos < len(ops) {
		if active {
			overflow = append(overflow, ops[pos:]...)
		} else {
			// Cancelled mid-run: everything not yet persisted counts failed.
			res.Failed += len(ops) - pos
		}
	}
	return overflow
}

// handleOutcome folds one batch outcome into tuner state and tallies.
func (w *BulkWriter) handleOutcome(o batchOutcome, res *CommitResult, overflow *[]WriteOp) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tuner = w.tuner.observe(o, w.batchTimeout, w.targetRate)
	res.Succeeded += o.written
	res.PrimaryWrites += o.written

	if o.ok {
		w.successBatches++
		w.timeoutStreak = 0
		return
	}

	w.failedBatches++
	if o.timeout {
		w.timeoutStreak++
		if w.timeoutStreak >= w.fallbackAfter && !w.fallbackActive && w.fallback != nil {
			w.fallbackActive = true
			w.log.Warn("switching remaining writes to fallback transport",
				"timeout_streak", w.timeoutStreak)
		}
	} else {
		w.timeoutStreak = 0
	}

	if w.fallbackActive {
		*overflow = append(*overflow, o.pending...)
	} else {
		res.Failed += len(o.pending)
	}
}

// commitBatch writes one batch under the batch timeout. Every persisted
// document is tagged with the transport that handled it so the final report
// can distinguish primary from fallback writes.
func (w *BulkWriter) commitBatch(ctx context.Context, batch []WriteOp) batchOutcome {
	batchCtx, cancel := context.WithTimeout(ctx, w.batchTimeout)
	defer cancel()

	start := time.Now()
	for i, op := range batch {
		payload := op.Payload.Clone()
		payload["transport"] = "primary"
		if err := w.store.Set(batchCtx, op.Path, payload, op.Merge); err != nil {
			w.log.Warn("batch commit failed",
				"path", op.Path, "written", i, "of", len(batch), "error", err)
			return batchOutcome{
				timeout: isTimeout(err),
				latency: time.Since(start),
				written: i,
				pending: batch[i:],
			}
		}
	}
	return batchOutcome{ok: true, latency: time.Since(start), written: len(batch)}
}

// drainFallback writes operations one document per request through the
// secondary transport. Failures here are terminal for the affected
// operation: there is no switch back to the primary within a run.
func (w *BulkWriter) drainFallback(ctx context.Context, ops []WriteOp, res *CommitResult) {
	if w.fallback == nil {
		res.Failed += len(ops)
		return
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			res.Failed += 1
			continue
		}
		tagged := op
		tagged.Payload = op.Payload.Clone()
		tagged.Payload["transport"] = "fallback"
		if err := w.fallback.WriteOne(ctx, tagged); err != nil {
			w.log.Warn("fallback write failed", "path", op.Path, "error", err)
			res.Failed++
			continue
		}
		res.Succeeded++
		res.FallbackWrites++
	}
}

// release frees transport sessions after a commit, success or failure.
func (w *BulkWriter) release(ctx context.Context) {
	if r, ok := w.store.(Releaser); ok {
		if err := r.Release(ctx); err != nil {
			w.log.Warn("primary transport release failed", "error", err)
		}
	}
	if r, ok := w.fallback.(Releaser); ok {
		if err := r.Release(ctx); err != nil {
			w.log.Warn("fallback transport release failed", "error", err)
		}
	}
}

// isTimeout reports whether err is a deadline/timeout-class failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
