package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"
)

// State is the orchestrator's position in its lifecycle:
// INIT → VALIDATING → EXTRACTING → TRANSFORMING → LOADING → FINALIZED,
// with ERROR reachable from any state and CANCELLED reserved for dry-run
// short-circuits of the load phase.
type State string

const (
	StateInit         State = "INIT"
	StateValidating   State = "VALIDATING"
	StateExtracting   State = "EXTRACTING"
	StateTransforming State = "TRANSFORMING"
	StateLoading      State = "LOADING"
	StateFinalized    State = "FINALIZED"
	StateError        State = "ERROR"
	StateCancelled    State = "CANCELLED"
)

// Pipeline orchestrates one ingestion run: validate → extract → transform →
// load, with progress reporting, statistics aggregation and a final
// structured report. Transitions are sequential and non-reentrant — one
// Pipeline instance executes exactly one run.
type Pipeline struct {
	dataset Dataset
	store   DocumentStore
	source  PageSource
	log     *slog.Logger
	em      emitter

	fetcher *Fetcher
	writer  *BulkWriter

	// Configuration overrides (nil means use interface value or default).
	fetchConcurrency *int
	maxPages         *int
	maxRetries       *int
	batchBounds      *[3]int
	policy           *Policy
	keySpec          *KeySpec
	authoritative    *bool
	dryRun           bool
	runDeadline      time.Duration
	destination      string

	state State
	stats *RunStats
	ran   atomic.Bool
}

// New creates a Pipeline for one run of the given dataset. The store is the
// primary write transport; src feeds the fetcher handed to Extract (may be
// nil for datasets that extract without the fetcher). Optional dataset
// capabilities are auto-detected — see hooks.go and config.go.
func New(dataset Dataset, store DocumentStore, src PageSource) *Pipeline {
	return &Pipeline{
		dataset: dataset,
		store:   store,
		source:  src,
		log:     slog.Default(),
		state:   StateInit,
	}
}

// WithLogger sets the structured logger, propagated to the fetcher, the
// integrity controller and the bulk writer. Nil is ignored.
func (p *Pipeline) WithLogger(log *slog.Logger) *Pipeline {
	if log != nil {
		p.log = log
	}
	return p
}

// WithDryRun makes the run skip the load phase entirely: the run is
// reported successful with zero persisted mutations and a descriptive note.
func (p *Pipeline) WithDryRun(v bool) *Pipeline {
	p.dryRun = v
	return p
}

// WithRunDeadline bounds the whole run's wall-clock time. Zero (the
// default) keeps the original behavior: per-call timeouts only, no global
// abort.
func (p *Pipeline) WithRunDeadline(d time.Duration) *Pipeline {
	if d >= 0 {
		p.runDeadline = d
	}
	return p
}

// WithPolicy overrides the conflict-resolution policy.
// Priority: this method > PolicyProvider interface > PolicyKeepFirst.
func (p *Pipeline) WithPolicy(policy Policy) *Pipeline {
	p.policy = &policy
	return p
}

// WithKeySpec overrides the identity-key specification.
// Priority: this method > KeySpecer interface > no deduplication.
func (p *Pipeline) WithKeySpec(spec KeySpec) *Pipeline {
	p.keySpec = &spec
	return p
}

// WithAuthoritative overrides the authoritative-source bypass flag.
// Priority: this method > AuthoritativeSource interface > false.
func (p *Pipeline) WithAuthoritative(v bool) *Pipeline {
	p.authoritative = &v
	return p
}

// WithFetchConcurrency overrides the extraction wave width.
// Values less than 1 are ignored.
func (p *Pipeline) WithFetchConcurrency(n int) *Pipeline {
	if n >= 1 {
		p.fetchConcurrency = &n
	}
	return p
}

// WithMaxPages overrides the page cap per collection fetch.
// Values less than 1 are ignored.
func (p *Pipeline) WithMaxPages(n int) *Pipeline {
	if n >= 1 {
		p.maxPages = &n
	}
	return p
}

// WithMaxRetries overrides the per-page attempt budget.
// Values less than 1 are ignored.
func (p *Pipeline) WithMaxRetries(n int) *Pipeline {
	if n >= 1 {
		p.maxRetries = &n
	}
	return p
}

// WithBatchBounds overrides the adaptive batch-size envelope.
func (p *Pipeline) WithBatchBounds(minSize, initial, maxSize int) *Pipeline {
	p.batchBounds = &[3]int{minSize, initial, maxSize}
	return p
}

// WithDestination names the write target in the final report.
func (p *Pipeline) WithDestination(dest string) *Pipeline {
	p.destination = dest
	return p
}

// WithFetcher injects a pre-configured fetcher, taking precedence over the
// pipeline-built one. Nil is ignored.
func (p *Pipeline) WithFetcher(f *Fetcher) *Pipeline {
	if f != nil {
		p.fetcher = f
	}
	return p
}

// WithWriter injects a pre-configured bulk writer, taking precedence over
// the pipeline-built one. Nil is ignored.
func (p *Pipeline) WithWriter(w *BulkWriter) *Pipeline {
	if w != nil {
		p.writer = w
	}
	return p
}

// OnProgress registers a progress callback. Callbacks are invoked
// synchronously, in registration order, for every phase transition and at
// sub-phase milestones; a slow callback delays but never fails the run.
func (p *Pipeline) OnProgress(fn ProgressFunc) *Pipeline {
	p.em.register(fn)
	return p
}

// State returns the orchestrator's current lifecycle state.
func (p *Pipeline) State() State { return p.state }

// Stats returns the run's processing context. Nil before Run is called.
func (p *Pipeline) Stats() *RunStats { return p.stats }

// Run executes the pipeline once. It always returns a non-nil report; err
// is non-nil only for run-terminating (fatal) conditions — degraded runs
// return a report with non-zero Failed and a nil error.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	if !p.ran.CompareAndSwap(false, true) {
		return nil, Classify(KindFatal, errors.New("ingest: pipeline instance already ran"))
	}

	p.stats = newRunStats()

	if s, ok := p.dataset.(Starter); ok {
		ctx = s.Start(ctx)
	}
	if p.runDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runDeadline)
		defer cancel()
	}
	if pr, ok := p.dataset.(ProgressReporter); ok {
		// Dataset reporter observes every event ahead of OnProgress callbacks.
		p.em.callbacks = append([]ProgressFunc{pr.OnProgress}, p.em.callbacks...)
	}

	p.log.Info("ingestion run starting", "run_id", p.stats.RunID, "dry_run", p.dryRun)
	report, err := p.run(ctx)
	p.log.Info("ingestion run finished", "report", report)

	if s, ok := p.dataset.(Stopper); ok {
		s.Stop(ctx, report, err)
	}
	return report, err
}

// run drives the phases under a single top-level adapter that converts an
// escaped panic into a fatal, structured result instead of a crash.
func (p *Pipeline) run(ctx context.Context) (report *Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &panicError{value: r, stack: debug.Stack()}
			p.log.Error("run panicked", "panic", r)
			err = Classify(KindFatal, perr)
			report = p.failureReport(perr)
		}
	}()

	// Validate.
	p.state = StateValidating
	p.em.emit(ProgressEvent{Status: StatusValidating, Percent: 2, Message: "validating dataset configuration"})
	v := p.dataset.Validate(ctx)
	for _, w := range v.Warnings {
		p.stats.Warn(w)
	}
	if !v.Valid {
		ferr := Classify(KindFatal, fmt.Errorf("%w: %s", ErrValidation, strings.Join(v.Errors, "; ")))
		return p.failureReport(ferr), ferr
	}

	// Extract.
	p.state = StateExtracting
	p.em.emit(ProgressEvent{Status: StatusExtracting, Percent: 10, Message: "extracting source records"})
	fetcher := p.buildFetcher()
	extractStart := time.Now()
	extracted, exErr := p.dataset.Extract(ctx, fetcher)
	p.stats.recordDuration(PhaseExtract, time.Since(extractStart))
	skipped := []string{}
	if fetcher != nil {
		skipped = fetcher.Skipped()
	}
	for _, id := range skipped {
		p.stats.Warn("entity skipped after repeated failures: " + id)
	}
	p.stats.Extraction.add(int64(len(extracted)+len(skipped)), int64(len(extracted)), int64(len(skipped)))
	if exErr != nil {
		ferr := fmt.Errorf("extract: %w", exErr)
		return p.failureReport(ferr), ferr
	}
	p.em.emit(ProgressEvent{Status: StatusExtracting, Percent: 40,
		Message: fmt.Sprintf("extracted %d records", len(extracted)),
		Detail:  map[string]any{"records": len(extracted), "skippedEntities": len(skipped)}})

	// Transform.
	p.state = StateTransforming
	p.em.emit(ProgressEvent{Status: StatusTransforming, Percent: 45, Message: "normalizing records"})
	transformStart := time.Now()
	transformed, txErr := p.dataset.Transform(ctx, extracted)
	p.stats.recordDuration(PhaseTransform, time.Since(transformStart))
	if txErr != nil {
		p.stats.Transform.add(int64(len(extracted)), 0, int64(len(extracted)))
		ferr := fmt.Errorf("transform: %w", txErr)
		return p.failureReport(ferr), ferr
	}
	p.stats.Transform.add(int64(len(extracted)), int64(len(transformed)), 0)
	p.em.emit(ProgressEvent{Status: StatusTransforming, Percent: 60,
		Message: fmt.Sprintf("transformed %d records", len(transformed))})

	// Load — skipped entirely in dry-run mode.
	if p.dryRun {
		p.state = StateCancelled
		p.stats.finish()
		p.em.emit(ProgressEvent{Status: StatusCancelled, Percent: 100,
			Message: "dry-run: load skipped, no mutations persisted"})
		rep := p.baseReport()
		rep.State = StateCancelled
		rep.Succeeded = len(transformed)
		rep.Details["dryRun"] = true
		rep.Details["note"] = "dry-run: load phase skipped; no mutations persisted"
		return rep, nil
	}

	p.state = StateLoading
	loadStart := time.Now()
	commit, dedupe, loadErr := p.load(ctx, transformed)
	p.stats.recordDuration(PhaseLoad, time.Since(loadStart))
	if commit != nil {
		p.stats.Load.add(int64(commit.Succeeded+commit.Failed), int64(commit.Succeeded), int64(commit.Failed))
	}
	if loadErr != nil {
		ferr := fmt.Errorf("load: %w", loadErr)
		return p.failureReport(ferr), ferr
	}

	// Finalize.
	p.state = StateFinalized
	p.stats.finish()
	p.em.emit(ProgressEvent{Status: StatusFinalizing, Percent: 98, Message: "finalizing run"})

	rep := p.baseReport()
	rep.State = StateFinalized
	rep.Succeeded = commit.Succeeded
	rep.Failed = commit.Failed
	rep.Details["primaryWrites"] = commit.PrimaryWrites
	rep.Details["fallbackWrites"] = commit.FallbackWrites
	rep.Details["docsPerSecond"] = commit.DocsPerSecond
	if dedupe != nil {
		rep.Details["duplicatesFound"] = dedupe.DuplicatesFound
		rep.Details["integrityScore"] = dedupe.IntegrityScore
		if len(dedupe.LikelyDuplicates) > 0 {
			rep.Details["likelyDuplicates"] = len(dedupe.LikelyDuplicates)
		}
	}
	if len(skipped) > 0 {
		rep.Details["skippedEntities"] = skipped
	}

	p.em.emit(ProgressEvent{Status: StatusCompleted, Percent: 100,
		Message: fmt.Sprintf("run complete: %d persisted, %d failed", rep.Succeeded, rep.Failed)})
	return rep, nil
}

// load runs deduplication, planning and the bulk commit.
func (p *Pipeline) load(ctx context.Context, records []Record) (*CommitResult, *DedupeResult, error) {
	var dedupe *DedupeResult
	toPlan := records

	if spec, ok := p.resolveKeySpec(); ok {
		integrity := NewIntegrity(spec).
			WithPolicy(p.resolvePolicy()).
			WithAuthoritative(p.resolveAuthoritative()).
			WithLogger(p.log)
		var err error
		dedupe, err = integrity.Deduplicate(records)
		if err != nil {
			return nil, nil, err
		}
		toPlan = dedupe.Records
		p.em.emit(ProgressEvent{Status: StatusLoading, Percent: 65,
			Message: fmt.Sprintf("deduplicated: %d of %d records survive", len(toPlan), len(records)),
			Detail: map[string]any{
				"duplicatesFound": dedupe.DuplicatesFound,
				"integrityScore":  dedupe.IntegrityScore,
			}})
	}

	ops, err := p.dataset.Plan(toPlan)
	if err != nil {
		return nil, dedupe, fmt.Errorf("planning writes: %w", err)
	}

	writer := p.buildWriter(len(ops))
	for _, op := range ops {
		if err := writer.Enqueue(op); err != nil {
			return nil, dedupe, err
		}
	}

	commit, err := writer.Commit(ctx)
	return commit, dedupe, err
}

// buildFetcher returns the injected fetcher or builds one over the page
// source, wiring resolved tuning and the wave milestone hook either way.
func (p *Pipeline) buildFetcher() *Fetcher {
	f := p.fetcher
	if f == nil {
		if p.source == nil {
			return nil
		}
		f = NewFetcher(p.source)
	}
	f.WithLogger(p.log).
		WithConcurrency(p.resolveFetchConcurrency()).
		WithMaxPages(p.resolveMaxPages()).
		WithMaxRetries(p.resolveMaxRetries())
	f.waveDone = func(completed, total int) {
		pct := 10 + 30*float64(completed)/float64(total)
		p.em.emit(ProgressEvent{Status: StatusExtracting, Percent: pct,
			Message: fmt.Sprintf("extraction wave %d/%d completed", completed, total)})
	}
	return f
}

// buildWriter returns the injected writer or builds one over the store,
// wiring resolved bounds and the batch milestone hook either way.
func (p *Pipeline) buildWriter(totalOps int) *BulkWriter {
	w := p.writer
	if w == nil {
		w = NewBulkWriter(p.store)
	}
	minSize, initial, maxSize := p.resolveBatchBounds()
	w.WithLogger(p.log).WithBatchBounds(minSize, initial, maxSize)
	if plan, ok := p.dataset.(ShardPlanner); ok {
		w.WithShardPlan(plan.ShardPlan())
	}

	var done int
	w.batchDone = func(written, failed int) {
		done += written + failed
		pct := 65.0
		if totalOps > 0 {
			pct = 65 + 30*float64(done)/float64(totalOps)
		}
		p.em.emit(ProgressEvent{Status: StatusLoading, Percent: pct,
			Message: fmt.Sprintf("batch committed: %d written, %d failed", written, failed),
			Detail:  map[string]any{"metrics": w.Metrics()}})
	}
	return w
}

func (p *Pipeline) resolveKeySpec() (KeySpec, bool) {
	if p.keySpec != nil {
		return *p.keySpec, true
	}
	if k, ok := p.dataset.(KeySpecer); ok {
		return k.KeySpec(), true
	}
	return KeySpec{}, false
}

func (p *Pipeline) resolvePolicy() Policy {
	if p.policy != nil {
		return *p.policy
	}
	if pp, ok := p.dataset.(PolicyProvider); ok {
		return pp.ConflictPolicy()
	}
	return PolicyKeepFirst
}

func (p *Pipeline) resolveAuthoritative() bool {
	if p.authoritative != nil {
		return *p.authoritative
	}
	if a, ok := p.dataset.(AuthoritativeSource); ok {
		return a.Authoritative()
	}
	return false
}

// baseReport assembles the report skeleton shared by all outcomes.
func (p *Pipeline) baseReport() *Report {
	return &Report{
		RunID:             p.stats.RunID,
		Warnings:          p.stats.Warnings(),
		Duration:          p.stats.Elapsed(),
		ExtractDuration:   p.stats.PhaseDuration(PhaseExtract),
		TransformDuration: p.stats.PhaseDuration(PhaseTransform),
		LoadDuration:      p.stats.PhaseDuration(PhaseLoad),
		Destination:       p.destination,
		Details:           map[string]any{},
	}
}

// failureReport converts a run-terminating error into a best-effort report
// carrying the counters accumulated so far. Failed covers everything
// processed but not persisted — or 1 when the run died before processing
// anything.
func (p *Pipeline) failureReport(err error) *Report {
	p.state = StateError
	p.stats.finish()

	rep := p.baseReport()
	rep.State = StateError
	rep.Succeeded = int(p.stats.Load.Succeeded())

	processed := int(p.stats.Extraction.Total())
	failed := processed - rep.Succeeded
	if failed < 1 {
		failed = 1
	}
	rep.Failed = failed
	rep.Details["error"] = err.Error()
	rep.Details["errorKind"] = KindOf(err).String()
	var perr *panicError
	if errors.As(err, &perr) {
		rep.Details["stack"] = perr.Stack()
	}

	p.em.emit(ProgressEvent{Status: StatusFailed, Percent: 100, Message: err.Error()})
	return rep
}
