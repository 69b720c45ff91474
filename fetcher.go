package ingest

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Fetcher retrieves remote paginated collections under a concurrency cap,
// with per-page retry/backoff, a hard page-count safety valve, and per-entity
// failure containment for multi-entity extraction.
//
// A Fetcher is run-scoped: its entity failure counters and skip list
// accumulate for one pipeline run. Create a fresh Fetcher per run.
type Fetcher struct {
	src PageSource
	log *slog.Logger

	concurrency  int
	maxPages     int
	maxRetries   int
	baseBackoff  time.Duration
	pageTimeout  time.Duration
	wavePause    time.Duration
	failureLimit int
	limiter      *rate.Limiter

	// waveDone is the sub-phase milestone hook wired by the pipeline.
	waveDone func(completed, total int)

	mu       sync.Mutex
	failures map[string]int
	skipped  map[string]struct{}
}

// NewFetcher creates a Fetcher over the given page source with default
// tuning. All knobs are adjustable via the With* methods.
func NewFetcher(src PageSource) *Fetcher {
	return &Fetcher{
		src:          src,
		log:          slog.Default(),
		concurrency:  DefaultFetchConcurrency,
		maxPages:     DefaultMaxPages,
		maxRetries:   DefaultMaxRetries,
		baseBackoff:  DefaultBaseBackoff,
		pageTimeout:  DefaultPageTimeout,
		wavePause:    DefaultWavePause,
		failureLimit: DefaultEntityFailureLimit,
		failures:     make(map[string]int),
		skipped:      make(map[string]struct{}),
	}
}

// WithConcurrency sets the wave width for multi-entity extraction.
// Values less than 1 are ignored.
func (f *Fetcher) WithConcurrency(n int) *Fetcher {
	if n >= 1 {
		f.concurrency = n
	}
	return f
}

// WithMaxPages sets the page cap per collection fetch. Values less than 1
// are ignored.
func (f *Fetcher) WithMaxPages(n int) *Fetcher {
	if n >= 1 {
		f.maxPages = n
	}
	return f
}

// WithMaxRetries sets the per-page attempt budget. Values less than 1 are
// ignored.
func (f *Fetcher) WithMaxRetries(n int) *Fetcher {
	if n >= 1 {
		f.maxRetries = n
	}
	return f
}

// WithBaseBackoff sets the base delay for the exponential retry curve.
func (f *Fetcher) WithBaseBackoff(d time.Duration) *Fetcher {
	if d > 0 {
		f.baseBackoff = d
	}
	return f
}

// WithPageTimeout sets the per-page request timeout.
func (f *Fetcher) WithPageTimeout(d time.Duration) *Fetcher {
	if d > 0 {
		f.pageTimeout = d
	}
	return f
}

// WithWavePause sets the fixed pause between extraction waves. Zero disables
// the pause; negative values are ignored.
func (f *Fetcher) WithWavePause(d time.Duration) *Fetcher {
	if d >= 0 {
		f.wavePause = d
	}
	return f
}

// WithFailureLimit sets how many consecutive failures an entity may
// accumulate before it is skipped for the rest of the run. Values less than
// 1 are ignored.
func (f *Fetcher) WithFailureLimit(n int) *Fetcher {
	if n >= 1 {
		f.failureLimit = n
	}
	return f
}

// WithRateLimit paces page requests at rps requests per second with the
// given burst, ahead of the inter-wave pause. A zero or negative rps
// disables pacing.
func (f *Fetcher) WithRateLimit(rps float64, burst int) *Fetcher {
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	} else {
		f.limiter = nil
	}
	return f
}

// WithLogger sets the structured logger. Nil is ignored.
func (f *Fetcher) WithLogger(log *slog.Logger) *Fetcher {
	if log != nil {
		f.log = log
	}
	return f
}

// FetchAll retrieves every record of a paginated collection, following the
// source's next-page convention until absent. Hitting the page cap logs a
// warning and returns the partial results collected so far — a safety valve,
// not a fatal error. A page whose retry budget is exhausted aborts the whole
// fetch for that resource and the page error propagates.
func (f *Fetcher) FetchAll(ctx context.Context, path string, params map[string]string) ([]Record, error) {
	var records []Record
	for rec, err := range f.Stream(ctx, path, params) {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Stream yields a paginated collection record by record. Page retries happen
// transparently between yields; a terminal page error is yielded once with a
// zero Record and the sequence stops.
func (f *Fetcher) Stream(ctx context.Context, path string, params map[string]string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		next := ""
		for page := 1; ; page++ {
			if page > f.maxPages {
				f.log.Warn("page cap reached, returning partial results",
					"path", path, "max_pages", f.maxPages)
				return
			}

			pg, err := f.fetchPage(ctx, path, params, next, page)
			if err != nil {
				yield(Record{}, err)
				return
			}

			for _, rec := range pg.Data {
				if !yield(rec, nil) {
					return
				}
			}

			if pg.Next == "" {
				return
			}
			next = pg.Next
		}
	}
}

// fetchPage retrieves one page with up to maxRetries attempts. The delay
// after failed attempt k is baseBackoff * 2^(k-1) plus up to 50% jitter.
func (f *Fetcher) fetchPage(ctx context.Context, path string, params map[string]string, next string, page int) (*Page, error) {
	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(f.baseBackoff, attempt-1)); err != nil {
				return nil, err
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		pageCtx, cancel := context.WithTimeout(ctx, f.pageTimeout)
		pg, err := f.src.FetchPage(pageCtx, path, params, next)
		cancel()
		if err == nil {
			return pg, nil
		}

		lastErr = err
		f.log.Warn("page fetch failed",
			"path", path, "page", page, "attempt", attempt, "error", err)
	}
	return nil, Classify(KindRetryable, fmt.Errorf("%w: page %d of %s after %d attempts: %w",
		ErrRetriesExhausted, page, path, f.maxRetries, lastErr))
}

// backoffDelay returns base * 2^(failed-1) plus up to 50% jitter.
func backoffDelay(base time.Duration, failed int) time.Duration {
	d := base << (failed - 1)
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaveReport summarizes one multi-entity extraction pass.
type WaveReport struct {
	// Succeeded counts entities whose fetch completed.
	Succeeded int

	// Failed lists entity ids that failed this pass (and were not skipped).
	Failed []string

	// Skipped lists entity ids excluded from this pass because they had
	// already crossed the consecutive-failure limit.
	Skipped []string
}

// FetchEach runs fetch once per entity id in fixed-size concurrency waves:
// groups of the configured concurrency run in parallel, a failed member
// never aborts its wave, and a fixed pause separates waves to respect source
// rate limits. Merged records preserve the original entity ordering.
//
// Entities that keep failing are contained rather than retried forever:
// after the consecutive-failure limit is crossed the entity is skipped for
// the rest of the run and reported, not silently dropped.
func (f *Fetcher) FetchEach(ctx context.Context, ids []string, fetch func(ctx context.Context, id string) ([]Record, error)) ([]Record, *WaveReport, error) {
	report := &WaveReport{}

	active := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.isSkipped(id) {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		active = append(active, id)
	}

	results := make([][]Record, len(active))
	errs := make([]error, len(active))

	waves := chunk(indexesOf(active), f.concurrency)
	for w, wave := range waves {
		if w > 0 {
			if err := sleepCtx(ctx, f.wavePause); err != nil {
				return nil, report, err
			}
		}

		// All-settled semantics: members record their outcome instead of
		// returning it, so one rejected member never cancels the wave.
		var group errgroup.Group
		for _, i := range wave {
			group.Go(func() error {
				recs, err := fetch(ctx, active[i])
				results[i], errs[i] = recs, err
				return nil
			})
		}
		_ = group.Wait()

		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		// Single-threaded merge step: failure counters and report mutations
		// happen only here, after the wave resolves.
		for _, i := range wave {
			if errs[i] != nil {
				report.Failed = append(report.Failed, active[i])
				f.noteFailure(active[i], errs[i])
				continue
			}
			report.Succeeded++
			f.noteSuccess(active[i])
		}

		if f.waveDone != nil {
			f.waveDone(w+1, len(waves))
		}
	}

	var merged []Record
	for _, recs := range results {
		merged = append(merged, recs...)
	}
	return merged, report, nil
}

// Skipped returns the entity ids excluded after repeated failures, sorted.
func (f *Fetcher) Skipped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.skipped))
	for id := range f.skipped {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *Fetcher) isSkipped(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.skipped[id]
	return ok
}

func (f *Fetcher) noteFailure(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	if f.failures[id] >= f.failureLimit {
		f.skipped[id] = struct{}{}
		f.log.Warn("entity skipped after repeated failures",
			"entity", id, "failures", f.failures[id], "error", err)
	}
}

func (f *Fetcher) noteSuccess(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, id)
}

// indexesOf returns [0, 1, ..., len(ids)-1].
func indexesOf(ids []string) []int {
	out := make([]int, len(ids))
	for i := range out {
		out[i] = i
	}
	return out
}
