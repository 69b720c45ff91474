package ingest

import "time"

// Default configuration values. Every tunable is externally overridable via
// the With* builders or the dataset capability interfaces below; nothing in
// the core logic hardcodes them.
const (
	// Fetcher defaults.
	DefaultFetchConcurrency   = 3
	DefaultMaxPages           = 100
	DefaultMaxRetries         = 3
	DefaultBaseBackoff        = 1 * time.Second
	DefaultPageTimeout        = 15 * time.Second
	DefaultWavePause          = 1 * time.Second
	DefaultEntityFailureLimit = 3

	// Bulk writer defaults.
	DefaultMinBatchSize       = 10
	DefaultInitialBatchSize   = 100
	DefaultMaxBatchSize       = 500
	DefaultMaxInFlightBatches = 3
	DefaultBatchTimeout       = 10 * time.Second
	DefaultTargetSuccessRate  = 0.9
	DefaultFallbackAfter      = 3

	// DefaultShardThreshold is the serialized-payload size above which an
	// aggregate document is split into a placeholder plus child shards. Kept
	// safely under the document store's 1 MiB document ceiling.
	DefaultShardThreshold = 950 * 1024
)

// FetchConcurrency sets the wave width for multi-entity extraction from the
// dataset rather than the pipeline builder.
//
// The value can be overridden at runtime via Pipeline.WithFetchConcurrency,
// which takes precedence. If neither is set, DefaultFetchConcurrency is used.
//
// Tuning guidance: public-sector APIs usually throttle aggressively; widths
// of 2-5 with the default inter-wave pause stay under most limits. Raise it
// only when the source documents a higher request budget.
type FetchConcurrency interface {
	// FetchConcurrency returns the number of entities fetched per wave.
	FetchConcurrency() int
}

// PageLimit caps how many pages FetchAll will follow for one collection.
// This is a safety valve against sources whose next-page links never
// terminate: hitting the cap logs a warning and returns partial results,
// it is not a fatal error.
type PageLimit interface {
	// MaxPages returns the page cap per collection fetch.
	MaxPages() int
}

// RetryBudget sets how many attempts each page gets before the fetch for
// that resource is aborted. Backoff between attempts is exponential
// (base * 2^(attempt-1)) plus jitter.
type RetryBudget interface {
	// MaxRetries returns the per-page attempt budget.
	MaxRetries() int
}

// BatchBounds sets the adaptive batch-size envelope from the dataset rather
// than the pipeline builder. The engine keeps
// min <= currentBatchSize <= max after every adaptation.
//
// Tuning guidance: min guards progress under sustained backend throttling;
// max caps the blast radius of one failed commit. The initial size is where
// the tuner starts, not a steady state.
type BatchBounds interface {
	// BatchBounds returns (min, initial, max) batch sizes.
	BatchBounds() (min, initial, max int)
}

// resolveFetchConcurrency returns the effective wave width.
// Priority: WithFetchConcurrency > FetchConcurrency interface > default.
func (p *Pipeline) resolveFetchConcurrency() int {
	if p.fetchConcurrency != nil {
		return *p.fetchConcurrency
	}
	if c, ok := p.dataset.(FetchConcurrency); ok {
		return c.FetchConcurrency()
	}
	return DefaultFetchConcurrency
}

// resolveMaxPages returns the effective page cap.
// Priority: WithMaxPages > PageLimit interface > default.
func (p *Pipeline) resolveMaxPages() int {
	if p.maxPages != nil {
		return *p.maxPages
	}
	if l, ok := p.dataset.(PageLimit); ok {
		return l.MaxPages()
	}
	return DefaultMaxPages
}

// resolveMaxRetries returns the effective per-page attempt budget.
// Priority: WithMaxRetries > RetryBudget interface > default.
func (p *Pipeline) resolveMaxRetries() int {
	if p.maxRetries != nil {
		return *p.maxRetries
	}
	if r, ok := p.dataset.(RetryBudget); ok {
		return r.MaxRetries()
	}
	return DefaultMaxRetries
}

// resolveBatchBounds returns the effective batch-size envelope.
// Priority: WithBatchBounds > BatchBounds interface > defaults.
func (p *Pipeline) resolveBatchBounds() (minSize, initial, maxSize int) {
	if p.batchBounds != nil {
		b := *p.batchBounds
		return b[0], b[1], b[2]
	}
	if b, ok := p.dataset.(BatchBounds); ok {
		return b.BatchBounds()
	}
	return DefaultMinBatchSize, DefaultInitialBatchSize, DefaultMaxBatchSize
}
