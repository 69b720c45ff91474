// Package ingest provides the ingestion engine for mirroring large,
// paginated public-sector datasets into a hierarchical document store.
//
// The engine runs a four-phase pipeline — validate, extract, transform,
// load — built for unreliable networks and throttling backends: extraction
// pulls paginated collections in bounded concurrency waves with retry and
// backoff, an integrity controller assigns stable identities and resolves
// conflicting duplicates, and an adaptive bulk writer batches idempotent
// upserts, tuning batch size and concurrency from observed latency and
// success rate. Every run produces a structured report; contained per-item
// failures degrade the report instead of aborting the run.
//
// # Quick Start
//
// Implement the required Dataset interface:
//
//	type ExpensesDataset struct{ year string }
//
//	func (d *ExpensesDataset) Validate(ctx context.Context) ingest.Validation {
//	    if d.year == "" {
//	        return ingest.Validation{Errors: []string{"year is required"}}
//	    }
//	    return ingest.Validation{Valid: true}
//	}
//
//	func (d *ExpensesDataset) Extract(ctx context.Context, f *ingest.Fetcher) ([]ingest.Record, error) {
//	    return f.FetchAll(ctx, "/expenses", map[string]string{"year": d.year})
//	}
//
//	func (d *ExpensesDataset) Transform(ctx context.Context, in []ingest.Record) ([]ingest.Record, error) {
//	    // normalize field names, parse amounts, ...
//	    return in, nil
//	}
//
//	func (d *ExpensesDataset) Plan(records []ingest.Record) ([]ingest.WriteOp, error) {
//	    ops := make([]ingest.WriteOp, 0, len(records))
//	    for _, r := range records {
//	        ops = append(ops, ingest.WriteOp{
//	            Path:    fmt.Sprintf("expenses/%v", r["id"]),
//	            Payload: r,
//	            Merge:   true,
//	        })
//	    }
//	    return ops, nil
//	}
//
// Then run it:
//
//	source := ingest.NewRESTSource("https://api.example.gov/v2")
//	report, err := ingest.New(dataset, store, source).
//	    WithKeySpec(ingest.KeySpec{Primary: []string{"id", "year"}}).
//	    WithPolicy(ingest.PolicyMerge).
//	    Run(ctx)
//
// # Interface-Based Design
//
// Like the rest of the engine's configuration, optional behavior is
// auto-detected from interfaces the dataset implements: KeySpecer and
// PolicyProvider drive deduplication, AuthoritativeSource bypasses it,
// ShardPlanner splits oversized aggregate documents, ProgressReporter
// receives progress events, and Starter/Stopper bracket the run. Runtime
// With* overrides on the Pipeline take precedence over dataset interfaces,
// which take precedence over package defaults.
//
// # Failure Model
//
// Validation failures and abort-on-conflict violations are fatal: the run
// stops and the returned error wraps ErrValidation or ErrConflict. Network
// timeouts and transient errors are retried with exponential backoff;
// entities that keep failing are skipped and reported. Per-batch write
// failures degrade the final report rather than erroring. An escaped panic
// anywhere in a phase is converted into a fatal structured result carrying
// the message and stack — Run never crashes the caller.
package ingest
