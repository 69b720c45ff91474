package ingest

import "context"

// KeySpecer supplies the identity-key specification used by the integrity
// controller during load. Without it (and without WithKeySpec) the load
// phase skips deduplication entirely and writes the transformed records
// as planned.
//
// Example:
//
//	func (d *ExpensesDataset) KeySpec() ingest.KeySpec {
//	    return ingest.KeySpec{
//	        Primary:   []string{"legislator_id", "document_number", "year"},
//	        Secondary: []string{"supplier_tax_id", "amount"},
//	        Sensitive: []string{"amount", "supplier_tax_id"},
//	    }
//	}
type KeySpecer interface {
	// KeySpec returns the identity-key specification for deduplication.
	KeySpec() KeySpec
}

// PolicyProvider selects the conflict-resolution policy applied to
// primary-key collisions. Priority: WithPolicy > this interface >
// PolicyKeepFirst.
type PolicyProvider interface {
	// ConflictPolicy returns the policy for resolving duplicate conflicts.
	ConflictPolicy() Policy
}

// AuthoritativeSource marks a dataset as an externally validated official
// source. The integrity controller then skips matching entirely and returns
// the input unchanged with a perfect integrity score: the source system
// treats such data as already deduplicated by definition.
type AuthoritativeSource interface {
	// Authoritative reports whether deduplication should be bypassed.
	Authoritative() bool
}

// ShardPlanner describes how to split an oversized aggregate document into
// a placeholder plus child partition documents. Without it, an oversized
// payload is written as-is with a warning (and will likely be rejected by
// the store).
type ShardPlanner interface {
	// ShardPlan returns the sharding layout for oversized documents.
	ShardPlan() ShardPlan
}

// ProgressReporter receives progress events when implemented by the dataset.
// It is registered ahead of any callbacks added via Pipeline.OnProgress, so
// it observes every event first. Events fire synchronously on the run's
// goroutine; avoid blocking I/O here.
type ProgressReporter interface {
	// OnProgress is called for every phase transition and sub-phase milestone.
	OnProgress(ev ProgressEvent)
}

// Starter is called once before validation begins. Use it to enrich the
// context (request IDs, logger fields, trace spans) or record setup state;
// the returned context is used for the entire run.
type Starter interface {
	Start(ctx context.Context) context.Context
}

// Stopper is called exactly once after the run finishes, success or failure.
// The report is the same value returned by Run, already finalized; err is
// the run-terminating error, nil for degraded-but-complete runs.
type Stopper interface {
	Stop(ctx context.Context, report *Report, err error)
}
