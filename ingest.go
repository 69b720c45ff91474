package ingest

import (
	"context"
	"fmt"
	"strings"
)

// Phase identifies where in the ingestion run an event occurred.
type Phase string

const (
	PhaseValidate  Phase = "validate"
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
)

// Record is one unit of data flowing through the engine: an opaque keyed map
// of scalar or nested fields. The core assumes no schema beyond "serializable
// and size-estimable"; field meaning belongs to the dataset implementation.
type Record map[string]any

// Clone returns a shallow copy of the record. Dedup and merge always produce
// new Record values; inputs are never mutated in place.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Validation is the outcome of a dataset's pre-flight check. An invalid
// result aborts the run before any network call.
type Validation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Dataset defines one ingestion job. This is the only required interface to
// implement; optional capabilities (key specs, conflict policy, sharding,
// progress, lifecycle hooks) are auto-detected — see hooks.go.
//
// The pipeline drives the four phases in order. Extract receives the
// pipeline's fetcher so the dataset decides which collections and
// sub-resources to pull while the fetcher owns pagination, retries and
// concurrency. Transform is a pure function over the extracted records.
// Plan maps deduplicated records onto document-store write operations; the
// pipeline then commits them through the bulk write engine.
type Dataset interface {
	// Validate checks configuration and preconditions. Runs before any
	// network call; an invalid result is fatal.
	Validate(ctx context.Context) Validation

	// Extract pulls raw records from the remote source via the fetcher.
	Extract(ctx context.Context, f *Fetcher) ([]Record, error)

	// Transform normalizes extracted records. Must not mutate its input.
	Transform(ctx context.Context, extracted []Record) ([]Record, error)

	// Plan maps deduplicated records to write operations.
	Plan(records []Record) ([]WriteOp, error)
}

// Page is one page of a paginated remote collection.
type Page struct {
	// Data holds the page's records.
	Data []Record

	// Next is the opaque token or URL of the following page, empty when the
	// source signals no further page.
	Next string
}

// PageSource retrieves single pages from a remote paginated collection.
// Implementations own transport concerns (HTTP, auth, compression); the
// Fetcher owns pagination, retry and concurrency on top. A ready-made REST
// implementation is provided by NewRESTSource.
type PageSource interface {
	// FetchPage retrieves one page. A non-empty next token resumes from a
	// previous page's Next value; an empty token requests the first page.
	FetchPage(ctx context.Context, path string, params map[string]string, next string) (*Page, error)
}

// DocumentStore is the primary write transport: an idempotent upsert into a
// hierarchical document store. Paths are strings of alternating
// collection/document segments with an even total segment count.
type DocumentStore interface {
	// Set upserts payload at path. With merge true, existing fields not
	// present in payload are preserved.
	Set(ctx context.Context, path string, payload Record, merge bool) error
}

// SingleWriter is the secondary, lower-throughput write transport the bulk
// engine falls back to under systemic primary-transport timeouts: one
// document per request. A ready-made bearer-credential REST implementation
// is provided by NewBearerFallback.
type SingleWriter interface {
	WriteOne(ctx context.Context, op WriteOp) error
}

// Releaser is implemented by transports holding sessions or connections that
// must be released when a commit finishes. The bulk write engine calls
// Release unconditionally after Commit, on success and failure paths alike.
type Releaser interface {
	Release(ctx context.Context) error
}

// WriteOp is a single upsert targeting a hierarchical document path.
type WriteOp struct {
	Path    string
	Payload Record
	Merge   bool
}

// Validate checks the even-segment-count path invariant. An odd count is a
// caller bug and must fail fast rather than silently succeed.
func (op WriteOp) Validate() error {
	segs := splitPath(op.Path)
	if len(segs) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if len(segs)%2 != 0 {
		return fmt.Errorf("%w: %q has %d segments, want an even count of alternating collection/document segments",
			ErrInvalidPath, op.Path, len(segs))
	}
	return nil
}

// splitPath splits a document path on "/", dropping empty segments produced
// by leading or trailing slashes.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}
