package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencivic/ingest"
)

// stubDataset is a scriptable Dataset covering the required interface only;
// capability-bearing variants embed it.
type stubDataset struct {
	validation   ingest.Validation
	records      []ingest.Record
	extractErr   error
	transformErr error
	transformFn  func([]ingest.Record) []ingest.Record
	planErr      error
}

func (d *stubDataset) Validate(context.Context) ingest.Validation {
	return d.validation
}

func (d *stubDataset) Extract(_ context.Context, _ *ingest.Fetcher) ([]ingest.Record, error) {
	return d.records, d.extractErr
}

func (d *stubDataset) Transform(_ context.Context, in []ingest.Record) ([]ingest.Record, error) {
	if d.transformErr != nil {
		return nil, d.transformErr
	}
	if d.transformFn != nil {
		return d.transformFn(in), nil
	}
	return in, nil
}

func (d *stubDataset) Plan(records []ingest.Record) ([]ingest.WriteOp, error) {
	if d.planErr != nil {
		return nil, d.planErr
	}
	ops := make([]ingest.WriteOp, 0, len(records))
	for _, r := range records {
		ops = append(ops, ingest.WriteOp{
			Path:    fmt.Sprintf("despesas/%v", r["id"]),
			Payload: r,
			Merge:   true,
		})
	}
	return ops, nil
}

func validDataset(records ...ingest.Record) *stubDataset {
	return &stubDataset{
		validation: ingest.Validation{Valid: true},
		records:    records,
	}
}

// keyedDataset adds the deduplication capabilities.
type keyedDataset struct {
	*stubDataset
	spec   ingest.KeySpec
	policy ingest.Policy
}

func (d *keyedDataset) KeySpec() ingest.KeySpec       { return d.spec }
func (d *keyedDataset) ConflictPolicy() ingest.Policy { return d.policy }

// lifecycleDataset records Start/Stop/OnProgress invocations.
type lifecycleDataset struct {
	*stubDataset
	mu      sync.Mutex
	started bool
	stopped bool
	stopErr error
	events  []ingest.ProgressEvent
}

func (d *lifecycleDataset) Start(ctx context.Context) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return ctx
}

func (d *lifecycleDataset) Stop(_ context.Context, _ *ingest.Report, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.stopErr = err
}

func (d *lifecycleDataset) OnProgress(ev ingest.ProgressEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func TestPipeline_HappyPath(t *testing.T) {
	ds := validDataset(
		ingest.Record{"id": "1", "valor": 10.0},
		ingest.Record{"id": "2", "valor": 20.0},
		ingest.Record{"id": "3", "valor": 30.0},
	)
	store := &memStore{}

	p := ingest.New(ds, store, nil).WithDestination("firestore")
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, ingest.StateFinalized, report.State)
	require.Equal(t, ingest.StateFinalized, p.State())
	require.NotEmpty(t, report.RunID)
	require.Equal(t, 3, report.Succeeded)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, "firestore", report.Destination)
	require.Equal(t, 3, report.Details["primaryWrites"])
	require.Equal(t, 0, report.Details["fallbackWrites"])
	require.Equal(t, 3, store.count())

	stats := p.Stats()
	require.EqualValues(t, 3, stats.Extraction.Total())
	require.EqualValues(t, 3, stats.Load.Succeeded())
	require.Equal(t, 1, store.released)
}

func TestPipeline_ValidationFailureIsFatal(t *testing.T) {
	ds := &stubDataset{validation: ingest.Validation{
		Errors: []string{"year is required", "legislature is required"},
	}}
	store := &memStore{}

	report, err := ingest.New(ds, store, nil).Run(context.Background())
	require.ErrorIs(t, err, ingest.ErrValidation)
	require.ErrorContains(t, err, "year is required")
	require.Equal(t, ingest.KindFatal, ingest.KindOf(err))

	require.Equal(t, ingest.StateError, report.State)
	require.Equal(t, 0, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, "fatal", report.Details["errorKind"])
	require.Equal(t, 0, store.count())
}

func TestPipeline_ValidationWarningsReachReport(t *testing.T) {
	ds := validDataset(ingest.Record{"id": "1"})
	ds.validation.Warnings = []string{"year predates open-data coverage"}

	report, err := ingest.New(ds, &memStore{}, nil).Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, report.Warnings, "year predates open-data coverage")
}

func TestPipeline_DryRunSkipsLoad(t *testing.T) {
	ds := validDataset(ingest.Record{"id": "1"}, ingest.Record{"id": "2"})
	store := &memStore{}

	var last ingest.ProgressEvent
	p := ingest.New(ds, store, nil).
		WithDryRun(true).
		OnProgress(func(ev ingest.ProgressEvent) { last = ev })

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ingest.StateCancelled, report.State)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, true, report.Details["dryRun"])
	require.Equal(t, 0, store.count())
	require.Equal(t, ingest.StatusCancelled, last.Status)
	require.Equal(t, float64(100), last.Percent)
}

func TestPipeline_PanicBecomesStructuredFailure(t *testing.T) {
	ds := validDataset(ingest.Record{"id": "1"})
	ds.transformFn = func([]ingest.Record) []ingest.Record {
		panic("nil map write in normalizer")
	}

	report, err := ingest.New(ds, &memStore{}, nil).Run(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "nil map write in normalizer")
	require.Equal(t, ingest.KindFatal, ingest.KindOf(err))

	require.Equal(t, ingest.StateError, report.State)
	require.GreaterOrEqual(t, report.Failed, 1)
	stack, ok := report.Details["stack"].(string)
	require.True(t, ok)
	require.Contains(t, stack, "goroutine")
}

func TestPipeline_ExtractErrorIsFatal(t *testing.T) {
	ds := validDataset()
	ds.extractErr = ingest.ErrRetriesExhausted

	report, err := ingest.New(ds, &memStore{}, nil).Run(context.Background())
	require.ErrorIs(t, err, ingest.ErrRetriesExhausted)
	require.Equal(t, ingest.StateError, report.State)
	require.Equal(t, 1, report.Failed)
}

func TestPipeline_ProgressEventsAreOrdered(t *testing.T) {
	ds := validDataset(
		ingest.Record{"id": "1"},
		ingest.Record{"id": "2"},
	)

	var events []ingest.ProgressEvent
	p := ingest.New(ds, &memStore{}, nil).
		WithKeySpec(ingest.KeySpec{Primary: []string{"id"}}).
		OnProgress(func(ev ingest.ProgressEvent) { events = append(events, ev) })

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	require.Equal(t, ingest.StatusValidating, events[0].Status)
	require.Equal(t, ingest.StatusCompleted, events[len(events)-1].Status)
	require.Equal(t, float64(100), events[len(events)-1].Percent)

	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent,
			"percent regressed at event %d (%s)", i, events[i].Message)
	}

	var sawDedupe bool
	for _, ev := range events {
		if ev.Status == ingest.StatusLoading && ev.Detail != nil {
			if _, ok := ev.Detail["duplicatesFound"]; ok {
				sawDedupe = true
			}
		}
	}
	require.True(t, sawDedupe, "expected a deduplication milestone event")
}

func TestPipeline_DeduplicatesBeforeLoad(t *testing.T) {
	ds := &keyedDataset{
		stubDataset: validDataset(
			ingest.Record{"id": "7", "valor": 10.0},
			ingest.Record{"id": "7", "valor": 10.0},
			ingest.Record{"id": "8", "valor": 20.0},
		),
		spec:   ingest.KeySpec{Primary: []string{"id"}},
		policy: ingest.PolicyKeepFirst,
	}
	store := &memStore{}

	report, err := ingest.New(ds, store, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 2, store.count())
	require.Equal(t, 1, report.Details["duplicatesFound"])
	require.InDelta(t, 100.0/3*2, report.Details["integrityScore"].(float64), 1.0)
}

func TestPipeline_AbortOnConflictIsFatal(t *testing.T) {
	ds := &keyedDataset{
		stubDataset: validDataset(
			ingest.Record{"id": "7", "valor": 10.0},
			ingest.Record{"id": "7", "valor": 99.0},
		),
		spec:   ingest.KeySpec{Primary: []string{"id"}, Sensitive: []string{"valor"}},
		policy: ingest.PolicyAbortOnConflict,
	}
	store := &memStore{}

	report, err := ingest.New(ds, store, nil).Run(context.Background())
	require.ErrorIs(t, err, ingest.ErrConflict)
	require.Equal(t, ingest.StateError, report.State)
	require.Equal(t, 0, store.count())
}

func TestPipeline_BuilderOverridesBeatDatasetInterfaces(t *testing.T) {
	ds := &keyedDataset{
		stubDataset: validDataset(
			ingest.Record{"id": "7", "nome": "first"},
			ingest.Record{"id": "7", "nome": "last"},
		),
		spec:   ingest.KeySpec{Primary: []string{"id"}},
		policy: ingest.PolicyKeepFirst,
	}
	store := &memStore{}

	_, err := ingest.New(ds, store, nil).
		WithPolicy(ingest.PolicyKeepLast).
		Run(context.Background())
	require.NoError(t, err)

	payload, ok := store.byPath("despesas/7")
	require.True(t, ok)
	require.Equal(t, "last", payload["nome"])
}

func TestPipeline_AuthoritativeOverrideBypassesDedup(t *testing.T) {
	ds := &keyedDataset{
		stubDataset: validDataset(
			ingest.Record{"id": "7", "valor": 10.0},
			ingest.Record{"id": "7", "valor": 99.0},
		),
		spec:   ingest.KeySpec{Primary: []string{"id"}, Sensitive: []string{"valor"}},
		policy: ingest.PolicyAbortOnConflict,
	}
	store := &memStore{}

	report, err := ingest.New(ds, store, nil).
		WithAuthoritative(true).
		Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 0, report.Details["duplicatesFound"])
}

func TestPipeline_LifecycleHooksAndReporter(t *testing.T) {
	ds := &lifecycleDataset{stubDataset: validDataset(ingest.Record{"id": "1"})}

	var callbackEvents int
	report, err := ingest.New(ds, &memStore{}, nil).
		OnProgress(func(ingest.ProgressEvent) { callbackEvents++ }).
		Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	require.True(t, ds.started)
	require.True(t, ds.stopped)
	require.NoError(t, ds.stopErr)

	// The dataset reporter observes the same stream as registered callbacks.
	require.Len(t, ds.events, callbackEvents)
	require.Equal(t, ingest.StatusValidating, ds.events[0].Status)
}

func TestPipeline_StopperSeesFatalError(t *testing.T) {
	ds := &lifecycleDataset{stubDataset: &stubDataset{
		validation: ingest.Validation{Errors: []string{"bad config"}},
	}}

	_, err := ingest.New(ds, &memStore{}, nil).Run(context.Background())
	require.Error(t, err)
	require.True(t, ds.stopped)
	require.ErrorIs(t, ds.stopErr, ingest.ErrValidation)
}

func TestPipeline_RunIsNotReentrant(t *testing.T) {
	ds := validDataset(ingest.Record{"id": "1"})
	p := ingest.New(ds, &memStore{}, nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.Error(t, err)
	require.Nil(t, report)
}

func TestPipeline_PlanErrorIsFatal(t *testing.T) {
	ds := validDataset(ingest.Record{"id": "1"})
	ds.planErr = fmt.Errorf("no write path for record")

	report, err := ingest.New(ds, &memStore{}, nil).Run(context.Background())
	require.ErrorContains(t, err, "planning writes")
	require.Equal(t, ingest.StateError, report.State)
}
