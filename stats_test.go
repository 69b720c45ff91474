package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencivic/ingest"
)

func TestPhaseStats_JSONRoundTrip(t *testing.T) {
	var s ingest.PhaseStats
	require.NoError(t, json.Unmarshal([]byte(`{"total":10,"sucessos":7,"falhas":3}`), &s))
	require.EqualValues(t, 10, s.Total())
	require.EqualValues(t, 7, s.Succeeded())
	require.EqualValues(t, 3, s.Failed())

	b, err := json.Marshal(&s)
	require.NoError(t, err)
	require.JSONEq(t, `{"total":10,"sucessos":7,"falhas":3}`, string(b))
}

func TestReport_JSONUsesUpstreamKeys(t *testing.T) {
	rep := &ingest.Report{
		RunID:             "run-1",
		State:             ingest.StateFinalized,
		Succeeded:         5,
		Failed:            1,
		Warnings:          []string{"entity skipped"},
		Duration:          1500 * time.Millisecond,
		ExtractDuration:   900 * time.Millisecond,
		TransformDuration: 100 * time.Millisecond,
		LoadDuration:      500 * time.Millisecond,
		Destination:       "firestore",
		Details:           map[string]any{"integrityScore": 98.5},
	}

	b, err := json.Marshal(rep)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, "run-1", got["runId"])
	require.Equal(t, "FINALIZED", got["status"])
	require.EqualValues(t, 5, got["sucessos"])
	require.EqualValues(t, 1, got["falhas"])
	require.EqualValues(t, 1500, got["tempoProcessamento"])
	require.EqualValues(t, 900, got["tempoExtracao"])
	require.EqualValues(t, 100, got["tempoTransformacao"])
	require.EqualValues(t, 500, got["tempoCarregamento"])
	require.Equal(t, "firestore", got["destino"])
	require.Equal(t, []any{"entity skipped"}, got["avisos"])
	require.Equal(t, 98.5, got["detalhes"].(map[string]any)["integrityScore"])
}

func TestRunStats_ElapsedFreezesAfterRun(t *testing.T) {
	p := ingest.New(validDataset(ingest.Record{"id": "1"}), &memStore{}, nil)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	frozen := p.Stats().Elapsed()
	require.Equal(t, report.Duration, frozen)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, frozen, p.Stats().Elapsed())
}

func TestRunStats_PhaseDurationsReachReport(t *testing.T) {
	ds := validDataset(ingest.Record{"id": "1"})
	ds.transformFn = func(in []ingest.Record) []ingest.Record {
		time.Sleep(2 * time.Millisecond)
		return in
	}
	p := ingest.New(ds, &memStore{}, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, report.TransformDuration, time.Duration(0))
	require.Equal(t, report.TransformDuration, p.Stats().PhaseDuration(ingest.PhaseTransform))
}
