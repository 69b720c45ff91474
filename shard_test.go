package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func monthlyPlan() ShardPlan {
	return ShardPlan{
		Field:      "despesas",
		Collection: "meses",
		PartitionKey: func(r Record) string {
			s, _ := r["mes"].(string)
			return s
		},
	}
}

func aggregatePayload() Record {
	return Record{
		"id":   "dep-204554",
		"nome": "Fulano de Tal",
		"despesas": []any{
			map[string]any{"mes": "2024-01", "valor": 100.0},
			map[string]any{"mes": "2024-01", "valor": 250.0},
			map[string]any{"mes": "2024-02", "valor": 75.5},
		},
	}
}

func TestShardOps_ThresholdBoundary(t *testing.T) {
	op := WriteOp{Path: "deputados/dep-204554", Payload: aggregatePayload(), Merge: true}
	size, err := payloadSize(op.Payload)
	require.NoError(t, err)

	// At exactly the serialized size: fits, no sharding.
	ops, sharded := shardOps(op, monthlyPlan(), size)
	require.False(t, sharded)
	require.Nil(t, ops)

	// One byte under: sharded.
	_, sharded = shardOps(op, monthlyPlan(), size-1)
	require.True(t, sharded)
}

func TestShardOps_PlaceholderAndChildren(t *testing.T) {
	op := WriteOp{Path: "deputados/dep-204554", Payload: aggregatePayload(), Merge: true}

	ops, sharded := shardOps(op, monthlyPlan(), 1)
	require.True(t, sharded)
	require.Len(t, ops, 3)

	placeholder := ops[0]
	require.Equal(t, "deputados/dep-204554", placeholder.Path)
	require.Equal(t, true, placeholder.Payload["isSharded"])
	require.Equal(t, "meses", placeholder.Payload["shardCollection"])
	require.Equal(t, 2, placeholder.Payload["shardCount"])
	require.Equal(t, 3, placeholder.Payload["detailCount"])
	require.NotContains(t, placeholder.Payload, "despesas")
	require.Equal(t, "Fulano de Tal", placeholder.Payload["nome"])

	// Children are emitted in sorted partition order under the nested
	// collection, each carrying its slice of the details.
	require.Equal(t, "deputados/dep-204554/meses/2024-01", ops[1].Path)
	require.Equal(t, "2024-01", ops[1].Payload["partition"])
	require.Len(t, ops[1].Payload["despesas"], 2)

	require.Equal(t, "deputados/dep-204554/meses/2024-02", ops[2].Path)
	require.Len(t, ops[2].Payload["despesas"], 1)

	for _, o := range ops {
		require.NoError(t, o.Validate())
		require.True(t, o.Merge)
	}
}

func TestShardOps_OriginalPayloadUntouched(t *testing.T) {
	payload := aggregatePayload()
	op := WriteOp{Path: "deputados/dep-204554", Payload: payload}

	_, sharded := shardOps(op, monthlyPlan(), 1)
	require.True(t, sharded)
	require.Contains(t, payload, "despesas")
	require.NotContains(t, payload, "isSharded")
}

func TestShardOps_ChunksWithoutPartitionKey(t *testing.T) {
	details := make([]any, 5)
	for i := range details {
		details[i] = map[string]any{"n": i}
	}
	op := WriteOp{
		Path:    "deputados/dep-1",
		Payload: Record{"id": "dep-1", "despesas": details},
	}
	plan := ShardPlan{Field: "despesas", Collection: "partes", ChunkSize: 2}

	ops, sharded := shardOps(op, plan, 1)
	require.True(t, sharded)
	require.Len(t, ops, 4)
	require.Equal(t, "deputados/dep-1/partes/part-0000", ops[1].Path)
	require.Equal(t, "deputados/dep-1/partes/part-0001", ops[2].Path)
	require.Equal(t, "deputados/dep-1/partes/part-0002", ops[3].Path)
	require.Len(t, ops[3].Payload["despesas"], 1)
}

func TestShardOps_NoDetailFieldStaysWhole(t *testing.T) {
	op := WriteOp{
		Path:    "deputados/dep-1",
		Payload: Record{"id": "dep-1", "blob": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
	}

	ops, sharded := shardOps(op, monthlyPlan(), 1)
	require.False(t, sharded)
	require.Nil(t, ops)
}

func TestChunk(t *testing.T) {
	require.Nil(t, chunk([]int{}, 3))
	require.Equal(t, [][]int{{1, 2, 3}, {4, 5}}, chunk([]int{1, 2, 3, 4, 5}, 3))
	require.Equal(t, [][]int{{1}, {2}}, chunk([]int{1, 2}, 1))
}

func TestGroupBy(t *testing.T) {
	got := groupBy([]string{"aa", "ab", "ba"}, func(s string) string { return s[:1] })
	require.Equal(t, map[string][]string{"a": {"aa", "ab"}, "b": {"ba"}}, got)
}
