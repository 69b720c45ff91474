package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ShardPlan describes how to split an oversized aggregate document into a
// lightweight placeholder plus child partition documents. The placeholder is
// written at the original path carrying the summary fields and an
// isSharded=true marker; detail records land in child documents under a
// nested collection. Readers consult the marker to know whether to fan out.
type ShardPlan struct {
	// Field is the payload key holding the detail records to partition.
	Field string

	// Collection is the nested collection name for the child documents.
	Collection string

	// PartitionKey derives a child document id from one detail record, e.g.
	// a calendar sub-period ("2024-03"). When nil, details are chunked into
	// fixed-size parts named part-0000, part-0001, ...
	PartitionKey func(Record) string

	// ChunkSize is the per-part record cap used when PartitionKey is nil.
	// Values less than 1 fall back to 500.
	ChunkSize int
}

// payloadSize estimates a payload's serialized size in bytes.
func payloadSize(payload Record) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("estimating payload size: %w", err)
	}
	return len(b), nil
}

// shardOps expands one oversized write into placeholder + child operations.
// Returns (nil, false) when the payload fits under the threshold or carries
// no partitionable detail field.
func shardOps(op WriteOp, plan ShardPlan, threshold int) ([]WriteOp, bool) {
	size, err := payloadSize(op.Payload)
	if err != nil || size <= threshold {
		return nil, false
	}

	details := detailRecords(op.Payload[plan.Field])
	if len(details) == 0 {
		return nil, false
	}

	parts := partition(details, plan)

	placeholder := op.Payload.Clone()
	delete(placeholder, plan.Field)
	placeholder["isSharded"] = true
	placeholder["shardCollection"] = plan.Collection
	placeholder["shardCount"] = len(parts)
	placeholder["detailCount"] = len(details)

	ops := make([]WriteOp, 0, len(parts)+1)
	ops = append(ops, WriteOp{Path: op.Path, Payload: placeholder, Merge: op.Merge})

	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		items := make([]any, len(parts[k]))
		for i, rec := range parts[k] {
			items[i] = map[string]any(rec)
		}
		ops = append(ops, WriteOp{
			Path:    op.Path + "/" + plan.Collection + "/" + k,
			Payload: Record{plan.Field: items, "partition": k},
			Merge:   op.Merge,
		})
	}
	return ops, true
}

// partition groups detail records by the plan's partition key, or chunks
// them into fixed-size parts when no key function is configured.
func partition(details []Record, plan ShardPlan) map[string][]Record {
	if plan.PartitionKey != nil {
		return groupBy(details, plan.PartitionKey)
	}

	size := plan.ChunkSize
	if size < 1 {
		size = 500
	}
	parts := make(map[string][]Record)
	for i, part := range chunk(details, size) {
		parts[fmt.Sprintf("part-%04d", i)] = part
	}
	return parts
}

// detailRecords coerces a payload field into []Record.
func detailRecords(v any) []Record {
	switch t := v.(type) {
	case []Record:
		return t
	case []map[string]any:
		out := make([]Record, len(t))
		for i, m := range t {
			out[i] = Record(m)
		}
		return out
	case []any:
		var out []Record
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, Record(m))
			}
		}
		return out
	default:
		return nil
	}
}

// chunk splits a slice into sub-slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 || size <= 0 {
		return nil
	}

	numChunks := (len(items) + size - 1) / size
	result := make([][]T, 0, numChunks)

	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		result = append(result, items[i:end])
	}

	return result
}

// groupBy groups items by a key extracted from each item.
func groupBy[T any, K comparable](items []T, keyFn func(T) K) map[K][]T {
	result := make(map[K][]T)
	for _, item := range items {
		key := keyFn(item)
		result[key] = append(result[key], item)
	}
	return result
}
