package ingest

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Policy selects how a primary-key collision between two records is resolved.
type Policy int

const (
	// PolicyKeepFirst keeps the first-seen record and drops later ones.
	PolicyKeepFirst Policy = iota

	// PolicyKeepLast keeps the last-seen record.
	PolicyKeepLast

	// PolicyMerge merges field-by-field, preferring whichever side is
	// non-empty; sensitive fields always keep the first-seen value.
	PolicyMerge

	// PolicyAbortOnConflict terminates the whole deduplication call with a
	// fatal error on the first conflicting collision.
	PolicyAbortOnConflict
)

func (p Policy) String() string {
	switch p {
	case PolicyKeepFirst:
		return "KEEP_FIRST"
	case PolicyKeepLast:
		return "KEEP_LAST"
	case PolicyMerge:
		return "MERGE"
	case PolicyAbortOnConflict:
		return "ABORT_ON_CONFLICT"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Severity grades how badly two records sharing a primary key disagree.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// KeySpec configures identity-key generation for deduplication.
type KeySpec struct {
	// Primary is the ordered field tuple whose hash identifies a record.
	Primary []string

	// Secondary optionally names a second composite used only to flag likely
	// duplicates whose primary keys differ.
	Secondary []string

	// Sensitive names fields whose conflicts are always critical and whose
	// merged value is always the first-seen one.
	Sensitive []string
}

// Duplicate describes one primary-key collision between two input records.
type Duplicate struct {
	Key            string
	OriginalIndex  int
	DuplicateIndex int
	ConflictFields []string
	Severity       Severity
}

// DedupeResult is the outcome of one deduplication pass.
type DedupeResult struct {
	// Records holds exactly one surviving record per primary key, in
	// first-seen order. Survivors are chosen per policy; inputs are never
	// mutated (merge produces new Record values).
	Records []Record

	// DuplicatesFound counts primary-key collisions.
	DuplicatesFound int

	// Duplicates details each collision.
	Duplicates []Duplicate

	// LikelyDuplicates flags secondary-key matches across distinct primary
	// keys that carry non-empty field differences. Flagged only, never
	// resolved.
	LikelyDuplicates []Duplicate

	// IntegrityScore is a 0-100 health metric of the pass, penalized by the
	// duplicate rate and by conflict severity.
	IntegrityScore float64
}

// Integrity assigns stable identities to records, detects conflicting
// duplicates, and resolves them under a configured policy.
type Integrity struct {
	spec          KeySpec
	policy        Policy
	authoritative bool
	log           *slog.Logger
}

// NewIntegrity creates an integrity controller for the given key spec with
// PolicyKeepFirst.
func NewIntegrity(spec KeySpec) *Integrity {
	return &Integrity{
		spec: spec,
		log:  slog.Default(),
	}
}

// WithPolicy sets the conflict-resolution policy.
func (c *Integrity) WithPolicy(p Policy) *Integrity {
	c.policy = p
	return c
}

// WithAuthoritative marks the dataset as an externally validated official
// source. Deduplication then skips matching entirely and returns the input
// unchanged with a perfect score: such data is treated as already
// deduplicated by definition.
func (c *Integrity) WithAuthoritative(v bool) *Integrity {
	c.authoritative = v
	return c
}

// WithLogger sets the structured logger. Nil is ignored.
func (c *Integrity) WithLogger(log *slog.Logger) *Integrity {
	if log != nil {
		c.log = log
	}
	return c
}

// Deduplicate resolves primary-key collisions across records. Exactly one
// record per primary key survives, chosen per policy. The input slice and
// its records are never mutated.
//
// Under PolicyAbortOnConflict a conflicting collision returns an error
// wrapping ErrConflict and no partial result: the caller must treat it as
// pipeline-fatal, not as a per-record skip.
func (c *Integrity) Deduplicate(records []Record) (*DedupeResult, error) {
	if c.authoritative {
		return &DedupeResult{Records: records, IntegrityScore: 100}, nil
	}

	res := &DedupeResult{Records: make([]Record, 0, len(records))}
	survivorAt := make(map[string]int, len(records)) // key -> index into res.Records
	firstSeen := make(map[string]int, len(records))  // key -> original input index

	for i, rec := range records {
		key := c.compositeKey(rec, c.spec.Primary)
		at, dup := survivorAt[key]
		if !dup {
			survivorAt[key] = len(res.Records)
			firstSeen[key] = i
			res.Records = append(res.Records, rec)
			continue
		}

		survivor := res.Records[at]
		conflicts := conflictFields(survivor, rec)
		sev := c.severity(conflicts)
		res.DuplicatesFound++
		res.Duplicates = append(res.Duplicates, Duplicate{
			Key:            key,
			OriginalIndex:  firstSeen[key],
			DuplicateIndex: i,
			ConflictFields: conflicts,
			Severity:       sev,
		})

		switch c.policy {
		case PolicyKeepFirst:
			// Survivor already in place.
		case PolicyKeepLast:
			res.Records[at] = rec
		case PolicyMerge:
			res.Records[at] = c.merge(survivor, rec)
		case PolicyAbortOnConflict:
			if len(conflicts) > 0 {
				return nil, Classify(KindFatal, fmt.Errorf(
					"%w: key %s between records %d and %d on fields %v (severity %s)",
					ErrConflict, key, firstSeen[key], i, conflicts, sev))
			}
			// Byte-identical duplicate: nothing to abort over, keep first.
		}
	}

	res.LikelyDuplicates = c.likelyDuplicates(records)
	res.IntegrityScore = integrityScore(len(records), res)
	return res, nil
}

// compositeKey hashes the configured field values in order. A missing or
// empty field contributes a distinguishing sentinel instead of an empty
// string, so two records both lacking a field never collide with a record
// that legitimately carries an empty value elsewhere in the tuple.
func (c *Integrity) compositeKey(rec Record, fields []string) string {
	h := xxhash.New()
	for i, field := range fields {
		if i > 0 {
			_, _ = h.WriteString("\x1f")
		}
		v, ok := rec[field]
		if !ok || isEmpty(v) {
			_, _ = h.WriteString("MISSING_" + field)
			continue
		}
		_, _ = h.WriteString(fmt.Sprint(v))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// conflictFields returns the sorted set of fields, over the union of both
// records' keys, whose values differ.
func conflictFields(a, b Record) []string {
	var out []string
	for field := range union(a, b) {
		av, aok := a[field]
		bv, bok := b[field]
		if aok != bok || fmt.Sprint(av) != fmt.Sprint(bv) {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

func union(a, b Record) map[string]struct{} {
	u := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		u[k] = struct{}{}
	}
	for k := range b {
		u[k] = struct{}{}
	}
	return u
}

// severity grades a conflict: critical when any sensitive field differs,
// then by how many fields disagree.
func (c *Integrity) severity(conflicts []string) Severity {
	for _, f := range conflicts {
		for _, s := range c.spec.Sensitive {
			if f == s {
				return SeverityCritical
			}
		}
	}
	switch {
	case len(conflicts) > 5:
		return SeverityHigh
	case len(conflicts) > 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// merge combines two records sharing a primary key into a new record.
// Non-sensitive fields prefer whichever side is non-empty (first side wins
// when both are); sensitive fields always keep the first-seen value, even an
// empty one.
func (c *Integrity) merge(first, second Record) Record {
	out := first.Clone()
	for field, sv := range second {
		if c.isSensitive(field) {
			if _, ok := out[field]; !ok {
				out[field] = sv
			}
			continue
		}
		fv, ok := out[field]
		if !ok || (isEmpty(fv) && !isEmpty(sv)) {
			out[field] = sv
		}
	}
	return out
}

func (c *Integrity) isSensitive(field string) bool {
	for _, s := range c.spec.Sensitive {
		if field == s {
			return true
		}
	}
	return false
}

// likelyDuplicates flags records whose secondary composite matches while
// their primary keys differ, when the pair carries a non-empty field
// difference. These are reported for review, never merged or dropped.
func (c *Integrity) likelyDuplicates(records []Record) []Duplicate {
	if len(c.spec.Secondary) == 0 {
		return nil
	}

	byKey := make(map[string][]int)
	primary := make([]string, len(records))
	for i, rec := range records {
		primary[i] = c.compositeKey(rec, c.spec.Primary)
		key := c.compositeKey(rec, c.spec.Secondary)
		byKey[key] = append(byKey[key], i)
	}

	var out []Duplicate
	for key, idxs := range byKey {
		if len(idxs) < 2 {
			continue
		}
		for x := 0; x < len(idxs); x++ {
			for y := x + 1; y < len(idxs); y++ {
				i, j := idxs[x], idxs[y]
				if primary[i] == primary[j] {
					continue // a real duplicate, handled by the primary pass
				}
				conflicts := nonEmptyConflicts(records[i], records[j])
				if len(conflicts) == 0 {
					continue
				}
				out = append(out, Duplicate{
					Key:            key,
					OriginalIndex:  i,
					DuplicateIndex: j,
					ConflictFields: conflicts,
					Severity:       c.severity(conflicts),
				})
			}
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].OriginalIndex != out[b].OriginalIndex {
			return out[a].OriginalIndex < out[b].OriginalIndex
		}
		return out[a].DuplicateIndex < out[b].DuplicateIndex
	})
	return out
}

// nonEmptyConflicts keeps only conflicting fields where both sides carry a
// non-empty value.
func nonEmptyConflicts(a, b Record) []string {
	var out []string
	for _, field := range conflictFields(a, b) {
		if !isEmpty(a[field]) && !isEmpty(b[field]) {
			out = append(out, field)
		}
	}
	return out
}

// integrityScore computes 100 - duplicateRate% - 10*critical - 5*high,
// clamped to [0, 100].
func integrityScore(total int, res *DedupeResult) float64 {
	if total == 0 {
		return 100
	}
	var critical, high int
	for _, d := range res.Duplicates {
		switch d.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}
	rate := float64(res.DuplicatesFound) / float64(total) * 100
	score := 100 - rate - 10*float64(critical) - 5*float64(high)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// isEmpty reports whether a field value is missing for identity and merge
// purposes: nil, a blank string, or an empty slice/map.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
