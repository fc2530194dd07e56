package changes

import (
	"sort"
	"strings"
)

// isZeroID reports the empty id or the all-zero id git hosts send for "no commit".
func isZeroID(id string) bool {
	if id == "" {
		return true
	}
	return strings.Trim(id, "0") == ""
}

// RevisionRange is the commit range of one sync. Before is empty for a root
// commit, meaning "diff against the empty tree".
type RevisionRange struct {
	Before string
	After  string
	Ref    string
}

// NewRange normalises all-zero object ids to the empty string.
func NewRange(before, after, ref string) RevisionRange {
	if isZeroID(before) {
		before = ""
	}
	if isZeroID(after) {
		after = ""
	}
	return RevisionRange{Before: before, After: after, Ref: ref}
}

// IsRoot reports whether the range starts at the empty tree.
func (r RevisionRange) IsRoot() bool { return r.Before == "" }

func (r RevisionRange) String() string {
	before := r.Before
	if before == "" {
		before = "(root)"
	}
	return short(before) + ".." + short(r.After)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// PathError is a per-path failure.
type PathError struct {
	Path  string
	Cause error
}

func (e PathError) Error() string {
	if e.Cause == nil {
		return e.Path
	}
	return e.Path + ": " + e.Cause.Error()
}

func (e PathError) Unwrap() error { return e.Cause }

// Result is the outcome of one sync. It is built once and not modified;
// accessors return copies.
type Result struct {
	rng         RevisionRange
	published   int
	unchanged   int
	deleted     int
	invalidated []string
	batches     []string
	errs        []PathError
}

// ResultParams carries the values for NewResult.
type ResultParams struct {
	Range            RevisionRange
	PublishedCount   int
	UnchangedCount   int
	DeletedCount     int
	InvalidatedPaths []string
	BatchIDs         []string
	Errors           []PathError
}

// NewResult copies p into an immutable Result. Invalidated paths are
// deduplicated and sorted.
func NewResult(p ResultParams) *Result {
	seen := make(map[string]struct{}, len(p.InvalidatedPaths))
	inv := make([]string, 0, len(p.InvalidatedPaths))
	for _, x := range p.InvalidatedPaths {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		inv = append(inv, x)
	}
	sort.Strings(inv)

	return &Result{
		rng:         p.Range,
		published:   p.PublishedCount,
		unchanged:   p.UnchangedCount,
		deleted:     p.DeletedCount,
		invalidated: inv,
		batches:     append([]string(nil), p.BatchIDs...),
		errs:        append([]PathError(nil), p.Errors...),
	}
}

func (r *Result) Range() RevisionRange { return r.rng }

// PublishedCount counts successful writes, including no-op rewrites.
func (r *Result) PublishedCount() int { return r.published }

// UnchangedCount is the subset of PublishedCount whose content already matched.
func (r *Result) UnchangedCount() int { return r.unchanged }

func (r *Result) DeletedCount() int { return r.deleted }

// InvalidatedPaths returns the CDN paths submitted for invalidation, sorted.
func (r *Result) InvalidatedPaths() []string { return append([]string(nil), r.invalidated...) }

// BatchIDs returns the CDN invalidation ids in submission order.
func (r *Result) BatchIDs() []string { return append([]string(nil), r.batches...) }

// Errors returns per-path failures in the order they were recorded.
func (r *Result) Errors() []PathError { return append([]PathError(nil), r.errs...) }

// Failed reports whether any path failed.
func (r *Result) Failed() bool { return len(r.errs) > 0 }
