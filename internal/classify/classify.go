// Package classify partitions raw bulk input into valid and rejected rows
// before any side effect runs.
package classify

import (
	"github.com/dontdude/rollcall/internal/domain"
)

// Reason strings reported for rejected rows.
const (
	ReasonInvalidEmail    = "invalid email"
	ReasonDuplicateInFile = "duplicate within file"
)

// KeySet is a snapshot of dedup keys already known to the store.
type KeySet map[string]struct{}

// Has reports whether k is in the set. A nil set is empty.
func (s KeySet) Has(k string) bool {
	_, ok := s[k]
	return ok
}

// Stats summarises a classification.
type Stats struct {
	Total         int `json:"total"`
	ValidCount    int `json:"validCount"`
	RejectedCount int `json:"rejectedCount"`
}

// Result is the partitioned preview. Both partitions keep input order.
type Result struct {
	Valid    []domain.Classified `json:"valid"`
	Rejected []domain.Classified `json:"rejected"`
	Stats    Stats               `json:"stats"`
}

// ValidItems returns the work items of the valid partition.
func (r Result) ValidItems() []domain.WorkItem {
	out := make([]domain.WorkItem, len(r.Valid))
	for i, c := range r.Valid {
		out[i] = c.Item
	}
	return out
}

// Classify checks required fields, contact format, in-file duplicates and
// already-known keys, in that order. It has no side effects and is
// deterministic for a given input and snapshot.
func Classify(items []domain.WorkItem, schema Schema, existing KeySet) Result {
	res := Result{
		Valid:    []domain.Classified{},
		Rejected: []domain.Classified{},
	}
	seen := make(map[string]struct{})

	for _, item := range items {
		reason := fieldReason(item, schema)

		if reason == "" {
			dup := false
			for _, k := range item.Keys {
				if _, ok := seen[k]; ok {
					dup = true
					break
				}
			}
			if dup {
				reason = ReasonDuplicateInFile
			} else {
				// Keys are claimed even if the row turns out to be known already.
				for _, k := range item.Keys {
					seen[k] = struct{}{}
				}
				for _, k := range item.Keys {
					if existing.Has(k) {
						reason = schema.KnownReason
						break
					}
				}
			}
		}

		if reason == "" {
			res.Valid = append(res.Valid, domain.Classified{Item: item, Verdict: domain.VerdictValid})
			continue
		}
		verdict := domain.VerdictRejected
		if reason == ReasonDuplicateInFile || reason == schema.KnownReason {
			verdict = domain.VerdictDuplicate
		}
		res.Rejected = append(res.Rejected, domain.Classified{Item: item, Verdict: verdict, Reason: reason})
	}

	res.Stats = Stats{
		Total:         len(items),
		ValidCount:    len(res.Valid),
		RejectedCount: len(res.Rejected),
	}
	return res
}

func fieldReason(item domain.WorkItem, schema Schema) string {
	for _, f := range schema.Required {
		if item.Field(f) == "" {
			return "missing " + f
		}
	}
	if schema.Contact != "" && !emailPattern.MatchString(item.Field(schema.Contact)) {
		return ReasonInvalidEmail
	}
	return ""
}
