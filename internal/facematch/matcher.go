package facematch

import (
	"cmp"
	"slices"
	"strings"
)

// Matcher scores a query embedding against a snapshot of known faces.
// It holds only immutable parameters and is safe for concurrent use.
type Matcher struct {
	Dim int

	// Tolerance is the admission cut-off: candidates further away are ignored.
	Tolerance float64

	// MatchThreshold is the identification cut-off: the closest admissible
	// candidate only names the face when its distance is at or below it.
	MatchThreshold float64
}

// NewMatcher creates a matcher for embeddings of the given dimensionality.
func NewMatcher(dim int, tolerance, matchThreshold float64) *Matcher {
	return &Matcher{Dim: dim, Tolerance: tolerance, MatchThreshold: matchThreshold}
}

// Match finds the closest admissible entry. Ties on distance go to the
// lexicographically smaller ID so repeated runs agree. Entries with a
// mismatched dimension are skipped; a mismatched query is an error.
func (m *Matcher) Match(query []float32, region *BBox, snapshot []Entry) (MatchResult, error) {
	result := MatchResult{Region: region, Label: Unknown, NearestLabel: Unknown}
	if err := CheckDim(query, m.Dim); err != nil {
		return result, err
	}

	best := -1
	var bestDistance float64
	for i := range snapshot {
		e := &snapshot[i]
		if len(e.Embedding) != m.Dim {
			continue
		}
		d := Distance(query, e.Embedding)
		if !(d <= m.Tolerance) {
			continue
		}
		if best < 0 || d < bestDistance || (d == bestDistance && e.ID < snapshot[best].ID) {
			best = i
			bestDistance = d
		}
	}

	if best < 0 {
		return result, nil
	}

	winner := snapshot[best]
	result.BestEntryID = winner.ID
	result.NearestLabel = winner.Label
	result.Distance = bestDistance
	result.Confidence = Confidence(bestDistance, m.Tolerance)
	if bestDistance <= m.MatchThreshold {
		result.Confirmed = true
		result.Label = winner.Label
	}
	return result, nil
}

// Ranked returns up to k entries ordered by distance (then ID), without any
// tolerance filtering. Used for "closest known faces" listings.
func (m *Matcher) Ranked(query []float32, snapshot []Entry, k int) ([]Entry, []float64, error) {
	if err := CheckDim(query, m.Dim); err != nil {
		return nil, nil, err
	}
	type scored struct {
		entry Entry
		d     float64
	}
	all := make([]scored, 0, len(snapshot))
	for _, e := range snapshot {
		if len(e.Embedding) != m.Dim {
			continue
		}
		all = append(all, scored{entry: e, d: Distance(query, e.Embedding)})
	}
	slices.SortFunc(all, func(a, b scored) int {
		if c := cmp.Compare(a.d, b.d); c != 0 {
			return c
		}
		return strings.Compare(a.entry.ID, b.entry.ID)
	})
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	entries := make([]Entry, len(all))
	distances := make([]float64, len(all))
	for i, s := range all {
		entries[i] = s.entry
		distances[i] = s.d
	}
	return entries, distances, nil
}
