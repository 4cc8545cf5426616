// Package facematch holds the embedding matching logic shared between the CLI,
// the web handlers and the recognition service.
package facematch

// Entry is a single known face: one embedding of one person (or of an unknown face).
// A person usually has many entries, one per saved angle or photo.
type Entry struct {
	ID        string    // unique within a store, lexicographically ordered by creation
	Label     Label     // person name or Unknown
	Embedding []float32 // fixed dimensionality, never mutated after creation
	Ref       string    // opaque handle to the stored image (path or row key)
}

// Detection is one face found by the external detect-and-encode service.
type Detection struct {
	Embedding []float32
	Region    *BBox   // nil when the detector did not report a location
	Score     float64 // detector confidence, 0 if not reported
}

// MatchResult is the outcome of matching one query embedding against a store snapshot.
// It is created once per query and never mutated.
type MatchResult struct {
	Region *BBox `json:"region,omitempty"`

	// BestEntryID is the closest admissible entry (distance <= tolerance),
	// empty when no entry was admissible.
	BestEntryID string `json:"best_entry_id,omitempty"`

	// NearestLabel is the label of BestEntryID, reported even when the
	// candidate did not clear the match threshold.
	NearestLabel Label `json:"nearest_label"`

	// Label is the identified person, or Unknown when no candidate was
	// close enough to count as an identification.
	Label Label `json:"label"`

	Confirmed  bool    `json:"confirmed"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"` // in [0, 1]
}

// ConfidencePercent returns the confidence rounded to a whole percentage (0-100).
func (r MatchResult) ConfidencePercent() int {
	return int(r.Confidence*100 + 0.5)
}
