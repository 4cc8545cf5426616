package database

import (
	"time"

	"github.com/kozaktomas/face-watch/internal/facematch"
)

// StoredFace is a known face as persisted by a storage backend.
type StoredFace struct {
	ID        string
	Label     facematch.Label
	Embedding []float32
	Ref       string // backend-specific image reference (relative path, row key)
	CreatedAt time.Time
}

// Entry converts the stored record into the in-memory entry used for matching.
func (f StoredFace) Entry() facematch.Entry {
	return facematch.Entry{
		ID:        f.ID,
		Label:     f.Label,
		Embedding: f.Embedding,
		Ref:       f.Ref,
	}
}

// SkippedEntry is a persisted record that could not be loaded.
type SkippedEntry struct {
	Ref    string
	Reason string
}

// LoadReport summarizes a store load.
type LoadReport struct {
	Loaded  int
	Skipped []SkippedEntry
}
