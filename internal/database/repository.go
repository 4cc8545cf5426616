package database

import (
	"context"

	"github.com/kozaktomas/face-watch/internal/facematch"
)

// FaceStorage persists known faces as (label, embedding, image bytes) keyed by a
// stable reference. All methods report storage errors to the caller; none retry.
type FaceStorage interface {
	// LoadAll reads every persisted face. Unreadable or corrupt records are
	// returned as skipped entries; an error means the storage itself is unreachable.
	LoadAll(ctx context.Context) ([]StoredFace, []SkippedEntry, error)

	// Save persists a new face and its image and returns the reference.
	Save(ctx context.Context, face StoredFace, image []byte) (string, error)

	// Relabel moves a face to a new label and returns its (possibly new) reference.
	// The embedding and the image bytes are not changed.
	Relabel(ctx context.Context, ref string, label facematch.Label) (string, error)

	// UpdateEmbedding replaces the stored embedding of a face.
	UpdateEmbedding(ctx context.Context, ref string, embedding []float32) error

	// Delete removes the face record and its image.
	Delete(ctx context.Context, ref string) error

	// ReadImage returns the stored image bytes.
	ReadImage(ctx context.Context, ref string) ([]byte, error)

	// Close releases backend resources.
	Close() error
}

// FaceEncoder is the external detect-and-encode service: one detection per face found.
type FaceEncoder interface {
	DetectFaces(ctx context.Context, image []byte) ([]facematch.Detection, error)
}

// NearestSearcher is implemented by backends that can rank faces by L2 distance
// themselves (pgvector). Others rely on the in-memory HNSW index.
type NearestSearcher interface {
	Nearest(ctx context.Context, embedding []float32, limit int) ([]string, []float64, error)
}
