// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

// MockFaceStorage is an in-memory implementation of database.FaceStorage
type MockFaceStorage struct {
	mu      sync.RWMutex
	faces   map[string]*database.StoredFace // by ref
	images  map[string][]byte
	skipped []database.SkippedEntry
	nextRef int

	// Error injection
	LoadError            error
	SaveError            error
	RelabelError         error
	UpdateEmbeddingError error
	DeleteError          error
	ReadImageError       error

	// Call counters
	SaveCalls    int
	RelabelCalls int
	DeleteCalls  int
}

// NewMockFaceStorage creates a new empty mock storage
func NewMockFaceStorage() *MockFaceStorage {
	return &MockFaceStorage{
		faces:  make(map[string]*database.StoredFace),
		images: make(map[string][]byte),
	}
}

// AddFace seeds a face as if it had been persisted earlier. An empty ref is
// replaced with a generated one, which is returned.
func (m *MockFaceStorage) AddFace(face database.StoredFace, image []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if face.Ref == "" {
		face.Ref = m.newRefLocked()
	}
	m.faces[face.Ref] = &face
	m.images[face.Ref] = bytes.Clone(image)
	return face.Ref
}

// AddSkipped makes LoadAll report a corrupt record
func (m *MockFaceStorage) AddSkipped(ref, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = append(m.skipped, database.SkippedEntry{Ref: ref, Reason: reason})
}

// Faces returns a copy of every persisted face ordered by ref
func (m *MockFaceStorage) Faces() []database.StoredFace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.StoredFace, 0, len(m.faces))
	for _, f := range m.faces {
		out = append(out, *f)
	}
	slices.SortFunc(out, func(a, b database.StoredFace) int {
		return strings.Compare(a.Ref, b.Ref)
	})
	return out
}

// Face returns the persisted face for a ref
func (m *MockFaceStorage) Face(ref string) (database.StoredFace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.faces[ref]
	if !ok {
		return database.StoredFace{}, false
	}
	return *f, true
}

func (m *MockFaceStorage) newRefLocked() string {
	m.nextRef++
	return fmt.Sprintf("mock-%04d", m.nextRef)
}

// LoadAll returns every seeded face and the configured skipped entries
func (m *MockFaceStorage) LoadAll(ctx context.Context) ([]database.StoredFace, []database.SkippedEntry, error) {
	if m.LoadError != nil {
		return nil, nil, m.LoadError
	}
	m.mu.RLock()
	skipped := slices.Clone(m.skipped)
	m.mu.RUnlock()
	return m.Faces(), skipped, nil
}

// Save stores the face under a new ref
func (m *MockFaceStorage) Save(ctx context.Context, face database.StoredFace, image []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	if m.SaveError != nil {
		return "", m.SaveError
	}
	face.Ref = m.newRefLocked()
	m.faces[face.Ref] = &face
	m.images[face.Ref] = bytes.Clone(image)
	return face.Ref, nil
}

// Relabel changes the label and moves the face to a new ref, like the filesystem backend does
func (m *MockFaceStorage) Relabel(ctx context.Context, ref string, label facematch.Label) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RelabelCalls++
	if m.RelabelError != nil {
		return "", m.RelabelError
	}
	f, ok := m.faces[ref]
	if !ok {
		return "", &database.NotFoundError{Kind: "image", ID: ref}
	}
	newRef := m.newRefLocked()
	f.Label = label
	f.Ref = newRef
	m.faces[newRef] = f
	m.images[newRef] = m.images[ref]
	delete(m.faces, ref)
	delete(m.images, ref)
	return newRef, nil
}

// UpdateEmbedding replaces the stored embedding
func (m *MockFaceStorage) UpdateEmbedding(ctx context.Context, ref string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateEmbeddingError != nil {
		return m.UpdateEmbeddingError
	}
	f, ok := m.faces[ref]
	if !ok {
		return &database.NotFoundError{Kind: "image", ID: ref}
	}
	f.Embedding = slices.Clone(embedding)
	return nil
}

// Delete removes the face
func (m *MockFaceStorage) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, ok := m.faces[ref]; !ok {
		return &database.NotFoundError{Kind: "image", ID: ref}
	}
	delete(m.faces, ref)
	delete(m.images, ref)
	return nil
}

// ReadImage returns the stored image bytes
func (m *MockFaceStorage) ReadImage(ctx context.Context, ref string) ([]byte, error) {
	if m.ReadImageError != nil {
		return nil, m.ReadImageError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[ref]
	if !ok {
		return nil, &database.NotFoundError{Kind: "image", ID: ref}
	}
	return bytes.Clone(img), nil
}

// Close does nothing
func (m *MockFaceStorage) Close() error {
	return nil
}

// MockFaceEncoder is a mock implementation of database.FaceEncoder that returns
// preconfigured detections keyed by the exact image bytes.
type MockFaceEncoder struct {
	mu         sync.RWMutex
	detections map[string][]facematch.Detection

	// Default is returned for images without a registered response
	Default []facematch.Detection

	// Error injection
	DetectError error

	Calls int
}

// NewMockFaceEncoder creates a new mock encoder
func NewMockFaceEncoder() *MockFaceEncoder {
	return &MockFaceEncoder{
		detections: make(map[string][]facematch.Detection),
	}
}

// SetDetections registers the faces returned for an image
func (m *MockFaceEncoder) SetDetections(image []byte, detections ...facematch.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections[string(image)] = detections
}

// DetectFaces returns the registered detections for the image
func (m *MockFaceEncoder) DetectFaces(ctx context.Context, image []byte) ([]facematch.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.DetectError != nil {
		return nil, m.DetectError
	}
	if d, ok := m.detections[string(image)]; ok {
		return slices.Clone(d), nil
	}
	return slices.Clone(m.Default), nil
}

// Verify interface compliance
var (
	_ database.FaceStorage = (*MockFaceStorage)(nil)
	_ database.FaceEncoder = (*MockFaceEncoder)(nil)
)
