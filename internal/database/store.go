package database

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

// KnownFaceStore is the in-memory index of every known face. Reads take a shared
// lock and return copies, so a snapshot always reflects the last committed mutation.
type KnownFaceStore struct {
	dim     int
	ids     []string // sorted, gives deterministic listing order
	entries map[string]*facematch.Entry
	byLabel map[string]map[string]struct{} // label key -> ids
	index   *HNSWIndex
	mu      sync.RWMutex
}

// NewKnownFaceStore creates an empty store for embeddings of the given dimensionality.
func NewKnownFaceStore(dim int) *KnownFaceStore {
	return &KnownFaceStore{
		dim:     dim,
		entries: make(map[string]*facematch.Entry),
		byLabel: make(map[string]map[string]struct{}),
		index:   NewHNSWIndex(),
	}
}

// NewEntryID returns a fresh entry id. UUIDv7 ids sort by creation time.
func NewEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Load reads every persisted face from storage and builds a new store. Records that
// are corrupt or have the wrong dimensionality are skipped and reported; only an
// unreachable storage fails the load.
func Load(ctx context.Context, storage FaceStorage, dim int, logger *slog.Logger) (*KnownFaceStore, LoadReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	faces, skipped, err := storage.LoadAll(ctx)
	if err != nil {
		return nil, LoadReport{}, &LoadError{Err: err}
	}

	s := NewKnownFaceStore(dim)
	report := LoadReport{Skipped: skipped}
	for _, f := range faces {
		if err := s.Put(f.Entry()); err != nil {
			report.Skipped = append(report.Skipped, SkippedEntry{Ref: f.Ref, Reason: err.Error()})
			continue
		}
		report.Loaded++
	}

	for _, sk := range report.Skipped {
		logger.Warn("skipped known face", "ref", sk.Ref, "reason", sk.Reason)
	}
	logger.Info("loaded known faces", "loaded", report.Loaded, "skipped", len(report.Skipped))
	return s, report, nil
}

// Dim returns the expected embedding dimensionality.
func (s *KnownFaceStore) Dim() int {
	return s.dim
}

// Len returns the number of entries.
func (s *KnownFaceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// All returns a snapshot of every entry ordered by id.
func (s *KnownFaceStore) All() []facematch.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *KnownFaceStore) snapshotLocked() []facematch.Entry {
	out := make([]facematch.Entry, len(s.ids))
	for i, id := range s.ids {
		out[i] = *s.entries[id]
	}
	return out
}

// Get returns the entry with the given id.
func (s *KnownFaceStore) Get(id string) (facematch.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return facematch.Entry{}, false
	}
	return *e, true
}

// Insert assigns a new id to the face and adds it. Duplicate detection is the
// caller's job.
func (s *KnownFaceStore) Insert(embedding []float32, label facematch.Label, ref string) (string, error) {
	id := NewEntryID()
	if err := s.Put(facematch.Entry{ID: id, Label: label, Embedding: embedding, Ref: ref}); err != nil {
		return "", err
	}
	return id, nil
}

// Put adds an entry whose id was assigned by the caller.
func (s *KnownFaceStore) Put(e facematch.Entry) error {
	if err := facematch.CheckDim(e.Embedding, s.dim); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("duplicate entry id %s", e.ID)
	}
	pos, _ := slices.BinarySearch(s.ids, e.ID)
	s.ids = slices.Insert(s.ids, pos, e.ID)
	s.entries[e.ID] = &e
	s.linkLabelLocked(e.Label, e.ID)
	s.index.Add(&e)
	return nil
}

// Remove deletes an entry. Removing an absent id is an error, including a
// second removal of the same id.
func (s *KnownFaceStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{Kind: "entry", ID: id}
	}
	pos, found := slices.BinarySearch(s.ids, id)
	if found {
		s.ids = slices.Delete(s.ids, pos, pos+1)
	}
	s.unlinkLabelLocked(e.Label, id)
	delete(s.entries, id)
	s.index.Delete(id)
	if s.index.Stale() {
		s.index.Build(s.snapshotLocked())
	}
	return nil
}

// Relabel changes the label of an entry in place. Relabeling to the current
// label changes nothing.
func (s *KnownFaceStore) Relabel(id string, label facematch.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{Kind: "entry", ID: id}
	}
	if e.Label.Equal(label) && e.Label.String() == label.String() {
		return nil
	}
	s.unlinkLabelLocked(e.Label, id)
	e.Label = label
	s.linkLabelLocked(label, id)
	return nil
}

// SetRef updates the storage reference of an entry (after a backend moved its image).
func (s *KnownFaceStore) SetRef(id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{Kind: "entry", ID: id}
	}
	e.Ref = ref
	return nil
}

// SetEmbedding replaces the embedding of an entry (after re-encoding its image).
func (s *KnownFaceStore) SetEmbedding(id string, embedding []float32) error {
	if err := facematch.CheckDim(embedding, s.dim); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{Kind: "entry", ID: id}
	}
	e.Embedding = embedding
	s.index.Add(e) // replaces the node with the same key
	return nil
}

// ListByLabel returns all entries with the label, ordered by id.
// Unknown selects every entry never confirmed to a real name.
func (s *KnownFaceStore) ListByLabel(label facematch.Label) []facematch.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byLabel[label.Key()]
	out := make([]facematch.Entry, 0, len(ids))
	for id := range ids {
		out = append(out, *s.entries[id])
	}
	slices.SortFunc(out, func(a, b facematch.Entry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Labels returns the distinct person labels in the store, ordered by index key.
func (s *KnownFaceStore) Labels() []facematch.Label {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.byLabel))
	for k := range s.byLabel {
		if k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := make([]facematch.Label, 0, len(keys))
	for _, k := range keys {
		for id := range s.byLabel[k] {
			out = append(out, s.entries[id].Label)
			break
		}
	}
	return out
}

// Candidates returns up to k entries that are likely nearest to the query,
// as proposed by the HNSW index. Distances are not computed here.
func (s *KnownFaceStore) Candidates(query []float32, k int) ([]facematch.Entry, error) {
	if err := facematch.CheckDim(query, s.dim); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.index.Search(query, k)
	out := make([]facematch.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *KnownFaceStore) linkLabelLocked(label facematch.Label, id string) {
	key := label.Key()
	set, ok := s.byLabel[key]
	if !ok {
		set = make(map[string]struct{})
		s.byLabel[key] = set
	}
	set[id] = struct{}{}
}

func (s *KnownFaceStore) unlinkLabelLocked(label facematch.Label, id string) {
	key := label.Key()
	set := s.byLabel[key]
	delete(set, id)
	if len(set) == 0 {
		delete(s.byLabel, key)
	}
}
