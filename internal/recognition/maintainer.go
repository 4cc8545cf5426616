package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/kozaktomas/face-watch/internal/imaging"
)

// SaveResult describes the outcome of saving a face.
type SaveResult struct {
	EntryID string `json:"entry_id"`
	Ref     string `json:"ref,omitempty"`

	// Deduplicated is set when an existing entry of the same label was close enough
	// that nothing was inserted; EntryID then names that entry.
	Deduplicated bool    `json:"deduplicated"`
	Distance     float64 `json:"distance,omitempty"`
}

// ReindexReport summarizes a reindex run.
type ReindexReport struct {
	Updated int
	Failed  []database.SkippedEntry
}

// Maintainer applies every mutation of the known faces database. Storage is written
// first and the in-memory store second, so a failed storage write leaves memory
// untouched. A half-applied write quarantines the entry.
type Maintainer struct {
	store   atomic.Pointer[database.KnownFaceStore]
	storage database.FaceStorage
	cfg     config.RecognitionConfig
	logger  *slog.Logger

	mu         sync.Mutex // serializes mutation sequences (dedup check + insert, storage + memory)
	quarantine map[string]error
}

// NewMaintainer creates a maintainer over a loaded store.
func NewMaintainer(store *database.KnownFaceStore, storage database.FaceStorage, cfg config.RecognitionConfig, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintainer{
		storage:    storage,
		cfg:        cfg,
		logger:     logger,
		quarantine: make(map[string]error),
	}
	m.store.Store(store)
	return m
}

// Store returns the current store. It changes only on Reload, so mutations
// must read it after taking mu.
func (m *Maintainer) Store() *database.KnownFaceStore {
	return m.store.Load()
}

// Quarantined returns the ids of entries blocked by an inconsistent state.
func (m *Maintainer) Quarantined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.quarantine))
	for id := range m.quarantine {
		ids = append(ids, id)
	}
	return ids
}

func (m *Maintainer) checkQuarantineLocked(id string) error {
	if err, ok := m.quarantine[id]; ok {
		return err
	}
	return nil
}

// inconsistent builds the error, quarantines the entry and logs it.
func (m *Maintainer) inconsistentLocked(op, id, ref string, cause error) error {
	err := &InconsistentStateError{EntryID: id, Ref: ref, Op: op, Err: cause}
	if id != "" {
		m.quarantine[id] = err
	}
	m.logger.Error("known faces database is inconsistent", "op", op, "entry", id, "ref", ref, "error", cause)
	return err
}

// SaveFace stores a face under label unless a same-label entry lies within the
// dedup threshold. The image is cropped to the region plus the configured margin
// before it is persisted; a nil image stores only the embedding.
func (m *Maintainer) SaveFace(ctx context.Context, label facematch.Label, embedding []float32, image []byte, region *facematch.BBox) (SaveResult, error) {
	if err := facematch.CheckDim(embedding, m.Store().Dim()); err != nil {
		return SaveResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	store := m.Store()

	if dup, dist, ok := m.nearestSameLabel(store, label, embedding); ok && dist < m.cfg.DedupThreshold {
		m.logger.Info("face already known, not saved again", "label", label, "entry", dup.ID, "distance", dist)
		return SaveResult{EntryID: dup.ID, Ref: dup.Ref, Deduplicated: true, Distance: dist}, nil
	}

	var stored []byte
	if len(image) > 0 {
		crop, err := imaging.CropJPEG(image, region, m.cfg.CropMargin)
		if err != nil {
			return SaveResult{}, fmt.Errorf("preparing face image: %w", err)
		}
		stored = crop
	}

	face := database.StoredFace{ID: database.NewEntryID(), Label: label, Embedding: embedding}
	ref, err := m.storage.Save(ctx, face, stored)
	if err != nil {
		if errors.Is(err, database.ErrPartialWrite) {
			return SaveResult{}, m.inconsistentLocked("save", face.ID, ref, err)
		}
		return SaveResult{}, fmt.Errorf("saving face: %w", err)
	}

	face.Ref = ref
	if err := store.Put(face.Entry()); err != nil {
		if delErr := m.storage.Delete(ctx, ref); delErr != nil {
			return SaveResult{}, m.inconsistentLocked("save", face.ID, ref, errors.Join(err, delErr))
		}
		return SaveResult{}, fmt.Errorf("indexing saved face: %w", err)
	}

	m.logger.Info("saved face", "label", label, "entry", face.ID, "ref", ref)
	return SaveResult{EntryID: face.ID, Ref: ref}, nil
}

func (m *Maintainer) nearestSameLabel(store *database.KnownFaceStore, label facematch.Label, embedding []float32) (facematch.Entry, float64, bool) {
	var best facematch.Entry
	bestDist := -1.0
	for _, e := range store.ListByLabel(label) {
		if len(e.Embedding) != len(embedding) {
			continue
		}
		d := facematch.Distance(embedding, e.Embedding)
		if bestDist < 0 || d < bestDist {
			best, bestDist = e, d
		}
	}
	return best, bestDist, bestDist >= 0
}

// Delete removes the entry from storage and then from memory.
func (m *Maintainer) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	store := m.Store()

	if err := m.checkQuarantineLocked(id); err != nil {
		return err
	}
	e, ok := store.Get(id)
	if !ok {
		return &database.NotFoundError{Kind: "entry", ID: id}
	}

	if err := m.storage.Delete(ctx, e.Ref); err != nil {
		switch {
		case errors.Is(err, database.ErrPartialWrite):
			return m.inconsistentLocked("delete", id, e.Ref, err)
		case errors.Is(err, database.ErrNotFound):
			// already gone from storage; dropping it from memory restores consistency
			m.logger.Warn("stored image was already missing", "entry", id, "ref", e.Ref)
		default:
			return fmt.Errorf("deleting stored face: %w", err)
		}
	}

	if err := store.Remove(id); err != nil {
		return m.inconsistentLocked("delete", id, e.Ref, err)
	}
	m.logger.Info("deleted face", "entry", id, "label", e.Label, "ref", e.Ref)
	return nil
}

// Relabel moves an entry to another label. Relabeling to the current label does
// nothing. The embedding and image bytes never change.
func (m *Maintainer) Relabel(ctx context.Context, id string, label facematch.Label) (facematch.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store := m.Store()

	if err := m.checkQuarantineLocked(id); err != nil {
		return facematch.Entry{}, err
	}
	e, ok := store.Get(id)
	if !ok {
		return facematch.Entry{}, &database.NotFoundError{Kind: "entry", ID: id}
	}
	if e.Label.Equal(label) && e.Label.String() == label.String() {
		return e, nil
	}

	newRef, err := m.storage.Relabel(ctx, e.Ref, label)
	if err != nil {
		if errors.Is(err, database.ErrPartialWrite) {
			return facematch.Entry{}, m.inconsistentLocked("relabel", id, e.Ref, err)
		}
		return facematch.Entry{}, fmt.Errorf("relabeling stored face: %w", err)
	}

	if err := store.Relabel(id, label); err != nil {
		return facematch.Entry{}, m.inconsistentLocked("relabel", id, newRef, err)
	}
	if newRef != e.Ref {
		if err := store.SetRef(id, newRef); err != nil {
			return facematch.Entry{}, m.inconsistentLocked("relabel", id, newRef, err)
		}
	}

	m.logger.Info("relabeled face", "entry", id, "from", e.Label, "to", label, "ref", newRef)
	updated, _ := store.Get(id)
	return updated, nil
}

// Reindex recomputes the embedding of every stored image with the encoder.
// Images the encoder finds no face in keep their old embedding and are reported.
func (m *Maintainer) Reindex(ctx context.Context, enc database.FaceEncoder, progress func(done, total int)) (ReindexReport, error) {
	entries := m.Store().All()
	var report ReindexReport

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.reindexOne(ctx, enc, e); err != nil {
			report.Failed = append(report.Failed, database.SkippedEntry{Ref: e.Ref, Reason: err.Error()})
		} else {
			report.Updated++
		}
		if progress != nil {
			progress(i+1, len(entries))
		}
	}

	m.logger.Info("reindexed known faces", "updated", report.Updated, "failed", len(report.Failed))
	return report, nil
}

func (m *Maintainer) reindexOne(ctx context.Context, enc database.FaceEncoder, e facematch.Entry) error {
	img, err := m.storage.ReadImage(ctx, e.Ref)
	if err != nil {
		return err
	}
	if len(img) == 0 {
		return errors.New("no stored image")
	}
	detections, err := enc.DetectFaces(ctx, img)
	if err != nil {
		return err
	}
	if len(detections) == 0 {
		return ErrNoFace
	}
	embedding := detections[0].Embedding
	if err := facematch.CheckDim(embedding, m.Store().Dim()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	store := m.Store()

	if err := m.checkQuarantineLocked(e.ID); err != nil {
		return err
	}
	// the entry may have been relabeled or deleted while the encoder ran
	cur, ok := store.Get(e.ID)
	if !ok {
		return &database.NotFoundError{Kind: "entry", ID: e.ID}
	}
	if err := m.storage.UpdateEmbedding(ctx, cur.Ref, embedding); err != nil {
		return err
	}
	if err := store.SetEmbedding(e.ID, embedding); err != nil {
		return m.inconsistentLocked("reindex", e.ID, cur.Ref, err)
	}
	return nil
}

// Reload rebuilds the store from storage and clears the quarantine.
func (m *Maintainer) Reload(ctx context.Context) (database.LoadReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, report, err := database.Load(ctx, m.storage, m.Store().Dim(), m.logger)
	if err != nil {
		return report, err
	}
	m.store.Store(store)
	clear(m.quarantine)
	return report, nil
}
