// Package recognition identifies faces against the known faces database and keeps
// that database up to date from user feedback.
package recognition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

// Service exposes the caller operations: identify, submit feedback, list and delete,
// plus the maintenance operations used by the CLI and the web API.
type Service struct {
	cfg      config.RecognitionConfig
	matcher  *facematch.Matcher
	maint    *Maintainer
	feedback *FeedbackController
	storage  database.FaceStorage
	encoder  database.FaceEncoder
	logger   *slog.Logger
}

// Neighbor is a known face near a query embedding.
type Neighbor struct {
	Entry    facematch.Entry
	Distance float64
}

// NewService wires a service over an already loaded store. The encoder may be nil
// when only embeddings are identified.
func NewService(cfg config.RecognitionConfig, store *database.KnownFaceStore, storage database.FaceStorage, enc database.FaceEncoder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	maint := NewMaintainer(store, storage, cfg, logger)
	return &Service{
		cfg:      cfg,
		matcher:  facematch.NewMatcher(store.Dim(), cfg.Tolerance, cfg.MatchThreshold),
		maint:    maint,
		feedback: NewFeedbackController(maint, cfg.FeedbackLoop, cfg.FeedbackTTL, logger),
		storage:  storage,
		encoder:  enc,
		logger:   logger,
	}
}

// Open validates the configuration, opens the configured storage backend and
// loads the known faces from it.
func Open(ctx context.Context, cfg *config.Config, enc database.FaceEncoder, logger *slog.Logger) (*Service, database.LoadReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Recognition.Validate(); err != nil {
		return nil, database.LoadReport{}, fmt.Errorf("invalid recognition config: %w", err)
	}

	storage, err := database.Open(ctx, &cfg.Storage, enc, logger)
	if err != nil {
		return nil, database.LoadReport{}, &database.LoadError{Err: err}
	}

	store, report, err := database.Load(ctx, storage, cfg.Recognition.EmbeddingDim, logger)
	if err != nil {
		storage.Close()
		return nil, report, err
	}
	return NewService(cfg.Recognition, store, storage, enc, logger), report, nil
}

// Close releases the storage backend.
func (s *Service) Close() error {
	return s.storage.Close()
}

// Config returns the recognition parameters.
func (s *Service) Config() config.RecognitionConfig {
	return s.cfg
}

// Store returns the current known faces store.
func (s *Service) Store() *database.KnownFaceStore {
	return s.maint.Store()
}

// Feedback returns the feedback controller.
func (s *Service) Feedback() *FeedbackController {
	return s.feedback
}

// Maintainer returns the database maintainer.
func (s *Service) Maintainer() *Maintainer {
	return s.maint
}

// Identify matches every detection against one snapshot of the store and registers
// each result for feedback. image is the source the detections came from; it is
// cropped and saved if feedback adds the face to the database, and may be nil.
// A detection with the wrong dimensionality fails the whole request.
func (s *Service) Identify(ctx context.Context, detections []facematch.Detection, image []byte) ([]Proposal, error) {
	snapshot := s.Store().All()

	results := make([]facematch.MatchResult, 0, len(detections))
	for i, d := range detections {
		r, err := s.matcher.Match(d.Embedding, d.Region, snapshot)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		results = append(results, r)
	}

	proposals := make([]Proposal, 0, len(results))
	for i, r := range results {
		proposals = append(proposals, s.feedback.Register(r, detections[i].Embedding, image))
		s.logger.Debug("identified face", "label", r.Label, "nearest", r.NearestLabel, "distance", r.Distance, "confirmed", r.Confirmed)
	}
	return proposals, nil
}

// IdentifyImage detects the faces in an image and identifies them. An image with
// no faces yields no proposals.
func (s *Service) IdentifyImage(ctx context.Context, image []byte) ([]Proposal, error) {
	detections, err := s.detect(ctx, image)
	if err != nil {
		return nil, err
	}
	return s.Identify(ctx, detections, image)
}

func (s *Service) detect(ctx context.Context, image []byte) ([]facematch.Detection, error) {
	if s.encoder == nil {
		return nil, fmt.Errorf("no face encoder configured")
	}
	detections, err := s.encoder.DetectFaces(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("detecting faces: %w", err)
	}
	return detections, nil
}

// SubmitFeedback applies a decision to a previously returned result.
func (s *Service) SubmitFeedback(ctx context.Context, ref string, d Decision) (FeedbackOutcome, error) {
	return s.feedback.Submit(ctx, ref, d)
}

// ListEntries returns the entries of a person, or of every unconfirmed face for Unknown.
func (s *Service) ListEntries(label facematch.Label) []facematch.Entry {
	return s.Store().ListByLabel(label)
}

// Labels returns every person in the database.
func (s *Service) Labels() []facematch.Label {
	return s.Store().Labels()
}

// DeleteEntry removes an entry and its stored image.
func (s *Service) DeleteEntry(ctx context.Context, id string) error {
	return s.maint.Delete(ctx, id)
}

// LabelEntry renames an entry.
func (s *Service) LabelEntry(ctx context.Context, id string, label facematch.Label) (facematch.Entry, error) {
	return s.maint.Relabel(ctx, id, label)
}

// SaveFace adds a face from an image that must contain exactly one face.
func (s *Service) SaveFace(ctx context.Context, image []byte, label facematch.Label) (SaveResult, error) {
	detections, err := s.detect(ctx, image)
	if err != nil {
		return SaveResult{}, err
	}
	switch len(detections) {
	case 0:
		return SaveResult{}, ErrNoFace
	case 1:
	default:
		return SaveResult{}, fmt.Errorf("%w: %d faces", ErrMultipleFaces, len(detections))
	}
	d := detections[0]
	return s.maint.SaveFace(ctx, label, d.Embedding, image, d.Region)
}

// EntryImage returns the stored image of an entry.
func (s *Service) EntryImage(ctx context.Context, id string) ([]byte, error) {
	e, ok := s.Store().Get(id)
	if !ok {
		return nil, &database.NotFoundError{Kind: "entry", ID: id}
	}
	return s.storage.ReadImage(ctx, e.Ref)
}

// Similar returns up to k known faces nearest to the query, closest first.
// Candidates come from the backend when it can rank by distance, otherwise from
// the in-memory neighbour index; distances are always recomputed exactly.
func (s *Service) Similar(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	store := s.Store()
	if err := facematch.CheckDim(query, store.Dim()); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	var candidates []facematch.Entry
	if ns, ok := s.storage.(database.NearestSearcher); ok {
		ids, _, err := ns.Nearest(ctx, query, k*database.HNSWSearchMultiplier)
		if err != nil {
			return nil, fmt.Errorf("searching nearest faces: %w", err)
		}
		for _, id := range ids {
			if e, ok := store.Get(id); ok {
				candidates = append(candidates, e)
			}
		}
	} else {
		var err error
		candidates, err = store.Candidates(query, k*database.HNSWSearchMultiplier)
		if err != nil {
			return nil, err
		}
	}

	ranked, distances, err := s.matcher.Ranked(query, candidates, k)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, len(ranked))
	for i := range ranked {
		out[i] = Neighbor{Entry: ranked[i], Distance: distances[i]}
	}
	return out, nil
}

// Reload rebuilds the store from storage, clearing quarantined entries.
func (s *Service) Reload(ctx context.Context) (database.LoadReport, error) {
	return s.maint.Reload(ctx)
}

// Reindex recomputes every stored embedding with the encoder.
func (s *Service) Reindex(ctx context.Context, progress func(done, total int)) (ReindexReport, error) {
	if s.encoder == nil {
		return ReindexReport{}, fmt.Errorf("no face encoder configured")
	}
	return s.maint.Reindex(ctx, s.encoder, progress)
}
