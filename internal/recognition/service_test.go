package recognition

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/database/mock"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

func testConfig() config.RecognitionConfig {
	return config.RecognitionConfig{
		Model:          config.ModelFast,
		Tolerance:      0.5,
		MatchThreshold: 0.5,
		FeedbackLoop:   true,
		DedupThreshold: 0.15,
		CropMargin:     10,
		EmbeddingDim:   2,
		FeedbackTTL:    30 * time.Minute,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc     *Service
	storage *mock.MockFaceStorage
	encoder *mock.MockFaceEncoder
}

// newTestEnv loads a service over a mock storage seeded with faces.
func newTestEnv(t *testing.T, cfg config.RecognitionConfig, seed ...database.StoredFace) *testEnv {
	t.Helper()
	storage := mock.NewMockFaceStorage()
	for _, f := range seed {
		storage.AddFace(f, []byte("seed"))
	}
	store, _, err := database.Load(context.Background(), storage, cfg.EmbeddingDim, discardLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	enc := mock.NewMockFaceEncoder()
	return &testEnv{
		svc:     NewService(cfg, store, storage, enc, discardLogger()),
		storage: storage,
		encoder: enc,
	}
}

func face(id, name string, x, y float32) database.StoredFace {
	return database.StoredFace{ID: id, Label: facematch.Named(name), Embedding: []float32{x, y}}
}

func unknownFace(id string, x, y float32) database.StoredFace {
	return database.StoredFace{ID: id, Label: facematch.Unknown, Embedding: []float32{x, y}}
}

func detection(x, y float32) facematch.Detection {
	return facematch.Detection{Embedding: []float32{x, y}}
}

func identifyOne(t *testing.T, svc *Service, d facematch.Detection) Proposal {
	t.Helper()
	proposals, err := svc.Identify(context.Background(), []facematch.Detection{d}, nil)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposals))
	}
	return proposals[0]
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIdentify_EmptyStore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	p := identifyOne(t, env.svc, detection(1, 1))

	if !p.Result.Label.IsUnknown() || p.Result.Confidence != 0 || p.Result.BestEntryID != "" {
		t.Errorf("expected unknown with confidence 0, got %+v", p.Result)
	}
	if p.Ref == "" {
		t.Error("expected a result reference")
	}
	if state, ok := env.svc.Feedback().State(p.Ref); !ok || state != StateProposed {
		t.Errorf("expected proposed state, got %v %v", state, ok)
	}
}

func TestIdentify_AliceScenario(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))

	tests := []struct {
		name      string
		x         float32
		wantLabel string
		wantConf  float64
	}{
		{"close", 0.1, "Alice", 0.8},
		{"far", 0.9, "unknown", 0},
		{"near threshold", 0.45, "Alice", 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := identifyOne(t, env.svc, detection(tt.x, 0))
			if p.Result.Label.String() != tt.wantLabel {
				t.Errorf("label = %s, want %s", p.Result.Label, tt.wantLabel)
			}
			if diff := p.Result.Confidence - tt.wantConf; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("confidence = %v, want %v", p.Result.Confidence, tt.wantConf)
			}
		})
	}
}

func TestIdentify_InvalidEmbedding(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, err := env.svc.Identify(context.Background(), []facematch.Detection{detection(0, 0), {Embedding: []float32{1, 2, 3}}}, nil)
	if !errors.Is(err, facematch.ErrInvalidEmbedding) {
		t.Errorf("expected invalid embedding error, got %v", err)
	}
	if env.svc.Feedback().Pending() != 0 {
		t.Error("a failed request must not register any result")
	}
}

func TestIdentifyImage(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	img := []byte("group photo")
	env.encoder.SetDetections(img, detection(0.05, 0), detection(5, 5))

	proposals, err := env.svc.IdentifyImage(context.Background(), img)
	if err != nil {
		t.Fatalf("IdentifyImage() error = %v", err)
	}
	if len(proposals) != 2 {
		t.Fatalf("expected 2 proposals, got %d", len(proposals))
	}
	if proposals[0].Result.Label.String() != "Alice" || !proposals[1].Result.Label.IsUnknown() {
		t.Errorf("unexpected labels %v, %v", proposals[0].Result.Label, proposals[1].Result.Label)
	}

	env.encoder.DetectError = errors.New("encoder down")
	if _, err := env.svc.IdentifyImage(context.Background(), img); err == nil {
		t.Error("expected encoder error")
	}
}

func TestSubmitFeedback_DuplicateLeavesStoreUnchanged(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	p := identifyOne(t, env.svc, detection(1, 1))

	out, err := env.svc.SubmitFeedback(ctx, p.Ref, Decision{Action: ActionMarkUnknown})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateMarkedUnknown {
		t.Errorf("expected marked unknown, got %v", out.State)
	}
	if env.svc.Store().Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", env.svc.Store().Len())
	}
	saves := env.storage.SaveCalls

	_, err = env.svc.SubmitFeedback(ctx, p.Ref, Decision{Action: ActionCorrect, Label: facematch.Named("Bob")})
	var dup *DuplicateFeedbackError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateFeedbackError, got %v", err)
	}
	if dup.State != StateMarkedUnknown {
		t.Errorf("expected duplicate to report marked_unknown, got %v", dup.State)
	}
	if env.svc.Store().Len() != 1 || env.storage.SaveCalls != saves {
		t.Error("store changed after duplicate feedback")
	}
	if got := env.svc.ListEntries(facematch.Named("Bob")); len(got) != 0 {
		t.Errorf("expected no Bob entries, got %v", got)
	}
}

func TestSubmitFeedback_ConfirmDeduplicates(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	p := identifyOne(t, env.svc, detection(0.1, 0))

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionConfirm})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateConfirmed {
		t.Errorf("expected confirmed, got %v", out.State)
	}
	if out.Save == nil || !out.Save.Deduplicated || out.Save.EntryID != "a1" {
		t.Errorf("expected dedup against a1, got %+v", out.Save)
	}
	if env.svc.Store().Len() != 1 {
		t.Errorf("dedup must not grow the store, got %d entries", env.svc.Store().Len())
	}
}

func TestSubmitFeedback_ConfirmSavesNewPose(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	p := identifyOne(t, env.svc, detection(0.3, 0))

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionConfirm})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.Save == nil || out.Save.Deduplicated {
		t.Fatalf("expected a new entry, got %+v", out.Save)
	}
	if got := env.svc.ListEntries(facematch.Named("alice")); len(got) != 2 {
		t.Errorf("expected 2 Alice entries, got %d", len(got))
	}

	// the new pose is matched right away
	p2 := identifyOne(t, env.svc, detection(0.31, 0))
	if p2.Result.BestEntryID != out.Save.EntryID {
		t.Errorf("expected the new entry to win, got %s", p2.Result.BestEntryID)
	}
}

func TestSubmitFeedback_ConfirmUnknownMarksUnknown(t *testing.T) {
	env := newTestEnv(t, testConfig())
	p := identifyOne(t, env.svc, detection(1, 1))

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionConfirm})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateMarkedUnknown {
		t.Errorf("expected marked unknown, got %v", out.State)
	}
	if got := env.svc.ListEntries(facematch.Unknown); len(got) != 1 {
		t.Errorf("expected 1 unknown entry, got %d", len(got))
	}
}

func TestSubmitFeedback_CorrectRelabelsUnknownEntry(t *testing.T) {
	env := newTestEnv(t, testConfig(), unknownFace("u1", 0, 0))
	p := identifyOne(t, env.svc, detection(0.05, 0))
	if !p.Result.Confirmed || !p.Result.NearestLabel.IsUnknown() {
		t.Fatalf("expected a confirmed match on the unknown entry, got %+v", p.Result)
	}

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionCorrect, Label: facematch.Named("Bob")})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateCorrected || out.RelabeledID != "u1" {
		t.Errorf("expected u1 relabeled, got %+v", out)
	}
	if out.Save == nil || !out.Save.Deduplicated || out.Save.EntryID != "u1" {
		t.Errorf("expected the presented face to dedup against the relabeled entry, got %+v", out.Save)
	}
	if got := env.svc.ListEntries(facematch.Unknown); len(got) != 0 {
		t.Errorf("expected no unknown entries, got %v", got)
	}
	bob := env.svc.ListEntries(facematch.Named("Bob"))
	if len(bob) != 1 || bob[0].ID != "u1" {
		t.Errorf("expected u1 under Bob, got %v", bob)
	}
	if env.storage.RelabelCalls != 1 {
		t.Errorf("expected storage relabel, got %d calls", env.storage.RelabelCalls)
	}
}

func TestSubmitFeedback_CorrectToNewPerson(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	p := identifyOne(t, env.svc, detection(0.3, 0))

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionCorrect, Label: facematch.Named("Carol")})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateCorrected || out.RelabeledID != "" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if len(env.svc.ListEntries(facematch.Named("Carol"))) != 1 {
		t.Error("expected a Carol entry")
	}
	alice := env.svc.ListEntries(facematch.Named("Alice"))
	if len(alice) != 1 || alice[0].ID != "a1" {
		t.Errorf("Alice entry must be untouched, got %v", alice)
	}
}

func TestSubmitFeedback_CorrectSameLabelConfirms(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	p := identifyOne(t, env.svc, detection(0.05, 0))

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionCorrect, Label: facematch.Named("alice")})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateConfirmed {
		t.Errorf("expected confirmed, got %v", out.State)
	}
}

func TestSubmitFeedback_CorrectRequiresLabel(t *testing.T) {
	env := newTestEnv(t, testConfig())
	p := identifyOne(t, env.svc, detection(1, 1))

	if _, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionCorrect}); !errors.Is(err, ErrLabelRequired) {
		t.Errorf("expected ErrLabelRequired, got %v", err)
	}
	if state, _ := env.svc.Feedback().State(p.Ref); state != StateProposed {
		t.Errorf("expected result still proposed, got %v", state)
	}
}

func TestSubmitFeedback_FeedbackLoopDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.FeedbackLoop = false
	env := newTestEnv(t, cfg)

	for _, action := range []Action{ActionConfirm, ActionCorrect, ActionMarkUnknown} {
		p := identifyOne(t, env.svc, detection(1, 1))
		out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: action, Label: facematch.Named("Dan")})
		if err != nil {
			t.Fatalf("SubmitFeedback(%v) error = %v", action, err)
		}
		if out.State != StateIgnored {
			t.Errorf("SubmitFeedback(%v) state = %v, want ignored", action, out.State)
		}
	}
	if env.svc.Store().Len() != 0 || env.storage.SaveCalls != 0 {
		t.Error("disabled feedback loop must not mutate the database")
	}
}

func TestSubmitFeedback_Ignore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	p := identifyOne(t, env.svc, detection(1, 1))

	out, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionIgnore})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if out.State != StateIgnored || out.StateName != "ignored" {
		t.Errorf("expected ignored, got %+v", out)
	}
	if env.svc.Store().Len() != 0 {
		t.Error("ignore must not mutate the database")
	}
	if _, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionMarkUnknown}); err == nil {
		t.Error("ignored is terminal, expected DuplicateFeedbackError")
	}
}

func TestSubmitFeedback_UnknownRef(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, err := env.svc.SubmitFeedback(context.Background(), "no-such-ref", Decision{Action: ActionConfirm})
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitFeedback_Expired(t *testing.T) {
	env := newTestEnv(t, testConfig())
	fc := env.svc.Feedback()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fc.now = func() time.Time { return now }

	p := identifyOne(t, env.svc, detection(1, 1))
	now = now.Add(31 * time.Minute)

	_, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionMarkUnknown})
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected expired result to be not found, got %v", err)
	}
	if fc.Pending() != 0 {
		t.Errorf("expected expired results pruned, got %d", fc.Pending())
	}
}

func TestSubmitFeedback_StorageFailureAllowsRetry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	p := identifyOne(t, env.svc, detection(1, 1))

	env.storage.SaveError = errors.New("disk full")
	if _, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionMarkUnknown}); err == nil {
		t.Fatal("expected storage error")
	}
	if state, _ := env.svc.Feedback().State(p.Ref); state != StateProposed {
		t.Errorf("expected proposed after failure, got %v", state)
	}
	if env.svc.Store().Len() != 0 {
		t.Error("failed save must not reach the in-memory store")
	}

	env.storage.SaveError = nil
	if _, err := env.svc.SubmitFeedback(context.Background(), p.Ref, Decision{Action: ActionMarkUnknown}); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if env.svc.Store().Len() != 1 {
		t.Errorf("expected 1 entry after retry, got %d", env.svc.Store().Len())
	}
}

func TestSubmitFeedback_ConcurrentSaveOfSameFace(t *testing.T) {
	env := newTestEnv(t, testConfig())

	var proposals []Proposal
	for range 10 {
		proposals = append(proposals, identifyOne(t, env.svc, detection(2, 2)))
	}

	var wg sync.WaitGroup
	for _, p := range proposals {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			if _, err := env.svc.SubmitFeedback(context.Background(), ref, Decision{Action: ActionMarkUnknown}); err != nil {
				t.Errorf("SubmitFeedback() error = %v", err)
			}
		}(p.Ref)
	}
	wg.Wait()

	if env.svc.Store().Len() != 1 {
		t.Errorf("expected concurrent saves of one face to dedup to 1 entry, got %d", env.svc.Store().Len())
	}
}

func TestSubmitFeedback_SavesMarginCrop(t *testing.T) {
	env := newTestEnv(t, testConfig())
	img := testPNG(t, 200, 200)
	d := facematch.Detection{Embedding: []float32{1, 1}, Region: &facematch.BBox{X1: 50, Y1: 50, X2: 100, Y2: 100}}

	proposals, err := env.svc.Identify(context.Background(), []facematch.Detection{d}, img)
	if err != nil {
		t.Fatal(err)
	}
	out, err := env.svc.SubmitFeedback(context.Background(), proposals[0].Ref, Decision{Action: ActionMarkUnknown})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}

	stored, err := env.svc.EntryImage(context.Background(), out.Save.EntryID)
	if err != nil {
		t.Fatalf("EntryImage() error = %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(stored))
	if err != nil {
		t.Fatalf("stored image does not decode: %v", err)
	}
	if format != "jpeg" || cfg.Width != 70 || cfg.Height != 70 {
		t.Errorf("expected 70x70 jpeg (50px face + 10px margin), got %dx%d %s", cfg.Width, cfg.Height, format)
	}
}

func TestDeleteEntry(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0), face("a2", "Alice", 0.4, 0))
	ctx := context.Background()

	if err := env.svc.DeleteEntry(ctx, "a1"); err != nil {
		t.Fatalf("DeleteEntry() error = %v", err)
	}
	for _, e := range env.svc.ListEntries(facematch.Named("Alice")) {
		if e.ID == "a1" {
			t.Error("deleted entry still listed")
		}
	}
	p := identifyOne(t, env.svc, detection(0, 0))
	if p.Result.BestEntryID == "a1" {
		t.Error("deleted entry returned by match")
	}
	if len(env.storage.Faces()) != 1 {
		t.Errorf("expected stored face removed, have %d", len(env.storage.Faces()))
	}

	if err := env.svc.DeleteEntry(ctx, "a1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("second DeleteEntry() = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntry_StorageError(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	env.storage.DeleteError = errors.New("permission denied")

	err := env.svc.DeleteEntry(context.Background(), "a1")
	if err == nil {
		t.Fatal("expected error")
	}
	var inc *InconsistentStateError
	if errors.As(err, &inc) {
		t.Error("a clean storage failure is not an inconsistency")
	}
	if _, ok := env.svc.Store().Get("a1"); !ok {
		t.Error("entry must stay in memory when storage delete failed")
	}
}

func TestDeleteEntry_PartialWriteQuarantines(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	ctx := context.Background()
	env.storage.DeleteError = errors.Join(database.ErrPartialWrite, errors.New("sidecar kept"))

	err := env.svc.DeleteEntry(ctx, "a1")
	var inc *InconsistentStateError
	if !errors.As(err, &inc) {
		t.Fatalf("expected InconsistentStateError, got %v", err)
	}
	if inc.EntryID != "a1" || inc.Op != "delete" {
		t.Errorf("unexpected error fields %+v", inc)
	}

	env.storage.DeleteError = nil
	if _, err := env.svc.LabelEntry(ctx, "a1", facematch.Named("Bob")); !errors.As(err, &inc) {
		t.Errorf("quarantined entry must refuse mutations, got %v", err)
	}
	if q := env.svc.Maintainer().Quarantined(); len(q) != 1 || q[0] != "a1" {
		t.Errorf("expected a1 quarantined, got %v", q)
	}

	if _, err := env.svc.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(env.svc.Maintainer().Quarantined()) != 0 {
		t.Error("reload must clear the quarantine")
	}
	if err := env.svc.DeleteEntry(ctx, "a1"); err != nil {
		t.Errorf("DeleteEntry() after reload error = %v", err)
	}
}

func TestDeleteEntry_StorageAlreadyMissing(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	ctx := context.Background()
	e, _ := env.svc.Store().Get("a1")
	if err := env.storage.Delete(ctx, e.Ref); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.DeleteEntry(ctx, "a1"); err != nil {
		t.Fatalf("DeleteEntry() error = %v", err)
	}
	if env.svc.Store().Len() != 0 {
		t.Error("expected entry dropped from memory")
	}
}

func TestLabelEntry(t *testing.T) {
	env := newTestEnv(t, testConfig(), unknownFace("u1", 0.5, 0.5))
	ctx := context.Background()
	before, _ := env.svc.Store().Get("u1")

	e, err := env.svc.LabelEntry(ctx, "u1", facematch.Named("Eve"))
	if err != nil {
		t.Fatalf("LabelEntry() error = %v", err)
	}
	if !e.Label.Equal(facematch.Named("Eve")) {
		t.Errorf("expected Eve, got %v", e.Label)
	}
	if e.Ref == before.Ref {
		t.Error("expected the storage reference to follow the move")
	}
	if e.Embedding[0] != before.Embedding[0] {
		t.Error("relabel must not change the embedding")
	}

	// relabeling to the current label is a no-op
	calls := env.storage.RelabelCalls
	if _, err := env.svc.LabelEntry(ctx, "u1", facematch.Named("Eve")); err != nil {
		t.Fatal(err)
	}
	if env.storage.RelabelCalls != calls {
		t.Error("same-label relabel must not touch storage")
	}
	if got := env.svc.ListEntries(facematch.Named("Eve")); len(got) != 1 {
		t.Errorf("expected 1 Eve entry, got %d", len(got))
	}

	if _, err := env.svc.LabelEntry(ctx, "missing", facematch.Named("Eve")); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLabelEntry_StorageFailureKeepsLabel(t *testing.T) {
	env := newTestEnv(t, testConfig(), unknownFace("u1", 0.5, 0.5))
	env.storage.RelabelError = errors.New("read-only filesystem")

	if _, err := env.svc.LabelEntry(context.Background(), "u1", facematch.Named("Eve")); err == nil {
		t.Fatal("expected error")
	}
	e, _ := env.svc.Store().Get("u1")
	if !e.Label.IsUnknown() {
		t.Errorf("label must not change when storage failed, got %v", e.Label)
	}
}

func TestSaveFace(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	img := testPNG(t, 100, 100)
	env.encoder.SetDetections(img, facematch.Detection{Embedding: []float32{3, 3}, Region: &facematch.BBox{X1: 10, Y1: 10, X2: 40, Y2: 40}})

	noFace := []byte("landscape")
	env.encoder.SetDetections(noFace)
	if _, err := env.svc.SaveFace(ctx, noFace, facematch.Named("Frank")); !errors.Is(err, ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}

	group := []byte("group")
	env.encoder.SetDetections(group, detection(1, 1), detection(2, 2))
	if _, err := env.svc.SaveFace(ctx, group, facematch.Named("Frank")); !errors.Is(err, ErrMultipleFaces) {
		t.Errorf("expected ErrMultipleFaces, got %v", err)
	}

	res, err := env.svc.SaveFace(ctx, img, facematch.Named("Frank"))
	if err != nil {
		t.Fatalf("SaveFace() error = %v", err)
	}
	if res.Deduplicated || res.EntryID == "" {
		t.Errorf("unexpected result %+v", res)
	}

	res2, err := env.svc.SaveFace(ctx, img, facematch.Named("Frank"))
	if err != nil {
		t.Fatalf("SaveFace() error = %v", err)
	}
	if !res2.Deduplicated || res2.EntryID != res.EntryID {
		t.Errorf("expected second save deduplicated, got %+v", res2)
	}
	if env.svc.Store().Len() != 1 {
		t.Errorf("expected 1 entry, got %d", env.svc.Store().Len())
	}
}

func TestSimilar(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		face("a", "Alice", 0, 0),
		face("b", "Bob", 1, 0),
		face("c", "Carol", 2, 0),
		face("d", "Dan", 3, 0),
	)

	got, err := env.svc.Similar(context.Background(), []float32{1.1, 0}, 2)
	if err != nil {
		t.Fatalf("Similar() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(got))
	}
	if got[0].Entry.ID != "b" || got[1].Entry.ID != "c" {
		t.Errorf("expected b, c got %s, %s", got[0].Entry.ID, got[1].Entry.ID)
	}
	if got[0].Distance > got[1].Distance {
		t.Error("neighbors not sorted by distance")
	}

	if _, err := env.svc.Similar(context.Background(), []float32{1}, 2); !errors.Is(err, facematch.ErrInvalidEmbedding) {
		t.Errorf("expected invalid embedding error, got %v", err)
	}
}

func TestReload(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0))
	env.storage.AddFace(face("b1", "Bob", 1, 1), []byte("bob"))
	env.storage.AddSkipped("broken.jpg", "no face found")

	report, err := env.svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if report.Loaded != 2 || len(report.Skipped) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(env.svc.ListEntries(facematch.Named("Bob"))) != 1 {
		t.Error("expected Bob after reload")
	}

	env.storage.LoadError = errors.New("connection refused")
	if _, err := env.svc.Reload(context.Background()); err == nil {
		t.Error("expected load error")
	}
	if env.svc.Store().Len() != 2 {
		t.Error("a failed reload must keep the current store")
	}
}

// blockingLoadStorage holds LoadAll until release is closed.
type blockingLoadStorage struct {
	*mock.MockFaceStorage
	loading chan struct{}
	release chan struct{}
}

func (s *blockingLoadStorage) LoadAll(ctx context.Context) ([]database.StoredFace, []database.SkippedEntry, error) {
	select {
	case <-s.loading:
	default:
		close(s.loading)
		<-s.release
	}
	return s.MockFaceStorage.LoadAll(ctx)
}

func TestDeleteEntry_DuringReload(t *testing.T) {
	cfg := testConfig()
	storage := &blockingLoadStorage{
		MockFaceStorage: mock.NewMockFaceStorage(),
		loading:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	storage.AddFace(face("a", "Alice", 0, 0), []byte("seed"))
	store, _, err := database.Load(context.Background(), storage.MockFaceStorage, cfg.EmbeddingDim, discardLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	svc := NewService(cfg, store, storage, nil, discardLogger())

	reloadDone := make(chan error, 1)
	go func() {
		_, err := svc.Reload(context.Background())
		reloadDone <- err
	}()
	<-storage.loading

	deleteDone := make(chan error, 1)
	go func() {
		deleteDone <- svc.DeleteEntry(context.Background(), "a")
	}()
	// let the delete queue up behind the reload
	time.Sleep(50 * time.Millisecond)
	close(storage.release)

	if err := <-reloadDone; err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if err := <-deleteDone; err != nil {
		t.Fatalf("DeleteEntry() error = %v", err)
	}

	if n := len(storage.Faces()); n != 0 {
		t.Errorf("expected storage empty, got %d faces", n)
	}
	if n := svc.Store().Len(); n != 0 {
		t.Errorf("expected store empty, got %d entries", n)
	}
	p := identifyOne(t, svc, detection(0, 0))
	if p.Result.BestEntryID != "" {
		t.Errorf("deleted entry still matched: %q", p.Result.BestEntryID)
	}
}

func TestReindex(t *testing.T) {
	env := newTestEnv(t, testConfig(), face("a1", "Alice", 0, 0), face("b1", "Bob", 5, 5))
	// every seeded image has the bytes "seed"; return a new embedding for it
	env.encoder.SetDetections([]byte("seed"), detection(0.2, 0.2))

	var calls int
	report, err := env.svc.Reindex(context.Background(), func(done, total int) {
		calls++
		if total != 2 {
			t.Errorf("expected total 2, got %d", total)
		}
	})
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if report.Updated != 2 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if calls != 2 {
		t.Errorf("expected 2 progress calls, got %d", calls)
	}
	e, _ := env.svc.Store().Get("b1")
	if e.Embedding[0] != 0.2 {
		t.Errorf("expected new embedding, got %v", e.Embedding)
	}
	stored, _ := env.storage.Face(e.Ref)
	if stored.Embedding[0] != 0.2 {
		t.Error("expected the storage embedding updated")
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		input   string
		want    Action
		wantErr bool
	}{
		{"confirm", ActionConfirm, false},
		{"Y", ActionConfirm, false},
		{"correct", ActionCorrect, false},
		{"mark_unknown", ActionMarkUnknown, false},
		{"skip", ActionIgnore, false},
		{"delete", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAction(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseAction(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
