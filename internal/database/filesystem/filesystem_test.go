package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/database/mock"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

func newTestStorage(t *testing.T, enc database.FaceEncoder) *Storage {
	t.Helper()
	s, err := New(t.TempDir(), enc, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSave_Layout(t *testing.T) {
	s := newTestStorage(t, nil)
	ctx := context.Background()

	ref, err := s.Save(ctx, database.StoredFace{ID: "1", Label: facematch.Named("Jane Doe"), Embedding: []float32{1, 2}}, []byte("jpeg"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasPrefix(ref, "known/jane doe/jane_doe_") || !strings.HasSuffix(ref, ".jpg") {
		t.Errorf("unexpected ref %q", ref)
	}

	ref, err = s.Save(ctx, database.StoredFace{ID: "2", Label: facematch.Unknown, Embedding: []float32{1, 2}}, []byte("jpeg"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasPrefix(ref, "unknown/unknown_") {
		t.Errorf("unexpected ref %q", ref)
	}

	data, err := s.ReadImage(ctx, ref)
	if err != nil {
		t.Fatalf("ReadImage() error = %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("expected image bytes back, got %q", data)
	}
}

func TestSave_PersonNamedUnknown(t *testing.T) {
	s := newTestStorage(t, nil)

	ref, err := s.Save(context.Background(), database.StoredFace{ID: "1", Label: facematch.Named("unknown"), Embedding: []float32{1}}, []byte("x"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasPrefix(ref, "known/unknown/") {
		t.Errorf("a person named unknown belongs under known/, got %q", ref)
	}

	faces, _, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(faces) != 1 || faces[0].Label.IsUnknown() {
		t.Errorf("expected the named label to survive a reload, got %+v", faces)
	}
}

func TestSave_UnsafeFolderName(t *testing.T) {
	s := newTestStorage(t, nil)

	ref, err := s.Save(context.Background(), database.StoredFace{ID: "1", Label: facematch.Named("../../etc"), Embedding: []float32{1}}, []byte("x"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasPrefix(ref, "known/") || strings.Count(ref, "/") != 2 {
		t.Errorf("ref escaped the person folder: %q", ref)
	}
}

func TestLoadAll_RoundTrip(t *testing.T) {
	s := newTestStorage(t, nil)
	ctx := context.Background()

	saved := database.StoredFace{ID: "abc", Label: facematch.Named("Jiří"), Embedding: []float32{0.5, 0.25}}
	ref, err := s.Save(ctx, saved, []byte("img"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	faces, skipped, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("expected nothing skipped, got %v", skipped)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	f := faces[0]
	if f.ID != "abc" || f.Ref != ref || f.Embedding[1] != 0.25 {
		t.Errorf("unexpected face %+v", f)
	}
	if name, _ := f.Label.Name(); name != "Jiří" {
		t.Errorf("expected label Jiří, got %q", name)
	}
}

func TestLoadAll_EncodesImagesWithoutSidecar(t *testing.T) {
	enc := mock.NewMockFaceEncoder()
	enc.SetDetections([]byte("face"), facematch.Detection{Embedding: []float32{1, 1}})
	enc.SetDetections([]byte("empty"))
	s := newTestStorage(t, enc)

	dir := filepath.Join(s.Root(), "known", "alice")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "alice_1.jpg"), []byte("face"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "alice_2.jpg"), []byte("empty"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	faces, skipped, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	if !faces[0].Label.Equal(facematch.Named("alice")) {
		t.Errorf("expected label from folder, got %v", faces[0].Label)
	}
	if len(skipped) != 1 || skipped[0].Ref != "known/alice/alice_2.jpg" {
		t.Errorf("expected the faceless image skipped, got %v", skipped)
	}

	// the embedding is cached, so a second load does not call the encoder for it
	calls := enc.Calls
	faces2, _, _ := s.LoadAll(context.Background())
	if enc.Calls != calls+1 {
		t.Errorf("expected only the faceless image re-encoded, got %d new calls", enc.Calls-calls)
	}
	if len(faces2) != 1 || faces2[0].ID != faces[0].ID {
		t.Errorf("expected a stable id across loads, got %v", faces2)
	}
}

func TestLoadAll_CorruptSidecarWithoutEncoder(t *testing.T) {
	s := newTestStorage(t, nil)
	ref, _ := s.Save(context.Background(), database.StoredFace{ID: "1", Label: facematch.Named("Bob"), Embedding: []float32{1}}, []byte("x"))

	p, _ := s.abs(sidecarRef(ref))
	if err := os.WriteFile(p, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	faces, skipped, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(faces) != 0 || len(skipped) != 1 {
		t.Errorf("expected the corrupt entry skipped, got faces=%v skipped=%v", faces, skipped)
	}
}

func TestLoadAll_MovedByHandFollowsFolder(t *testing.T) {
	s := newTestStorage(t, nil)
	ref, _ := s.Save(context.Background(), database.StoredFace{ID: "1", Label: facematch.Unknown, Embedding: []float32{1}}, []byte("x"))

	dst := filepath.Join(s.Root(), "known", "carol")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatal(err)
	}
	src, _ := s.abs(ref)
	srcSidecar, _ := s.abs(sidecarRef(ref))
	if err := os.Rename(src, filepath.Join(dst, "carol_1.jpg")); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(srcSidecar, filepath.Join(dst, "carol_1.json")); err != nil {
		t.Fatal(err)
	}

	faces, _, _ := s.LoadAll(context.Background())
	if len(faces) != 1 || !faces[0].Label.Equal(facematch.Named("carol")) {
		t.Errorf("expected label carol, got %+v", faces)
	}
}

func TestRelabel(t *testing.T) {
	s := newTestStorage(t, nil)
	ctx := context.Background()
	ref, _ := s.Save(ctx, database.StoredFace{ID: "1", Label: facematch.Unknown, Embedding: []float32{3, 4}}, []byte("img"))

	newRef, err := s.Relabel(ctx, ref, facematch.Named("Dave"))
	if err != nil {
		t.Fatalf("Relabel() error = %v", err)
	}
	if !strings.HasPrefix(newRef, "known/dave/dave_") {
		t.Errorf("unexpected new ref %q", newRef)
	}
	if _, err := s.ReadImage(ctx, ref); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("old ref should be gone, got %v", err)
	}
	data, err := s.ReadImage(ctx, newRef)
	if err != nil || string(data) != "img" {
		t.Errorf("image bytes changed: %q, %v", data, err)
	}

	faces, _, _ := s.LoadAll(ctx)
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	if faces[0].ID != "1" || faces[0].Embedding[0] != 3 || !faces[0].Label.Equal(facematch.Named("Dave")) {
		t.Errorf("unexpected face after relabel %+v", faces[0])
	}

	if _, err := s.Relabel(ctx, ref, facematch.Named("Eve")); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a moved ref, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t, nil)
	ctx := context.Background()
	ref, _ := s.Save(ctx, database.StoredFace{ID: "1", Label: facematch.Named("Frank"), Embedding: []float32{1}}, []byte("img"))

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "known", "frank")); !os.IsNotExist(err) {
		t.Error("expected the empty person folder removed")
	}
	if err := s.Delete(ctx, ref); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}

func TestUpdateEmbedding(t *testing.T) {
	s := newTestStorage(t, nil)
	ctx := context.Background()
	ref, _ := s.Save(ctx, database.StoredFace{ID: "1", Label: facematch.Named("Gina"), Embedding: []float32{1}}, []byte("img"))

	if err := s.UpdateEmbedding(ctx, ref, []float32{9}); err != nil {
		t.Fatalf("UpdateEmbedding() error = %v", err)
	}
	faces, _, _ := s.LoadAll(ctx)
	if len(faces) != 1 || faces[0].Embedding[0] != 9 {
		t.Errorf("expected updated embedding, got %+v", faces)
	}
}

func TestReadImage_RejectsTraversal(t *testing.T) {
	s := newTestStorage(t, nil)
	for _, ref := range []string{"../secret.jpg", "/etc/passwd", "known/../../x.jpg", ""} {
		if _, err := s.ReadImage(context.Background(), ref); err == nil {
			t.Errorf("ReadImage(%q) should fail", ref)
		}
	}
}

func TestOpenRegistered(t *testing.T) {
	found := false
	for _, scheme := range database.Backends() {
		if scheme == database.SchemeFilesystem {
			found = true
		}
	}
	if !found {
		t.Error("filesystem backend not registered")
	}
}
