// Package filesystem stores known faces as image files in per-person folders:
//
//	<root>/known/<name>/<name>_<suffix>.jpg
//	<root>/unknown/unknown_<suffix>.jpg
//
// Each image has a JSON sidecar (same path, .json extension) caching its id,
// label and embedding. Images dropped into the folders by hand have no sidecar
// and are encoded on the next load.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

const (
	knownDir   = "known"
	unknownDir = "unknown"
	sidecarExt = ".json"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

func init() {
	database.RegisterBackend(database.SchemeFilesystem, func(ctx context.Context, cfg *config.StorageConfig, enc database.FaceEncoder, logger *slog.Logger) (database.FaceStorage, error) {
		return New(cfg.FaceDatabaseDir, enc, logger)
	})
}

// Storage is a database.FaceStorage backed by a directory tree.
type Storage struct {
	root    string
	encoder database.FaceEncoder // nil disables encoding of images without a sidecar
	logger  *slog.Logger
}

// sidecar is the on-disk JSON next to every image.
type sidecar struct {
	ID        string          `json:"id"`
	Label     facematch.Label `json:"label"`
	Embedding []float32       `json:"embedding"`
	CreatedAt time.Time       `json:"created_at"`
}

// New creates the directory layout under root if needed.
func New(root string, enc database.FaceEncoder, logger *slog.Logger) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("face database directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{knownDir, unknownDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Storage{root: root, encoder: enc, logger: logger}, nil
}

// Root returns the base directory.
func (s *Storage) Root() string {
	return s.root
}

// folderFor returns the person folder for a label, safe to use as one path element.
func folderFor(label facematch.Label) string {
	folder := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, facematch.FolderName(label))
	if strings.HasPrefix(folder, ".") {
		folder = "_" + strings.TrimLeft(folder, ".")
	}
	return folder
}

// refFor builds a new relative image path for a label.
func refFor(label facematch.Label) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if label.IsUnknown() {
		return path.Join(unknownDir, fmt.Sprintf("%s_%s.jpg", facematch.UnknownName, suffix))
	}
	folder := folderFor(label)
	return path.Join(knownDir, folder, fmt.Sprintf("%s_%s.jpg", strings.ReplaceAll(folder, " ", "_"), suffix))
}

// folderOf returns the person folder of a ref, or "" for the unknown folder.
func folderOf(ref string) string {
	parts := strings.Split(ref, "/")
	if len(parts) == 3 && parts[0] == knownDir {
		return parts[1]
	}
	return ""
}

// labelFromRef derives the label from the folder the image sits in.
func labelFromRef(ref string) facematch.Label {
	if folder := folderOf(ref); folder != "" {
		return facematch.Named(folder)
	}
	return facematch.Unknown
}

func sidecarRef(ref string) string {
	return strings.TrimSuffix(ref, path.Ext(ref)) + sidecarExt
}

// abs resolves a ref to a path inside root, rejecting anything that escapes it.
func (s *Storage) abs(ref string) (string, error) {
	clean := path.Clean("/" + ref)[1:]
	if clean == "" || clean != ref {
		return "", fmt.Errorf("invalid image reference %q", ref)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Storage) readSidecar(ref string) (*sidecar, error) {
	p, err := s.abs(sidecarRef(ref))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("corrupt sidecar: %w", err)
	}
	if sc.ID == "" || len(sc.Embedding) == 0 {
		return nil, fmt.Errorf("corrupt sidecar: missing id or embedding")
	}
	return &sc, nil
}

func (s *Storage) writeSidecar(ref string, sc *sidecar) error {
	p, err := s.abs(sidecarRef(ref))
	if err != nil {
		return err
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	return writeFileAtomic(p, data)
}

// writeFileAtomic writes to a temp file in the same directory and renames it into place.
func writeFileAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// LoadAll walks the known and unknown folders. Images without a usable sidecar
// are encoded; images in which no face is found are skipped.
func (s *Storage) LoadAll(ctx context.Context) ([]database.StoredFace, []database.SkippedEntry, error) {
	if _, err := os.Stat(s.root); err != nil {
		return nil, nil, fmt.Errorf("face database directory: %w", err)
	}

	var refs []string
	for _, dir := range []string{knownDir, unknownDir} {
		base := filepath.Join(s.root, dir)
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if !imageExtensions[strings.ToLower(filepath.Ext(p))] {
				return nil
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			refs = append(refs, filepath.ToSlash(rel))
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("walking %s: %w", dir, err)
		}
	}

	var faces []database.StoredFace
	var skipped []database.SkippedEntry
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		face, err := s.loadOne(ctx, ref)
		if err != nil {
			skipped = append(skipped, database.SkippedEntry{Ref: ref, Reason: err.Error()})
			continue
		}
		faces = append(faces, face)
	}
	return faces, skipped, nil
}

func (s *Storage) loadOne(ctx context.Context, ref string) (database.StoredFace, error) {
	folderLabel := labelFromRef(ref)

	sc, err := s.readSidecar(ref)
	if err == nil {
		label := sc.Label
		// an image moved between folders by hand follows its folder
		if label.IsUnknown() != folderLabel.IsUnknown() || (!label.IsUnknown() && folderFor(label) != folderOf(ref)) {
			label = folderLabel
		}
		return database.StoredFace{
			ID:        sc.ID,
			Label:     label,
			Embedding: sc.Embedding,
			Ref:       ref,
			CreatedAt: sc.CreatedAt,
		}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("re-encoding image with unreadable sidecar", "ref", ref, "error", err)
	}

	embedding, err := s.encode(ctx, ref)
	if err != nil {
		return database.StoredFace{}, err
	}

	created := time.Now().UTC()
	if p, err := s.abs(ref); err == nil {
		if info, err := os.Stat(p); err == nil {
			created = info.ModTime().UTC()
		}
	}
	face := database.StoredFace{
		ID:        database.NewEntryID(),
		Label:     folderLabel,
		Embedding: embedding,
		Ref:       ref,
		CreatedAt: created,
	}
	if err := s.writeSidecar(ref, &sidecar{ID: face.ID, Label: face.Label, Embedding: face.Embedding, CreatedAt: face.CreatedAt}); err != nil {
		s.logger.Warn("could not cache embedding", "ref", ref, "error", err)
	}
	return face, nil
}

// encode runs the encoder on a stored image and returns the first face's embedding.
func (s *Storage) encode(ctx context.Context, ref string) ([]float32, error) {
	if s.encoder == nil {
		return nil, fmt.Errorf("no embedding cached and no encoder configured")
	}
	img, err := s.ReadImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	detections, err := s.encoder.DetectFaces(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	if len(detections) == 0 {
		return nil, fmt.Errorf("no face found")
	}
	return detections[0].Embedding, nil
}

// Save writes the image and its sidecar under the label's folder.
func (s *Storage) Save(ctx context.Context, face database.StoredFace, image []byte) (string, error) {
	ref := refFor(face.Label)
	p, err := s.abs(ref)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(p, image); err != nil {
		return "", fmt.Errorf("writing image: %w", err)
	}
	if face.CreatedAt.IsZero() {
		face.CreatedAt = time.Now().UTC()
	}
	sc := &sidecar{ID: face.ID, Label: face.Label, Embedding: face.Embedding, CreatedAt: face.CreatedAt}
	if err := s.writeSidecar(ref, sc); err != nil {
		if rmErr := os.Remove(p); rmErr != nil {
			return "", fmt.Errorf("%w: image %s kept without sidecar: %v", database.ErrPartialWrite, ref, err)
		}
		return "", fmt.Errorf("writing sidecar: %w", err)
	}
	return ref, nil
}

// Relabel moves the image and its sidecar into the new label's folder so the
// file name keeps matching the label.
func (s *Storage) Relabel(ctx context.Context, ref string, label facematch.Label) (string, error) {
	src, err := s.abs(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &database.NotFoundError{Kind: "image", ID: ref}
		}
		return "", err
	}

	sc, err := s.readSidecar(ref)
	if err != nil {
		return "", fmt.Errorf("reading sidecar of %s: %w", ref, err)
	}
	sc.Label = label

	newRef := refFor(label)
	dst, err := s.abs(newRef)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("moving image: %w", err)
	}

	if err := s.writeSidecar(newRef, sc); err != nil {
		if rbErr := os.Rename(dst, src); rbErr != nil {
			return "", fmt.Errorf("%w: image moved to %s but sidecar not written: %v", database.ErrPartialWrite, newRef, err)
		}
		return "", fmt.Errorf("writing sidecar: %w", err)
	}
	oldSidecar, _ := s.abs(sidecarRef(ref))
	if err := os.Remove(oldSidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: stale sidecar %s left behind: %v", database.ErrPartialWrite, sidecarRef(ref), err)
	}
	s.removeEmptyFolder(filepath.Dir(src))
	return newRef, nil
}

// UpdateEmbedding rewrites the cached embedding in the sidecar.
func (s *Storage) UpdateEmbedding(ctx context.Context, ref string, embedding []float32) error {
	sc, err := s.readSidecar(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &database.NotFoundError{Kind: "image", ID: ref}
		}
		return err
	}
	sc.Embedding = embedding
	return s.writeSidecar(ref, sc)
}

// Delete removes the image and its sidecar.
func (s *Storage) Delete(ctx context.Context, ref string) error {
	p, err := s.abs(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &database.NotFoundError{Kind: "image", ID: ref}
		}
		return fmt.Errorf("removing image: %w", err)
	}
	sp, _ := s.abs(sidecarRef(ref))
	if err := os.Remove(sp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: image %s removed but sidecar kept: %v", database.ErrPartialWrite, ref, err)
	}
	s.removeEmptyFolder(filepath.Dir(p))
	return nil
}

// ReadImage returns the image bytes.
func (s *Storage) ReadImage(ctx context.Context, ref string) ([]byte, error) {
	p, err := s.abs(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &database.NotFoundError{Kind: "image", ID: ref}
		}
		return nil, err
	}
	return data, nil
}

// Close does nothing; there is nothing to release.
func (s *Storage) Close() error {
	return nil
}

// removeEmptyFolder drops a person folder once its last image is gone.
func (s *Storage) removeEmptyFolder(dir string) {
	if filepath.Dir(dir) != filepath.Join(s.root, knownDir) {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		s.logger.Debug("could not remove empty folder", "dir", dir, "error", err)
	}
}

var _ database.FaceStorage = (*Storage)(nil)
