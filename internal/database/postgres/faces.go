package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/pgvector/pgvector-go"
)

// FaceRepository is a database.FaceStorage backed by the known_faces table.
// The row id doubles as the storage reference.
type FaceRepository struct {
	pool *Pool
}

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

// labelColumns returns the label and label_key column values for a label.
func labelColumns(label facematch.Label) (sql.NullString, string) {
	name, ok := label.Name()
	return sql.NullString{String: name, Valid: ok}, label.Key()
}

// LoadAll reads every known face. Rows whose embedding cannot be parsed are skipped.
func (r *FaceRepository) LoadAll(ctx context.Context) ([]database.StoredFace, []database.SkippedEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, label, embedding::text, created_at
		FROM known_faces
		ORDER BY id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query known faces: %w", err)
	}
	defer rows.Close()

	var faces []database.StoredFace
	var skipped []database.SkippedEntry
	for rows.Next() {
		var (
			id        string
			label     sql.NullString
			raw       string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &label, &raw, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan known face: %w", err)
		}

		var vec pgvector.Vector
		if err := vec.Scan(raw); err != nil {
			skipped = append(skipped, database.SkippedEntry{Ref: id, Reason: fmt.Sprintf("corrupt embedding: %v", err)})
			continue
		}

		face := database.StoredFace{
			ID:        id,
			Label:     facematch.Unknown,
			Embedding: vec.Slice(),
			Ref:       id,
			CreatedAt: createdAt,
		}
		if label.Valid {
			face.Label = facematch.Named(label.String)
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate known faces: %w", err)
	}
	return faces, skipped, nil
}

// Save inserts a face row with its image.
func (r *FaceRepository) Save(ctx context.Context, face database.StoredFace, image []byte) (string, error) {
	if face.ID == "" {
		return "", errors.New("face id is required")
	}
	if face.CreatedAt.IsZero() {
		face.CreatedAt = time.Now().UTC()
	}
	label, key := labelColumns(face.Label)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO known_faces (id, label, label_key, embedding, dim, image, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, face.ID, label, key, pgvector.NewVector(face.Embedding), len(face.Embedding), image, face.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert known face: %w", err)
	}
	return face.ID, nil
}

// Relabel updates the label columns. The reference does not change.
func (r *FaceRepository) Relabel(ctx context.Context, ref string, label facematch.Label) (string, error) {
	name, key := labelColumns(label)
	res, err := r.pool.Exec(ctx, `
		UPDATE known_faces SET label = $2, label_key = $3, updated_at = NOW()
		WHERE id = $1
	`, ref, name, key)
	if err != nil {
		return "", fmt.Errorf("relabel known face: %w", err)
	}
	if err := expectOneRow(res, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// UpdateEmbedding replaces the embedding of a face.
func (r *FaceRepository) UpdateEmbedding(ctx context.Context, ref string, embedding []float32) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE known_faces SET embedding = $2, dim = $3, updated_at = NOW()
		WHERE id = $1
	`, ref, pgvector.NewVector(embedding), len(embedding))
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return expectOneRow(res, ref)
}

// Delete removes the face row.
func (r *FaceRepository) Delete(ctx context.Context, ref string) error {
	res, err := r.pool.Exec(ctx, "DELETE FROM known_faces WHERE id = $1", ref)
	if err != nil {
		return fmt.Errorf("delete known face: %w", err)
	}
	return expectOneRow(res, ref)
}

// ReadImage returns the stored image bytes.
func (r *FaceRepository) ReadImage(ctx context.Context, ref string) ([]byte, error) {
	var image []byte
	err := r.pool.QueryRow(ctx, "SELECT image FROM known_faces WHERE id = $1", ref).Scan(&image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &database.NotFoundError{Kind: "image", ID: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return image, nil
}

// Nearest returns up to limit face ids ordered by L2 distance to the embedding,
// computed by pgvector.
func (r *FaceRepository) Nearest(ctx context.Context, embedding []float32, limit int) ([]string, []float64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, embedding <-> $1 AS distance
		FROM known_faces
		WHERE dim = $2
		ORDER BY distance, id
		LIMIT $3
	`, pgvector.NewVector(embedding), len(embedding), limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query nearest faces: %w", err)
	}
	defer rows.Close()

	var ids []string
	var distances []float64
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			return nil, nil, fmt.Errorf("scan nearest face: %w", err)
		}
		ids = append(ids, id)
		distances = append(distances, dist)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate nearest faces: %w", err)
	}
	return ids, distances, nil
}

// Close closes the connection pool.
func (r *FaceRepository) Close() error {
	return r.pool.Close()
}

func expectOneRow(res sql.Result, ref string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &database.NotFoundError{Kind: "image", ID: ref}
	}
	return nil
}

var _ database.FaceStorage = (*FaceRepository)(nil)
