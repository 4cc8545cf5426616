package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

// FaceRepository is a database.FaceStorage backed by the known_faces table.
type FaceRepository struct {
	pool *Pool
}

// NewFaceRepository creates a new MariaDB face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

func labelColumns(label facematch.Label) (sql.NullString, string) {
	name, ok := label.Name()
	return sql.NullString{String: name, Valid: ok}, label.Key()
}

// LoadAll reads every known face. Rows with unparseable embeddings are skipped.
func (r *FaceRepository) LoadAll(ctx context.Context) ([]database.StoredFace, []database.SkippedEntry, error) {
	rows, err := r.pool.db.QueryContext(ctx, `SELECT id, label, embedding_json, created_at FROM known_faces ORDER BY id`)
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
			data      []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &label, &data, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan known face: %w", err)
		}

		var embedding []float32
		if err := json.Unmarshal(data, &embedding); err != nil || len(embedding) == 0 {
			skipped = append(skipped, database.SkippedEntry{Ref: id, Reason: "corrupt embedding"})
			continue
		}

		face := database.StoredFace{ID: id, Label: facematch.Unknown, Embedding: embedding, Ref: id, CreatedAt: createdAt}
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
	data, err := json.Marshal(face.Embedding)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}
	if face.CreatedAt.IsZero() {
		face.CreatedAt = time.Now().UTC()
	}
	label, key := labelColumns(face.Label)

	query := `INSERT INTO known_faces (id, label, label_key, embedding_json, image, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.pool.db.ExecContext(ctx, query, face.ID, label, key, data, image, face.CreatedAt); err != nil {
		return "", fmt.Errorf("insert known face: %w", err)
	}
	return face.ID, nil
}

// Relabel updates the label columns. The reference does not change.
func (r *FaceRepository) Relabel(ctx context.Context, ref string, label facematch.Label) (string, error) {
	name, key := labelColumns(label)
	res, err := r.pool.db.ExecContext(ctx, `UPDATE known_faces SET label = ?, label_key = ? WHERE id = ?`, name, key, ref)
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
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := r.pool.db.ExecContext(ctx, `UPDATE known_faces SET embedding_json = ? WHERE id = ?`, data, ref)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return expectOneRow(res, ref)
}

// Delete removes the face row.
func (r *FaceRepository) Delete(ctx context.Context, ref string) error {
	res, err := r.pool.db.ExecContext(ctx, `DELETE FROM known_faces WHERE id = ?`, ref)
	if err != nil {
		return fmt.Errorf("delete known face: %w", err)
	}
	return expectOneRow(res, ref)
}

// ReadImage returns the stored image bytes.
func (r *FaceRepository) ReadImage(ctx context.Context, ref string) ([]byte, error) {
	var image []byte
	err := r.pool.db.QueryRowContext(ctx, `SELECT image FROM known_faces WHERE id = ?`, ref).Scan(&image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &database.NotFoundError{Kind: "image", ID: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return image, nil
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
