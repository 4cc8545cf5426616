package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-watch/internal/constants"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/kozaktomas/face-watch/internal/imaging"
	"github.com/kozaktomas/face-watch/internal/recognition"
)

// FacesHandler handles maintenance of the known faces database.
type FacesHandler struct {
	svc    *recognition.Service
	logger *slog.Logger
}

// NewFacesHandler creates a new faces handler
func NewFacesHandler(svc *recognition.Service, logger *slog.Logger) *FacesHandler {
	return &FacesHandler{svc: svc, logger: orDefault(logger)}
}

// SaveFaceRequest adds a face from an image with exactly one face in it.
type SaveFaceRequest struct {
	Image string  `json:"image"`
	Name  *string `json:"name"`
}

// Save handles POST /save_face
func (h *FacesHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveFaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Image == "" {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}
	image, err := imaging.DecodeBase64(req.Image)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	label := facematch.ParseLabel(req.Name)
	res, err := h.svc.SaveFace(r.Context(), image, label)
	if err != nil {
		respondServiceError(w, h.logger, "saving face", err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"label": label,
		"save":  res,
	})
}

// LabelFaceRequest renames an entry. A null or empty name makes it unknown.
type LabelFaceRequest struct {
	ID   string  `json:"id"`
	Name *string `json:"name"`
}

// EntryResponse describes a known face.
type EntryResponse struct {
	ID    string          `json:"id"`
	Label facematch.Label `json:"label"`
	Ref   string          `json:"ref"`
	Image string          `json:"image,omitempty"`
}

func entryResponse(e facematch.Entry) EntryResponse {
	return EntryResponse{ID: e.ID, Label: e.Label, Ref: e.Ref}
}

// Label handles POST /label_face
func (h *FacesHandler) Label(w http.ResponseWriter, r *http.Request) {
	var req LabelFaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	e, err := h.svc.LabelEntry(r.Context(), req.ID, facematch.ParseLabel(req.Name))
	if err != nil {
		respondServiceError(w, h.logger, "labeling face "+sanitizeForLog(req.ID), err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(e))
}

// DeleteFaceRequest removes an entry.
type DeleteFaceRequest struct {
	ID string `json:"id"`
}

// Delete handles POST /delete_face
func (h *FacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteFaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.svc.DeleteEntry(r.Context(), req.ID); err != nil {
		respondServiceError(w, h.logger, "deleting face "+sanitizeForLog(req.ID), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": req.ID})
}

// ListImages handles GET /get_images?name=
// Without a name the unconfirmed faces are listed. An optional size shrinks the
// returned images to fit that many pixels.
func (h *FacesHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	label := facematch.Named(r.URL.Query().Get("name"))

	size := 0
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > constants.ThumbnailMaxSize {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("size must be between 1 and %d", constants.ThumbnailMaxSize))
			return
		}
		size = n
	}

	entries := h.svc.ListEntries(label)
	images := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := entryResponse(e)
		data, err := h.svc.EntryImage(r.Context(), e.ID)
		if err != nil {
			h.logger.Warn("reading stored image", "entry", e.ID, "error", err)
		} else if len(data) > 0 {
			if size > 0 {
				if resized, err := imaging.ResizeImage(data, size); err == nil {
					data = resized
				}
			}
			resp.Image = imaging.DataURL(data)
		}
		images = append(images, resp)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"name":   label,
		"count":  len(images),
		"images": images,
	})
}

// PersonSummary is one person in the database.
type PersonSummary struct {
	Name  facematch.Label `json:"name"`
	Count int             `json:"count"`
}

// People handles GET /people
func (h *FacesHandler) People(w http.ResponseWriter, r *http.Request) {
	labels := h.svc.Labels()
	people := make([]PersonSummary, 0, len(labels))
	for _, l := range labels {
		people = append(people, PersonSummary{Name: l, Count: len(h.svc.ListEntries(l))})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"people":  people,
		"unknown": len(h.svc.ListEntries(facematch.Unknown)),
	})
}

// SimilarRequest queries by an embedding or by an existing entry.
type SimilarRequest struct {
	Embedding []float32 `json:"embedding"`
	EntryID   string    `json:"entry_id"`
	Limit     int       `json:"limit"`
}

// SimilarFace is a neighbour in a similar response.
type SimilarFace struct {
	ID         string          `json:"id"`
	Label      facematch.Label `json:"label"`
	Distance   float64         `json:"distance"`
	Confidence float64         `json:"confidence"`
}

// Similar handles POST /faces/similar
func (h *FacesHandler) Similar(w http.ResponseWriter, r *http.Request) {
	var req SimilarRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	query := req.Embedding
	if req.EntryID != "" {
		e, ok := h.svc.Store().Get(req.EntryID)
		if !ok {
			respondServiceError(w, h.logger, "similar faces", &database.NotFoundError{Kind: "entry", ID: req.EntryID})
			return
		}
		query = e.Embedding
	}
	if len(query) == 0 {
		respondError(w, http.StatusBadRequest, "embedding or entry_id is required")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = constants.DefaultSimilarLimit
	}
	limit = min(limit, constants.MaxSimilarLimit)

	k := limit
	if req.EntryID != "" {
		k++ // the entry itself is the nearest result
	}
	neighbors, err := h.svc.Similar(r.Context(), query, k)
	if err != nil {
		respondServiceError(w, h.logger, "similar faces", err)
		return
	}

	tolerance := h.svc.Config().Tolerance
	faces := make([]SimilarFace, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Entry.ID == req.EntryID || len(faces) == limit {
			continue
		}
		faces = append(faces, SimilarFace{
			ID:         n.Entry.ID,
			Label:      n.Entry.Label,
			Distance:   n.Distance,
			Confidence: facematch.Confidence(n.Distance, tolerance),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"faces": faces, "count": len(faces)})
}

// Image handles GET /images/{id}
func (h *FacesHandler) Image(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := h.svc.EntryImage(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "reading image "+sanitizeForLog(id), err)
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusNotFound, "entry has no stored image")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Reload handles POST /reload
func (h *FacesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reload(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, "reloading known faces", err)
		return
	}

	skipped := make([]map[string]string, 0, len(report.Skipped))
	for _, s := range report.Skipped {
		skipped = append(skipped, map[string]string{"ref": s.Ref, "reason": s.Reason})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"loaded":  report.Loaded,
		"skipped": skipped,
	})
}
