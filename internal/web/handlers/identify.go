package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/kozaktomas/face-watch/internal/imaging"
	"github.com/kozaktomas/face-watch/internal/recognition"
)

// IdentifyHandler handles face identification and feedback on its results.
type IdentifyHandler struct {
	svc    *recognition.Service
	logger *slog.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc *recognition.Service, logger *slog.Logger) *IdentifyHandler {
	return &IdentifyHandler{svc: svc, logger: orDefault(logger)}
}

// FaceInput is a precomputed detection sent instead of, or along with, an image.
type FaceInput struct {
	Embedding []float32       `json:"embedding"`
	Region    *facematch.BBox `json:"region,omitempty"`
}

// IdentifyRequest carries a base64 image, precomputed faces, or both.
// When faces are given the image is only used for crops.
type IdentifyRequest struct {
	Image string      `json:"image"`
	Faces []FaceInput `json:"faces"`
}

// IdentifiedFace is one face of an identify response.
type IdentifiedFace struct {
	ResultRef         string          `json:"result_ref"`
	Label             facematch.Label `json:"label"`
	NearestLabel      facematch.Label `json:"nearest_label"`
	Confirmed         bool            `json:"confirmed"`
	Distance          float64         `json:"distance"`
	Confidence        float64         `json:"confidence"`
	ConfidencePercent int             `json:"confidence_percent"`
	BestEntryID       string          `json:"best_entry_id,omitempty"`
	Region            *facematch.BBox `json:"region,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	FaceImage         string          `json:"face_image,omitempty"`
	MatchedImage      string          `json:"matched_image,omitempty"`
}

// IdentifyResponse is the identify response.
type IdentifyResponse struct {
	Faces        []IdentifiedFace `json:"faces"`
	Count        int              `json:"count"`
	FeedbackLoop bool             `json:"feedback_loop"`
}

// Identify handles POST /identify_faces
func (h *IdentifyHandler) Identify(w http.ResponseWriter, r *http.Request) {
	var req IdentifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Image == "" && len(req.Faces) == 0 {
		respondError(w, http.StatusBadRequest, "image or faces is required")
		return
	}

	var image []byte
	if req.Image != "" {
		var err error
		image, err = imaging.DecodeBase64(req.Image)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var (
		proposals []recognition.Proposal
		err       error
	)
	if len(req.Faces) > 0 {
		detections := make([]facematch.Detection, len(req.Faces))
		for i, f := range req.Faces {
			detections[i] = facematch.Detection{Embedding: f.Embedding, Region: f.Region}
		}
		proposals, err = h.svc.Identify(r.Context(), detections, image)
	} else {
		proposals, err = h.svc.IdentifyImage(r.Context(), image)
	}
	if err != nil {
		respondServiceError(w, h.logger, "identifying faces", err)
		return
	}

	faces := make([]IdentifiedFace, 0, len(proposals))
	for _, p := range proposals {
		faces = append(faces, h.describe(r, p, image))
	}
	respondJSON(w, http.StatusOK, IdentifyResponse{
		Faces:        faces,
		Count:        len(faces),
		FeedbackLoop: h.svc.Feedback().Enabled(),
	})
}

// describe renders a proposal. Crops and stored images are best effort: a face
// whose image cannot be produced is still returned without it.
func (h *IdentifyHandler) describe(r *http.Request, p recognition.Proposal, image []byte) IdentifiedFace {
	res := p.Result
	f := IdentifiedFace{
		ResultRef:         p.Ref,
		Label:             res.Label,
		NearestLabel:      res.NearestLabel,
		Confirmed:         res.Confirmed,
		Distance:          res.Distance,
		Confidence:        res.Confidence,
		ConfidencePercent: res.ConfidencePercent(),
		BestEntryID:       res.BestEntryID,
		Region:            res.Region,
		ExpiresAt:         p.ExpiresAt,
	}

	if image != nil {
		crop, err := imaging.CropJPEG(image, res.Region, h.svc.Config().CropMargin)
		if err != nil {
			h.logger.Warn("cropping face", "result", p.Ref, "error", err)
		} else {
			f.FaceImage = imaging.DataURL(crop)
		}
	}

	if res.BestEntryID != "" {
		stored, err := h.svc.EntryImage(r.Context(), res.BestEntryID)
		if err != nil {
			h.logger.Warn("reading matched image", "entry", res.BestEntryID, "error", err)
		} else if len(stored) > 0 {
			f.MatchedImage = imaging.DataURL(stored)
		}
	}
	return f
}

// FeedbackRequest is the caller's verdict on an identified face.
type FeedbackRequest struct {
	ResultRef string  `json:"result_ref"`
	Action    string  `json:"action"`
	Name      *string `json:"name"`
}

// Feedback handles POST /feedback
func (h *IdentifyHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ResultRef == "" {
		respondError(w, http.StatusBadRequest, "result_ref is required")
		return
	}
	action, err := recognition.ParseAction(req.Action)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.svc.SubmitFeedback(r.Context(), req.ResultRef, recognition.Decision{
		Action: action,
		Label:  facematch.ParseLabel(req.Name),
	})
	if err != nil {
		respondServiceError(w, h.logger, "applying feedback "+sanitizeForLog(req.ResultRef), err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}
