package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-identity/internal/aggregate"
	"github.com/kozaktomas/face-identity/internal/lifecycle"
	"github.com/kozaktomas/face-identity/internal/logger"
	"github.com/kozaktomas/face-identity/internal/matching"
)

// FacesHandler handles registration, verification and identity management.
type FacesHandler struct {
	svc *lifecycle.Coordinator
	log *logger.Logger
}

// NewFacesHandler creates a new faces handler.
func NewFacesHandler(svc *lifecycle.Coordinator, log *logger.Logger) *FacesHandler {
	return &FacesHandler{svc: svc, log: log}
}

// RegisterRequest is the JSON body of POST /register.
type RegisterRequest struct {
	PersonID           string   `json:"person_id"`
	Images             []string `json:"images"`
	AllowMultipleFaces bool     `json:"allow_multiple_faces"`
}

// EnrollResponse is returned by registration and session finalization.
type EnrollResponse struct {
	Success          bool                     `json:"success"`
	PersonID         string                   `json:"person_id"`
	FacesDetected    int                      `json:"faces_detected"`
	FacesRegistered  int                      `json:"faces_registered"`
	EmbeddingsStored int                      `json:"embeddings_stored"`
	AverageQuality   float64                  `json:"average_quality"`
	Merged           bool                     `json:"merged,omitempty"`
	Images           []lifecycle.ImageOutcome `json:"images,omitempty"`
}

func enrollToResponse(res *lifecycle.EnrollResult) EnrollResponse {
	return EnrollResponse{
		Success:          true,
		PersonID:         res.PersonID,
		FacesDetected:    res.FacesDetected,
		FacesRegistered:  res.FacesAccepted,
		EmbeddingsStored: res.EmbeddingsStored,
		AverageQuality:   res.AverageQuality,
		Merged:           res.Merged,
		Images:           res.Images,
	}
}

// VerifyRequest is the JSON body of POST /verify.
type VerifyRequest struct {
	Image              string `json:"image"`
	AllowMultipleFaces bool   `json:"allow_multiple_faces"`
}

// VerifyResponse reports the matching decision. Identity fields are only
// present when a person was found.
type VerifyResponse struct {
	Found         bool                   `json:"found"`
	PersonID      string                 `json:"person_id,omitempty"`
	Confidence    *float64               `json:"confidence,omitempty"`
	LowConfidence bool                   `json:"low_confidence,omitempty"`
	Ambiguous     bool                   `json:"ambiguous,omitempty"`
	Alternatives  []matching.Alternative `json:"alternatives,omitempty"`
	FacesDetected int                    `json:"faces_detected"`
	ProbeQuality  float64                `json:"probe_quality"`
}

// IdentityResponse describes a stored identity.
type IdentityResponse struct {
	PersonID           string  `json:"person_id"`
	EmbeddingCount     int     `json:"embedding_count"`
	SourceObservations int     `json:"source_observations"`
	Strategy           string  `json:"strategy"`
	Quality            float64 `json:"quality"`
	CreatedAt          string  `json:"created_at"`
	LastUpdated        string  `json:"last_updated"`
}

// UpdateRequest is the JSON body of PUT /faces/{person_id}.
type UpdateRequest struct {
	Images             []string `json:"images"`
	Mode               string   `json:"mode"`
	AllowMultipleFaces bool     `json:"allow_multiple_faces"`
}

// UpdateResponse is returned by PUT /faces/{person_id}.
type UpdateResponse struct {
	Success          bool                     `json:"success"`
	PersonID         string                   `json:"person_id"`
	FacesDetected    int                      `json:"faces_detected"`
	FacesUpdated     int                      `json:"faces_updated"`
	EmbeddingsStored int                      `json:"embeddings_stored"`
	Images           []lifecycle.ImageOutcome `json:"images,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Register enrolls a person from base64 encoded images.
func (h *FacesHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	images, err := decodeBase64Images(req.Images)
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	h.register(w, r, req.PersonID, images, req.AllowMultipleFaces)
}

// RegisterUpload enrolls a person from multipart files in the "images" field.
func (h *FacesHandler) RegisterUpload(w http.ResponseWriter, r *http.Request) {
	images, err := readMultipartImages(w, r, "images")
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	h.register(w, r, r.FormValue("person_id"), images, formBool(r.FormValue("allow_multiple_faces")))
}

func (h *FacesHandler) register(w http.ResponseWriter, r *http.Request, personID string, images []lifecycle.Image, allowMultiple bool) {
	res, err := h.svc.Register(r.Context(), personID, images, lifecycle.Options{AllowMultipleFaces: allowMultiple})
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, enrollToResponse(res))
}

// Verify identifies the person in a base64 encoded probe image.
func (h *FacesHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	if req.Image == "" {
		respondFailure(w, r, h.log, validationError("An image is required."))
		return
	}
	data, err := decodeBase64Image(req.Image)
	if err != nil {
		respondFailure(w, r, h.log, validationError("Image is not valid base64."))
		return
	}

	h.verify(w, r, lifecycle.Image{Name: "probe", Data: data}, req.AllowMultipleFaces)
}

// VerifyUpload identifies the person in the multipart "image" file.
func (h *FacesHandler) VerifyUpload(w http.ResponseWriter, r *http.Request) {
	images, err := readMultipartImages(w, r, "image")
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	if len(images) != 1 {
		respondFailure(w, r, h.log, validationError("Exactly one image is required."))
		return
	}

	h.verify(w, r, images[0], formBool(r.FormValue("allow_multiple_faces")))
}

func (h *FacesHandler) verify(w http.ResponseWriter, r *http.Request, image lifecycle.Image, allowMultiple bool) {
	res, err := h.svc.Verify(r.Context(), image, lifecycle.Options{AllowMultipleFaces: allowMultiple})
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	resp := VerifyResponse{
		Found:         res.Found,
		Ambiguous:     res.Ambiguous,
		Alternatives:  res.Alternatives,
		FacesDetected: res.FacesDetected,
		ProbeQuality:  res.Quality,
	}
	if res.Found {
		confidence := res.Confidence
		resp.PersonID = res.PersonID
		resp.Confidence = &confidence
		resp.LowConfidence = res.LowConfidence
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get returns the summary of an enrolled person.
func (h *FacesHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Get(r.Context(), chi.URLParam(r, "person_id"))
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, IdentityResponse{
		PersonID:           info.PersonID,
		EmbeddingCount:     info.EmbeddingCount,
		SourceObservations: info.SourceObservations,
		Strategy:           info.Strategy,
		Quality:            info.AverageQuality,
		CreatedAt:          info.CreatedAt.UTC().Format(time.RFC3339),
		LastUpdated:        info.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// Update adds images to an enrolled person, or replaces their embeddings
// when mode is "replace".
func (h *FacesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	images, err := decodeBase64Images(req.Images)
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	opts := lifecycle.Options{AllowMultipleFaces: req.AllowMultipleFaces, Mode: aggregate.Mode(req.Mode)}
	res, err := h.svc.Update(r.Context(), chi.URLParam(r, "person_id"), images, opts)
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, UpdateResponse{
		Success:          true,
		PersonID:         res.PersonID,
		FacesDetected:    res.FacesDetected,
		FacesUpdated:     res.FacesAccepted,
		EmbeddingsStored: res.EmbeddingsStored,
		Images:           res.Images,
	})
}

// Delete removes a person and their embeddings.
func (h *FacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "person_id")); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, successResponse{Success: true})
}
