package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-identity/internal/lifecycle"
	"github.com/kozaktomas/face-identity/internal/logger"
	"github.com/kozaktomas/face-identity/internal/session"
)

// SessionsHandler handles multi-call enrollment sessions.
type SessionsHandler struct {
	svc *lifecycle.Coordinator
	log *logger.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(svc *lifecycle.Coordinator, log *logger.Logger) *SessionsHandler {
	return &SessionsHandler{svc: svc, log: log}
}

// StartSessionRequest is the JSON body of POST /sessions.
type StartSessionRequest struct {
	PersonID string `json:"person_id"`
}

// SessionResponse summarizes an enrollment session.
type SessionResponse struct {
	SessionToken  string        `json:"session_token"`
	PersonID      string        `json:"person_id"`
	State         session.State `json:"state"`
	ImagesSeen    int           `json:"images_seen"`
	FacesDetected int           `json:"faces_detected"`
	FacesAccepted int           `json:"faces_accepted"`
	CreatedAt     string        `json:"created_at"`
	ExpiresAt     string        `json:"expires_at"`
}

func sessionToResponse(s lifecycle.SessionInfo) SessionResponse {
	return SessionResponse{
		SessionToken:  s.Token,
		PersonID:      s.PersonID,
		State:         s.State,
		ImagesSeen:    s.ImagesSeen,
		FacesDetected: s.FacesDetected,
		FacesAccepted: s.FacesAccepted,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// AddImagesRequest is the JSON body of POST /sessions/{token}/images.
type AddImagesRequest struct {
	Images             []string `json:"images"`
	AllowMultipleFaces bool     `json:"allow_multiple_faces"`
}

// AddImagesResponse reports the faces accepted by one call and the running total.
type AddImagesResponse struct {
	FacesDetected int                      `json:"faces_detected"`
	FacesAccepted int                      `json:"faces_accepted"`
	TotalAccepted int                      `json:"total_accepted"`
	ExpiresAt     string                   `json:"expires_at"`
	Images        []lifecycle.ImageOutcome `json:"images,omitempty"`
}

// Start opens a session for a person.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	info, err := h.svc.StartSession(r.Context(), req.PersonID)
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionToResponse(*info))
}

// Get returns a session summary. Reading a session does not extend it.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionToResponse(*info))
}

// AddImages buffers the accepted faces of base64 encoded images.
func (h *SessionsHandler) AddImages(w http.ResponseWriter, r *http.Request) {
	var req AddImagesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	images, err := decodeBase64Images(req.Images)
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	res, err := h.svc.AddSessionImages(r.Context(), chi.URLParam(r, "token"), images,
		lifecycle.Options{AllowMultipleFaces: req.AllowMultipleFaces})
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, AddImagesResponse{
		FacesDetected: res.FacesDetectedNow,
		FacesAccepted: res.FacesAcceptedNow,
		TotalAccepted: res.FacesAccepted,
		ExpiresAt:     res.ExpiresAt.UTC().Format(time.RFC3339),
		Images:        res.Images,
	})
}

// Finalize registers the buffered faces and closes the session.
func (h *SessionsHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.FinalizeSession(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, enrollToResponse(res))
}

// Cancel discards a session.
func (h *SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelSession(r.Context(), chi.URLParam(r, "token")); err != nil {
		respondFailure(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, successResponse{Success: true})
}
