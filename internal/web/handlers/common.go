package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/lifecycle"
	"github.com/kozaktomas/face-identity/internal/logger"
)

const (
	// maxJSONBody bounds base64 request bodies (10 images of ~3 MB each).
	maxJSONBody = 48 << 20
	// maxUploadMemory is the part of a multipart upload held in memory; the
	// rest spills to temporary files until maxJSONBody is reached.
	maxUploadMemory = 32 << 20
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "Invalid request body."

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// errorResponse is the envelope of every failed request.
type errorResponse struct {
	Success bool                     `json:"success"`
	Error   face.Kind                `json:"error"`
	Message string                   `json:"message"`
	Reason  string                   `json:"reason,omitempty"`
	Images  []lifecycle.ImageOutcome `json:"images,omitempty"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error envelope with an explicit kind.
func respondError(w http.ResponseWriter, status int, kind face.Kind, message string) {
	respondJSON(w, status, errorResponse{Error: kind, Message: message})
}

// statusFor maps an error kind onto an HTTP status code.
func statusFor(kind face.Kind) int {
	switch kind {
	case face.KindFaceNotDetected, face.KindMultipleFaces, face.KindPoorQuality, face.KindValidation:
		return http.StatusBadRequest
	case face.KindPersonNotFound, face.KindSessionNotFound:
		return http.StatusNotFound
	case face.KindPersonAlreadyExists:
		return http.StatusConflict
	case face.KindModel:
		return http.StatusBadGateway
	case face.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondFailure classifies err and writes the error envelope. Causes of
// server side failures are logged and never returned to the client.
func respondFailure(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	kind := face.KindOf(err)
	status := statusFor(kind)

	resp := errorResponse{Error: kind, Message: face.MessageOf(err)}
	var fe *face.Error
	if errors.As(err, &fe) {
		resp.Reason = fe.Reason
	}
	var rejected *lifecycle.RejectedError
	if errors.As(err, &rejected) {
		resp.Images = rejected.Images
	}

	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "method", r.Method, "path", sanitizeForLog(r.URL.Path),
			"kind", kind, "error", err)
	} else {
		log.Debug("Request rejected", "method", r.Method, "path", sanitizeForLog(r.URL.Path),
			"kind", kind, "error", err)
	}
	respondJSON(w, status, resp)
}

func validationError(message string) error {
	return face.NewError(face.KindValidation, message)
}

func bodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if bodyTooLarge(err) {
			return validationError("Request body is too large.")
		}
		return validationError(errInvalidRequestBody)
	}
	return nil
}

// decodeBase64Image accepts plain base64 or a data URL.
func decodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// decodeBase64Images turns the JSON image list into lifecycle images.
func decodeBase64Images(encoded []string) ([]lifecycle.Image, error) {
	images := make([]lifecycle.Image, 0, len(encoded))
	for i, s := range encoded {
		data, err := decodeBase64Image(s)
		if err != nil {
			return nil, validationError(fmt.Sprintf("Image %d is not valid base64.", i+1))
		}
		images = append(images, lifecycle.Image{Name: fmt.Sprintf("image-%d", i+1), Data: data})
	}
	return images, nil
}

// readMultipartImages parses a bounded multipart form and reads every file in
// field.
func readMultipartImages(w http.ResponseWriter, r *http.Request, field string) ([]lifecycle.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		if bodyTooLarge(err) {
			return nil, validationError("Request body is too large.")
		}
		return nil, validationError("Failed to parse multipart form.")
	}
	if r.MultipartForm == nil {
		return nil, nil
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[field]
	images := make([]lifecycle.Image, 0, len(files))
	for _, fh := range files {
		data, err := func() ([]byte, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			defer f.Close()
			return io.ReadAll(f)
		}()
		if err != nil {
			return nil, validationError(fmt.Sprintf("Failed to read uploaded file %s.", fh.Filename))
		}
		images = append(images, lifecycle.Image{Name: fh.Filename, Data: data})
	}
	return images, nil
}

// formBool parses an optional boolean form or query value.
func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// NotFound answers unknown routes with the standard error envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found.")
}

// MethodNotAllowed answers known routes requested with an unsupported method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed.")
}
