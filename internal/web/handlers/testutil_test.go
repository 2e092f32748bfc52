package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database/mock"
	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/lifecycle"
	"github.com/kozaktomas/face-identity/internal/logger"
	"github.com/kozaktomas/face-identity/internal/session"
)

var (
	aliceVec   = []float32{1, 0, 0, 0}
	aliceProbe = []float32{0.97, 0.05, 0.02, 0}
	bobVec     = []float32{0, 1, 0, 0}
	unknownVec = []float32{0, 0, 1, 0}
)

func goodFace(vec []float32) face.Observation {
	return face.Observation{
		Embedding:   vec,
		BBox:        face.BBox{100, 100, 250, 260},
		DetScore:    0.97,
		Sharpness:   120,
		Brightness:  130,
		ImageWidth:  640,
		ImageHeight: 480,
	}
}

// stubDetector returns canned faces keyed by the raw image bytes.
type stubDetector struct {
	mu      sync.Mutex
	faces   map[string][]face.Observation
	errs    map[string]error
	pingErr error
}

func (d *stubDetector) DetectAndEmbed(_ context.Context, image []byte) ([]face.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errs[string(image)]; ok {
		return nil, err
	}
	return append([]face.Observation(nil), d.faces[string(image)]...), nil
}

func (d *stubDetector) Ping(context.Context) error { return d.pingErr }

// set registers the faces found in an image and returns its base64 form.
func (d *stubDetector) set(name string, obs ...face.Observation) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faces[name] = obs
	return base64.StdEncoding.EncodeToString([]byte(name))
}

func (d *stubDetector) fail(name string, err error) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[name] = err
	return base64.StdEncoding.EncodeToString([]byte(name))
}

type testEnv struct {
	svc      *lifecycle.Coordinator
	store    *mock.MockStore
	det      *stubDetector
	faces    *FacesHandler
	sessions *SessionsHandler
}

// newTestEnv builds a coordinator over the mock store and a stub detector.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Embedding.Dim = 4

	store := mock.NewMockStore()
	det := &stubDetector{faces: map[string][]face.Observation{}, errs: map[string]error{}}
	mgr := session.NewManager(session.NewMemoryStore(0), 20*time.Minute, cfg.Enrollment.MaxImagesPerRegistration)

	svc, err := lifecycle.New(cfg, det, store, lifecycle.WithSessions(mgr))
	if err != nil {
		t.Fatalf("lifecycle.New() error = %v", err)
	}
	log := logger.Nop()
	return &testEnv{
		svc:      svc,
		store:    store,
		det:      det,
		faces:    NewFacesHandler(svc, log),
		sessions: NewSessionsHandler(svc, log),
	}
}

// jsonRequest creates a request with a JSON encoded body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartRequest creates a multipart request with form fields and files
func multipartRequest(t *testing.T, path string, fields map[string]string, fileField string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(fileField, name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks that the response is a failure envelope of the given kind
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedKind face.Kind) {
	t.Helper()
	var result errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result.Success {
		t.Error("expected success=false in error envelope")
	}
	if result.Error != expectedKind {
		t.Errorf("expected error '%s', got '%s'", expectedKind, result.Error)
	}
	if result.Message == "" {
		t.Error("expected a non-empty message")
	}
}
