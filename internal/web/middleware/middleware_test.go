package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-identity/internal/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

func TestRequireAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		header   string
		wantCode int
	}{
		{"valid key", "secret", "secret", http.StatusOK},
		{"wrong key", "secret", "guess", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"prefix of key", "secret", "sec", http.StatusUnauthorized},
		{"unconfigured key", "", "", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/faces/alice", nil)
			if tc.header != "" {
				req.Header.Set(APIKeyHeader, tc.header)
			}
			recorder := httptest.NewRecorder()

			RequireAPIKey(tc.key)(okHandler).ServeHTTP(recorder, req)

			if recorder.Code != tc.wantCode {
				t.Fatalf("expected status %d, got %d", tc.wantCode, recorder.Code)
			}
			if tc.wantCode != http.StatusUnauthorized {
				return
			}
			var body map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse body: %v", err)
			}
			if body["error"] != "UNAUTHORIZED" || body["message"] != "Invalid or missing API Key." {
				t.Errorf("unexpected body: %v", body)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://kiosk.example.com", " https://admin.example.com/ "})(okHandler)

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"whitelisted", "https://kiosk.example.com", "https://kiosk.example.com"},
		{"trailing slash in config", "https://admin.example.com", "https://admin.example.com"},
		{"localhost", "http://localhost:5173", "http://localhost:5173"},
		{"loopback ip", "http://127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"localhost lookalike", "http://localhost.evil.example.com", ""},
		{"foreign", "https://evil.example.com", ""},
		{"no origin", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, req)

			if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.wantOrigin)
			}
			if recorder.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", recorder.Code)
			}
		})
	}
}

func TestCORS_AnyOrigin(t *testing.T) {
	handler := CORS([]string{AnyOrigin})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := recorder.Header().Get("Vary"); got != "" {
		t.Errorf("Vary = %q, want none for a wildcard origin", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/verify", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, APIKeyHeader) {
		t.Errorf("Allow-Headers = %q, want it to list %s", got, APIKeyHeader)
	}
}

func TestCORS_PreflightForeignOrigin(t *testing.T) {
	handler := CORS(nil)(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/verify", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Access-Control-Allow-Methods"); got != "" {
		t.Errorf("foreign preflight got Allow-Methods %q", got)
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	handler := chiMiddleware.RequestID(AccessLog(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/faces/alice", nil))

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["path"] != "/faces/alice" || fields["method"] != http.MethodGet {
		t.Errorf("unexpected fields: %v", fields)
	}
	if id, _ := fields["request_id"].(string); id == "" {
		t.Error("request_id missing")
	}
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	handler := Recover(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map write")
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/register", nil))

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse body: %v", err)
	}
	if body["error"] != "INTERNAL_SERVER_ERROR" {
		t.Errorf("unexpected body: %v", body)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}
