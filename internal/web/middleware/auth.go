package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// APIKeyHeader carries the pre-shared key on every protected request.
const APIKeyHeader = "X-API-Key"

type unauthorizedResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RequireAPIKey rejects requests whose X-API-Key header does not match key.
// An empty key rejects everything.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	expected := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(APIKeyHeader))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(unauthorizedResponse{
					Error:   "UNAUTHORIZED",
					Message: "Invalid or missing API Key.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
