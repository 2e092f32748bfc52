package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-identity/internal/lifecycle"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Database    string `json:"database"`
	Identities  int    `json:"identities"`
	Sessions    int    `json:"sessions"`
}

// HealthCheck reports whether the model and the store are reachable.
// It responds 503 when either is down so orchestrators stop routing traffic.
func HealthCheck(svc *lifecycle.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())

		resp := HealthResponse{
			Status:      "healthy",
			ModelLoaded: h.ModelLoaded,
			Database:    "connected",
			Identities:  h.Identities,
			Sessions:    h.Sessions,
		}
		status := http.StatusOK
		if !h.DatabaseOK {
			resp.Database = "disconnected"
		}
		if !h.ModelLoaded || !h.DatabaseOK {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, resp)
	}
}
