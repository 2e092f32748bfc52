package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-identity/internal/web/handlers"
	"github.com/kozaktomas/face-identity/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	// Create handlers
	facesHandler := handlers.NewFacesHandler(s.svc, s.log)
	sessionsHandler := handlers.NewSessionsHandler(s.svc, s.log)

	s.router.NotFound(handlers.NotFound)
	s.router.MethodNotAllowed(handlers.MethodNotAllowed)

	// Health check and metrics (no auth required)
	s.router.Get("/health", handlers.HealthCheck(s.svc))
	if s.metrics != nil {
		s.router.Method("GET", "/metrics", s.metrics.Handler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(s.config.Web.APIKey))

		r.Post("/register", facesHandler.Register)
		r.Post("/register-upload", facesHandler.RegisterUpload)
		r.Post("/verify", facesHandler.Verify)
		r.Post("/verify-upload", facesHandler.VerifyUpload)

		r.Get("/faces/{person_id}", facesHandler.Get)
		r.Put("/faces/{person_id}", facesHandler.Update)
		r.Delete("/faces/{person_id}", facesHandler.Delete)

		r.Post("/sessions", sessionsHandler.Start)
		r.Get("/sessions/{token}", sessionsHandler.Get)
		r.Post("/sessions/{token}/images", sessionsHandler.AddImages)
		r.Post("/sessions/{token}/finalize", sessionsHandler.Finalize)
		r.Delete("/sessions/{token}", sessionsHandler.Cancel)
	})
}
