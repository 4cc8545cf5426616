package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-watch/internal/web/handlers"
	"github.com/kozaktomas/face-watch/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	// Create handlers
	healthHandler := handlers.NewHealthHandler(s.svc)
	identifyHandler := handlers.NewIdentifyHandler(s.svc, s.logger)
	facesHandler := handlers.NewFacesHandler(s.svc, s.logger)

	// Health check (no auth required)
	s.router.Get("/health", healthHandler.Check)

	// Everything else requires an API key when keys are configured
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(s.apiKeys))

		// Identification and feedback
		r.Post("/identify_faces", identifyHandler.Identify)
		r.Post("/feedback", identifyHandler.Feedback)

		// Known faces
		r.Post("/save_face", facesHandler.Save)
		r.Post("/label_face", facesHandler.Label)
		r.Post("/delete_face", facesHandler.Delete)
		r.Get("/get_images", facesHandler.ListImages)
		r.Get("/people", facesHandler.People)
		r.Post("/faces/similar", facesHandler.Similar)
		r.Get("/images/{id}", facesHandler.Image)
		r.Post("/reload", facesHandler.Reload)
	})
}
