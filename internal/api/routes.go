package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/refresh", s.HandleRefresh)
	})

	// Ingress, guarded by the shared webhook token
	r.Group(func(r chi.Router) {
		r.Use(s.webhookMiddleware)
		r.Post("/uplinks", s.HandleUplink)
		r.Post("/solver/responses", s.HandleSolverResponse)
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/sessions/{dev_eui}/{window}", s.HandleGetSession)
		r.Get("/evidence", s.HandleListEvidence)
	})
}
