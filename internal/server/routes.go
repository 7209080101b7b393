package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the five HTTP routes, the SSE route, and the
// WebSocket route from spec.md §6.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/api/refactor", func(r chi.Router) {
		r.Post("/", s.startRefactor)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRefactorStatus)
			r.Get("/sse", s.refactorEvents)
			r.Post("/confirm-plan", s.confirmPlan)
			r.Post("/confirm-validation", s.confirmValidation)
			r.Post("/confirm-push", s.confirmPush)
		})
	})

	r.Get("/ws/refactor/{id}", s.refactorWS)
}
