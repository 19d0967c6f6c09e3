package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionKey}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.closeSession)

			r.Post("/message", s.sendMessage)
			r.Post("/queue", s.queuePrompt)
			r.Post("/interrupt", s.interruptSession)
		})
	})

	// Permission routes
	r.Route("/permission", func(r chi.Router) {
		r.Get("/", s.listPermissions)
		r.Post("/{requestID}", s.respondPermission)
	})

	// Alarm routes
	r.Route("/alarm", func(r chi.Router) {
		r.Get("/", s.listAlarms)
		r.Post("/", s.registerAlarm)
		r.Delete("/{alarmID}", s.cancelAlarm)
	})

	// Synchronous channel requests
	r.Post("/channel", s.openChannel)

	// Event streaming (SSE)
	r.Get("/event", s.streamEvents)
}
