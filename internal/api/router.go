package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/api/openapi.json", s.handleOpenAPI)
	r.Get("/swagger-ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger-ui/", http.StatusMovedPermanently)
	})
	r.Get("/swagger-ui/", s.handleSwaggerUI)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/config", s.handleConfig)
		r.Get("/state", s.handleState)

		r.Get("/device-hardware-version/{address}", s.handleReadHardwareVersion)

		r.Route("/devices", func(r chi.Router) {
			r.Post("/address", s.handleAssignAddress)
			r.Get("/{name}", s.handleGetDevice)
		})

		r.Route("/coil/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetCoil)
			r.Post("/", s.handleSetCoil)
			r.Get("/history", s.handleCoilHistory)
		})

		r.Route("/tag/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetTag)
			r.Post("/", s.handleSetTag)
		})

		r.Post("/resync", s.handleResync)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns liveness plus coordinator counters.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"gateway_id":     s.gatewayID,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}
	if s.busStats != nil {
		resp["bus"] = s.busStats()
	}
	writeJSON(w, http.StatusOK, resp)
}
