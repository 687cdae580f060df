// Package api exposes Citabot's HTTP surface: event injection, the admin
// read endpoints over leads, appointments and audit history, and the
// settings write path.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Server wires the HTTP handlers to the application's services.
type Server struct {
	st         store.Store
	msgService messaging.Service
	queue      messaging.TurnQueue
	cache      *settings.Cache
	engine     *booking.Engine
	twilio     *messaging.TwilioService

	httpServer *http.Server
}

// NewServer creates the API server. twilio may be nil when the Twilio
// channel is not configured; its webhook route is only mounted when present.
func NewServer(st store.Store, msgService messaging.Service, queue messaging.TurnQueue, cache *settings.Cache, engine *booking.Engine, twilio *messaging.TwilioService) *Server {
	return &Server{
		st:         st,
		msgService: msgService,
		queue:      queue,
		cache:      cache,
		engine:     engine,
		twilio:     twilio,
	}
}

// Run starts the HTTP server on addr and blocks until it stops.
func (s *Server) Run(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Server.Run: API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /events", s.postEventHandler)
	mux.HandleFunc("GET /leads", s.getLeadBySenderHandler)
	mux.HandleFunc("GET /leads/{id}", s.getLeadHandler)
	mux.HandleFunc("GET /leads/{id}/messages", s.getLeadMessagesHandler)
	mux.HandleFunc("GET /leads/{id}/audit", s.getLeadAuditHandler)
	mux.HandleFunc("GET /appointments", s.listAppointmentsHandler)
	mux.HandleFunc("POST /appointments/{id}/confirm", s.appointmentTransitionHandler)
	mux.HandleFunc("POST /appointments/{id}/cancel", s.appointmentTransitionHandler)
	mux.HandleFunc("POST /appointments/{id}/complete", s.appointmentTransitionHandler)
	mux.HandleFunc("GET /availability", s.getAvailabilityHandler)
	mux.HandleFunc("GET /settings/{key}", s.getSettingHandler)
	mux.HandleFunc("PUT /settings/{key}", s.putSettingHandler)
	if s.twilio != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.twilio.WebhookHandler)
	}
	return mux
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
