// Package api provides the MediBot admin HTTP server.
//
// It exposes readiness, statistics, conversation history, participant management and
// manual decision triggering, plus the Twilio inbound webhook when that transport is
// active.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BTreeMap/MediBot/internal/conversation"
	"github.com/BTreeMap/MediBot/internal/messaging"
	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/scheduler"
	"github.com/BTreeMap/MediBot/internal/snapshot"
	"github.com/BTreeMap/MediBot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// Decider runs one decision for one participant.
type Decider interface {
	DecideFor(ctx context.Context, participantID string, point models.DecisionPoint) (*models.DecisionRecord, error)
}

// StatsSource reports inbound handler counters.
type StatsSource interface {
	Stats() messaging.HandlerStats
}

// TimerLister reports pending follow-up timers.
type TimerLister interface {
	ListActive() []scheduler.TimerInfo
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithDecider enables POST /participants/{id}/decide.
func WithDecider(d Decider) Option {
	return func(s *Server) { s.decider = d }
}

// WithHandlerStats adds handler counters to GET /stats.
func WithHandlerStats(src StatsSource) Option {
	return func(s *Server) { s.handlerStats = src }
}

// WithTimers enables GET /timers.
func WithTimers(t TimerLister) Option {
	return func(s *Server) { s.timers = t }
}

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(s *Server) { s.twilioWebhook = h }
}

// WithAllowedOrigins sets the CORS allow list. The default allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// Server holds the dependencies behind the HTTP handlers.
type Server struct {
	msgService     messaging.Service
	conversations  *conversation.Store
	st             store.Store
	builder        *snapshot.Builder
	decider        Decider
	handlerStats   StatsSource
	timers         TimerLister
	twilioWebhook  http.HandlerFunc
	addr           string
	allowedOrigins []string
	now            func() time.Time

	router     chi.Router
	httpServer *http.Server
}

// NewServer builds a Server and its routes.
func NewServer(msgService messaging.Service, conversations *conversation.Store, st store.Store, builder *snapshot.Builder, opts ...Option) *Server {
	s := &Server{
		msgService:     msgService,
		conversations:  conversations,
		st:             st,
		builder:        builder,
		addr:           DefaultAddr,
		allowedOrigins: []string{"*"},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/status", s.statusHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/receipts", s.receiptsHandler)
	r.Get("/conversations/{id}", s.conversationHandler)

	r.Route("/participants", func(r chi.Router) {
		r.Post("/", s.saveParticipantHandler)
		r.Get("/", s.listParticipantsHandler)
		r.Get("/{id}", s.getParticipantHandler)
		r.Delete("/{id}", s.deleteParticipantHandler)
		r.Post("/{id}/adherence", s.recordAdherenceHandler)
		r.Post("/{id}/decide", s.decideHandler)
		r.Get("/{id}/decisions", s.listDecisionsHandler)
	})

	if s.timers != nil {
		r.Get("/timers", s.timersHandler)
	}
	if s.twilioWebhook != nil {
		r.Post("/twilio/webhook", s.twilioWebhook)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start listens on the configured address and serves until Shutdown. It returns once
// the listener is bound; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("Server.Start: API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API")
	return s.httpServer.Shutdown(ctx)
}
