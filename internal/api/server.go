// Package api exposes the local control surface the CRM frontend drives:
// session commands, a live event stream, call history and metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicedesk/voicedesk/internal/api/middleware"
	"github.com/voicedesk/voicedesk/internal/history"
	"github.com/voicedesk/voicedesk/internal/session"
)

// SessionController is the command surface the handlers drive.
type SessionController interface {
	Dial(req session.DialRequest) error
	Answer() error
	Hangup() error
	SetHold(on bool) error
	SetMute(on bool) error
	SetVolume(percent int) error
	SetKeepEndedVisible(on bool) error
	SendDTMF(digit rune) error
	PauseRecording() error
	ResumeRecording() error
	ForceReset()
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

// Options configures the HTTP server.
type Options struct {
	// JWTSecret enables bearer-token auth on /v1 when non-empty.
	JWTSecret []byte

	// CORSOrigins are the browser origins allowed to call the agent.
	CORSOrigins []string

	// Gatherer serves /metrics. Defaults to the prometheus default.
	Gatherer prometheus.Gatherer
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	ctrl   SessionController
	calls  history.Store
	logger *slog.Logger
	opts   Options
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(ctrl SessionController, calls history.Store, opts Options, logger *slog.Logger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: chi.NewRouter(),
		ctrl:   ctrl,
		calls:  calls,
		logger: logger.With("subsystem", "api"),
		opts:   opts,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CORS(s.opts.CORSOrigins))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter))
		if len(s.opts.JWTSecret) > 0 {
			r.Use(middleware.RequireAgentAuth(s.opts.JWTSecret))
		}

		r.Get("/session", s.handleGetSession)
		r.Get("/events", s.handleEvents)
		r.Get("/history", s.handleListHistory)

		r.Post("/call", s.handleCall)
		r.Post("/answer", s.handleAnswer)
		r.Post("/hangup", s.handleHangup)
		r.Post("/hold", s.handleHold)
		r.Post("/mute", s.handleMute)
		r.Post("/volume", s.handleVolume)
		r.Post("/dtmf", s.handleDTMF)
		r.Post("/reset", s.handleReset)
		r.Post("/keep-visible", s.handleKeepVisible)
		r.Post("/recording/pause", s.handleRecordingPause)
		r.Post("/recording/resume", s.handleRecordingResume)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
