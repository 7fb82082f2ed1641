// Package api exposes the supervisor's control operations over HTTP and
// streams the event bus as Server-Sent Events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
	"github.com/hugo-lorenzo-mato/anima/internal/supervisor"
)

// Control is the slice of the supervisor the API needs.
type Control interface {
	RegisterProject(path, name string) (supervisor.Registration, error)
	RemoveProject(projectID string) error
	ListProjects() []supervisor.Registration
	Snapshot(projectID string) (*core.ProjectSnapshot, error)
	WakeNow(projectID string) error
	Pause(projectID string) error
	Resume(projectID string) error
	CancelMilestone(ctx context.Context, projectID, milestoneID string) error
	ApproveReview(ctx context.Context, projectID, milestoneID string) error
	RejectReview(ctx context.Context, projectID, milestoneID, reason string) error
	ProvideGuidance(ctx context.Context, projectID, text string) error
	SubscribeEvents(projectID string, types ...string) <-chan events.Event
	UnsubscribeEvents(ch <-chan events.Event)
}

// Server serves the control API for one supervisor.
type Server struct {
	router  chi.Router
	control Control
	log     *logging.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates the API server.
func NewServer(control Control, opts ...Option) *Server {
	s := &Server{
		control: control,
		log:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleRegisterProject)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.handleSnapshot)
				r.Delete("/", s.handleRemoveProject)
				r.Post("/wake", s.handleWake)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/guidance", s.handleGuidance)

				r.Route("/milestones/{milestoneID}", func(r chi.Router) {
					r.Post("/cancel", s.handleCancelMilestone)
					r.Post("/approve", s.handleApproveReview)
					r.Post("/reject", s.handleRejectReview)
				})
			})
		})

		// SSE stream for real-time updates.
		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError maps domain error kinds onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	var dom *core.DomainError
	if errors.As(err, &dom) {
		code = dom.Code
		switch dom.Kind {
		case core.KindNotFound:
			status = http.StatusNotFound
		case core.KindValidation:
			status = http.StatusBadRequest
			if dom.Code == core.CodeAlreadyExists {
				status = http.StatusConflict
			}
		}
	}
	respondJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down with the context.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
